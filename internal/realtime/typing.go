package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

const (
	defaultTypingIdleWindow = time.Second
	defaultRemoteTypingTTL  = 3 * time.Second
)

// Emitter sends outbound frames. ConnectionManager implements it.
type Emitter interface {
	Emit(event string, payload interface{}) bool
}

// TypingTrackerConfig configures a TypingTracker.
type TypingTrackerConfig struct {
	Emitter Emitter
	Clock   clock.Clock
	// IdleWindow is how long after the last keystroke the local user stops typing.
	IdleWindow time.Duration
	// RemoteTTL expires remote typing indicators whose stop event never arrived.
	RemoteTTL time.Duration
}

type typingTimer struct {
	timer *clock.Timer
	seq   uint64
}

// TypingTracker tracks who is typing where, and debounces the local user's typing signal.
type TypingTracker struct {
	emitter    Emitter
	clock      clock.Clock
	idleWindow time.Duration
	remoteTTL  time.Duration

	mu       sync.Mutex
	seq      uint64
	remote   map[string]map[string]typingTimer
	local    map[string]typingTimer
	onChange func()
}

// NewTypingTracker constructs a tracker.
func NewTypingTracker(cfg TypingTrackerConfig) *TypingTracker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	idle := cfg.IdleWindow
	if idle <= 0 {
		idle = defaultTypingIdleWindow
	}
	ttl := cfg.RemoteTTL
	if ttl <= 0 {
		ttl = defaultRemoteTypingTTL
	}
	return &TypingTracker{
		emitter:    cfg.Emitter,
		clock:      clk,
		idleWindow: idle,
		remoteTTL:  ttl,
		remote:     make(map[string]map[string]typingTimer),
		local:      make(map[string]typingTimer),
	}
}

// SetOnChange registers a callback run after remote typing state changes on its own (TTL expiry).
func (t *TypingTracker) SetOnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// ApplyRemote folds an inbound typing event into the remote state. Other events are ignored.
func (t *TypingTracker) ApplyRemote(event InboundEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := event.(type) {
	case TypingStarted:
		users, ok := t.remote[e.ChatID]
		if !ok {
			users = make(map[string]typingTimer)
			t.remote[e.ChatID] = users
		}
		if existing, ok := users[e.UserID]; ok {
			existing.timer.Stop()
		}
		t.seq++
		seq := t.seq
		chatID, userID := e.ChatID, e.UserID
		users[userID] = typingTimer{
			timer: t.clock.AfterFunc(t.remoteTTL, func() { t.expireRemote(chatID, userID, seq) }),
			seq:   seq,
		}
	case TypingStopped:
		t.removeRemoteLocked(e.ChatID, e.UserID)
	}
}

// TypingUsers returns the ids of users typing in the chat, sorted.
func (t *TypingTracker) TypingUsers(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.remote[chatID]
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *TypingTracker) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.remote[chatID][userID]
	return ok
}

// StartTyping signals a local keystroke. typing:start is emitted only when the chat was idle;
// every call pushes the automatic typing:stop back by the idle window.
func (t *TypingTracker) StartTyping(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, typing := t.local[chatID]
	if typing {
		current.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.local[chatID] = typingTimer{
		timer: t.clock.AfterFunc(t.idleWindow, func() { t.expireLocal(chatID, seq) }),
		seq:   seq,
	}
	if !typing {
		t.emit(dto.EventTypingStart, chatID)
	}
}

// StopTyping emits typing:stop immediately and cancels the pending automatic stop.
func (t *TypingTracker) StopTyping(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.local[chatID]; ok {
		current.timer.Stop()
		delete(t.local, chatID)
	}
	t.emit(dto.EventTypingStop, chatID)
}

// IsLocalTyping reports whether the local user is in the typing state for the chat.
func (t *TypingTracker) IsLocalTyping(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[chatID]
	return ok
}

// Reset stops every timer and forgets all typing state without emitting anything.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, users := range t.remote {
		for _, entry := range users {
			entry.timer.Stop()
		}
	}
	for _, entry := range t.local {
		entry.timer.Stop()
	}
	t.remote = make(map[string]map[string]typingTimer)
	t.local = make(map[string]typingTimer)
}

func (t *TypingTracker) expireLocal(chatID string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.local[chatID]
	if !ok || current.seq != seq {
		return
	}
	delete(t.local, chatID)
	t.emit(dto.EventTypingStop, chatID)
}

func (t *TypingTracker) expireRemote(chatID, userID string, seq uint64) {
	t.mu.Lock()
	current, ok := t.remote[chatID][userID]
	if !ok || current.seq != seq {
		t.mu.Unlock()
		return
	}
	t.removeRemoteLocked(chatID, userID)
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

func (t *TypingTracker) removeRemoteLocked(chatID, userID string) {
	users, ok := t.remote[chatID]
	if !ok {
		return
	}
	if entry, ok := users[userID]; ok {
		entry.timer.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(t.remote, chatID)
	}
}

func (t *TypingTracker) emit(event, chatID string) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(event, dto.TypingPayload{ChatID: chatID})
}
