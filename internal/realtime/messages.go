package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

const defaultHistoryLimit = 50

// HistoryOptions pages a history request.
type HistoryOptions struct {
	Before *time.Time
	Limit  int
}

// HistoryFetcher loads chat history in ascending order.
type HistoryFetcher interface {
	History(ctx context.Context, chatID string, opts HistoryOptions) ([]dto.ChatMessageResponse, error)
}

type messageTransform func([]dto.ChatMessageResponse) ([]dto.ChatMessageResponse, bool)

// MessageStore holds the ordered history of the chat currently on screen.
// Every mutation swaps in a new slice so snapshots handed to readers never change.
type MessageStore struct {
	fetcher HistoryFetcher
	limit   int
	logger  zerolog.Logger

	mu          sync.Mutex
	token       uint64
	currentChat string
	messages    []dto.ChatMessageResponse
	loading     bool
	err         string
	pending     []dto.ChatMessageResponse
	replay      []messageTransform
}

// NewMessageStore constructs an empty store. limit <= 0 uses the default page size.
func NewMessageStore(fetcher HistoryFetcher, limit int, logger zerolog.Logger) *MessageStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &MessageStore{
		fetcher: fetcher,
		limit:   limit,
		logger:  logger.With().Str("component", "message_store").Logger(),
	}
}

// LoadHistory makes chatID current and replaces the messages with its latest page.
// A result that arrives after another LoadHistory or Clear is discarded.
func (s *MessageStore) LoadHistory(ctx context.Context, chatID string) error {
	return s.load(ctx, chatID, false)
}

// ReloadHistory refetches chatID only if it is still the current chat.
func (s *MessageStore) ReloadHistory(ctx context.Context, chatID string) error {
	return s.load(ctx, chatID, true)
}

func (s *MessageStore) load(ctx context.Context, chatID string, onlyIfCurrent bool) error {
	s.mu.Lock()
	if onlyIfCurrent && (chatID == "" || chatID != s.currentChat) {
		s.mu.Unlock()
		return nil
	}
	s.token++
	token := s.token
	if chatID != s.currentChat {
		s.messages = nil
	}
	s.currentChat = chatID
	s.loading = true
	s.err = ""
	s.pending = nil
	s.replay = nil
	s.mu.Unlock()

	history, err := s.fetcher.History(ctx, chatID, HistoryOptions{Limit: s.limit})

	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.token {
		s.logger.Debug().Str("chat_id", chatID).Msg("discarding stale history response")
		return nil
	}
	s.loading = false
	if err != nil {
		s.err = err.Error()
		s.pending = nil
		s.replay = nil
		return err
	}

	merged := make([]dto.ChatMessageResponse, 0, len(history)+len(s.pending))
	seen := make(map[string]struct{}, len(history))
	for _, message := range history {
		if message.ChatID != "" && message.ChatID != chatID {
			continue
		}
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
	}
	for _, message := range s.pending {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
	}
	for _, transform := range s.replay {
		merged, _ = transform(merged)
	}

	s.messages = merged
	s.pending = nil
	s.replay = nil
	return nil
}

// ApplyNewMessage appends msg when it belongs to the current chat and is not already present.
func (s *MessageStore) ApplyNewMessage(msg dto.ChatMessageResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentChat == "" || msg.ChatID != s.currentChat {
		return false
	}
	if indexOfMessage(s.messages, msg.ID) >= 0 {
		return false
	}

	next := make([]dto.ChatMessageResponse, len(s.messages), len(s.messages)+1)
	copy(next, s.messages)
	s.messages = append(next, msg)
	if s.loading {
		s.pending = append(s.pending, msg)
	}
	return true
}

// ApplyReadReceipt adds a receipt for userID to each listed message that lacks one.
func (s *MessageStore) ApplyReadReceipt(userID string, messageIDs []string, readAt time.Time) bool {
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	return s.mutate(func(messages []dto.ChatMessageResponse) ([]dto.ChatMessageResponse, bool) {
		var next []dto.ChatMessageResponse
		for i, message := range messages {
			if _, ok := ids[message.ID]; !ok || message.HasReceipt(userID) {
				continue
			}
			if next == nil {
				next = cloneMessages(messages)
			}
			readBy := make([]dto.ReadReceiptResponse, len(message.ReadBy), len(message.ReadBy)+1)
			copy(readBy, message.ReadBy)
			next[i].ReadBy = append(readBy, dto.ReadReceiptResponse{UserID: userID, ReadAt: readAt})
		}
		if next == nil {
			return messages, false
		}
		return next, true
	})
}

// ApplyReaction replaces the message's reactions with the server's list when present,
// otherwise adds or removes the single (user, emoji) pair.
func (s *MessageStore) ApplyReaction(event dto.MessageReactionEvent) bool {
	return s.mutate(func(messages []dto.ChatMessageResponse) ([]dto.ChatMessageResponse, bool) {
		idx := indexOfMessage(messages, event.MessageID)
		if idx < 0 {
			return messages, false
		}
		current := messages[idx].Reactions

		var reactions []dto.ReactionResponse
		switch {
		case event.Reactions != nil:
			reactions = append([]dto.ReactionResponse{}, event.Reactions...)
		case event.Action == dto.ReactionAdd:
			for _, reaction := range current {
				if reaction.UserID == event.UserID && reaction.Emoji == event.Emoji {
					return messages, false
				}
			}
			reactions = make([]dto.ReactionResponse, len(current), len(current)+1)
			copy(reactions, current)
			reactions = append(reactions, dto.ReactionResponse{UserID: event.UserID, Emoji: event.Emoji})
		case event.Action == dto.ReactionRemove:
			reactions = make([]dto.ReactionResponse, 0, len(current))
			for _, reaction := range current {
				if reaction.UserID == event.UserID && reaction.Emoji == event.Emoji {
					continue
				}
				reactions = append(reactions, reaction)
			}
			if len(reactions) == len(current) {
				return messages, false
			}
		default:
			return messages, false
		}

		next := cloneMessages(messages)
		next[idx].Reactions = reactions
		return next, true
	})
}

// ApplySoftDelete turns the message into a tombstone in place. Content and file fields are cleared.
func (s *MessageStore) ApplySoftDelete(messageID string) bool {
	return s.mutate(func(messages []dto.ChatMessageResponse) ([]dto.ChatMessageResponse, bool) {
		idx := indexOfMessage(messages, messageID)
		if idx < 0 || messages[idx].IsDeleted {
			return messages, false
		}
		next := cloneMessages(messages)
		next[idx].IsDeleted = true
		next[idx].Content = ""
		next[idx].FileURL = ""
		next[idx].FileName = ""
		next[idx].FileType = ""
		return next, true
	})
}

// Clear forgets the current chat and abandons any in-flight history load.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token++
	s.currentChat = ""
	s.messages = nil
	s.loading = false
	s.err = ""
	s.pending = nil
	s.replay = nil
}

// Messages returns the current snapshot in ascending order. Callers must not modify it.
func (s *MessageStore) Messages() []dto.ChatMessageResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Message looks up a message in the current snapshot.
func (s *MessageStore) Message(id string) (dto.ChatMessageResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := indexOfMessage(s.messages, id); idx >= 0 {
		return s.messages[idx], true
	}
	return dto.ChatMessageResponse{}, false
}

func (s *MessageStore) CurrentChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentChat
}

func (s *MessageStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last history load failure, or "".
func (s *MessageStore) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UnreadIDs lists messages in the current chat that userID has not read and did not send.
func (s *MessageStore) UnreadIDs(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, message := range s.messages {
		if message.SenderID == userID || message.IsDeleted || message.HasReceipt(userID) {
			continue
		}
		ids = append(ids, message.ID)
	}
	return ids
}

func (s *MessageStore) mutate(transform messageTransform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed := transform(s.messages)
	if changed {
		s.messages = next
	}
	if s.loading {
		s.replay = append(s.replay, transform)
	}
	return changed
}

func cloneMessages(messages []dto.ChatMessageResponse) []dto.ChatMessageResponse {
	next := make([]dto.ChatMessageResponse, len(messages))
	copy(next, messages)
	return next
}

func indexOfMessage(messages []dto.ChatMessageResponse, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}
