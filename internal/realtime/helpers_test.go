package realtime

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func frameBytes(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	data, err := encodeFrame(event, payload)
	require.NoError(t, err)
	return data
}

type emitted struct {
	Event   string
	Payload interface{}
}

// recordingEmitter captures outbound frames instead of writing them to a socket.
type recordingEmitter struct {
	mu     sync.Mutex
	frames []emitted
	down   bool
}

func (e *recordingEmitter) Emit(event string, payload interface{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return false
	}
	e.frames = append(e.frames, emitted{Event: event, Payload: payload})
	return true
}

func (e *recordingEmitter) setDown(down bool) {
	e.mu.Lock()
	e.down = down
	e.mu.Unlock()
}

func (e *recordingEmitter) events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.frames))
	for _, frame := range e.frames {
		out = append(out, frame.Event)
	}
	return out
}

func (e *recordingEmitter) last() emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 0 {
		return emitted{}
	}
	return e.frames[len(e.frames)-1]
}

func (e *recordingEmitter) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, frame := range e.frames {
		if frame.Event == event {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	e.frames = nil
	e.mu.Unlock()
}

func newMessage(chatID, senderID, content string, at time.Time) dto.ChatMessageResponse {
	return dto.ChatMessageResponse{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      "text",
		ReadBy:    []dto.ReadReceiptResponse{},
		Reactions: []dto.ReactionResponse{},
		CreatedAt: at,
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
