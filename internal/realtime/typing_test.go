package realtime

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

func newTypingFixture() (*TypingTracker, *recordingEmitter, *clock.Mock) {
	emitter := &recordingEmitter{}
	mock := clock.NewMock()
	tracker := NewTypingTracker(TypingTrackerConfig{
		Emitter:    emitter,
		Clock:      mock,
		IdleWindow: time.Second,
		RemoteTTL:  3 * time.Second,
	})
	return tracker, emitter, mock
}

func TestStartTypingDebouncesStart(t *testing.T) {
	tracker, emitter, mock := newTypingFixture()

	tracker.StartTyping("c1")
	mock.Add(500 * time.Millisecond)
	tracker.StartTyping("c1")
	mock.Add(500 * time.Millisecond)
	tracker.StartTyping("c1")

	require.Equal(t, 1, emitter.count(dto.EventTypingStart))
	require.True(t, tracker.IsLocalTyping("c1"))

	mock.Add(999 * time.Millisecond)
	require.Equal(t, 0, emitter.count(dto.EventTypingStop))

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return emitter.count(dto.EventTypingStop) == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, tracker.IsLocalTyping("c1"))

	mock.Add(5 * time.Second)
	require.Equal(t, 1, emitter.count(dto.EventTypingStop))
	require.Equal(t, []string{dto.EventTypingStart, dto.EventTypingStop}, emitter.events())
	require.Equal(t, dto.TypingPayload{ChatID: "c1"}, emitter.last().Payload)
}

func TestStartTypingAfterIdleEmitsAgain(t *testing.T) {
	tracker, emitter, mock := newTypingFixture()

	tracker.StartTyping("c1")
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return emitter.count(dto.EventTypingStop) == 1 }, time.Second, 5*time.Millisecond)

	tracker.StartTyping("c1")
	require.Equal(t, 2, emitter.count(dto.EventTypingStart))
}

func TestStopTypingEmitsImmediatelyAndCancelsTimer(t *testing.T) {
	tracker, emitter, mock := newTypingFixture()

	tracker.StopTyping("c1")
	require.Equal(t, []string{dto.EventTypingStop}, emitter.events())
	emitter.reset()

	tracker.StartTyping("c1")
	tracker.StopTyping("c1")
	require.Equal(t, []string{dto.EventTypingStart, dto.EventTypingStop}, emitter.events())

	mock.Add(3 * time.Second)
	require.Equal(t, 1, emitter.count(dto.EventTypingStop))
}

func TestTypingIsTrackedPerChat(t *testing.T) {
	tracker, emitter, _ := newTypingFixture()

	tracker.StartTyping("c1")
	tracker.StartTyping("c2")
	tracker.StartTyping("c1")
	require.Equal(t, 2, emitter.count(dto.EventTypingStart))
}

func TestRemoteTypingStartStopAndExpiry(t *testing.T) {
	tracker, _, mock := newTypingFixture()
	var changes int32
	tracker.SetOnChange(func() { atomic.AddInt32(&changes, 1) })

	tracker.ApplyRemote(TypingStarted{dto.TypingEvent{UserID: "bob", ChatID: "c1"}})
	tracker.ApplyRemote(TypingStarted{dto.TypingEvent{UserID: "amy", ChatID: "c1"}})
	require.Equal(t, []string{"amy", "bob"}, tracker.TypingUsers("c1"))

	tracker.ApplyRemote(TypingStopped{dto.TypingEvent{UserID: "amy", ChatID: "c1"}})
	require.Equal(t, []string{"bob"}, tracker.TypingUsers("c1"))

	mock.Add(2 * time.Second)
	tracker.ApplyRemote(TypingStarted{dto.TypingEvent{UserID: "bob", ChatID: "c1"}})
	mock.Add(2 * time.Second)
	require.True(t, tracker.IsTyping("c1", "bob"))

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !tracker.IsTyping("c1", "bob") }, time.Second, 5*time.Millisecond)
	require.Empty(t, tracker.TypingUsers("c1"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&changes) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTypingResetForgetsEverythingSilently(t *testing.T) {
	tracker, emitter, mock := newTypingFixture()

	tracker.StartTyping("c1")
	tracker.ApplyRemote(TypingStarted{dto.TypingEvent{UserID: "bob", ChatID: "c1"}})
	emitter.reset()

	tracker.Reset()
	require.False(t, tracker.IsLocalTyping("c1"))
	require.Empty(t, tracker.TypingUsers("c1"))

	mock.Add(5 * time.Second)
	require.Empty(t, emitter.events())
}
