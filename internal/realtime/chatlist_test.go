package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

type stubLister struct {
	mu    sync.Mutex
	chats []dto.ChatResponse
	err   error
	calls int
}

func (s *stubLister) ListChats(context.Context) ([]dto.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]dto.ChatResponse, len(s.chats))
	copy(out, s.chats)
	return out, nil
}

func (s *stubLister) set(chats ...dto.ChatResponse) {
	s.mu.Lock()
	s.chats = chats
	s.mu.Unlock()
}

func (s *stubLister) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func chatAt(id string, updated time.Time, unread int) dto.ChatResponse {
	return dto.ChatResponse{
		ID:          id,
		Kind:        "direct",
		Members:     []dto.UserResponse{},
		Messages:    []dto.ChatMessageResponse{},
		UnreadCount: unread,
		CreatedAt:   updated,
		UpdatedAt:   updated,
	}
}

func chatIDs(chats []dto.ChatResponse) []string {
	ids := make([]string, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.ID)
	}
	return ids
}

func requireSortedByRecency(t *testing.T, chats []dto.ChatResponse) {
	t.Helper()
	for i := 1; i < len(chats); i++ {
		require.False(t, chats[i].Recency().After(chats[i-1].Recency()), "chat %s out of order", chats[i].ID)
	}
}

func TestRefreshSortsByRecencyAndZeroesActive(t *testing.T) {
	base := time.Now()
	withMessage := chatAt("c3", base.Add(-time.Hour), 0)
	withMessage.Messages = []dto.ChatMessageResponse{newMessage("c3", "bob", "late", base.Add(time.Hour))}

	lister := &stubLister{}
	lister.set(chatAt("c1", base, 2), chatAt("c2", base.Add(time.Minute), 4), withMessage)
	cache := NewChatListCache(lister, "me", testLogger())
	cache.SetActive("c2")

	require.NoError(t, cache.Refresh(context.Background()))
	chats := cache.Chats()
	require.Equal(t, []string{"c3", "c2", "c1"}, chatIDs(chats))
	requireSortedByRecency(t, chats)
	require.Equal(t, 0, cache.Unread("c2"))
	require.Equal(t, 2, cache.Unread("c1"))
}

func TestIncomingMessageUpdatesUnreadAndOrder(t *testing.T) {
	base := time.Now()
	lister := &stubLister{}
	lister.set(chatAt("c1", base, 0), chatAt("c2", base.Add(time.Minute), 0))
	cache := NewChatListCache(lister, "me", testLogger())
	require.NoError(t, cache.Refresh(context.Background()))

	incoming := newMessage("c1", "bob", "ping", base.Add(time.Hour))
	require.True(t, cache.OnIncomingMessage(incoming))
	require.True(t, cache.OnIncomingMessage(incoming))
	require.Equal(t, 1, cache.Unread("c1"))
	require.Equal(t, []string{"c1", "c2"}, chatIDs(cache.Chats()))
	last, ok := cache.Chats()[0].LastMessage()
	require.True(t, ok)
	require.Equal(t, incoming.ID, last.ID)

	require.True(t, cache.OnIncomingMessage(newMessage("c2", "me", "mine", base.Add(2*time.Hour))))
	require.Equal(t, 0, cache.Unread("c2"))
	require.Equal(t, []string{"c2", "c1"}, chatIDs(cache.Chats()))

	cache.SetActive("c1")
	require.True(t, cache.OnIncomingMessage(newMessage("c1", "bob", "seen", base.Add(3*time.Hour))))
	require.Equal(t, 0, cache.Unread("c1"))
	requireSortedByRecency(t, cache.Chats())

	require.False(t, cache.OnIncomingMessage(newMessage("unknown", "bob", "?", base)))
}

func TestSetActiveZeroesUnread(t *testing.T) {
	lister := &stubLister{}
	lister.set(chatAt("c1", time.Now(), 5))
	cache := NewChatListCache(lister, "me", testLogger())
	require.NoError(t, cache.Refresh(context.Background()))

	before := cache.Chats()
	cache.SetActive("c1")
	require.Equal(t, 0, cache.Unread("c1"))
	require.Equal(t, 5, before[0].UnreadCount)
	require.Equal(t, "c1", cache.Active())

	cache.SetActive("")
	require.Empty(t, cache.Active())
}

func TestMessagesReadFromOwnOtherSessionLowersUnread(t *testing.T) {
	now := time.Now()
	chat := chatAt("c1", now, 3)
	last := newMessage("c1", "bob", "hey", now)
	chat.Messages = []dto.ChatMessageResponse{last}

	lister := &stubLister{}
	lister.set(chat)
	cache := NewChatListCache(lister, "me", testLogger())
	require.NoError(t, cache.Refresh(context.Background()))

	receipt := dto.ReadReceiptResponse{UserID: "me", ReadAt: now}
	require.True(t, cache.OnMessagesRead("me", "c1", []string{"x", last.ID}, receipt))
	require.Equal(t, 1, cache.Unread("c1"))
	got, _ := cache.Chats()[0].LastMessage()
	require.True(t, got.HasReceipt("me"))

	require.True(t, cache.OnMessagesRead("me", "c1", []string{"a", "b", "c"}, receipt))
	require.Equal(t, 0, cache.Unread("c1"))

	require.True(t, cache.OnMessagesRead("bob", "c1", []string{last.ID}, dto.ReadReceiptResponse{UserID: "bob", ReadAt: now}))
	require.Equal(t, 0, cache.Unread("c1"))
	require.False(t, cache.OnMessagesRead("bob", "c1", []string{last.ID}, dto.ReadReceiptResponse{UserID: "bob", ReadAt: now}))
}

func TestMessageDeletedTombstonesLastMessage(t *testing.T) {
	now := time.Now()
	chat := chatAt("c1", now, 0)
	last := newMessage("c1", "bob", "oops", now)
	chat.Messages = []dto.ChatMessageResponse{last}

	lister := &stubLister{}
	lister.set(chat)
	cache := NewChatListCache(lister, "me", testLogger())
	require.NoError(t, cache.Refresh(context.Background()))

	require.False(t, cache.OnMessageDeleted("c1", "other"))
	require.True(t, cache.OnMessageDeleted("", last.ID))
	got, _ := cache.Chats()[0].LastMessage()
	require.True(t, got.IsDeleted)
	require.Empty(t, got.Content)
	require.False(t, cache.OnMessageDeleted("c1", last.ID))
}

func TestUpsertAndRefreshError(t *testing.T) {
	now := time.Now()
	lister := &stubLister{}
	lister.set(chatAt("c1", now, 1))
	cache := NewChatListCache(lister, "me", testLogger())
	require.NoError(t, cache.Refresh(context.Background()))

	cache.SetActive("c2")
	cache.Upsert(chatAt("c2", now.Add(time.Minute), 7))
	require.Equal(t, []string{"c2", "c1"}, chatIDs(cache.Chats()))
	require.Equal(t, 0, cache.Unread("c2"))

	lister.mu.Lock()
	lister.err = errors.New("offline")
	lister.mu.Unlock()
	require.Error(t, cache.Refresh(context.Background()))
	require.Equal(t, "offline", cache.Err())
	require.Len(t, cache.Chats(), 2)
}

type gatedLister struct {
	release chan []dto.ChatResponse
}

func (l gatedLister) ListChats(ctx context.Context) ([]dto.ChatResponse, error) {
	select {
	case chats := <-l.release:
		return chats, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestUpsertDuringRefreshSurvivesStaleSnapshot(t *testing.T) {
	lister := gatedLister{release: make(chan []dto.ChatResponse)}
	cache := NewChatListCache(lister, "me", testLogger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	done := make(chan error, 1)
	go func() { done <- cache.Refresh(context.Background()) }()
	require.Eventually(t, cache.Loading, time.Second, time.Millisecond)

	cache.Upsert(chatAt("fresh", base.Add(time.Hour), 0))
	lister.release <- []dto.ChatResponse{chatAt("old", base, 2)}
	require.NoError(t, <-done)

	require.Equal(t, []string{"fresh", "old"}, chatIDs(cache.Chats()))
	require.False(t, cache.Loading())
}

func TestIncomingMessageDuringRefreshSurvivesStaleSnapshot(t *testing.T) {
	lister := gatedLister{release: make(chan []dto.ChatResponse)}
	cache := NewChatListCache(lister, "me", testLogger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	done := make(chan error, 1)
	go func() { done <- cache.Refresh(context.Background()) }()
	lister.release <- []dto.ChatResponse{chatAt("c1", base, 0), chatAt("c2", base.Add(time.Minute), 0)}
	require.NoError(t, <-done)
	require.Equal(t, []string{"c2", "c1"}, chatIDs(cache.Chats()))

	msg := dto.ChatMessageResponse{ID: "m1", ChatID: "c1", SenderID: "bob", Content: "hi", CreatedAt: base.Add(time.Hour)}

	go func() { done <- cache.Refresh(context.Background()) }()
	require.Eventually(t, cache.Loading, time.Second, time.Millisecond)
	require.True(t, cache.OnIncomingMessage(msg))
	require.Equal(t, 1, cache.Unread("c1"))
	lister.release <- []dto.ChatResponse{chatAt("c1", base, 0), chatAt("c2", base.Add(time.Minute), 0)}
	require.NoError(t, <-done)

	require.Equal(t, []string{"c1", "c2"}, chatIDs(cache.Chats()))
	require.Equal(t, 1, cache.Unread("c1"))
	chat, ok := cache.Chat("c1")
	require.True(t, ok)
	last, ok := chat.LastMessage()
	require.True(t, ok)
	require.Equal(t, "m1", last.ID)

	// A snapshot that already carries the message is not counted twice.
	counted := chatAt("c1", base.Add(time.Hour), 1)
	counted.Messages = []dto.ChatMessageResponse{msg}
	go func() { done <- cache.Refresh(context.Background()) }()
	require.Eventually(t, cache.Loading, time.Second, time.Millisecond)
	require.True(t, cache.OnIncomingMessage(msg))
	lister.release <- []dto.ChatResponse{counted, chatAt("c2", base.Add(time.Minute), 0)}
	require.NoError(t, <-done)
	require.Equal(t, 1, cache.Unread("c1"))
}

func TestDeleteDuringRefreshSurvivesStaleSnapshot(t *testing.T) {
	lister := gatedLister{release: make(chan []dto.ChatResponse)}
	cache := NewChatListCache(lister, "me", testLogger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	withLast := chatAt("c1", base, 0)
	withLast.Messages = []dto.ChatMessageResponse{{ID: "m1", ChatID: "c1", SenderID: "bob", Content: "oops", CreatedAt: base}}

	done := make(chan error, 1)
	go func() { done <- cache.Refresh(context.Background()) }()
	lister.release <- []dto.ChatResponse{withLast}
	require.NoError(t, <-done)

	go func() { done <- cache.Refresh(context.Background()) }()
	require.Eventually(t, cache.Loading, time.Second, time.Millisecond)
	require.True(t, cache.OnMessageDeleted("c1", "m1"))
	lister.release <- []dto.ChatResponse{withLast}
	require.NoError(t, <-done)

	chat, ok := cache.Chat("c1")
	require.True(t, ok)
	last, ok := chat.LastMessage()
	require.True(t, ok)
	require.True(t, last.IsDeleted)
	require.Empty(t, last.Content)
}
