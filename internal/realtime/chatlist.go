package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

// ChatLister fetches the current user's chats.
type ChatLister interface {
	ListChats(ctx context.Context) ([]dto.ChatResponse, error)
}

// ChatListCache is the local copy of the chat list with unread counters.
type ChatListCache struct {
	lister ChatLister
	selfID string
	logger zerolog.Logger

	mu      sync.Mutex
	token   uint64
	chats   []dto.ChatResponse
	active  string
	loading bool
	err     string

	// Updates seen while a refresh is in flight, re-applied to its result.
	pending  []dto.ChatResponse
	incoming []dto.ChatMessageResponse
	deleted  []deletedMessage
}

type deletedMessage struct {
	chatID    string
	messageID string
}

// NewChatListCache constructs an empty cache for selfID.
func NewChatListCache(lister ChatLister, selfID string, logger zerolog.Logger) *ChatListCache {
	return &ChatListCache{
		lister: lister,
		selfID: selfID,
		logger: logger.With().Str("component", "chat_list").Logger(),
	}
}

// Refresh replaces the list with the server's. Results overtaken by a newer Refresh are discarded.
func (c *ChatListCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.token++
	token := c.token
	if !c.loading {
		c.resetPendingLocked()
	}
	c.loading = true
	c.mu.Unlock()

	chats, err := c.lister.ListChats(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if token != c.token {
		c.logger.Debug().Msg("discarding stale chat list response")
		return nil
	}
	c.loading = false
	pending, incoming, deleted := c.pending, c.incoming, c.deleted
	c.resetPendingLocked()
	if err != nil {
		c.err = err.Error()
		return err
	}
	c.err = ""

	next := make([]dto.ChatResponse, len(chats), len(chats)+len(pending))
	copy(next, chats)
	// Chats upserted while the request was in flight may predate the server's snapshot.
	for _, chat := range pending {
		if chatIndex(next, chat.ID) < 0 {
			next = append(next, chat)
		}
	}
	for _, msg := range incoming {
		idx := chatIndex(next, msg.ChatID)
		if idx < 0 {
			continue
		}
		if last, ok := next[idx].LastMessage(); ok && (last.ID == msg.ID || msg.CreatedAt.Before(last.CreatedAt)) {
			continue
		}
		c.recordMessage(&next[idx], msg)
	}
	for _, d := range deleted {
		if idx := chatIndex(next, d.chatID); idx >= 0 {
			tombstoneLast(&next[idx], d.messageID)
		}
	}
	for i := range next {
		if next[i].ID == c.active {
			next[i].UnreadCount = 0
		}
		if next[i].UnreadCount < 0 {
			next[i].UnreadCount = 0
		}
	}
	sortChats(next)
	c.chats = next
	return nil
}

// Chats returns the sorted snapshot. Callers must not modify it.
func (c *ChatListCache) Chats() []dto.ChatResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chats
}

// Chat looks up one chat in the snapshot.
func (c *ChatListCache) Chat(chatID string) (dto.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexLocked(chatID); idx >= 0 {
		return c.chats[idx], true
	}
	return dto.ChatResponse{}, false
}

// OnIncomingMessage records msg as its chat's latest message. It reports false when the chat is
// not in the list, in which case the caller should Refresh.
func (c *ChatListCache) OnIncomingMessage(msg dto.ChatMessageResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loading {
		c.incoming = append(c.incoming, msg)
	}
	idx := c.indexLocked(msg.ChatID)
	if idx < 0 {
		return false
	}

	if last, ok := c.chats[idx].LastMessage(); ok && last.ID == msg.ID {
		return true
	}
	next := c.cloneLocked()
	c.recordMessage(&next[idx], msg)
	sortChats(next)
	c.chats = next
	return true
}

// recordMessage makes msg the chat's latest message and counts it as unread when it is
// someone else's and the chat is not on screen.
func (c *ChatListCache) recordMessage(chat *dto.ChatResponse, msg dto.ChatMessageResponse) {
	chat.Messages = []dto.ChatMessageResponse{msg}
	if msg.CreatedAt.After(chat.UpdatedAt) {
		chat.UpdatedAt = msg.CreatedAt
	}
	if msg.SenderID != c.selfID && chat.ID != c.active {
		chat.UnreadCount++
	}
}

// OnMessageDeleted tombstones the chat's latest message if it is the deleted one.
// An empty chatID searches every chat.
func (c *ChatListCache) OnMessageDeleted(chatID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.chats {
		if chatID != "" && c.chats[i].ID != chatID {
			continue
		}
		last, ok := c.chats[i].LastMessage()
		if !ok || last.ID != messageID {
			continue
		}
		if c.loading {
			c.deleted = append(c.deleted, deletedMessage{chatID: c.chats[i].ID, messageID: messageID})
		}
		if last.IsDeleted {
			return false
		}
		next := c.cloneLocked()
		tombstoneLast(&next[i], messageID)
		c.chats = next
		return true
	}
	return false
}

func tombstoneLast(chat *dto.ChatResponse, messageID string) {
	last, ok := chat.LastMessage()
	if !ok || last.ID != messageID || last.IsDeleted {
		return
	}
	last.IsDeleted = true
	last.Content = ""
	last.FileURL = ""
	last.FileName = ""
	last.FileType = ""
	chat.Messages = []dto.ChatMessageResponse{last}
}

// OnMessagesRead applies a receipt. Receipts by the current user from another session lower the
// chat's unread count; receipts by anyone are recorded on the latest message.
func (c *ChatListCache) OnMessagesRead(userID, chatID string, messageIDs []string, receipt dto.ReadReceiptResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexLocked(chatID)
	if idx < 0 {
		return false
	}
	next := c.cloneLocked()
	chat := &next[idx]
	changed := false

	if userID == c.selfID && chat.UnreadCount > 0 {
		chat.UnreadCount -= len(messageIDs)
		if chat.UnreadCount < 0 {
			chat.UnreadCount = 0
		}
		changed = true
	}
	if last, ok := chat.LastMessage(); ok && !last.HasReceipt(userID) {
		for _, id := range messageIDs {
			if id != last.ID {
				continue
			}
			readBy := make([]dto.ReadReceiptResponse, len(last.ReadBy), len(last.ReadBy)+1)
			copy(readBy, last.ReadBy)
			last.ReadBy = append(readBy, receipt)
			chat.Messages = []dto.ChatMessageResponse{last}
			changed = true
			break
		}
	}
	if changed {
		c.chats = next
	}
	return changed
}

// SetActive marks chatID as the chat on screen and zeroes its unread count. "" deselects.
func (c *ChatListCache) SetActive(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = chatID
	idx := c.indexLocked(chatID)
	if idx < 0 || c.chats[idx].UnreadCount == 0 {
		return
	}
	next := c.cloneLocked()
	next[idx].UnreadCount = 0
	c.chats = next
}

func (c *ChatListCache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Unread returns the unread count for chatID, 0 when unknown.
func (c *ChatListCache) Unread(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexLocked(chatID); idx >= 0 {
		return c.chats[idx].UnreadCount
	}
	return 0
}

// Upsert inserts or replaces a chat, e.g. one just created through the REST API.
func (c *ChatListCache) Upsert(chat dto.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chat.ID == c.active || chat.UnreadCount < 0 {
		chat.UnreadCount = 0
	}
	next := c.cloneLocked()
	if idx := c.indexLocked(chat.ID); idx >= 0 {
		next[idx] = chat
	} else {
		next = append(next, chat)
	}
	sortChats(next)
	c.chats = next
	if c.loading {
		c.pending = append(c.pending, chat)
	}
}

func (c *ChatListCache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the last refresh failure, or "".
func (c *ChatListCache) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ChatListCache) resetPendingLocked() {
	c.pending = nil
	c.incoming = nil
	c.deleted = nil
}

func (c *ChatListCache) indexLocked(chatID string) int {
	return chatIndex(c.chats, chatID)
}

func chatIndex(chats []dto.ChatResponse, chatID string) int {
	if chatID == "" {
		return -1
	}
	for i := range chats {
		if chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (c *ChatListCache) cloneLocked() []dto.ChatResponse {
	next := make([]dto.ChatResponse, len(c.chats), len(c.chats)+1)
	copy(next, c.chats)
	return next
}

// sortChats orders by latest activity, newest first. Ties keep their relative order.
func sortChats(chats []dto.ChatResponse) {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].Recency().After(chats[j].Recency())
	})
}
