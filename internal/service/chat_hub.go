package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/observability"
)

const chatPingInterval = 30 * time.Second

// chatHub keeps track of active websocket clients per user. A user may hold several connections.
type chatHub struct {
	mu    sync.RWMutex
	users map[string]map[*chatClient]struct{}
	log   zerolog.Logger
}

type chatClient struct {
	conn    ChatConn
	send    chan []byte
	userID  string
	service *chatService
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
}

func newChatHub(logger zerolog.Logger) *chatHub {
	return &chatHub{
		users: make(map[string]map[*chatClient]struct{}),
		log:   logger.With().Str("component", "chat_hub").Logger(),
	}
}

// register adds the client and reports whether it is the user's first local connection.
func (h *chatHub) register(client *chatClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, exists := h.users[client.userID]
	if !exists {
		clients = make(map[*chatClient]struct{})
		h.users[client.userID] = clients
	}
	clients[client] = struct{}{}
	h.log.Debug().Str("user_id", client.userID).Int("connections", len(clients)).Msg("chat client connected")
	return !exists
}

// unregister removes the client and reports whether it was the user's last local connection.
func (h *chatHub) unregister(client *chatClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.users[client.userID]
	if !ok {
		return false
	}
	if _, exists := clients[client]; !exists {
		return false
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.users, client.userID)
		h.log.Debug().Str("user_id", client.userID).Msg("chat user fully disconnected")
		return true
	}
	h.log.Debug().Str("user_id", client.userID).Int("connections", len(clients)).Msg("chat client disconnected")
	return false
}

func (h *chatHub) deliver(userIDs []string, frame dto.ChatEnvelope) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal chat frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range userIDs {
		for client := range h.users[userID] {
			client.enqueue(data, h.log)
		}
	}
}

func (h *chatHub) onlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *chatService) ServeConnection(conn ChatConn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID != "" {
		baseCtx = middleware.ContextWithCorrelation(baseCtx, opts.CorrelationID)
	}

	client := &chatClient{
		conn:    conn,
		send:    make(chan []byte, chatSendBufferSize),
		userID:  opts.UserID,
		service: s,
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
	}

	first := s.hub.register(client)
	observability.ChatConnections().Inc()
	s.announcePresence(baseCtx, client, s.trackOnline(baseCtx, client.userID, 1, first))

	go client.writer()
	client.reader()
}

// announcePresence replays the online contacts to the new client and, when the user just came
// online, tells their contacts.
func (s *chatService) announcePresence(ctx context.Context, client *chatClient, cameOnline bool) {
	contacts, err := s.repo.ContactIDs(ctx, client.userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", client.userID).Msg("failed to load chat contacts")
		return
	}

	online := make(map[string]struct{})
	for _, id := range s.OnlineUserIDs(ctx) {
		online[id] = struct{}{}
	}
	for _, contact := range contacts {
		if _, ok := online[contact]; !ok {
			continue
		}
		frame, err := dto.NewChatEnvelope(dto.EventUserOnline, dto.PresenceEvent{UserID: contact})
		if err != nil {
			continue
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		client.enqueue(data, s.logger)
	}

	if cameOnline {
		s.deliver(ctx, contacts, dto.EventUserOnline, dto.PresenceEvent{UserID: client.userID})
	}
}

func (s *chatService) announceOffline(ctx context.Context, userID string) {
	contacts, err := s.repo.ContactIDs(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load chat contacts")
		return
	}
	s.deliver(ctx, contacts, dto.EventUserOffline, dto.PresenceEvent{UserID: userID})
}

func (c *chatClient) enqueue(data []byte, logger zerolog.Logger) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		logger.Warn().Str("user_id", c.userID).Msg("dropping chat frame for slow client")
	}
}

func (c *chatClient) reader() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.service.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		var frame dto.ChatEnvelope
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.ChatEventsRejected().WithLabelValues("unknown", "malformed").Inc()
			c.service.logger.Warn().Err(err).Str("user_id", c.userID).Msg("malformed chat frame")
			continue
		}

		c.service.handleFrame(c.baseCtx, c.userID, frame)
	}
}

func (c *chatClient) writer() {
	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		last := c.service.hub.unregister(c)
		observability.ChatConnections().Dec()
		_ = c.conn.Close()

		ctx := context.WithoutCancel(c.baseCtx)
		if c.service.trackOnline(ctx, c.userID, -1, last) {
			c.service.announceOffline(ctx, c.userID)
		}
	})
}
