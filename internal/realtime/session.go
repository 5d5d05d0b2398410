package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/models"
)

const defaultSearchLimit = 20

// API is the REST surface the session needs. *APIClient implements it.
type API interface {
	ChatLister
	HistoryFetcher
	CreateDirectChat(ctx context.Context, userID string) (dto.ChatResponse, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]dto.UserResponse, error)
	Upload(ctx context.Context, fileName string, data []byte) (dto.UploadResponse, error)
}

// Transport is the event channel the session drives. *ConnectionManager implements it.
type Transport interface {
	Emitter
	OnEvent(fn func(InboundEvent))
	OnStatus(fn func(Status)) func()
	Status() Status
}

// Attachment is a file to upload before sending a file or image message.
type Attachment struct {
	FileName string
	Data     []byte
}

// SendMessageInput describes a message the local user wants to send.
type SendMessageInput struct {
	ChatID     string
	Content    string
	ReplyTo    string
	Attachment *Attachment
}

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	SelfID    string
	Transport Transport
	API       API
	Presence  *PresenceTracker
	Typing    *TypingTracker
	Messages  *MessageStore
	Chats     *ChatListCache
	Validator *validator.Validate
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Session routes inbound events into the client components and turns user actions into
// outbound events. Sends are not optimistic: local state changes when the server echoes them.
type Session struct {
	selfID    string
	transport Transport
	api       API
	presence  *PresenceTracker
	typing    *TypingTracker
	messages  *MessageStore
	chats     *ChatListCache
	validator *validator.Validate
	clock     clock.Clock
	logger    zerolog.Logger

	mu          sync.Mutex
	active      string
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	changes chan struct{}
}

// NewSession validates the wiring and returns an unstarted session.
func NewSession(cfg SessionConfig) (*Session, error) {
	switch {
	case cfg.SelfID == "":
		return nil, errors.New("session requires the current user id")
	case cfg.Transport == nil:
		return nil, errors.New("session requires a transport")
	case cfg.API == nil:
		return nil, errors.New("session requires an api client")
	case cfg.Presence == nil, cfg.Typing == nil, cfg.Messages == nil, cfg.Chats == nil:
		return nil, errors.New("session requires every client component")
	}
	validate := cfg.Validator
	if validate == nil {
		validate = validator.New()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		selfID:    cfg.SelfID,
		transport: cfg.Transport,
		api:       cfg.API,
		presence:  cfg.Presence,
		typing:    cfg.Typing,
		messages:  cfg.Messages,
		chats:     cfg.Chats,
		validator: validate,
		clock:     clk,
		logger:    cfg.Logger.With().Str("component", "chat_session").Str("user_id", cfg.SelfID).Logger(),
		ctx:       context.Background(),
		changes:   make(chan struct{}, 1),
	}, nil
}

// Start binds the session to the transport. Background fetches use ctx until Close.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.transport.OnEvent(s.handleEvent)
	unsubscribe := s.transport.OnStatus(s.handleStatus)
	s.typing.SetOnChange(s.notify)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	if s.transport.Status().Connected {
		go s.resync()
	}
}

// Close unbinds the session from the transport.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.transport.OnEvent(nil)
	if unsubscribe != nil {
		unsubscribe()
	}
	s.typing.SetOnChange(nil)
	if cancel != nil {
		cancel()
	}
}

// Changes delivers a signal after state changes. Bursts coalesce into one pending signal.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) SelfID() string             { return s.selfID }
func (s *Session) Presence() *PresenceTracker { return s.presence }
func (s *Session) Typing() *TypingTracker     { return s.typing }
func (s *Session) Messages() *MessageStore    { return s.messages }
func (s *Session) Chats() *ChatListCache      { return s.chats }
func (s *Session) ConnectionStatus() Status   { return s.transport.Status() }

// ActiveChat returns the chat on screen, or "".
func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetCurrentChat opens chatID: its unread count drops to zero and its history is loaded.
// Unread messages from other users are then marked as read.
func (s *Session) SetCurrentChat(ctx context.Context, chatID string) error {
	if err := s.validator.Var(chatID, "required,uuid"); err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}

	// The cache's active chat must follow s.active in the same order.
	s.mu.Lock()
	previous := s.active
	s.active = chatID
	s.chats.SetActive(chatID)
	s.mu.Unlock()

	if previous != "" && previous != chatID && s.typing.IsLocalTyping(previous) {
		s.typing.StopTyping(previous)
	}
	s.notify()

	err := s.messages.LoadHistory(ctx, chatID)
	s.notify()
	if err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to load chat history")
		return err
	}
	if s.ActiveChat() == chatID {
		s.markVisibleRead(chatID)
	}
	return nil
}

// Deselect closes the active chat.
func (s *Session) Deselect() {
	s.mu.Lock()
	previous := s.active
	s.active = ""
	s.chats.SetActive("")
	s.mu.Unlock()

	if previous != "" && s.typing.IsLocalTyping(previous) {
		s.typing.StopTyping(previous)
	}
	s.messages.Clear()
	s.notify()
}

// SendMessage emits message:send, uploading the attachment first when present. The bool reports
// whether the frame went out; a disconnected transport drops it without an error.
func (s *Session) SendMessage(ctx context.Context, in SendMessageInput) (bool, error) {
	if err := s.validator.Var(in.ChatID, "required,uuid"); err != nil {
		return false, fmt.Errorf("invalid chat id: %w", err)
	}

	payload := dto.SendMessagePayload{
		ChatID:  in.ChatID,
		Content: strings.TrimSpace(in.Content),
		Type:    models.MessageTypeText,
		ReplyTo: in.ReplyTo,
	}

	if in.Attachment != nil {
		upload, err := s.api.Upload(ctx, in.Attachment.FileName, in.Attachment.Data)
		if err != nil {
			return false, fmt.Errorf("upload attachment: %w", err)
		}
		payload.FileURL = upload.URL
		payload.FileName = upload.FileName
		payload.FileType = upload.MimeType
		payload.Type = models.MessageTypeFile
		if strings.HasPrefix(upload.MimeType, "image/") {
			payload.Type = models.MessageTypeImage
		}
	}

	if err := s.validator.Struct(payload); err != nil {
		return false, err
	}

	sent := s.transport.Emit(dto.EventMessageSend, payload)
	if s.typing.IsLocalTyping(in.ChatID) {
		s.typing.StopTyping(in.ChatID)
	}
	return sent, nil
}

// MarkAsRead emits message:read for the given messages.
func (s *Session) MarkAsRead(chatID string, messageIDs []string) bool {
	return s.emitValid(dto.EventMessageRead, dto.MarkReadPayload{ChatID: chatID, MessageIDs: messageIDs})
}

// AddReaction emits message:react with the add action.
func (s *Session) AddReaction(messageID, emoji string) bool {
	return s.emitValid(dto.EventMessageReact, dto.ReactPayload{MessageID: messageID, Emoji: emoji, Action: dto.ReactionAdd})
}

// RemoveReaction emits message:react with the remove action.
func (s *Session) RemoveReaction(messageID, emoji string) bool {
	return s.emitValid(dto.EventMessageReact, dto.ReactPayload{MessageID: messageID, Emoji: emoji, Action: dto.ReactionRemove})
}

// DeleteMessage emits message:delete. Messages known to belong to someone else are refused locally.
func (s *Session) DeleteMessage(messageID string) bool {
	if message, ok := s.messages.Message(messageID); ok && message.SenderID != s.selfID {
		return false
	}
	return s.emitValid(dto.EventMessageDelete, dto.DeleteMessagePayload{MessageID: messageID})
}

// StartTyping records a local keystroke in chatID.
func (s *Session) StartTyping(chatID string) {
	if s.validator.Var(chatID, "required,uuid") != nil {
		return
	}
	s.typing.StartTyping(chatID)
}

// StopTyping ends the local typing state in chatID.
func (s *Session) StopTyping(chatID string) {
	if s.validator.Var(chatID, "required,uuid") != nil {
		return
	}
	s.typing.StopTyping(chatID)
}

// OpenDirectChat finds or creates the direct chat with userID and makes it current.
func (s *Session) OpenDirectChat(ctx context.Context, userID string) (dto.ChatResponse, error) {
	if userID == s.selfID {
		return dto.ChatResponse{}, errors.New("cannot open a direct chat with yourself")
	}
	chat, err := s.api.CreateDirectChat(ctx, userID)
	if err != nil {
		return dto.ChatResponse{}, err
	}
	s.chats.Upsert(chat)
	if err := s.SetCurrentChat(ctx, chat.ID); err != nil {
		return chat, err
	}
	return chat, nil
}

// SearchUsers looks up users to start a chat with. Blank queries return nothing.
func (s *Session) SearchUsers(ctx context.Context, query string) ([]dto.UserResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return s.api.SearchUsers(ctx, query, defaultSearchLimit)
}

// RefreshChats reloads the chat list from the server.
func (s *Session) RefreshChats(ctx context.Context) error {
	err := s.chats.Refresh(ctx)
	s.notify()
	return err
}

func (s *Session) handleEvent(event InboundEvent) {
	switch e := event.(type) {
	case MessageNew:
		appended := s.messages.ApplyNewMessage(e.Message)
		if !s.chats.OnIncomingMessage(e.Message) {
			go s.refreshInBackground()
		}
		if appended && e.Message.SenderID != s.selfID && e.Message.ChatID == s.ActiveChat() {
			s.MarkAsRead(e.Message.ChatID, []string{e.Message.ID})
		}
	case MessagesRead:
		readAt := e.ReadAt
		if readAt.IsZero() {
			readAt = s.clock.Now()
		}
		s.messages.ApplyReadReceipt(e.UserID, e.MessageIDs, readAt)
		s.chats.OnMessagesRead(e.UserID, e.ChatID, e.MessageIDs, dto.ReadReceiptResponse{UserID: e.UserID, ReadAt: readAt})
	case MessageReaction:
		s.messages.ApplyReaction(e.MessageReactionEvent)
	case MessageDeleted:
		s.messages.ApplySoftDelete(e.MessageID)
		s.chats.OnMessageDeleted(e.ChatID, e.MessageID)
	case TypingStarted, TypingStopped:
		s.typing.ApplyRemote(e)
	case UserOnline, UserOffline:
		s.presence.Apply(e)
	default:
		s.logger.Warn().Str("event", event.EventName()).Msg("unhandled inbound chat event")
		return
	}
	s.notify()
}

func (s *Session) handleStatus(status Status) {
	if status.Connected {
		go s.resync()
	} else {
		s.presence.Clear()
		s.typing.Reset()
	}
	if status.Err != nil {
		s.logger.Warn().Err(status.Err).Bool("reconnecting", status.Connecting).Msg("chat connection interrupted")
	}
	s.notify()
}

// resync reloads server state after a (re)connect, since events were missed while offline.
func (s *Session) resync() {
	ctx := s.baseContext()
	if err := s.chats.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("chat list refresh failed")
	}
	s.notify()

	chatID := s.ActiveChat()
	if chatID == "" {
		return
	}
	if err := s.messages.ReloadHistory(ctx, chatID); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("history reload failed")
	} else if s.ActiveChat() == chatID {
		s.markVisibleRead(chatID)
	}
	s.notify()
}

func (s *Session) refreshInBackground() {
	if err := s.chats.Refresh(s.baseContext()); err != nil {
		s.logger.Warn().Err(err).Msg("chat list refresh failed")
	}
	s.notify()
}

func (s *Session) markVisibleRead(chatID string) {
	if ids := s.messages.UnreadIDs(s.selfID); len(ids) > 0 {
		s.MarkAsRead(chatID, ids)
	}
}

func (s *Session) emitValid(event string, payload interface{}) bool {
	if err := s.validator.Struct(payload); err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("refusing invalid outbound chat event")
		return false
	}
	return s.transport.Emit(event, payload)
}

func (s *Session) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
