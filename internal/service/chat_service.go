package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/models"
	"github.com/noah-isme/gema-notes-api/internal/repository"
)

const (
	chatRedisTTL       = 30 * time.Minute
	chatSendBufferSize = 64
)

var (
	// ErrChatNotAuthorised indicates the user is not a member of the chat.
	ErrChatNotAuthorised = errors.New("user is not a member of the chat")
	// ErrChatSelfDirect indicates a user tried to open a direct chat with themselves.
	ErrChatSelfDirect = errors.New("cannot open a direct chat with yourself")
	// ErrChatUnknownMembers indicates a group referenced users that do not exist.
	ErrChatUnknownMembers = errors.New("one or more members do not exist")
	// ErrMessageNotOwned indicates a user tried to delete someone else's message.
	ErrMessageNotOwned = errors.New("message belongs to another user")
	// ErrReplyTargetInvalid indicates a reply named a message outside the chat.
	ErrReplyTargetInvalid = errors.New("reply target not found in chat")
)

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	UserID        string
	CorrelationID string
	Context       context.Context
}

// ChatConn is the subset of a websocket connection the chat hub needs.
type ChatConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ChatService manages chat persistence, websocket connections and event delivery.
type ChatService interface {
	ServeConnection(conn ChatConn, opts ChatConnectionOptions)
	ListChats(ctx context.Context, userID string) ([]dto.ChatResponse, error)
	History(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	CreateDirectChat(ctx context.Context, userID string, req dto.CreateDirectChatRequest) (dto.ChatResponse, bool, error)
	CreateGroupChat(ctx context.Context, userID string, req dto.CreateGroupChatRequest) (dto.ChatResponse, error)
	OnlineUserIDs(ctx context.Context) []string
	Start(ctx context.Context)
}

type chatService struct {
	repo        repository.ChatRepository
	users       repository.UserRepository
	redis       *redis.Client
	redisStream string
	redisCache  string
	redisOnline string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	hub         *chatHub
	nodeID      string
	now         func() time.Time
}

// chatFanout is the cross-node envelope published on Redis and NATS.
type chatFanout struct {
	Source  string           `json:"source"`
	Targets []string         `json:"targets"`
	Frame   dto.ChatEnvelope `json:"frame"`
	SentAt  time.Time        `json:"sent_at"`
}

// NewChatService creates a chat service instance. redisClient and natsConn are optional.
func NewChatService(repo repository.ChatRepository, users repository.UserRepository, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.StrictPolicy()

	streamChannel := ""
	cachePrefix := ""
	onlineKey := ""
	natsSubject := ""
	if channelBase != "" {
		streamChannel = channelBase + ":chat"
		cachePrefix = channelBase + ":chat:last"
		onlineKey = channelBase + ":chat:online"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat"
	}

	return &chatService{
		repo:        repo,
		users:       users,
		redis:       redisClient,
		redisStream: streamChannel,
		redisCache:  cachePrefix,
		redisOnline: onlineKey,
		nats:        natsConn,
		natsSubject: natsSubject,
		validator:   validate,
		logger:      logger.With().Str("component", "chat_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-notes-api/internal/service/chat"),
		sanitizer:   sanitizer,
		hub:         newChatHub(logger),
		nodeID:      uuid.NewString(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *chatService) Start(ctx context.Context) {
	switch {
	case s.useNATS():
		go s.consumeNATS(ctx)
	case s.redis != nil && s.redisStream != "":
		go s.consumeRedis(ctx)
	}
}

// useNATS reports whether fan-out runs over NATS. Redis pub/sub is the fallback transport.
func (s *chatService) useNATS() bool {
	return s.nats != nil && s.natsSubject != ""
}

func (s *chatService) ListChats(ctx context.Context, userID string) ([]dto.ChatResponse, error) {
	chats, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.ID)
	}
	unread, err := s.repo.UnreadCounts(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]dto.ChatResponse, 0, len(chats))
	for _, chat := range chats {
		response := dto.NewChatResponse(chat, nil, unread[chat.ID])
		if last := s.lastMessage(ctx, chat.ID); last != nil {
			response.Messages = []dto.ChatMessageResponse{*last}
		}
		out = append(out, response)
	}
	return out, nil
}

func (s *chatService) History(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, query.ChatID, userID); err != nil {
		return nil, err
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}

	messages, err := s.repo.ListMessages(ctx, query.ChatID, before, query.Limit)
	if err != nil {
		return nil, err
	}
	return dto.NewChatMessageResponseSlice(messages), nil
}

func (s *chatService) CreateDirectChat(ctx context.Context, userID string, req dto.CreateDirectChatRequest) (dto.ChatResponse, bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatResponse{}, false, err
	}
	if req.UserID == userID {
		return dto.ChatResponse{}, false, ErrChatSelfDirect
	}
	if _, err := s.users.Get(ctx, req.UserID); err != nil {
		return dto.ChatResponse{}, false, err
	}

	chat, created, err := s.repo.FindOrCreateDirect(ctx, userID, req.UserID)
	if err != nil {
		return dto.ChatResponse{}, false, err
	}

	response := dto.NewChatResponse(chat, nil, 0)
	if !created {
		if last := s.lastMessage(ctx, chat.ID); last != nil {
			response.Messages = []dto.ChatMessageResponse{*last}
		}
		counts, err := s.repo.UnreadCounts(ctx, userID, []string{chat.ID})
		if err != nil {
			return dto.ChatResponse{}, false, err
		}
		response.UnreadCount = counts[chat.ID]
	}
	return response, created, nil
}

func (s *chatService) CreateGroupChat(ctx context.Context, userID string, req dto.CreateGroupChatRequest) (dto.ChatResponse, error) {
	req.Name = s.cleanContent(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatResponse{}, err
	}

	members := append([]string{userID}, req.MemberIDs...)
	unique := make(map[string]struct{}, len(members))
	for _, id := range members {
		unique[id] = struct{}{}
	}
	ids := make([]string, 0, len(unique))
	for id := range unique {
		ids = append(ids, id)
	}
	count, err := s.users.CountExisting(ctx, ids)
	if err != nil {
		return dto.ChatResponse{}, err
	}
	if int(count) != len(ids) {
		return dto.ChatResponse{}, ErrChatUnknownMembers
	}

	chat, err := s.repo.CreateGroup(ctx, req.Name, members)
	if err != nil {
		return dto.ChatResponse{}, err
	}
	return dto.NewChatResponse(chat, nil, 0), nil
}

func (s *chatService) requireMember(ctx context.Context, chatID, userID string) error {
	member, err := s.repo.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrChatNotAuthorised
	}
	return nil
}

func (s *chatService) lastMessage(ctx context.Context, chatID string) *dto.ChatMessageResponse {
	if cached := s.fetchLastMessage(ctx, chatID); cached != nil {
		return cached
	}

	message, err := s.repo.LatestByChat(ctx, chatID)
	if err != nil {
		if !errors.Is(err, repository.ErrMessageNotFound) {
			s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to load latest chat message")
		}
		return nil
	}
	response := dto.NewChatMessageResponse(message)
	s.cacheLastMessage(ctx, response)
	return &response
}

func (s *chatService) cacheLastMessage(ctx context.Context, message dto.ChatMessageResponse) {
	if s.redis == nil || s.redisCache == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	key := fmt.Sprintf("%s:%s", s.redisCache, message.ChatID)
	if err := s.redis.Set(ctx, key, payload, chatRedisTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (s *chatService) evictLastMessage(ctx context.Context, chatID string) {
	if s.redis == nil || s.redisCache == "" {
		return
	}
	key := fmt.Sprintf("%s:%s", s.redisCache, chatID)
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to evict cached chat message")
	}
}

func (s *chatService) fetchLastMessage(ctx context.Context, chatID string) *dto.ChatMessageResponse {
	if s.redis == nil || s.redisCache == "" {
		return nil
	}

	key := fmt.Sprintf("%s:%s", s.redisCache, chatID)
	result, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return nil
	}

	var message dto.ChatMessageResponse
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}
	return &message
}

// deliver sends the frame to every local connection of the targets and fans it out to other nodes.
func (s *chatService) deliver(ctx context.Context, targets []string, event string, payload interface{}) {
	frame, err := dto.NewChatEnvelope(event, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("failed to encode chat event")
		return
	}

	s.hub.deliver(targets, frame)
	if err := s.publish(ctx, targets, frame); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish chat event")
	}
}

func (s *chatService) publish(ctx context.Context, targets []string, frame dto.ChatEnvelope) error {
	if (s.redis == nil || s.redisStream == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(chatFanout{
		Source:  s.nodeID,
		Targets: targets,
		Frame:   frame,
		SentAt:  s.now(),
	})
	if err != nil {
		return err
	}

	if s.useNATS() {
		return s.nats.Publish(s.natsSubject, payload)
	}
	return s.redis.Publish(ctx, s.redisStream, payload).Err()
}

func (s *chatService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		s.handleFanout([]byte(msg.Payload))
	}
}

func (s *chatService) consumeNATS(ctx context.Context) {
	// Every node must see every event, so this is a plain subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleFanout(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (s *chatService) handleFanout(data []byte) {
	var event chatFanout
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid chat fanout event")
		return
	}
	if event.Source == s.nodeID {
		return
	}
	s.hub.deliver(event.Targets, event.Frame)
}

func (s *chatService) OnlineUserIDs(ctx context.Context) []string {
	if s.redis != nil && s.redisOnline != "" {
		ids, err := s.redis.HKeys(ctx, s.redisOnline).Result()
		if err == nil {
			return ids
		}
		s.logger.Warn().Err(err).Msg("failed to read online users from redis")
	}
	return s.hub.onlineUserIDs()
}

// trackOnline records a connection change and reports whether the user's online state flipped.
func (s *chatService) trackOnline(ctx context.Context, userID string, delta int64, localFlip bool) bool {
	if s.redis == nil || s.redisOnline == "" {
		return localFlip
	}

	count, err := s.redis.HIncrBy(ctx, s.redisOnline, userID, delta).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to update online counter")
		return localFlip
	}
	if count <= 0 {
		if err := s.redis.HDel(ctx, s.redisOnline, userID).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear online counter")
		}
		return true
	}
	return delta > 0 && count == 1
}

func messageAttachment(payload dto.SendMessagePayload) map[string]interface{} {
	if payload.FileURL == "" {
		return nil
	}
	attachment := map[string]interface{}{models.AttachmentURL: payload.FileURL}
	if payload.FileName != "" {
		attachment[models.AttachmentName] = payload.FileName
	}
	if payload.FileType != "" {
		attachment[models.AttachmentType] = payload.FileType
	}
	return attachment
}
