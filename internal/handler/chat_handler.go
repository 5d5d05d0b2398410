package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/repository"
	"github.com/noah-isme/gema-notes-api/internal/service"
	"github.com/noah-isme/gema-notes-api/internal/utils"
)

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/", h.list)
	router.Post("/direct", h.createDirect)
	router.Post("/group", h.createGroup)
	router.Get("/:id/messages", h.history)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.ChatConnectionOptions{
		UserID:        userID,
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Msg("chat websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) list(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	chats, err := h.service.ListChats(requestContext(c), userID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list chats")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list chats")
	}
	return utils.SendSuccess(c, "chats retrieved", chats)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	query := dto.ChatHistoryQuery{ChatID: c.Params("id")}

	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit

	messages, err := h.service.History(requestContext(c), middleware.UserID(c), query)
	if err != nil {
		return h.chatError(c, err, "failed to load chat history")
	}

	meta := fiber.Map{"count": len(messages)}
	if len(messages) > 0 {
		meta["nextBefore"] = messages[0].CreatedAt.Format(time.RFC3339Nano)
	}
	return utils.OK(c, messages, "chat history", meta)
}

func (h *ChatHandler) createDirect(c *fiber.Ctx) error {
	var req dto.CreateDirectChatRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	chat, created, err := h.service.CreateDirectChat(requestContext(c), middleware.UserID(c), req)
	if err != nil {
		return h.chatError(c, err, "failed to open direct chat")
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return utils.SendSuccessWithStatus(c, status, "direct chat ready", chat)
}

func (h *ChatHandler) createGroup(c *fiber.Ctx) error {
	var req dto.CreateGroupChatRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	chat, err := h.service.CreateGroupChat(requestContext(c), middleware.UserID(c), req)
	if err != nil {
		return h.chatError(c, err, "failed to create group chat")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group chat created", chat)
}

func (h *ChatHandler) chatError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrChatSelfDirect), errors.Is(err, service.ErrChatUnknownMembers):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrChatNotAuthorised):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrChatNotFound), errors.Is(err, repository.ErrUserNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}

func websocketUserID(conn *websocket.Conn) string {
	if id, ok := conn.Locals(middleware.UserIDKey).(string); ok {
		return id
	}
	return ""
}
