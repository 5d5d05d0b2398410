package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/repository"
	"github.com/noah-isme/gema-notes-api/internal/service"
	"github.com/noah-isme/gema-notes-api/internal/utils"
)

// UserHandler serves identity lookups for starting conversations.
type UserHandler struct {
	service service.UserService
	logger  zerolog.Logger
}

// NewUserHandler constructs a user handler.
func NewUserHandler(service service.UserService, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		service: service,
		logger:  logger.With().Str("component", "user_handler").Logger(),
	}
}

// Register wires user routes. search may be wrapped with a rate limiter by the router.
func (h *UserHandler) Register(router fiber.Router, search ...fiber.Handler) {
	router.Get("/me", h.me)
	router.Get("/search", append(search, h.search)...)
}

func (h *UserHandler) me(c *fiber.Ctx) error {
	user, err := h.service.Me(requestContext(c), middleware.UserID(c))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to load current user")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load current user")
	}
	return utils.SendSuccess(c, "current user", user)
}

func (h *UserHandler) search(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	query := dto.UserSearchQuery{Query: c.Query("q"), Limit: limit}
	users, err := h.service.Search(requestContext(c), middleware.UserID(c), query)
	if err != nil {
		if isValidationError(err) {
			return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("user search failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "user search failed")
	}
	return utils.SendSuccess(c, "users retrieved", users)
}
