package service

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/repository"
)

// UserService exposes the identity lookups the chat subsystem needs.
type UserService interface {
	Me(ctx context.Context, userID string) (dto.UserResponse, error)
	Search(ctx context.Context, userID string, query dto.UserSearchQuery) ([]dto.UserResponse, error)
}

type userService struct {
	repo      repository.UserRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewUserService constructs a user service.
func NewUserService(repo repository.UserRepository, validate *validator.Validate, logger zerolog.Logger) UserService {
	return &userService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "user_service").Logger(),
	}
}

func (s *userService) Me(ctx context.Context, userID string) (dto.UserResponse, error) {
	user, err := s.repo.Get(ctx, userID)
	if err != nil {
		return dto.UserResponse{}, err
	}
	return dto.NewUserResponse(user), nil
}

// Search matches users by name or email, excluding the caller.
func (s *userService) Search(ctx context.Context, userID string, query dto.UserSearchQuery) ([]dto.UserResponse, error) {
	query.Query = strings.TrimSpace(query.Query)
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	users, err := s.repo.Search(ctx, query.Query, userID, query.Limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("user search failed")
		return nil, err
	}
	return dto.NewUserResponseSlice(users), nil
}
