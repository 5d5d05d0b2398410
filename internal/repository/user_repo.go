package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-notes-api/internal/models"
)

// ErrUserNotFound indicates the user does not exist.
var ErrUserNotFound = errors.New("user not found")

// UserRepository reads identity records.
type UserRepository interface {
	Get(ctx context.Context, id string) (models.User, error)
	Search(ctx context.Context, query, excludeID string, limit int) ([]models.User, error)
	CountExisting(ctx context.Context, ids []string) (int64, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Get(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

func (r *userRepository) Search(ctx context.Context, query, excludeID string, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	db := r.db.WithContext(ctx).
		Where("(LOWER(name) LIKE ? OR LOWER(email) LIKE ?)", pattern, pattern)
	if excludeID != "" {
		db = db.Where("id <> ?", excludeID)
	}

	var users []models.User
	if err := db.Order("name ASC").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) CountExisting(ctx context.Context, ids []string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id IN ?", ids).Count(&count).Error
	return count, err
}
