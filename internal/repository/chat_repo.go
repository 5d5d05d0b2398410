package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-notes-api/internal/models"
)

// ErrChatNotFound indicates the chat does not exist.
var ErrChatNotFound = errors.New("chat not found")

// ErrMessageNotFound indicates the message does not exist.
var ErrMessageNotFound = errors.New("message not found")

// ChatRepository persists chats, memberships and messages.
type ChatRepository interface {
	ListForUser(ctx context.Context, userID string) ([]models.Chat, error)
	Get(ctx context.Context, chatID string) (models.Chat, error)
	FindOrCreateDirect(ctx context.Context, userA, userB string) (models.Chat, bool, error)
	CreateGroup(ctx context.Context, name string, memberIDs []string) (models.Chat, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	MemberIDs(ctx context.Context, chatID string) ([]string, error)
	ContactIDs(ctx context.Context, userID string) ([]string, error)

	SaveMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]models.Message, error)
	LatestByChat(ctx context.Context, chatID string) (models.Message, error)
	UnreadCounts(ctx context.Context, userID string, chatIDs []string) (map[string]int, error)
	MarkRead(ctx context.Context, chatID, userID string, messageIDs []string, readAt time.Time) ([]string, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error)
	SoftDelete(ctx context.Context, messageID string) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) ListForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_members ON chat_members.chat_id = chats.id AND chat_members.user_id = ?", userID).
		Preload("Members.User").
		Order("chats.updated_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *chatRepository) Get(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.WithContext(ctx).Preload("Members.User").First(&chat, "id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

func directKey(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// FindOrCreateDirect returns the unique direct chat between two users, creating it on first use.
// The boolean reports whether the chat was created.
func (r *chatRepository) FindOrCreateDirect(ctx context.Context, userA, userB string) (models.Chat, bool, error) {
	key := directKey(userA, userB)

	var existing models.Chat
	err := r.db.WithContext(ctx).Preload("Members.User").Where("direct_key = ?", key).First(&existing).Error
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Chat{}, false, err
	}

	now := time.Now().UTC()
	chat := models.Chat{
		Kind:      models.ChatKindDirect,
		DirectKey: &key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		members := []models.ChatMember{
			{ChatID: chat.ID, UserID: userA, JoinedAt: now},
			{ChatID: chat.ID, UserID: userB, JoinedAt: now},
		}
		return tx.Omit("User").Create(&members).Error
	})
	if err != nil {
		// A concurrent request may have won the unique direct_key race.
		if lookupErr := r.db.WithContext(ctx).Preload("Members.User").Where("direct_key = ?", key).First(&existing).Error; lookupErr == nil {
			return existing, false, nil
		}
		return models.Chat{}, false, err
	}

	created, err := r.Get(ctx, chat.ID)
	return created, true, err
}

func (r *chatRepository) CreateGroup(ctx context.Context, name string, memberIDs []string) (models.Chat, error) {
	now := time.Now().UTC()
	chat := models.Chat{
		Kind:      models.ChatKindGroup,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(memberIDs))
		members := make([]models.ChatMember, 0, len(memberIDs))
		for _, id := range memberIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			members = append(members, models.ChatMember{ChatID: chat.ID, UserID: id, JoinedAt: now})
		}
		return tx.Omit("User").Create(&members).Error
	})
	if err != nil {
		return models.Chat{}, err
	}
	return r.Get(ctx, chat.ID)
}

func (r *chatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *chatRepository) MemberIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ?", chatID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ContactIDs lists every user sharing at least one chat with userID.
func (r *chatRepository) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	sub := r.db.Model(&models.ChatMember{}).Select("chat_id").Where("user_id = ?", userID)
	err := r.db.WithContext(ctx).Model(&models.ChatMember{}).
		Distinct("user_id").
		Where("chat_id IN (?) AND user_id <> ?", sub, userID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// SaveMessage stores the message and bumps the chat recency in one transaction.
func (r *chatRepository) SaveMessage(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Sender", "Reads", "Reactions").Create(message).Error; err != nil {
			return err
		}
		return tx.Model(&models.Chat{}).
			Where("id = ?", message.ChatID).
			Update("updated_at", message.CreatedAt).Error
	})
}

func (r *chatRepository) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Reads", func(db *gorm.DB) *gorm.DB { return db.Order("read_at ASC") }).
		Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&message, "id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	return message, err
}

func (r *chatRepository) ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Reads", func(db *gorm.DB) *gorm.DB { return db.Order("read_at ASC") }).
		Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("chat_id = ?", chatID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) LatestByChat(ctx context.Context, chatID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Preload("Sender").Where("chat_id = ?", chatID).Order("created_at DESC").First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	return message, err
}

type unreadRow struct {
	ChatID string
	Count  int
}

// UnreadCounts counts, per chat, messages from other members that userID has no receipt for.
func (r *chatRepository) UnreadCounts(ctx context.Context, userID string, chatIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(chatIDs))
	if len(chatIDs) == 0 {
		return counts, nil
	}

	var rows []unreadRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT m.chat_id AS chat_id, COUNT(*) AS count
		FROM messages m
		WHERE m.chat_id IN ? AND m.sender_id <> ? AND m.is_deleted = ?
		AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
		)
		GROUP BY m.chat_id`, chatIDs, userID, false, userID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.ChatID] = row.Count
	}
	return counts, nil
}

// MarkRead records receipts for userID on the given messages of chatID. Messages sent by the user
// and messages that already carry a receipt are skipped; the newly marked ids are returned.
func (r *chatRepository) MarkRead(ctx context.Context, chatID, userID string, messageIDs []string, readAt time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var candidates []string
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("chat_id = ? AND id IN ? AND sender_id <> ?", chatID, messageIDs, userID).
		Where("NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = messages.id AND r.user_id = ?)", userID).
		Order("created_at ASC").
		Pluck("id", &candidates).Error
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	reads := make([]models.MessageRead, 0, len(candidates))
	for _, id := range candidates {
		reads = append(reads, models.MessageRead{MessageID: id, UserID: userID, ReadAt: readAt})
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&reads).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *chatRepository) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	reaction := models.MessageReaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&reaction).Error
}

func (r *chatRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	return r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.MessageReaction{}).Error
}

func (r *chatRepository) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	var reactions []models.MessageReaction
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Order("created_at ASC").Find(&reactions).Error
	return reactions, err
}

// SoftDelete replaces the message content with a tombstone and keeps the row in place.
func (r *chatRepository) SoftDelete(ctx context.Context, messageID string) error {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"content":    "",
			"attachment": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
