package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Chat kinds.
const (
	ChatKindDirect = "direct"
	ChatKindGroup  = "group"
)

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeFile  = "file"
	MessageTypeImage = "image"
)

// Attachment metadata keys stored on Message.Attachment.
const (
	AttachmentURL  = "url"
	AttachmentName = "name"
	AttachmentType = "type"
)

// Chat is a direct or group conversation container.
type Chat struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	Kind      string       `gorm:"size:16;not null;default:direct" json:"kind"`
	Name      string       `gorm:"size:255" json:"name"`
	DirectKey *string      `gorm:"size:80;uniqueIndex" json:"-"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `gorm:"index" json:"updated_at"`
	Members   []ChatMember `json:"members"`
}

// BeforeCreate assigns a UUID when the caller did not provide one.
func (c *Chat) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// ChatMember links a user to a chat.
type ChatMember struct {
	ChatID   string    `gorm:"primaryKey;size:36" json:"chat_id"`
	UserID   string    `gorm:"primaryKey;size:36;index" json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
	User     User      `gorm:"foreignKey:UserID" json:"user"`
}

// Message is a single chat entry. Deletion is soft: the row stays, content is discarded.
type Message struct {
	ID         string            `gorm:"primaryKey;size:36" json:"id"`
	ChatID     string            `gorm:"size:36;index;not null" json:"chat_id"`
	SenderID   string            `gorm:"size:36;index;not null" json:"sender_id"`
	Content    string            `gorm:"type:text" json:"content"`
	Type       string            `gorm:"size:16;not null;default:text" json:"type"`
	Attachment datatypes.JSONMap `gorm:"type:json" json:"attachment"`
	ReplyToID  *string           `gorm:"size:36" json:"reply_to_id"`
	IsDeleted  bool              `gorm:"not null;default:false" json:"is_deleted"`
	IsEdited   bool              `gorm:"not null;default:false" json:"is_edited"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Sender     User              `gorm:"foreignKey:SenderID" json:"sender"`
	Reads      []MessageRead     `json:"reads"`
	Reactions  []MessageReaction `json:"reactions"`
}

// BeforeCreate assigns a UUID when the caller did not provide one.
func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// AttachmentValue returns a string attachment field or "".
func (m Message) AttachmentValue(key string) string {
	if m.Attachment == nil {
		return ""
	}
	if value, ok := m.Attachment[key].(string); ok {
		return value
	}
	return ""
}

// MessageRead is a read receipt. The composite key allows one receipt per user per message.
type MessageRead struct {
	MessageID string    `gorm:"primaryKey;size:36" json:"message_id"`
	UserID    string    `gorm:"primaryKey;size:36" json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MessageReaction is an emoji reaction of a user on a message.
type MessageReaction struct {
	MessageID string    `gorm:"primaryKey;size:36" json:"message_id"`
	UserID    string    `gorm:"primaryKey;size:36" json:"user_id"`
	Emoji     string    `gorm:"primaryKey;size:32" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}
