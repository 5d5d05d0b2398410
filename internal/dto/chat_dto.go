package dto

import (
	"time"

	"github.com/noah-isme/gema-notes-api/internal/models"
)

// UserResponse is the identity shape shared with clients.
type UserResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// ReadReceiptResponse marks that a user has seen a message.
type ReadReceiptResponse struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// ReactionResponse is one (user, emoji) pair on a message.
type ReactionResponse struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// ChatMessageResponse is the serialized representation of a chat message.
// It is both the REST history item and the payload of the message:new event.
type ChatMessageResponse struct {
	ID        string                `json:"id"`
	ChatID    string                `json:"chatId"`
	SenderID  string                `json:"senderId"`
	Sender    *UserResponse         `json:"sender,omitempty"`
	Content   string                `json:"content"`
	Type      string                `json:"type"`
	FileURL   string                `json:"fileUrl,omitempty"`
	FileName  string                `json:"fileName,omitempty"`
	FileType  string                `json:"fileType,omitempty"`
	ReplyToID string                `json:"replyToId,omitempty"`
	IsDeleted bool                  `json:"isDeleted"`
	IsEdited  bool                  `json:"isEdited"`
	ReadBy    []ReadReceiptResponse `json:"readBy"`
	Reactions []ReactionResponse    `json:"reactions"`
	CreatedAt time.Time             `json:"createdAt"`
}

// HasReceipt reports whether userID already has a receipt on the message.
func (m ChatMessageResponse) HasReceipt(userID string) bool {
	for _, receipt := range m.ReadBy {
		if receipt.UserID == userID {
			return true
		}
	}
	return false
}

// ChatResponse is a chat as seen by one member. Messages holds at most the latest message.
type ChatResponse struct {
	ID          string                `json:"id"`
	Kind        string                `json:"kind"`
	Name        string                `json:"name,omitempty"`
	Members     []UserResponse        `json:"members"`
	Messages    []ChatMessageResponse `json:"messages"`
	UnreadCount int                   `json:"unreadCount"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// LastMessage returns the latest message snapshot, if any.
func (c ChatResponse) LastMessage() (ChatMessageResponse, bool) {
	if len(c.Messages) == 0 {
		return ChatMessageResponse{}, false
	}
	return c.Messages[0], true
}

// Recency is the timestamp the chat list is ordered by.
func (c ChatResponse) Recency() time.Time {
	if last, ok := c.LastMessage(); ok {
		return last.CreatedAt
	}
	return c.UpdatedAt
}

// ChatHistoryQuery filters a history request.
type ChatHistoryQuery struct {
	ChatID string     `validate:"required,uuid"`
	Before *time.Time `validate:"-"`
	Limit  int        `validate:"omitempty,min=1,max=100"`
}

// CreateDirectChatRequest starts (or reopens) a one-to-one chat.
type CreateDirectChatRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

// CreateGroupChatRequest creates a named group chat.
type CreateGroupChatRequest struct {
	Name      string   `json:"name" validate:"required,min=1,max=255"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,max=100,dive,uuid"`
}

// UserSearchQuery searches users by name or email.
type UserSearchQuery struct {
	Query string `validate:"required,min=1,max=100"`
	Limit int    `validate:"omitempty,min=1,max=50"`
}

// UploadResponse describes a stored chat attachment.
type UploadResponse struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType"`
	Checksum  string `json:"checksum"`
	FileName  string `json:"fileName"`
}

// NewUserResponse converts a model into a DTO.
func NewUserResponse(user models.User) UserResponse {
	return UserResponse{
		ID:           user.ID,
		Name:         user.Name,
		Email:        user.Email,
		ProfileImage: user.ProfileImage,
	}
}

// NewUserResponseSlice converts a slice of models into DTOs.
func NewUserResponseSlice(users []models.User) []UserResponse {
	out := make([]UserResponse, 0, len(users))
	for _, user := range users {
		out = append(out, NewUserResponse(user))
	}
	return out
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.Message) ChatMessageResponse {
	response := ChatMessageResponse{
		ID:        message.ID,
		ChatID:    message.ChatID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		Type:      message.Type,
		FileURL:   message.AttachmentValue(models.AttachmentURL),
		FileName:  message.AttachmentValue(models.AttachmentName),
		FileType:  message.AttachmentValue(models.AttachmentType),
		IsDeleted: message.IsDeleted,
		IsEdited:  message.IsEdited,
		ReadBy:    make([]ReadReceiptResponse, 0, len(message.Reads)),
		Reactions: make([]ReactionResponse, 0, len(message.Reactions)),
		CreatedAt: message.CreatedAt,
	}
	if message.ReplyToID != nil {
		response.ReplyToID = *message.ReplyToID
	}
	if message.Sender.ID != "" {
		sender := NewUserResponse(message.Sender)
		response.Sender = &sender
	}
	for _, read := range message.Reads {
		response.ReadBy = append(response.ReadBy, ReadReceiptResponse{UserID: read.UserID, ReadAt: read.ReadAt})
	}
	response.Reactions = NewReactionResponseSlice(message.Reactions)
	return response
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.Message) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// NewReactionResponseSlice converts reactions into DTOs.
func NewReactionResponseSlice(reactions []models.MessageReaction) []ReactionResponse {
	out := make([]ReactionResponse, 0, len(reactions))
	for _, reaction := range reactions {
		out = append(out, ReactionResponse{UserID: reaction.UserID, Emoji: reaction.Emoji})
	}
	return out
}

// NewChatResponse converts a chat model into the per-member view.
func NewChatResponse(chat models.Chat, last *models.Message, unread int) ChatResponse {
	response := ChatResponse{
		ID:          chat.ID,
		Kind:        chat.Kind,
		Name:        chat.Name,
		Members:     make([]UserResponse, 0, len(chat.Members)),
		Messages:    []ChatMessageResponse{},
		UnreadCount: unread,
		CreatedAt:   chat.CreatedAt,
		UpdatedAt:   chat.UpdatedAt,
	}
	for _, member := range chat.Members {
		user := member.User
		if user.ID == "" {
			user.ID = member.UserID
		}
		response.Members = append(response.Members, NewUserResponse(user))
	}
	if last != nil {
		response.Messages = append(response.Messages, NewChatMessageResponse(*last))
	}
	return response
}
