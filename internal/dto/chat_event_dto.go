package dto

import (
	"encoding/json"
	"time"
)

// Outbound events (client → server).
const (
	EventMessageSend   = "message:send"
	EventMessageRead   = "message:read"
	EventMessageReact  = "message:react"
	EventMessageDelete = "message:delete"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"
)

// Inbound events (server → client). typing:start and typing:stop share their names with
// the outbound events and differ only by payload.
const (
	EventMessageNew      = "message:new"
	EventMessagesRead    = "messages:read"
	EventMessageReaction = "message:reaction"
	EventMessageDeleted  = "message:deleted"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
)

// Reaction actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// ChatEnvelope is a single websocket frame.
type ChatEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewChatEnvelope marshals payload into a frame.
func NewChatEnvelope(event string, payload interface{}) (ChatEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ChatEnvelope{}, err
	}
	return ChatEnvelope{Event: event, Data: data}, nil
}

// SendMessagePayload is the message:send body.
type SendMessagePayload struct {
	ChatID   string `json:"chatId" validate:"required,uuid"`
	Content  string `json:"content" validate:"max=4000,required_without=FileURL"`
	Type     string `json:"type" validate:"omitempty,oneof=text file image"`
	ReplyTo  string `json:"replyTo,omitempty" validate:"omitempty,uuid"`
	FileURL  string `json:"fileUrl,omitempty" validate:"omitempty,url,max=512"`
	FileName string `json:"fileName,omitempty" validate:"omitempty,max=255"`
	FileType string `json:"fileType,omitempty" validate:"omitempty,max=128"`
}

// MarkReadPayload is the message:read body.
type MarkReadPayload struct {
	ChatID     string   `json:"chatId" validate:"required,uuid"`
	MessageIDs []string `json:"messageIds" validate:"required,min=1,max=200,dive,uuid"`
}

// ReactPayload is the message:react body.
type ReactPayload struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
	Action    string `json:"action" validate:"required,oneof=add remove"`
}

// DeleteMessagePayload is the message:delete body.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
}

// TypingPayload is the outbound typing:start / typing:stop body.
type TypingPayload struct {
	ChatID string `json:"chatId" validate:"required,uuid"`
}

// MessagesReadEvent is the messages:read body.
type MessagesReadEvent struct {
	UserID     string    `json:"userId"`
	ChatID     string    `json:"chatId"`
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

// MessageReactionEvent is the message:reaction body. Reactions is the full list after the change.
type MessageReactionEvent struct {
	MessageID string             `json:"messageId"`
	ChatID    string             `json:"chatId,omitempty"`
	UserID    string             `json:"userId,omitempty"`
	Emoji     string             `json:"emoji"`
	Action    string             `json:"action"`
	Reactions []ReactionResponse `json:"reactions"`
}

// MessageDeletedEvent is the message:deleted body.
type MessageDeletedEvent struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
}

// TypingEvent is the inbound typing:start / typing:stop body.
type TypingEvent struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

// PresenceEvent is the user:online / user:offline body.
type PresenceEvent struct {
	UserID string `json:"userId"`
}
