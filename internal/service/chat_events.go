package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/models"
	"github.com/noah-isme/gema-notes-api/internal/observability"
	"github.com/noah-isme/gema-notes-api/internal/repository"
)

// ErrUnknownChatEvent indicates a frame named an event the server does not accept.
var ErrUnknownChatEvent = errors.New("unknown chat event")

// handleFrame processes one client frame. Failures are logged and counted; the client gets no reply.
func (s *chatService) handleFrame(ctx context.Context, userID string, frame dto.ChatEnvelope) {
	attrs := []attribute.KeyValue{
		attribute.String("chat.event", frame.Event),
		attribute.String("chat.user_id", userID),
	}
	if correlation := middleware.CorrelationIDFromContext(ctx); correlation != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlation))
	}
	spanCtx, span := s.tracer.Start(ctx, "chat.event", trace.WithAttributes(attrs...))
	defer span.End()

	var err error
	switch frame.Event {
	case dto.EventMessageSend:
		var payload dto.SendMessagePayload
		if err = s.decode(frame, &payload); err == nil {
			_, err = s.sendMessage(spanCtx, userID, payload)
		}
	case dto.EventMessageRead:
		var payload dto.MarkReadPayload
		if err = s.decode(frame, &payload); err == nil {
			err = s.markRead(spanCtx, userID, payload)
		}
	case dto.EventMessageReact:
		var payload dto.ReactPayload
		if err = s.decode(frame, &payload); err == nil {
			err = s.react(spanCtx, userID, payload)
		}
	case dto.EventMessageDelete:
		var payload dto.DeleteMessagePayload
		if err = s.decode(frame, &payload); err == nil {
			err = s.deleteMessage(spanCtx, userID, payload)
		}
	case dto.EventTypingStart, dto.EventTypingStop:
		var payload dto.TypingPayload
		if err = s.decode(frame, &payload); err == nil {
			err = s.typing(spanCtx, userID, frame.Event, payload)
		}
	default:
		err = ErrUnknownChatEvent
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "event rejected")
		observability.ChatEventsRejected().WithLabelValues(eventLabel(frame.Event), rejectReason(err)).Inc()
		s.logger.Warn().Err(err).Str("event", frame.Event).Str("user_id", userID).Msg("chat event rejected")
		return
	}

	observability.ChatEventsProcessed().WithLabelValues(frame.Event).Inc()
}

func (s *chatService) decode(frame dto.ChatEnvelope, target interface{}) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%s: empty payload", frame.Event)
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return fmt.Errorf("%s: decode payload: %w", frame.Event, err)
	}
	return s.validator.Struct(target)
}

func (s *chatService) sendMessage(ctx context.Context, userID string, payload dto.SendMessagePayload) (dto.ChatMessageResponse, error) {
	if err := s.requireMember(ctx, payload.ChatID, userID); err != nil {
		return dto.ChatMessageResponse{}, err
	}

	content := s.cleanContent(payload.Content)
	if content == "" && payload.FileURL == "" {
		return dto.ChatMessageResponse{}, fmt.Errorf("message content empty after sanitization")
	}

	messageType := payload.Type
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if messageType != models.MessageTypeText && payload.FileURL == "" {
		return dto.ChatMessageResponse{}, fmt.Errorf("%s message requires a file url", messageType)
	}

	message := models.Message{
		ChatID:     payload.ChatID,
		SenderID:   userID,
		Content:    content,
		Type:       messageType,
		Attachment: messageAttachment(payload),
		CreatedAt:  s.now(),
	}
	if payload.ReplyTo != "" {
		if err := s.requireReplyTarget(ctx, payload.ChatID, payload.ReplyTo); err != nil {
			return dto.ChatMessageResponse{}, err
		}
		replyTo := payload.ReplyTo
		message.ReplyToID = &replyTo
	}
	message.UpdatedAt = message.CreatedAt

	if err := s.repo.SaveMessage(ctx, &message); err != nil {
		return dto.ChatMessageResponse{}, err
	}
	if sender, err := s.users.Get(ctx, userID); err == nil {
		message.Sender = sender
	}

	response := dto.NewChatMessageResponse(message)
	s.cacheLastMessage(ctx, response)

	members, err := s.repo.MemberIDs(ctx, payload.ChatID)
	if err != nil {
		return dto.ChatMessageResponse{}, err
	}
	s.deliver(ctx, members, dto.EventMessageNew, response)

	observability.ChatMessagesSent().WithLabelValues(messageType).Inc()
	return response, nil
}

// cleanContent strips markup and returns plain text. The policy escapes what it keeps,
// so entities are decoded back before storage.
func (s *chatService) cleanContent(content string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(content)))
}

func (s *chatService) requireReplyTarget(ctx context.Context, chatID, messageID string) error {
	target, err := s.repo.GetMessage(ctx, messageID)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return ErrReplyTargetInvalid
	}
	if err != nil {
		return err
	}
	if target.ChatID != chatID {
		return ErrReplyTargetInvalid
	}
	return nil
}

func (s *chatService) markRead(ctx context.Context, userID string, payload dto.MarkReadPayload) error {
	if err := s.requireMember(ctx, payload.ChatID, userID); err != nil {
		return err
	}

	readAt := s.now()
	marked, err := s.repo.MarkRead(ctx, payload.ChatID, userID, payload.MessageIDs, readAt)
	if err != nil {
		return err
	}
	if len(marked) == 0 {
		return nil
	}

	members, err := s.repo.MemberIDs(ctx, payload.ChatID)
	if err != nil {
		return err
	}
	s.deliver(ctx, members, dto.EventMessagesRead, dto.MessagesReadEvent{
		UserID:     userID,
		ChatID:     payload.ChatID,
		MessageIDs: marked,
		ReadAt:     readAt,
	})
	return nil
}

func (s *chatService) react(ctx context.Context, userID string, payload dto.ReactPayload) error {
	message, err := s.repo.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, message.ChatID, userID); err != nil {
		return err
	}
	if message.IsDeleted {
		return fmt.Errorf("cannot react to a deleted message")
	}

	emoji := strings.TrimSpace(payload.Emoji)
	switch payload.Action {
	case dto.ReactionAdd:
		err = s.repo.AddReaction(ctx, message.ID, userID, emoji)
	case dto.ReactionRemove:
		err = s.repo.RemoveReaction(ctx, message.ID, userID, emoji)
	}
	if err != nil {
		return err
	}

	reactions, err := s.repo.ListReactions(ctx, message.ID)
	if err != nil {
		return err
	}
	members, err := s.repo.MemberIDs(ctx, message.ChatID)
	if err != nil {
		return err
	}
	s.deliver(ctx, members, dto.EventMessageReaction, dto.MessageReactionEvent{
		MessageID: message.ID,
		ChatID:    message.ChatID,
		UserID:    userID,
		Emoji:     emoji,
		Action:    payload.Action,
		Reactions: dto.NewReactionResponseSlice(reactions),
	})
	return nil
}

func (s *chatService) deleteMessage(ctx context.Context, userID string, payload dto.DeleteMessagePayload) error {
	message, err := s.repo.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if message.SenderID != userID {
		return ErrMessageNotOwned
	}
	if message.IsDeleted {
		return nil
	}

	if err := s.repo.SoftDelete(ctx, message.ID); err != nil {
		return err
	}
	s.evictLastMessage(ctx, message.ChatID)

	members, err := s.repo.MemberIDs(ctx, message.ChatID)
	if err != nil {
		return err
	}
	s.deliver(ctx, members, dto.EventMessageDeleted, dto.MessageDeletedEvent{
		MessageID: message.ID,
		ChatID:    message.ChatID,
	})
	return nil
}

func (s *chatService) typing(ctx context.Context, userID, event string, payload dto.TypingPayload) error {
	if err := s.requireMember(ctx, payload.ChatID, userID); err != nil {
		return err
	}

	members, err := s.repo.MemberIDs(ctx, payload.ChatID)
	if err != nil {
		return err
	}
	others := make([]string, 0, len(members))
	for _, id := range members {
		if id != userID {
			others = append(others, id)
		}
	}
	s.deliver(ctx, others, event, dto.TypingEvent{UserID: userID, ChatID: payload.ChatID})
	return nil
}

func eventLabel(event string) string {
	switch event {
	case dto.EventMessageSend, dto.EventMessageRead, dto.EventMessageReact,
		dto.EventMessageDelete, dto.EventTypingStart, dto.EventTypingStop:
		return event
	default:
		return "unknown"
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownChatEvent):
		return "unknown_event"
	case errors.Is(err, ErrChatNotAuthorised), errors.Is(err, ErrMessageNotOwned):
		return "forbidden"
	case isValidationErr(err), errors.Is(err, ErrReplyTargetInvalid):
		return "invalid"
	default:
		return "error"
	}
}
