package realtime

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	// ErrUnknownEvent indicates an inbound frame named an event outside the supported set.
	ErrUnknownEvent = errors.New("unknown inbound event")
	// ErrMalformedFrame indicates an inbound frame could not be parsed or failed schema validation.
	ErrMalformedFrame = errors.New("malformed inbound frame")
)

// InboundEvent is one server-to-client event. The set of implementations is closed.
type InboundEvent interface {
	EventName() string
	inbound()
}

// MessageNew carries a newly persisted message.
type MessageNew struct {
	Message dto.ChatMessageResponse
}

// MessagesRead reports that a user has seen messages in a chat.
type MessagesRead struct {
	dto.MessagesReadEvent
}

// MessageReaction reports a reaction change. Reactions is nil when the server omitted the list.
type MessageReaction struct {
	dto.MessageReactionEvent
}

// MessageDeleted reports a soft delete.
type MessageDeleted struct {
	dto.MessageDeletedEvent
}

// TypingStarted reports a remote user typing in a chat.
type TypingStarted struct {
	dto.TypingEvent
}

// TypingStopped reports a remote user no longer typing in a chat.
type TypingStopped struct {
	dto.TypingEvent
}

// UserOnline reports a user connecting.
type UserOnline struct {
	UserID string
}

// UserOffline reports a user's last connection closing.
type UserOffline struct {
	UserID string
}

func (MessageNew) EventName() string      { return dto.EventMessageNew }
func (MessagesRead) EventName() string    { return dto.EventMessagesRead }
func (MessageReaction) EventName() string { return dto.EventMessageReaction }
func (MessageDeleted) EventName() string  { return dto.EventMessageDeleted }
func (TypingStarted) EventName() string   { return dto.EventTypingStart }
func (TypingStopped) EventName() string   { return dto.EventTypingStop }
func (UserOnline) EventName() string      { return dto.EventUserOnline }
func (UserOffline) EventName() string     { return dto.EventUserOffline }

func (MessageNew) inbound()      {}
func (MessagesRead) inbound()    {}
func (MessageReaction) inbound() {}
func (MessageDeleted) inbound()  {}
func (TypingStarted) inbound()   {}
func (TypingStopped) inbound()   {}
func (UserOnline) inbound()      {}
func (UserOffline) inbound()     {}

var eventSchemas = map[string]string{
	dto.EventMessageNew:      "message_new.json",
	dto.EventMessagesRead:    "messages_read.json",
	dto.EventMessageReaction: "message_reaction.json",
	dto.EventMessageDeleted:  "message_deleted.json",
	dto.EventTypingStart:     "typing.json",
	dto.EventTypingStop:      "typing.json",
	dto.EventUserOnline:      "presence.json",
	dto.EventUserOffline:     "presence.json",
}

// Decoder turns raw websocket frames into typed inbound events.
type Decoder struct {
	schemas map[string]*jsonschema.Schema
}

// NewDecoder compiles the embedded event schemas.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	compiled := make(map[string]*jsonschema.Schema, len(eventSchemas))
	byFile := make(map[string]*jsonschema.Schema)
	for event, file := range eventSchemas {
		if schema, ok := byFile[file]; ok {
			compiled[event] = schema
			continue
		}
		raw, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		url := "mem://realtime/" + file
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		byFile[file] = schema
		compiled[event] = schema
	}
	return &Decoder{schemas: compiled}, nil
}

// Decode parses one frame. Unknown events wrap ErrUnknownEvent; invalid payloads wrap ErrMalformedFrame.
func (d *Decoder) Decode(data []byte) (InboundEvent, error) {
	var frame dto.ChatEnvelope
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	schema, ok := d.schemas[frame.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedFrame, frame.Event)
	}

	var doc interface{}
	if err := json.Unmarshal(frame.Data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frame.Event, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frame.Event, err)
	}

	var (
		event InboundEvent
		err   error
	)
	switch frame.Event {
	case dto.EventMessageNew:
		var payload dto.ChatMessageResponse
		err = unmarshalPayload(frame, &payload)
		event = MessageNew{Message: payload}
	case dto.EventMessagesRead:
		var payload dto.MessagesReadEvent
		err = unmarshalPayload(frame, &payload)
		event = MessagesRead{payload}
	case dto.EventMessageReaction:
		var payload dto.MessageReactionEvent
		err = unmarshalPayload(frame, &payload)
		event = MessageReaction{payload}
	case dto.EventMessageDeleted:
		var payload dto.MessageDeletedEvent
		err = unmarshalPayload(frame, &payload)
		event = MessageDeleted{payload}
	case dto.EventTypingStart:
		var payload dto.TypingEvent
		err = unmarshalPayload(frame, &payload)
		event = TypingStarted{payload}
	case dto.EventTypingStop:
		var payload dto.TypingEvent
		err = unmarshalPayload(frame, &payload)
		event = TypingStopped{payload}
	case dto.EventUserOnline:
		var payload dto.PresenceEvent
		err = unmarshalPayload(frame, &payload)
		event = UserOnline{UserID: payload.UserID}
	case dto.EventUserOffline:
		var payload dto.PresenceEvent
		err = unmarshalPayload(frame, &payload)
		event = UserOffline{UserID: payload.UserID}
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func unmarshalPayload(frame dto.ChatEnvelope, target interface{}) error {
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frame.Event, err)
	}
	return nil
}

// encodeFrame builds an outbound frame.
func encodeFrame(event string, payload interface{}) ([]byte, error) {
	frame, err := dto.NewChatEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}
