package ws

import (
	"encoding/json"

	"convcore/internal/apperr"
	"convcore/internal/delivery"
	"convcore/internal/keydist"

	"github.com/google/uuid"
)

// Client to server events.
const (
	EventEnvelopeSubmit = "key.envelope.submit"
	EventEnvelopeRotate = "key.envelope.rotate"
	EventMessageSend    = "message.send"
	EventDelivered      = "message.delivered"
	EventSeenPrivate    = "message.seen.private"
	EventSeenGroup      = "message.seen.group"
	EventPing           = "ping"
)

// Server replies.
const (
	EventAck   = "ack"
	EventError = "error"
	EventPong  = "pong"
)

// Inbound is a frame read from the client. ID is echoed on the reply.
type Inbound struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is every frame the server writes. Seq is set only on events that
// went through the fan-out hub.
type Outbound struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  any             `json:"data,omitempty"`
	Error *apperr.Payload `json:"error,omitempty"`
}

type envelopeSubmit struct {
	ConversationID uuid.UUID `json:"conversationId"`
	keydist.Submission
}

type envelopeRotate struct {
	ConversationID uuid.UUID            `json:"conversationId"`
	Envelopes      []keydist.Submission `json:"envelopes"`
}

type messageSend struct {
	ConversationID  uuid.UUID `json:"conversationId"`
	ClientMessageID uuid.UUID `json:"clientMessageId"`
	Ciphertext      []byte    `json:"ciphertext"`
	KeyVersion      int       `json:"keyVersion"`
}

// messageAck is the payload of message.delivered and both seen events.
type messageAck struct {
	SenderID       uuid.UUID `json:"senderId"`
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type envelopeAccepted struct {
	ConversationID uuid.UUID `json:"conversationId"`
	DeviceID       uuid.UUID `json:"deviceId"`
	KeyVersion     int       `json:"keyVersion"`
}

type sendAccepted struct {
	MessageID uuid.UUID       `json:"messageId"`
	Targets   int             `json:"targets"`
	Aggregate delivery.Status `json:"aggregate"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type ackAccepted struct {
	MessageID uuid.UUID       `json:"messageId"`
	Status    delivery.Status `json:"status"`
	Aggregate delivery.Status `json:"aggregate"`
	Changed   bool            `json:"changed"`
}
