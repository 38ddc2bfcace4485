// Package messages stores end-to-end encrypted messages, hands them to the
// fan-out hub and turns device acknowledgements into delivery status.
package messages

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/delivery"
	"convcore/internal/domain"
	"convcore/internal/fanout"
	"convcore/internal/keydist"
	"convcore/internal/keyedmutex"
	"convcore/internal/observability/metrics"
	"convcore/internal/session"
	"convcore/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultPendingLimit = 100
	MaxPendingLimit     = 500
)

type Publisher interface {
	Publish(deviceID uuid.UUID, name string, data any) fanout.Event
}

// Targets resolves which devices may receive a conversation's messages.
type Targets interface {
	LiveDevices(ctx context.Context, conversationID uuid.UUID) ([]store.LiveTarget, error)
}

type Deps struct {
	Store   *store.Store
	Locks   *keyedmutex.Mutex
	Hub     Publisher
	Tracker *delivery.Tracker
	Targets Targets
}

type Service struct {
	store   *store.Store
	locks   *keyedmutex.Mutex
	hub     Publisher
	tracker *delivery.Tracker
	targets Targets
	now     func() time.Time
}

func New(d Deps) *Service {
	return &Service{
		store:   d.Store,
		locks:   d.Locks,
		hub:     d.Hub,
		tracker: d.Tracker,
		targets: d.Targets,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type SendInput struct {
	ConversationID uuid.UUID
	// ClientMessageID, when set, becomes the message id so that a retried
	// send is recognised instead of stored twice.
	ClientMessageID uuid.UUID
	Ciphertext      []byte
	KeyVersion      int
}

type SendResult struct {
	Message   domain.Message
	Targets   int
	Aggregate delivery.Status
	Duplicate bool
}

// MessagePush is the payload of message.push.
type MessagePush struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	SenderID       uuid.UUID `json:"senderId"`
	SenderDeviceID uuid.UUID `json:"senderDeviceId"`
	Ciphertext     []byte    `json:"ciphertext"`
	KeyVersion     int       `json:"keyVersion"`
	CreatedAt      time.Time `json:"createdAt"`
}

func PushFor(m domain.Message) MessagePush {
	return MessagePush{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderDeviceID: m.SenderDeviceID,
		Ciphertext:     m.Ciphertext,
		KeyVersion:     m.KeyVersion,
		CreatedAt:      m.CreatedAt,
	}
}

// StatusUpdate is the payload of delivery.status.update. DeviceID is the
// device whose acknowledgement caused the change, if any.
type StatusUpdate struct {
	MessageID      uuid.UUID       `json:"messageId"`
	ConversationID uuid.UUID       `json:"conversationId"`
	DeviceID       *uuid.UUID      `json:"deviceId,omitempty"`
	Status         delivery.Status `json:"status"`
	Aggregate      delivery.Status `json:"aggregate"`
}

// Send stores a message for every device that currently holds the
// conversation key, except the sending device, and pushes it to them. Records
// start at Sending and move to Sent once the push reaches a live connection.
func (s *Service) Send(ctx context.Context, sess *session.Session, in SendInput) (SendResult, error) {
	if in.ConversationID == uuid.Nil {
		return SendResult{}, apperr.Invalid("conversationId is required")
	}
	if len(in.Ciphertext) == 0 {
		return SendResult{}, apperr.Invalid("ciphertext is required")
	}
	if in.KeyVersion < 0 {
		return SendResult{}, apperr.Invalid("keyVersion must not be negative")
	}

	unlock := s.locks.Lock(keydist.ConversationLockKey(in.ConversationID))
	defer unlock()

	conv, err := s.conversation(ctx, in.ConversationID)
	if err != nil {
		return SendResult{}, err
	}
	if err := keydist.RequireActiveMember(ctx, s.store, in.ConversationID, sess.UserID()); err != nil {
		return SendResult{}, err
	}

	if in.ClientMessageID != uuid.Nil {
		existing, err := s.store.Messages().Get(ctx, in.ClientMessageID)
		switch {
		case err == nil:
			if existing.SenderID != sess.UserID() || existing.ConversationID != in.ConversationID {
				return SendResult{}, apperr.Conflict("message id already in use")
			}
			agg, err := s.tracker.Aggregate(ctx, existing.ID)
			if err != nil {
				return SendResult{}, err
			}
			return SendResult{Message: *existing, Aggregate: agg, Duplicate: true}, nil
		case !errors.Is(err, store.ErrRecordNotFound):
			return SendResult{}, err
		}
	}

	live, err := s.targets.LiveDevices(ctx, in.ConversationID)
	if err != nil {
		return SendResult{}, err
	}
	targets := make([]store.LiveTarget, 0, len(live))
	for _, t := range live {
		if t.DeviceID != sess.DeviceID() {
			targets = append(targets, t)
		}
	}

	msg := domain.Message{
		ID:             in.ClientMessageID,
		ConversationID: in.ConversationID,
		SenderID:       sess.UserID(),
		SenderDeviceID: sess.DeviceID(),
		Ciphertext:     append([]byte(nil), in.Ciphertext...),
		KeyVersion:     in.KeyVersion,
		CreatedAt:      s.now(),
	}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Messages().Create(ctx, &msg); err != nil {
			return err
		}
		return s.tracker.Create(ctx, tx, msg.ID, targets)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return SendResult{}, apperr.Conflict("message id already in use")
		}
		return SendResult{}, err
	}
	metrics.MessagesStoredTotal.WithLabelValues(string(conv.Kind)).Inc()
	metrics.MessagesCiphertextBytes.WithLabelValues(string(conv.Kind)).Observe(float64(len(msg.Ciphertext)))

	// Held until the initial aggregate is out, ahead of any MarkSent from a
	// writer that already took the push.
	unlockMsg := s.locks.Lock(messageLockKey(msg.ID))
	defer unlockMsg()

	push := PushFor(msg)
	for _, t := range targets {
		s.hub.Publish(t.DeviceID, fanout.EventMessagePush, push)
	}

	agg, err := s.tracker.Aggregate(ctx, msg.ID)
	if err != nil {
		return SendResult{}, err
	}
	s.publishToSender(ctx, msg, StatusUpdate{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         agg,
		Aggregate:      agg,
	})

	slog.Default().Info("message stored",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_device_id", msg.SenderDeviceID,
		"targets", len(targets),
	)
	return SendResult{Message: msg, Targets: len(targets), Aggregate: agg}, nil
}

// AckScope restricts which conversation kind an acknowledgement is valid for.
type AckScope string

const (
	ScopeAny     AckScope = ""
	ScopePrivate AckScope = "private"
	ScopeGroup   AckScope = "group"
)

type AckInput struct {
	MessageID      uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Status         delivery.Status
	Scope          AckScope
}

type AckResult struct {
	Transition delivery.Transition
	Aggregate  delivery.Status
}

// Ack records that the session's device received or displayed a message.
// Repeated or stale acknowledgements succeed without changing anything.
func (s *Service) Ack(ctx context.Context, sess *session.Session, in AckInput) (AckResult, error) {
	if in.Status != delivery.Delivered && in.Status != delivery.Seen {
		return AckResult{}, apperr.Invalid("status must be delivered or seen")
	}
	msg, err := s.store.Messages().Get(ctx, in.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return AckResult{}, apperr.NotFound("message not found")
		}
		return AckResult{}, err
	}
	if msg.ConversationID != in.ConversationID || msg.SenderID != in.SenderID {
		return AckResult{}, apperr.Invalid("message does not match conversation or sender")
	}
	if in.Scope != ScopeAny {
		conv, err := s.conversation(ctx, msg.ConversationID)
		if err != nil {
			return AckResult{}, err
		}
		if string(conv.Kind) != string(in.Scope) {
			return AckResult{}, apperr.Invalid("acknowledgement does not match conversation kind")
		}
	}

	return s.advance(ctx, msg, sess.DeviceID(), in.Status)
}

// MarkSent records that a message.push frame was written to a live
// connection of deviceID.
func (s *Service) MarkSent(ctx context.Context, messageID, deviceID uuid.UUID) error {
	msg, err := s.store.Messages().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return apperr.NotFound("message not found")
		}
		return err
	}
	_, err = s.advance(ctx, msg, deviceID, delivery.Sent)
	if errors.Is(err, delivery.ErrNoRecord) {
		return nil
	}
	return err
}

// messageLockKey serializes aggregate reads and the updates published from
// them, so the sender never sees a message's aggregate move backwards.
func messageLockKey(messageID uuid.UUID) string {
	return "msg:" + messageID.String()
}

// advance moves one record and tells the sender when the aggregate changed.
func (s *Service) advance(ctx context.Context, msg *domain.Message, deviceID uuid.UUID, to delivery.Status) (AckResult, error) {
	unlock := s.locks.Lock(messageLockKey(msg.ID))
	defer unlock()

	before, err := s.tracker.Aggregate(ctx, msg.ID)
	if err != nil {
		return AckResult{}, err
	}
	tr, err := s.tracker.Advance(ctx, msg.ID, deviceID, to)
	if err != nil {
		return AckResult{}, err
	}
	after, err := s.tracker.Aggregate(ctx, msg.ID)
	if err != nil {
		return AckResult{}, err
	}

	if tr.Changed && after != before {
		s.publishToSender(ctx, *msg, StatusUpdate{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			DeviceID:       &deviceID,
			Status:         to,
			Aggregate:      after,
		})
	}
	return AckResult{Transition: tr, Aggregate: after}, nil
}

// Pending lists messages the session's device has not acknowledged yet,
// oldest first.
func (s *Service) Pending(ctx context.Context, sess *session.Session, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	if limit > MaxPendingLimit {
		limit = MaxPendingLimit
	}
	return s.store.Messages().PendingForDevice(ctx, sess.DeviceID(), limit)
}

type StatusView struct {
	MessageID      uuid.UUID               `json:"messageId"`
	ConversationID uuid.UUID               `json:"conversationId"`
	Aggregate      delivery.Status         `json:"aggregate"`
	Records        []domain.DeliveryRecord `json:"records"`
}

// Status returns the aggregate and per-device records of a message. Only the
// sender and participants of its conversation may read it.
func (s *Service) Status(ctx context.Context, sess *session.Session, messageID uuid.UUID) (StatusView, error) {
	msg, err := s.store.Messages().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return StatusView{}, apperr.NotFound("message not found")
		}
		return StatusView{}, err
	}
	if msg.SenderID != sess.UserID() {
		if _, err := s.store.Participants().Get(ctx, msg.ConversationID, sess.UserID()); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return StatusView{}, apperr.Forbidden("not a participant of this conversation")
			}
			return StatusView{}, err
		}
	}
	agg, err := s.tracker.Aggregate(ctx, msg.ID)
	if err != nil {
		return StatusView{}, err
	}
	recs, err := s.tracker.Records(ctx, msg.ID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{MessageID: msg.ID, ConversationID: msg.ConversationID, Aggregate: agg, Records: recs}, nil
}

// NotifyAggregates republishes the aggregate of each message to its sender.
// It is called after delivery records were excluded.
func (s *Service) NotifyAggregates(ctx context.Context, messageIDs []uuid.UUID) {
	msgs, err := s.store.Messages().GetMany(ctx, messageIDs)
	if err != nil {
		slog.Default().Error("load messages for aggregate update", "error", err)
		return
	}
	for _, m := range msgs {
		s.notifyAggregate(ctx, m)
	}
}

func (s *Service) notifyAggregate(ctx context.Context, m domain.Message) {
	unlock := s.locks.Lock(messageLockKey(m.ID))
	defer unlock()

	agg, err := s.tracker.Aggregate(ctx, m.ID)
	if err != nil {
		slog.Default().Error("aggregate update failed", "message_id", m.ID, "error", err)
		return
	}
	s.publishToSender(ctx, m, StatusUpdate{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Status:         agg,
		Aggregate:      agg,
	})
}

func (s *Service) publishToSender(ctx context.Context, msg domain.Message, upd StatusUpdate) {
	devices, err := s.store.Devices().ListActiveByUser(ctx, msg.SenderID)
	if err != nil {
		slog.Default().Error("list sender devices", "user_id", msg.SenderID, "error", err)
		return
	}
	for _, d := range devices {
		s.hub.Publish(d.ID, fanout.EventDeliveryStatus, upd)
	}
}

func (s *Service) conversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.store.Conversations().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, err
	}
	return conv, nil
}
