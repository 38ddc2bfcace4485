// Package delivery tracks the per-device lifecycle of each message:
// sending, sent, delivered, seen. Records only move forward.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/domain"
	"convcore/internal/keyedmutex"
	"convcore/internal/observability/metrics"
	"convcore/internal/store"

	"github.com/google/uuid"
)

type Status = domain.Status

const (
	Sending   = domain.StatusSending
	Sent      = domain.StatusSent
	Delivered = domain.StatusDelivered
	Seen      = domain.StatusSeen
)

// CanAdvance reports whether a record may move from one status to another.
// Skipping ahead is allowed; Seen implies Delivered.
func CanAdvance(from, to Status) bool {
	return from.Valid() && to.Valid() && to > from
}

// Transition describes the outcome of an Advance call. Changed is false when
// the request was stale, repeated, or aimed at an excluded record.
type Transition struct {
	MessageID uuid.UUID
	DeviceID  uuid.UUID
	From      Status
	To        Status
	Changed   bool
}

var ErrNoRecord = apperr.NotFound("no delivery record for this device")

type Tracker struct {
	store *store.Store
	locks *keyedmutex.Mutex
	now   func() time.Time
}

func NewTracker(st *store.Store) *Tracker {
	return &Tracker{
		store: st,
		locks: keyedmutex.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a Sending record for every target. It runs on tx so the
// records commit together with the message.
func (t *Tracker) Create(ctx context.Context, tx *store.Store, messageID uuid.UUID, targets []store.LiveTarget) error {
	if len(targets) == 0 {
		return nil
	}
	at := t.now()
	recs := make([]domain.DeliveryRecord, 0, len(targets))
	for _, tg := range targets {
		recs = append(recs, domain.DeliveryRecord{
			MessageID: messageID,
			DeviceID:  tg.DeviceID,
			UserID:    tg.UserID,
			Status:    Sending,
			UpdatedAt: at,
		})
	}
	return tx.Deliveries().CreateBatch(ctx, recs)
}

// Advance moves the record for (messageID, deviceID) to `to` if that is
// forward. Anything else is a silent no-op.
func (t *Tracker) Advance(ctx context.Context, messageID, deviceID uuid.UUID, to Status) (Transition, error) {
	tr := Transition{MessageID: messageID, DeviceID: deviceID, To: to}
	if !to.Valid() {
		return tr, apperr.Invalid("unknown delivery status")
	}

	unlock := t.locks.Lock(messageID.String() + "/" + deviceID.String())
	defer unlock()

	rec, err := t.store.Deliveries().Get(ctx, messageID, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return tr, ErrNoRecord
		}
		return tr, err
	}
	tr.From = rec.Status

	if rec.Excluded {
		metrics.DeliveryTransitionsTotal.WithLabelValues(to.String(), "excluded").Inc()
		return tr, nil
	}
	if !CanAdvance(rec.Status, to) {
		slog.Default().Debug("delivery transition ignored",
			"kind", apperr.KindConflict,
			"message_id", messageID,
			"device_id", deviceID,
			"from", rec.Status.String(),
			"to", to.String(),
		)
		metrics.DeliveryTransitionsTotal.WithLabelValues(to.String(), "noop").Inc()
		return tr, nil
	}

	changed, err := t.store.Deliveries().Advance(ctx, messageID, deviceID, to, t.now())
	if err != nil {
		return tr, err
	}
	tr.Changed = changed
	result := "advanced"
	if !changed {
		result = "noop"
	}
	metrics.DeliveryTransitionsTotal.WithLabelValues(to.String(), result).Inc()
	return tr, nil
}

// Aggregate is the lowest status across records that still count. A message
// with no such records has nobody left to wait for and reports Sent.
func (t *Tracker) Aggregate(ctx context.Context, messageID uuid.UUID) (Status, error) {
	lowest, required, err := t.store.Deliveries().MinRequiredStatus(ctx, messageID)
	if err != nil {
		return Sending, err
	}
	if required == 0 {
		return Sent, nil
	}
	return lowest, nil
}

// ExcludeDevice drops every open record of a revoked device from aggregates
// and returns the affected message ids.
func (t *Tracker) ExcludeDevice(ctx context.Context, tx *store.Store, deviceID uuid.UUID) ([]uuid.UUID, error) {
	return tx.Deliveries().ExcludeDevice(ctx, deviceID, t.now())
}

// ExcludeUser does the same for a participant leaving a conversation.
func (t *Tracker) ExcludeUser(ctx context.Context, tx *store.Store, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	return tx.Deliveries().ExcludeUserInConversation(ctx, conversationID, userID, t.now())
}

func (t *Tracker) Records(ctx context.Context, messageID uuid.UUID) ([]domain.DeliveryRecord, error) {
	return t.store.Deliveries().ListByMessage(ctx, messageID)
}
