// Package keydist relays the per-conversation symmetric key, sealed
// separately for every device, without ever seeing it in the clear.
package keydist

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/delivery"
	"convcore/internal/domain"
	"convcore/internal/fanout"
	"convcore/internal/keyedmutex"
	"convcore/internal/observability/metrics"
	"convcore/internal/session"
	"convcore/internal/store"

	"github.com/google/uuid"
)

// Submission is one sealed copy of the conversation key. ParticipantID is the
// member who sealed it; DeviceID is the device it is sealed for.
type Submission struct {
	ParticipantID     uuid.UUID `json:"participantId"`
	DeviceID          uuid.UUID `json:"deviceId"`
	EncryptedGroupKey string    `json:"encryptedGroupKey"`
	KeyVersion        int       `json:"keyVersion"`
}

// Publisher is the part of the fan-out hub the distributor needs.
type Publisher interface {
	Publish(deviceID uuid.UUID, name string, data any) fanout.Event
	DisconnectDevice(deviceID uuid.UUID) int
}

// AggregateNotifier is told which messages may have a new aggregate status
// after records were excluded.
type AggregateNotifier interface {
	NotifyAggregates(ctx context.Context, messageIDs []uuid.UUID)
}

type Deps struct {
	Store      *store.Store
	Locks      *keyedmutex.Mutex
	Hub        Publisher
	Tracker    *delivery.Tracker
	Aggregates AggregateNotifier
}

type Distributor struct {
	store      *store.Store
	locks      *keyedmutex.Mutex
	hub        Publisher
	tracker    *delivery.Tracker
	aggregates AggregateNotifier
	now        func() time.Time
}

func New(d Deps) *Distributor {
	locks := d.Locks
	if locks == nil {
		locks = keyedmutex.New()
	}
	return &Distributor{
		store:      d.Store,
		locks:      locks,
		hub:        d.Hub,
		tracker:    d.Tracker,
		aggregates: d.Aggregates,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetAggregateNotifier wires the component told about excluded delivery
// records. It must be called before the distributor is used.
func (d *Distributor) SetAggregateNotifier(n AggregateNotifier) {
	d.aggregates = n
}

// ConversationLockKey is the key under which every component serializes
// changes to a conversation's devices, envelopes and message targets.
func ConversationLockKey(conversationID uuid.UUID) string {
	return "conv:" + conversationID.String()
}

// EnvelopePush is the payload of key.envelope.push.
type EnvelopePush struct {
	ConversationID    uuid.UUID `json:"conversationId"`
	ParticipantID     uuid.UUID `json:"participantId"`
	EncryptedGroupKey string    `json:"encryptedGroupKey"`
	KeyVersion        int       `json:"keyVersion"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func PushFor(env domain.Envelope) EnvelopePush {
	return EnvelopePush{
		ConversationID:    env.ConversationID,
		ParticipantID:     env.ParticipantID,
		EncryptedGroupKey: env.EncryptedGroupKey,
		KeyVersion:        env.KeyVersion,
		UpdatedAt:         env.UpdatedAt,
	}
}

// RotationRequired is the payload of key.rotation.required.
type RotationRequired struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	Reason         string     `json:"reason"`
	DeviceID       *uuid.UUID `json:"deviceId,omitempty"`
	UserID         *uuid.UUID `json:"userId,omitempty"`
}

const (
	ReasonDeviceRevoked = "device_revoked"
	ReasonMemberRemoved = "participant_removed"
	ReasonMemberAdded   = "participant_added"
)

func validateSubmission(s Submission) error {
	if s.ParticipantID == uuid.Nil {
		return apperr.Invalid("participantId is required")
	}
	if s.DeviceID == uuid.Nil {
		return apperr.Invalid("deviceId is required")
	}
	if s.KeyVersion < 0 {
		return apperr.Invalid("keyVersion must not be negative")
	}
	key := strings.TrimSpace(s.EncryptedGroupKey)
	if key == "" {
		return apperr.Invalid("encryptedGroupKey is required")
	}
	if _, err := base64.StdEncoding.DecodeString(key); err != nil {
		if _, err := base64.RawURLEncoding.DecodeString(key); err != nil {
			return apperr.Invalid("encryptedGroupKey must be base64")
		}
	}
	return nil
}

// Submit stores one envelope, replacing any earlier one for the same device,
// and pushes it to that device.
func (d *Distributor) Submit(ctx context.Context, sess *session.Session, conversationID uuid.UUID, sub Submission) (domain.Envelope, error) {
	envs, err := d.apply(ctx, sess, conversationID, []Submission{sub})
	if err != nil {
		metrics.EnvelopesAcceptedTotal.WithLabelValues("single", string(apperr.KindOf(err))).Inc()
		return domain.Envelope{}, err
	}
	metrics.EnvelopesAcceptedTotal.WithLabelValues("single", "accepted").Inc()
	return envs[0], nil
}

// SubmitBatch applies a full rotation: every envelope is written in one
// transaction or none is.
func (d *Distributor) SubmitBatch(ctx context.Context, sess *session.Session, conversationID uuid.UUID, subs []Submission) ([]domain.Envelope, error) {
	if len(subs) == 0 {
		return nil, apperr.Invalid("at least one envelope is required")
	}
	envs, err := d.apply(ctx, sess, conversationID, subs)
	if err != nil {
		metrics.EnvelopesAcceptedTotal.WithLabelValues("batch", string(apperr.KindOf(err))).Inc()
		return nil, err
	}
	metrics.EnvelopesAcceptedTotal.WithLabelValues("batch", "accepted").Add(float64(len(envs)))
	return envs, nil
}

func (d *Distributor) apply(ctx context.Context, sess *session.Session, conversationID uuid.UUID, subs []Submission) ([]domain.Envelope, error) {
	seen := make(map[uuid.UUID]struct{}, len(subs))
	for _, s := range subs {
		if err := validateSubmission(s); err != nil {
			return nil, err
		}
		if s.ParticipantID != sess.UserID() {
			return nil, apperr.Forbidden("participant does not belong to the caller")
		}
		if _, dup := seen[s.DeviceID]; dup {
			return nil, apperr.Invalid("duplicate deviceId in batch")
		}
		seen[s.DeviceID] = struct{}{}
	}

	unlock := d.locks.Lock(ConversationLockKey(conversationID))
	defer unlock()

	at := d.now()
	envs := make([]domain.Envelope, 0, len(subs))
	err := d.store.WithTx(ctx, func(tx *store.Store) error {
		if err := requireConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := RequireActiveMember(ctx, tx, conversationID, sess.UserID()); err != nil {
			return err
		}
		for _, s := range subs {
			dev, err := tx.Devices().Get(ctx, s.DeviceID)
			if err != nil {
				if errors.Is(err, store.ErrRecordNotFound) {
					return apperr.NotFound("target device not found")
				}
				return err
			}
			if dev.Revoked() {
				return apperr.NotFound("target device is revoked")
			}
			if err := RequireActiveMember(ctx, tx, conversationID, dev.UserID); err != nil {
				if apperr.IsKind(err, apperr.KindForbidden) {
					return apperr.Forbidden("target device owner is not a participant")
				}
				return err
			}
			env := domain.Envelope{
				ConversationID:    conversationID,
				DeviceID:          dev.ID,
				ParticipantID:     s.ParticipantID,
				OwnerID:           dev.UserID,
				EncryptedGroupKey: strings.TrimSpace(s.EncryptedGroupKey),
				KeyVersion:        s.KeyVersion,
				UpdatedAt:         at,
			}
			if err := tx.Envelopes().Upsert(ctx, &env); err != nil {
				return err
			}
			envs = append(envs, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Still under the conversation lock, so pushes leave in commit order.
	for _, env := range envs {
		d.hub.Publish(env.DeviceID, fanout.EventKeyEnvelopePush, PushFor(env))
	}
	slog.Default().Info("key envelopes stored",
		"conversation_id", conversationID,
		"participant_id", sess.UserID(),
		"count", len(envs),
	)
	return envs, nil
}

// Current returns the live envelope for the session's own device.
func (d *Distributor) Current(ctx context.Context, sess *session.Session, conversationID uuid.UUID) (domain.Envelope, error) {
	if err := RequireActiveMember(ctx, d.store, conversationID, sess.UserID()); err != nil {
		return domain.Envelope{}, err
	}
	env, err := d.store.Envelopes().Get(ctx, conversationID, sess.DeviceID())
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.Envelope{}, apperr.NotFound("no envelope for this device")
		}
		return domain.Envelope{}, err
	}
	return *env, nil
}

// PendingForDevice returns every live envelope held by deviceID, used to
// resynchronize a reconnecting device.
func (d *Distributor) PendingForDevice(ctx context.Context, deviceID uuid.UUID) ([]domain.Envelope, error) {
	return d.store.Envelopes().ListByDevice(ctx, deviceID)
}

// LiveDevices lists the devices currently able to decrypt conversation
// traffic.
func (d *Distributor) LiveDevices(ctx context.Context, conversationID uuid.UUID) ([]store.LiveTarget, error) {
	return d.store.Envelopes().LiveTargets(ctx, conversationID)
}

func (d *Distributor) HasLiveEnvelope(ctx context.Context, conversationID, deviceID uuid.UUID) (bool, error) {
	targets, err := d.LiveDevices(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, t := range targets {
		if t.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

// RevokeDevice is the hand-off from device lifecycle management. The device
// loses its envelopes and live sockets, its open delivery records stop
// counting, and the remaining devices are asked to rotate.
func (d *Distributor) RevokeDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	dev, err := d.store.Devices().Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return apperr.NotFound("device not found")
		}
		return err
	}
	if dev.UserID != userID {
		return apperr.NotFound("device not found")
	}

	convIDs, err := d.store.Envelopes().ConversationIDsForDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(convIDs))
	for _, id := range convIDs {
		keys = append(keys, ConversationLockKey(id))
	}
	unlock := d.locks.LockAll(keys)

	var (
		revoked  bool
		affected []uuid.UUID
		msgIDs   []uuid.UUID
	)
	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		if revoked, err = tx.Devices().Revoke(ctx, deviceID, d.now()); err != nil {
			return err
		}
		// Envelopes written since the list above are caught here.
		if affected, err = tx.Envelopes().ConversationIDsForDevice(ctx, deviceID); err != nil {
			return err
		}
		if _, err = tx.Envelopes().DeleteByDevice(ctx, deviceID); err != nil {
			return err
		}
		msgIDs, err = d.tracker.ExcludeDevice(ctx, tx, deviceID)
		return err
	})
	if err != nil {
		unlock()
		return err
	}

	dropped := d.hub.DisconnectDevice(deviceID)
	for _, convID := range affected {
		if err := d.RequestRotation(ctx, convID, RotationRequired{Reason: ReasonDeviceRevoked, DeviceID: &deviceID}); err != nil {
			slog.Default().Error("rotation hint failed", "conversation_id", convID, "error", err)
		}
	}
	unlock()

	if len(msgIDs) > 0 && d.aggregates != nil {
		d.aggregates.NotifyAggregates(ctx, msgIDs)
	}
	slog.Default().Info("device revoked",
		"user_id", userID,
		"device_id", deviceID,
		"newly_revoked", revoked,
		"conversations", len(affected),
		"sockets_dropped", dropped,
		"records_excluded", len(msgIDs),
	)
	return nil
}

// RequestRotation tells every effective device of the conversation that the
// key must be replaced. It does not take the conversation lock; callers that
// just changed the device set should still hold it.
func (d *Distributor) RequestRotation(ctx context.Context, conversationID uuid.UUID, hint RotationRequired) error {
	devices, err := d.store.Devices().ListEffective(ctx, conversationID)
	if err != nil {
		return err
	}
	hint.ConversationID = conversationID
	for _, dev := range devices {
		d.hub.Publish(dev.ID, fanout.EventRotationRequired, hint)
	}
	return nil
}

func requireConversation(ctx context.Context, st *store.Store, conversationID uuid.UUID) error {
	if _, err := st.Conversations().Get(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return apperr.NotFound("conversation not found")
		}
		return err
	}
	return nil
}

// RequireActiveMember fails with Forbidden unless userID currently
// participates in the conversation.
func RequireActiveMember(ctx context.Context, st *store.Store, conversationID, userID uuid.UUID) error {
	p, err := st.Participants().Get(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return apperr.Forbidden("not a participant of this conversation")
		}
		return err
	}
	if !p.Active() {
		return apperr.Forbidden("not a participant of this conversation")
	}
	return nil
}
