package store

import (
	"context"

	"convcore/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnvelopeStore struct{ db *gorm.DB }

func (s *Store) Envelopes() *EnvelopeStore { return &EnvelopeStore{db: s.DB} }

// Upsert writes the envelope for (conversation, device) in a single statement,
// replacing every field of any previous row.
func (e *EnvelopeStore) Upsert(ctx context.Context, env *domain.Envelope) error {
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"participant_id",
				"owner_id",
				"encrypted_group_key",
				"key_version",
				"updated_at",
			}),
		}).
		Create(env).Error
	return errors.Wrap(translate(err), "store.Envelopes.Upsert")
}

func (e *EnvelopeStore) Get(ctx context.Context, conversationID, deviceID uuid.UUID) (*domain.Envelope, error) {
	var env domain.Envelope
	err := e.db.WithContext(ctx).
		First(&env, "conversation_id = ? AND device_id = ?", conversationID, deviceID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &env, nil
}

func (e *EnvelopeStore) ListByDevice(ctx context.Context, deviceID uuid.UUID) ([]domain.Envelope, error) {
	var envs []domain.Envelope
	err := e.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("updated_at asc").
		Find(&envs).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Envelopes.ListByDevice")
	}
	return envs, nil
}

func (e *EnvelopeStore) ConversationIDsForDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&domain.Envelope{}).
		Where("device_id = ?", deviceID).
		Order("conversation_id asc").
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Envelopes.ConversationIDsForDevice")
	}
	return ids, nil
}

func (e *EnvelopeStore) DeleteByDevice(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	res := e.db.WithContext(ctx).Delete(&domain.Envelope{}, "device_id = ?", deviceID)
	return res.RowsAffected, errors.Wrap(translate(res.Error), "store.Envelopes.DeleteByDevice")
}

func (e *EnvelopeStore) DeleteForOwner(ctx context.Context, conversationID, ownerID uuid.UUID) (int64, error) {
	res := e.db.WithContext(ctx).
		Delete(&domain.Envelope{}, "conversation_id = ? AND owner_id = ?", conversationID, ownerID)
	return res.RowsAffected, errors.Wrap(translate(res.Error), "store.Envelopes.DeleteForOwner")
}

// LiveTarget is a device that may receive conversation traffic: it holds an
// envelope, is not revoked, and its owner is an active participant.
type LiveTarget struct {
	DeviceID uuid.UUID
	UserID   uuid.UUID
}

func (e *EnvelopeStore) LiveTargets(ctx context.Context, conversationID uuid.UUID) ([]LiveTarget, error) {
	var out []LiveTarget
	err := e.db.WithContext(ctx).
		Table("participant_device_envelopes AS e").
		Select("e.device_id AS device_id, d.user_id AS user_id").
		Joins("JOIN devices d ON d.id = e.device_id AND d.revoked_at IS NULL").
		Joins("JOIN participants p ON p.conversation_id = e.conversation_id AND p.user_id = d.user_id AND p.left_at IS NULL").
		Where("e.conversation_id = ?", conversationID).
		Order("e.device_id asc").
		Scan(&out).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Envelopes.LiveTargets")
	}
	return out, nil
}
