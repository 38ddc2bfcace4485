package store

import (
	"context"

	"convcore/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	return errors.Wrap(translate(m.db.WithContext(ctx).Create(msg).Error), "store.Messages.Create")
}

func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (m *MessageStore) GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []domain.Message
	if err := m.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(translate(err), "store.Messages.GetMany")
	}
	return msgs, nil
}

// PendingForDevice returns messages the device has not yet acknowledged, oldest
// first.
func (m *MessageStore) PendingForDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := m.db.WithContext(ctx).
		Joins("JOIN delivery_records r ON r.message_id = messages.id").
		Where("r.device_id = ? AND r.excluded = ? AND r.status < ?", deviceID, false, int(domain.StatusDelivered)).
		Order("messages.created_at asc, messages.id asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(translate(err), "store.Messages.PendingForDevice")
	}
	return msgs, nil
}
