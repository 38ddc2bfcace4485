package store

import (
	"context"
	"time"

	"convcore/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Create(ctx context.Context, device *domain.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	return errors.Wrap(translate(d.db.WithContext(ctx).Create(device).Error), "store.Devices.Create")
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

// ListActiveByUser returns the user's devices that have not been revoked.
func (d *DeviceStore) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Order("created_at asc").
		Find(&devices).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Devices.ListActiveByUser")
	}
	return devices, nil
}

// Revoke stamps revoked_at once. It reports false when the device was already
// revoked.
func (d *DeviceStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at)
	if res.Error != nil {
		return false, errors.Wrap(translate(res.Error), "store.Devices.Revoke")
	}
	return res.RowsAffected > 0, nil
}

// ListEffective returns the non-revoked devices of every active participant of
// the conversation.
func (d *DeviceStore) ListEffective(ctx context.Context, conversationID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Joins("JOIN participants p ON p.user_id = devices.user_id AND p.conversation_id = ? AND p.left_at IS NULL", conversationID).
		Where("devices.revoked_at IS NULL").
		Order("devices.user_id asc, devices.created_at asc").
		Find(&devices).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Devices.ListEffective")
	}
	return devices, nil
}
