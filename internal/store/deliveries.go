package store

import (
	"context"
	"time"

	"convcore/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type DeliveryStore struct{ db *gorm.DB }

func (s *Store) Deliveries() *DeliveryStore { return &DeliveryStore{db: s.DB} }

func (d *DeliveryStore) CreateBatch(ctx context.Context, records []domain.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return errors.Wrap(translate(d.db.WithContext(ctx).Create(&records).Error), "store.Deliveries.CreateBatch")
}

func (d *DeliveryStore) Get(ctx context.Context, messageID, deviceID uuid.UUID) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	err := d.db.WithContext(ctx).
		First(&rec, "message_id = ? AND device_id = ?", messageID, deviceID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

func (d *DeliveryStore) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]domain.DeliveryRecord, error) {
	var recs []domain.DeliveryRecord
	err := d.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("device_id asc").
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Deliveries.ListByMessage")
	}
	return recs, nil
}

// Advance moves the record to status only if that is strictly forward and the
// record still counts. It reports whether a row changed.
func (d *DeliveryStore) Advance(ctx context.Context, messageID, deviceID uuid.UUID, status domain.Status, at time.Time) (bool, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Where("message_id = ? AND device_id = ? AND excluded = ? AND status < ?", messageID, deviceID, false, int(status)).
		Updates(map[string]any{"status": int(status), "updated_at": at})
	if res.Error != nil {
		return false, errors.Wrap(translate(res.Error), "store.Deliveries.Advance")
	}
	return res.RowsAffected > 0, nil
}

// ExcludeDevice marks every open record of the device as no longer required
// and returns the ids of the messages affected.
func (d *DeliveryStore) ExcludeDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	return d.exclude(ctx, d.db.WithContext(ctx).Where("device_id = ?", deviceID), at)
}

// ExcludeUserInConversation does the same for every record a user's devices
// hold on messages of one conversation.
func (d *DeliveryStore) ExcludeUserInConversation(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	sub := d.db.Model(&domain.Message{}).Select("id").Where("conversation_id = ?", conversationID)
	return d.exclude(ctx, d.db.WithContext(ctx).Where("user_id = ? AND message_id IN (?)", userID, sub), at)
}

func (d *DeliveryStore) exclude(ctx context.Context, scope *gorm.DB, at time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := scope.Session(&gorm.Session{}).
		Model(&domain.DeliveryRecord{}).
		Where("excluded = ? AND status < ?", false, int(domain.StatusSeen)).
		Distinct().
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Deliveries.exclude")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = scope.Session(&gorm.Session{}).
		Model(&domain.DeliveryRecord{}).
		Where("excluded = ?", false).
		Updates(map[string]any{"excluded": true, "updated_at": at}).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Deliveries.exclude")
	}
	return ids, nil
}

type aggregateRow struct {
	MinStatus *int
	Required  int64
}

// MinRequiredStatus returns the lowest status among records that still count,
// and how many such records exist.
func (d *DeliveryStore) MinRequiredStatus(ctx context.Context, messageID uuid.UUID) (domain.Status, int64, error) {
	var row aggregateRow
	err := d.db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Select("MIN(status) AS min_status, COUNT(*) AS required").
		Where("message_id = ? AND excluded = ?", messageID, false).
		Scan(&row).Error
	if err != nil {
		return 0, 0, errors.Wrap(translate(err), "store.Deliveries.MinRequiredStatus")
	}
	if row.MinStatus == nil {
		return 0, 0, nil
	}
	return domain.Status(*row.MinStatus), row.Required, nil
}
