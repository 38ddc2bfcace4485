package store

import (
	"context"

	"convcore/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserStore struct{ db *gorm.DB }

func (s *Store) Users() *UserStore { return &UserStore{db: s.DB} }

// Ensure inserts the user if it does not exist yet; existing rows are untouched.
func (u *UserStore) Ensure(ctx context.Context, user *domain.User) error {
	err := u.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(user).Error
	return errors.Wrap(translate(err), "store.Users.Ensure")
}

func (u *UserStore) Get(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var user domain.User
	if err := u.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (u *UserStore) SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	res := u.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Update("is_disabled", disabled)
	if res.Error != nil {
		return errors.Wrap(translate(res.Error), "store.Users.SetDisabled")
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
