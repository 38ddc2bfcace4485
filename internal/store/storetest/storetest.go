// Package storetest opens throwaway sqlite-backed stores for package tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"convcore/internal/domain"
	"convcore/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated store over a private in-memory database. A single
// connection is used so concurrent tests serialize on sqlite instead of
// failing with "database is locked".
func Open(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=off", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "open sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.New(db)
	require.NoError(t, st.AutoMigrate(context.Background()), "automigrate")
	return st
}

// Fixture is a small helper for seeding users, devices and conversations.
type Fixture struct {
	t  *testing.T
	st *store.Store
}

func NewFixture(t *testing.T, st *store.Store) *Fixture {
	return &Fixture{t: t, st: st}
}

func (f *Fixture) User(name string) domain.User {
	f.t.Helper()
	u := domain.User{ID: uuid.New(), Username: name, CreatedAt: time.Now().UTC()}
	require.NoError(f.t, f.st.Users().Ensure(context.Background(), &u))
	return u
}

func (f *Fixture) Device(userID uuid.UUID, name string) domain.Device {
	f.t.Helper()
	d := domain.Device{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		PublicKey: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(f.t, f.st.Devices().Create(context.Background(), &d))
	return d
}

func (f *Fixture) Conversation(kind domain.ConversationKind, creator uuid.UUID, members ...uuid.UUID) domain.Conversation {
	f.t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	c := domain.Conversation{ID: uuid.New(), Kind: kind, CreatedBy: creator, CreatedAt: now}
	require.NoError(f.t, f.st.Conversations().Create(ctx, &c))
	for _, m := range append([]uuid.UUID{creator}, members...) {
		require.NoError(f.t, f.st.Participants().Add(ctx, &domain.Participant{ConversationID: c.ID, UserID: m, JoinedAt: now}))
	}
	return c
}

func (f *Fixture) Envelope(conversationID uuid.UUID, issuer uuid.UUID, dev domain.Device, key string) domain.Envelope {
	f.t.Helper()
	e := domain.Envelope{
		ConversationID:    conversationID,
		DeviceID:          dev.ID,
		ParticipantID:     issuer,
		OwnerID:           dev.UserID,
		EncryptedGroupKey: key,
		KeyVersion:        1,
		UpdatedAt:         time.Now().UTC(),
	}
	require.NoError(f.t, f.st.Envelopes().Upsert(context.Background(), &e))
	return e
}
