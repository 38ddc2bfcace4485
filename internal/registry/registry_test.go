package registry_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"convcore/internal/apperr"
	"convcore/internal/registry"
	"convcore/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func publicKey(t *testing.T) string {
	t.Helper()
	pub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub[:])
}

func TestRegisterDeviceValidatesKeyAndOwner(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	reg := registry.New(st)

	alice, err := reg.EnsureUser(ctx, uuid.New(), "alice")
	require.NoError(t, err)

	_, err = reg.RegisterDevice(ctx, alice.ID, registry.NewDevice{Name: "phone", PublicKey: "c2hvcnQ="})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid), "short key: %v", err)

	_, err = reg.RegisterDevice(ctx, uuid.New(), registry.NewDevice{Name: "phone", PublicKey: publicKey(t)})
	assert.ErrorIs(t, err, registry.ErrUserNotFound)

	id := uuid.New()
	dev, err := reg.RegisterDevice(ctx, alice.ID, registry.NewDevice{ID: id, Name: "phone", PublicKey: publicKey(t)})
	require.NoError(t, err)
	assert.Equal(t, id, dev.ID)

	again, err := reg.RegisterDevice(ctx, alice.ID, registry.NewDevice{ID: id, Name: "other", PublicKey: publicKey(t)})
	require.NoError(t, err)
	assert.Equal(t, dev.PublicKey, again.PublicKey, "re-registration keeps the stored key")

	bob, err := reg.EnsureUser(ctx, uuid.New(), "bob")
	require.NoError(t, err)
	_, err = reg.RegisterDevice(ctx, bob.ID, registry.NewDevice{ID: id, Name: "stolen", PublicKey: publicKey(t)})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict), "foreign id: %v", err)
}

func TestActiveDeviceRejectsRevokedAndForeignDevices(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	reg := registry.New(st)
	fx := storetest.NewFixture(t, st)

	alice := fx.User("alice")
	bob := fx.User("bob")
	dev := fx.Device(alice.ID, "laptop")

	got, err := reg.ActiveDevice(ctx, alice.ID, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)

	_, err = reg.ActiveDevice(ctx, bob.ID, dev.ID)
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)

	_, err = st.Devices().Revoke(ctx, dev.ID, dev.CreatedAt)
	require.NoError(t, err)
	_, err = reg.ActiveDevice(ctx, alice.ID, dev.ID)
	assert.ErrorIs(t, err, registry.ErrDeviceRevoked)

	devices, err := reg.ActiveDevices(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestActiveUserRejectsDisabled(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	reg := registry.New(st)
	fx := storetest.NewFixture(t, st)

	carol := fx.User("carol")
	require.NoError(t, st.Users().SetDisabled(ctx, carol.ID, true))

	_, err := reg.ActiveUser(ctx, carol.ID)
	assert.ErrorIs(t, err, registry.ErrUserDisabled)
}
