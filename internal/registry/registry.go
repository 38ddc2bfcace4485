// Package registry owns users and their devices: who exists, which devices
// they registered, and which of those are still allowed to connect.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/domain"
	"convcore/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrUserNotFound   = apperr.NotFound("user not found")
	ErrUserDisabled   = apperr.Forbidden("user is disabled")
	ErrDeviceNotFound = apperr.NotFound("device not found")
	ErrDeviceRevoked  = apperr.Forbidden("device is revoked")
)

type Registry struct {
	store *store.Store
	now   func() time.Time
}

func New(st *store.Store) *Registry {
	return &Registry{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureUser creates the user row on first sight. Identity is owned by the
// upstream auth service; this only mirrors the id.
func (r *Registry) EnsureUser(ctx context.Context, userID uuid.UUID, username string) (*domain.User, error) {
	if userID == uuid.Nil {
		return nil, apperr.Invalid("user id is required")
	}
	u := domain.User{ID: userID, Username: strings.TrimSpace(username), CreatedAt: r.now()}
	if err := r.store.Users().Ensure(ctx, &u); err != nil {
		return nil, err
	}
	return r.store.Users().Get(ctx, userID)
}

// ActiveUser returns the user if it exists and is not disabled.
func (r *Registry) ActiveUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	u, err := r.store.Users().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if u.IsDisabled {
		return nil, ErrUserDisabled
	}
	return u, nil
}

type NewDevice struct {
	// ID is optional; a fresh id is generated when zero. Clients that were
	// issued a token for a device id pass it here.
	ID        uuid.UUID
	Name      string
	PublicKey string
}

// RegisterDevice records a device for userID. The public key must be a base64
// X25519 point. Re-registering an existing id for the same user returns the
// stored device unchanged.
func (r *Registry) RegisterDevice(ctx context.Context, userID uuid.UUID, in NewDevice) (*domain.Device, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Invalid("device name is required")
	}
	pub, err := DecodePublicKey(in.PublicKey)
	if err != nil {
		return nil, err
	}
	if _, err := r.ActiveUser(ctx, userID); err != nil {
		return nil, err
	}

	if in.ID != uuid.Nil {
		existing, err := r.store.Devices().Get(ctx, in.ID)
		switch {
		case err == nil && existing.UserID != userID:
			return nil, apperr.Conflict("device id already registered")
		case err == nil:
			return existing, nil
		case !errors.Is(err, store.ErrRecordNotFound):
			return nil, err
		}
	}

	dev := domain.Device{
		ID:        in.ID,
		UserID:    userID,
		Name:      name,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt: r.now(),
	}
	if err := r.store.Devices().Create(ctx, &dev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("device id already registered")
		}
		return nil, err
	}
	slog.Default().Info("device registered", "user_id", userID, "device_id", dev.ID)
	return &dev, nil
}

// Device returns the device regardless of revocation state.
func (r *Registry) Device(ctx context.Context, deviceID uuid.UUID) (*domain.Device, error) {
	d, err := r.store.Devices().Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return d, nil
}

// ActiveDevice returns the device if it belongs to userID and is not revoked.
func (r *Registry) ActiveDevice(ctx context.Context, userID, deviceID uuid.UUID) (*domain.Device, error) {
	d, err := r.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, ErrDeviceNotFound
	}
	if d.Revoked() {
		return nil, ErrDeviceRevoked
	}
	return d, nil
}

func (r *Registry) ActiveDevices(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	return r.store.Devices().ListActiveByUser(ctx, userID)
}

// DecodePublicKey parses a standard or URL-safe base64 X25519 public key.
func DecodePublicKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, apperr.Invalid("public key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
	}
	if err != nil {
		return nil, apperr.Invalid("public key must be base64")
	}
	if len(raw) != curve25519.PointSize {
		return nil, apperr.Invalid("public key must be a 32-byte X25519 key")
	}
	return raw, nil
}
