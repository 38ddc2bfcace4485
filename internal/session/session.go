// Package session authenticates socket and REST callers from their access
// token and resolves them to an immutable Session.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/domain"
	obsmw "convcore/internal/observability/middleware"

	"github.com/google/uuid"
)

const CookieName = "accessToken"

// Session is the identity bound to one connection or request. It is created
// once by the Authenticator and never mutated.
type Session struct {
	connectionID    uuid.UUID
	userID          uuid.UUID
	deviceID        uuid.UUID
	tokenID         string
	authenticatedAt time.Time
}

func (s *Session) ConnectionID() uuid.UUID    { return s.connectionID }
func (s *Session) UserID() uuid.UUID          { return s.userID }
func (s *Session) DeviceID() uuid.UUID        { return s.deviceID }
func (s *Session) TokenID() string            { return s.tokenID }
func (s *Session) AuthenticatedAt() time.Time { return s.authenticatedAt }

// HasDevice is false for sessions built from tokens without a device.
func (s *Session) HasDevice() bool { return s.deviceID != uuid.Nil }

// New builds a session directly. It is meant for tests and trusted internal
// callers; network callers go through Authenticator.
func New(userID, deviceID uuid.UUID) *Session {
	return &Session{
		connectionID:    uuid.New(),
		userID:          userID,
		deviceID:        deviceID,
		authenticatedAt: time.Now().UTC(),
	}
}

// Identities resolves the users and devices named by a token.
type Identities interface {
	ActiveUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	ActiveDevice(ctx context.Context, userID, deviceID uuid.UUID) (*domain.Device, error)
}

type Authenticator struct {
	verifier   *Verifier
	identities Identities
	now        func() time.Time
}

func NewAuthenticator(v *Verifier, ids Identities) *Authenticator {
	return &Authenticator{verifier: v, identities: ids, now: func() time.Time { return time.Now().UTC() }}
}

var (
	errMissingToken  = apperr.Unauthorized("missing access token")
	errInvalidToken  = apperr.Unauthorized("invalid access token")
	errMissingDevice = apperr.Unauthorized("access token is not bound to a device")
	errUnknownUser   = apperr.Unauthorized("unknown or disabled user")
	errUnknownDevice = apperr.Unauthorized("unknown or revoked device")
)

// Identity is what a verified token says, before anything is looked up.
type Identity struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
	TokenID  string
}

// VerifyRequest checks the token on r without touching storage.
func (a *Authenticator) VerifyRequest(r *http.Request) (Identity, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Identity{}, errMissingToken
	}
	if a.verifier == nil {
		return Identity{}, errInvalidToken
	}
	claims, err := a.verifier.Verify(raw)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindUnauthorized, "invalid access token", err)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, errInvalidToken
	}
	id := Identity{UserID: userID, TokenID: claims.SID}
	if claims.DID != "" {
		deviceID, err := uuid.Parse(claims.DID)
		if err != nil {
			return Identity{}, errInvalidToken
		}
		id.DeviceID = deviceID
	}
	return id, nil
}

// Authenticate resolves the caller to a user and one of its live devices. It
// performs no writes.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Session, error) {
	return a.resolve(ctx, r, true)
}

func (a *Authenticator) resolve(ctx context.Context, r *http.Request, requireDevice bool) (*Session, error) {
	id, err := a.VerifyRequest(r)
	if err != nil {
		return nil, err
	}
	if requireDevice && id.DeviceID == uuid.Nil {
		return nil, errMissingDevice
	}
	if _, err := a.identities.ActiveUser(ctx, id.UserID); err != nil {
		return nil, asUnauthorized(err, errUnknownUser)
	}
	if id.DeviceID != uuid.Nil {
		if _, err := a.identities.ActiveDevice(ctx, id.UserID, id.DeviceID); err != nil {
			return nil, asUnauthorized(err, errUnknownDevice)
		}
	}
	return &Session{
		connectionID:    uuid.New(),
		userID:          id.UserID,
		deviceID:        id.DeviceID,
		tokenID:         id.TokenID,
		authenticatedAt: a.now(),
	}, nil
}

// asUnauthorized turns lookup refusals into authentication failures and lets
// storage errors through as internal ones.
func asUnauthorized(err, fallback error) error {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindForbidden:
		return fallback
	}
	return err
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	raw := r.Header.Get("Authorization")
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return ""
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}

// Middleware authenticates every request and stores the Session in its
// context. With requireDevice false, tokens without a device are accepted.
func (a *Authenticator) Middleware(requireDevice bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := a.resolve(r.Context(), r, requireDevice)
			if err != nil {
				reqID := obsmw.RequestIDFromContext(r.Context())
				if apperr.KindOf(err) == apperr.KindUnauthorized {
					slog.Warn("auth rejected", "error", err, "request_id", reqID)
				} else {
					slog.Error("auth lookup failed", "error", err, "request_id", reqID)
				}
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	p := apperr.Public(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(p.Kind))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": p})
}
