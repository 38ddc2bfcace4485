package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/jwtsigner"
	"convcore/internal/registry"
	"convcore/internal/session"
	"convcore/internal/store/storetest"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func hsToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func cookieRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if token != "" {
		r.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
	}
	return r
}

func setup(t *testing.T, v *session.Verifier) (*session.Authenticator, *storetest.Fixture) {
	t.Helper()
	st := storetest.Open(t)
	return session.NewAuthenticator(v, registry.New(st)), storetest.NewFixture(t, st)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	v, err := session.NewHS256Verifier(secret)
	require.NoError(t, err)
	auth, fx := setup(t, v)
	ctx := context.Background()

	alice := fx.User("alice")
	dev := fx.Device(alice.ID, "phone")
	exp := time.Now().Add(time.Hour).Unix()

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": alice.ID.String(), "did": dev.ID.String(), "exp": exp,
	}).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":        "",
		"garbage":        "not-a-jwt",
		"wrong secret":   other,
		"expired":        hsToken(t, jwt.MapClaims{"sub": alice.ID.String(), "did": dev.ID.String(), "exp": time.Now().Add(-time.Hour).Unix()}),
		"no expiry":      hsToken(t, jwt.MapClaims{"sub": alice.ID.String(), "did": dev.ID.String()}),
		"no device":      hsToken(t, jwt.MapClaims{"sub": alice.ID.String(), "exp": exp}),
		"unknown user":   hsToken(t, jwt.MapClaims{"sub": uuid.NewString(), "did": dev.ID.String(), "exp": exp}),
		"foreign device": hsToken(t, jwt.MapClaims{"sub": fx.User("bob").ID.String(), "did": dev.ID.String(), "exp": exp}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			sess, err := auth.Authenticate(ctx, cookieRequest(tok))
			assert.Nil(t, sess)
			assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
		})
	}
}

func TestAuthenticateRevokedDeviceAndDisabledUser(t *testing.T) {
	v, err := session.NewHS256Verifier(secret)
	require.NoError(t, err)
	st := storetest.Open(t)
	auth := session.NewAuthenticator(v, registry.New(st))
	fx := storetest.NewFixture(t, st)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	alice := fx.User("alice")
	dev := fx.Device(alice.ID, "phone")
	tok := hsToken(t, jwt.MapClaims{"sub": alice.ID.String(), "did": dev.ID.String(), "exp": exp})

	_, err = auth.Authenticate(ctx, cookieRequest(tok))
	require.NoError(t, err)

	_, err = st.Devices().Revoke(ctx, dev.ID, time.Now())
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, cookieRequest(tok))
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "revoked: %v", err)

	carol := fx.User("carol")
	cdev := fx.Device(carol.ID, "tablet")
	require.NoError(t, st.Users().SetDisabled(ctx, carol.ID, true))
	_, err = auth.Authenticate(ctx, cookieRequest(hsToken(t, jwt.MapClaims{"sub": carol.ID.String(), "did": cdev.ID.String(), "exp": exp})))
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "disabled: %v", err)
}

func TestAuthenticateEd25519AndBearerFallback(t *testing.T) {
	signer, err := jwtsigner.NewFromBase64("", "kid-1", "https://auth.local")
	require.NoError(t, err)
	v, err := session.NewEd25519Verifier(signer.PublicKeyBase64(), session.WithIssuer("https://auth.local"))
	require.NoError(t, err)
	auth, fx := setup(t, v)

	alice := fx.User("alice")
	dev := fx.Device(alice.ID, "phone")
	tok, err := signer.SignAccess(alice.ID, dev.ID, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	sess, err := auth.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, sess.UserID())
	assert.Equal(t, dev.ID, sess.DeviceID())
	assert.NotEqual(t, uuid.Nil, sess.ConnectionID())
	assert.NotEmpty(t, sess.TokenID())

	wrongIssuer, err := jwtsigner.NewFromBase64(signer.PrivateKeyBase64(), "kid-1", "https://elsewhere")
	require.NoError(t, err)
	tok, err = wrongIssuer.SignAccess(alice.ID, dev.ID, time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(context.Background(), cookieRequest(tok))
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}

func TestAuthenticateWithJWKS(t *testing.T) {
	signer, err := jwtsigner.NewFromBase64("", "kid-jwks", "")
	require.NoError(t, err)
	doc, err := json.Marshal(signer.JWKS())
	require.NoError(t, err)
	v, err := session.NewStaticJWKSVerifier(doc)
	require.NoError(t, err)
	auth, fx := setup(t, v)

	alice := fx.User("alice")
	dev := fx.Device(alice.ID, "phone")
	tok, err := signer.SignAccess(alice.ID, dev.ID, time.Minute)
	require.NoError(t, err)

	sess, err := auth.Authenticate(context.Background(), cookieRequest(tok))
	require.NoError(t, err)
	assert.Equal(t, dev.ID, sess.DeviceID())
}

func TestMiddlewareWritesUnauthorizedPayload(t *testing.T) {
	v, err := session.NewHS256Verifier(secret)
	require.NoError(t, err)
	auth, fx := setup(t, v)
	alice := fx.User("alice")

	var seen *session.Session
	h := auth.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = session.FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body struct {
		Error apperr.Payload `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperr.KindUnauthorized, body.Error.Kind)
	assert.Nil(t, seen)

	tok := hsToken(t, jwt.MapClaims{"sub": alice.ID.String(), "exp": time.Now().Add(time.Hour).Unix()})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, cookieRequest(tok))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.False(t, seen.HasDevice())
}
