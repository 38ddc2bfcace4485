package jwtsigner

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAccessCarriesDeviceClaim(t *testing.T) {
	s, err := NewFromBase64("", "kid-1", "https://auth.local")
	require.NoError(t, err)

	userID, deviceID := uuid.New(), uuid.New()
	raw, err := s.SignAccess(userID, deviceID, time.Minute)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return ed25519.PublicKey(s.PublicKey()), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	require.NoError(t, err)
	assert.True(t, tok.Valid)
	assert.Equal(t, "kid-1", tok.Header["kid"])
	assert.Equal(t, userID.String(), claims["sub"])
	assert.Equal(t, deviceID.String(), claims["did"])
	assert.Equal(t, "https://auth.local", claims["iss"])
}

func TestNewFromBase64RoundTripsKey(t *testing.T) {
	a, err := NewFromBase64("", "k", "")
	require.NoError(t, err)
	b, err := NewFromBase64(a.PrivateKeyBase64(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyBase64(), b.PublicKeyBase64())

	_, err = NewFromBase64("AAAA", "k", "")
	assert.Error(t, err)
}
