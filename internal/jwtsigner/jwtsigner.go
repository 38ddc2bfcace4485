// Package jwtsigner issues EdDSA access tokens in the shape the socket
// authenticator accepts. It backs developer tooling and tests; production
// tokens come from the upstream auth service signing with the same key type.
package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer holds an Ed25519 keypair for issuing JWTs.
type Signer struct {
	private  ed25519.PrivateKey
	public   ed25519.PublicKey
	KeyID    string
	Issuer   string
	Audience string
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key bytes.
// If privB64 is empty, it generates an ephemeral key (good for local dev).
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid, Issuer: iss}, nil
}

// PrivateKeyBase64 exports the private key in the format NewFromBase64 reads.
func (s *Signer) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.private)
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// PublicKeyBase64 is the value expected in AUTH_ED25519_PUBLIC_KEY.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.public)
}

// Sign issues a JWT for subject `sub` with TTL and extra claims.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := time.Now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	if s.Issuer != "" {
		m["iss"] = s.Issuer
	}
	if s.Audience != "" {
		m["aud"] = s.Audience
	}
	m["sub"] = sub
	m["iat"] = now.Unix()
	m["exp"] = now.Add(ttl).Unix()

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, m)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.private)
}

// SignAccess issues an access token bound to one device of userID.
func (s *Signer) SignAccess(userID, deviceID uuid.UUID, ttl time.Duration) (string, error) {
	return s.Sign(userID.String(), ttl, map[string]any{
		"sid":   uuid.NewString(),
		"did":   deviceID.String(),
		"scope": "conversations",
	})
}

// PublicJWK renders the public part as JWK for JWKS endpoint.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}

// JWKS wraps PublicJWK in a key set document.
func (s *Signer) JWKS() map[string]any {
	return map[string]any{"keys": []any{s.PublicJWK()}}
}
