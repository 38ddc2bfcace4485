package session

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the access token issued by the auth service: the subject is
// the user id, did the device the token was minted for.
type AccessClaims struct {
	SID   string `json:"sid,omitempty"`
	DID   string `json:"did,omitempty"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks signature, expiry and the optional issuer and audience of an
// access token.
type Verifier struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
}

type VerifierOption func(*Verifier)

func WithIssuer(iss string) VerifierOption { return func(v *Verifier) { v.issuer = iss } }

func WithAudience(aud string) VerifierOption { return func(v *Verifier) { v.audience = aud } }

func newVerifier(kf jwt.Keyfunc, methods []string, opts []VerifierOption) *Verifier {
	v := &Verifier{keyfunc: kf, methods: methods}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewHS256Verifier verifies tokens signed with a shared secret, the way the
// auth service signs them by default.
func NewHS256Verifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("session: empty HS256 secret")
	}
	key := []byte(secret)
	kf := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", t.Method)
		}
		return key, nil
	}
	return newVerifier(kf, []string{jwt.SigningMethodHS256.Alg()}, opts), nil
}

// NewEd25519Verifier verifies EdDSA tokens against a single base64 public key.
func NewEd25519Verifier(publicKeyB64 string, opts ...VerifierOption) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("session: decode ed25519 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("session: ed25519 public key must be %d bytes", ed25519.PublicKeySize)
	}
	pub := ed25519.PublicKey(raw)
	kf := func(t *jwt.Token) (any, error) { return pub, nil }
	return newVerifier(kf, []string{jwt.SigningMethodEdDSA.Alg()}, opts), nil
}

// NewJWKSVerifier fetches and refreshes signing keys from a JWKS endpoint
// until ctx is done.
func NewJWKSVerifier(ctx context.Context, jwksURL string, opts ...VerifierOption) (*Verifier, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("session: jwks %s: %w", jwksURL, err)
	}
	return newVerifier(k.Keyfunc, jwksMethods, opts), nil
}

// NewStaticJWKSVerifier uses a fixed key set document.
func NewStaticJWKSVerifier(jwks json.RawMessage, opts ...VerifierOption) (*Verifier, error) {
	k, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, fmt.Errorf("session: parse jwks: %w", err)
	}
	return newVerifier(k.Keyfunc, jwksMethods, opts), nil
}

var jwksMethods = []string{"EdDSA", "RS256", "ES256", "PS256"}

// Verify parses raw and returns its claims.
func (v *Verifier) Verify(raw string) (*AccessClaims, error) {
	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, v.keyfunc, parseOpts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
