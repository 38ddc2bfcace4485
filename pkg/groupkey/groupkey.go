// Package groupkey seals a conversation key for individual devices. The
// server only ever stores the sealed form; this package is used by clients
// and by convctl.
package groupkey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const KeySize = 32

var (
	ErrInvalidPublicKey  = errors.New("groupkey: public key must be a base64 32-byte X25519 key")
	ErrInvalidPrivateKey = errors.New("groupkey: private key must be a base64 32-byte X25519 key")
	ErrOpenFailed        = errors.New("groupkey: sealed key could not be opened")
)

var (
	randMu  sync.RWMutex
	randSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the randomness source for tests and returns a
// restore function.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

func random() io.Reader {
	randMu.RLock()
	defer randMu.RUnlock()
	return randSrc
}

// DeviceKeys is the X25519 pair a device registers with. Only Public leaves
// the device.
type DeviceKeys struct {
	Public  [32]byte
	Private [32]byte
}

func (k DeviceKeys) PublicBase64() string  { return base64.StdEncoding.EncodeToString(k.Public[:]) }
func (k DeviceKeys) PrivateBase64() string { return base64.StdEncoding.EncodeToString(k.Private[:]) }

func GenerateDeviceKeys() (DeviceKeys, error) {
	pub, priv, err := box.GenerateKey(random())
	if err != nil {
		return DeviceKeys{}, err
	}
	return DeviceKeys{Public: *pub, Private: *priv}, nil
}

// GenerateGroupKey returns a fresh symmetric conversation key.
func GenerateGroupKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(random(), k); err != nil {
		return nil, err
	}
	return k, nil
}

// Seal encrypts groupKey to the device public key and returns the base64
// envelope accepted by key.envelope.submit.
func Seal(groupKey []byte, devicePublicB64 string) (string, error) {
	pub, err := decodeKey(devicePublicB64)
	if err != nil {
		return "", ErrInvalidPublicKey
	}
	sealed, err := box.SealAnonymous(nil, groupKey, pub, random())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal with the device's key pair.
func Open(sealedB64 string, keys DeviceKeys) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, ErrOpenFailed
	}
	out, ok := box.OpenAnonymous(nil, sealed, &keys.Public, &keys.Private)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// KeysFromPrivate rebuilds a device key pair from its base64 private half.
func KeysFromPrivate(privateB64 string) (DeviceKeys, error) {
	priv, err := decodeKey(privateB64)
	if err != nil {
		return DeviceKeys{}, ErrInvalidPrivateKey
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return DeviceKeys{}, ErrInvalidPrivateKey
	}
	k := DeviceKeys{Private: *priv}
	copy(k.Public[:], pub)
	return k, nil
}

func decodeKey(v string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, err
	}
	if len(raw) != curve25519.PointSize {
		return nil, errors.New("bad key length")
	}
	var k [32]byte
	copy(k[:], raw)
	return &k, nil
}
