package groupkey

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	dev, err := GenerateDeviceKeys()
	require.NoError(t, err)
	key, err := GenerateGroupKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	sealed, err := Seal(key, dev.PublicBase64())
	require.NoError(t, err)

	got, err := Open(sealed, dev)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	other, err := GenerateDeviceKeys()
	require.NoError(t, err)
	_, err = Open(sealed, other)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestKeysFromPrivate(t *testing.T) {
	dev, err := GenerateDeviceKeys()
	require.NoError(t, err)

	back, err := KeysFromPrivate(dev.PrivateBase64())
	require.NoError(t, err)
	assert.Equal(t, dev.Public, back.Public)

	_, err = KeysFromPrivate("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSealRejectsBadPublicKey(t *testing.T) {
	_, err := Seal([]byte("k"), "not base64!")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
	_, err = Seal([]byte("k"), "c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestDeterministicRandom(t *testing.T) {
	restore := UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{1}, 64)))
	a, err := GenerateGroupKey()
	require.NoError(t, err)
	restore()

	restore = UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{1}, 64)))
	defer restore()
	b, err := GenerateGroupKey()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
