package crypto

import (
	"bytes"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/heirloom/internal/misc"
)

func newRandomKey() *memguard.LockedBuffer {
	return memguard.NewBufferRandom(misc.KeySize)
}

func TestEncryptValue(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	sealed, err := EncryptValue([]byte("state"), key, []byte("aad"))
	require.NoError(t, err)

	opened, err := DecryptValue(sealed, key, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), opened)

	t.Run("wrong additional data", func(t *testing.T) {
		_, err := DecryptValue(sealed, key, []byte("other"))
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := DecryptValue(sealed[:10], key, nil)
		assert.Error(t, err)
	})
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	first, err := DeriveKey([]byte("correct horse battery"), memguard.NewEnclave(append([]byte(nil), salt...)))
	require.NoError(t, err)
	defer first.Destroy()

	second, err := DeriveKey([]byte("correct horse battery"), memguard.NewEnclave(append([]byte(nil), salt...)))
	require.NoError(t, err)
	defer second.Destroy()

	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.Len(t, first.Bytes(), 32)

	_, err = DeriveKey([]byte("x"), nil)
	assert.Error(t, err)
}

func TestAEADWrapper(t *testing.T) {
	w := NewAEADWrapper()
	wrapping := newRandomKey()
	defer wrapping.Destroy()
	secretKey := newRandomKey()
	defer secretKey.Destroy()

	ciphertext, iv, err := w.Wrap(wrapping, secretKey)
	require.NoError(t, err)
	assert.Len(t, iv, 12)
	assert.NotEqual(t, secretKey.Bytes(), ciphertext)

	recovered, err := w.Unwrap(wrapping, ciphertext, iv)
	require.NoError(t, err)
	defer recovered.Destroy()
	assert.Equal(t, secretKey.Bytes(), recovered.Bytes())

	other := newRandomKey()
	defer other.Destroy()
	_, err = w.Unwrap(other, ciphertext, iv)
	assert.ErrorIs(t, err, ErrUnwrap)

	_, err = w.Unwrap(wrapping, ciphertext, iv[:4])
	assert.ErrorIs(t, err, ErrUnwrap)
}

func TestTransportSealing(t *testing.T) {
	priv, pub, err := GenerateTransportKeyPair()
	require.NoError(t, err)

	payload := newRandomKey()
	defer payload.Destroy()
	expected := append([]byte(nil), payload.Bytes()...)

	sealed, err := SealForTransport(payload, pub)
	require.NoError(t, err)

	opened, err := OpenFromTransport(sealed, priv)
	require.NoError(t, err)
	defer opened.Destroy()
	assert.Equal(t, expected, opened.Bytes())

	otherPriv, _, err := GenerateTransportKeyPair()
	require.NoError(t, err)
	_, err = OpenFromTransport(sealed, otherPriv)
	assert.Error(t, err)

	_, err = SealForTransport(payload, pub[:8])
	assert.Error(t, err)
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		CalculateChecksum(nil))
}
