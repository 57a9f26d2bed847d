package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnwrap is returned when wrapped key material does not authenticate
// under the supplied wrapping key.
var ErrUnwrap = errors.New("wrapped key does not authenticate")

// AEADWrapper wraps symmetric keys with ChaCha20-Poly1305. The nonce is
// returned separately as the IV so it can travel next to the ciphertext in
// decryption material.
type AEADWrapper struct{}

func NewAEADWrapper() *AEADWrapper {
	return &AEADWrapper{}
}

// Wrap encrypts plaintextKey under wrappingKey.
func (w *AEADWrapper) Wrap(wrappingKey, plaintextKey *memguard.LockedBuffer) (ciphertext, iv []byte, err error) {
	if wrappingKey == nil || plaintextKey == nil {
		return nil, nil, errors.New("wrap requires both keys")
	}

	aead, err := chacha20poly1305.New(wrappingKey.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv = make([]byte, aead.NonceSize())
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return aead.Seal(nil, iv, plaintextKey.Bytes(), nil), iv, nil
}

// Unwrap recovers a key wrapped by Wrap. The result lives in locked memory
// and must be destroyed by the caller.
func (w *AEADWrapper) Unwrap(wrappingKey *memguard.LockedBuffer, ciphertext, iv []byte) (*memguard.LockedBuffer, error) {
	if wrappingKey == nil {
		return nil, errors.New("unwrap requires a wrapping key")
	}

	aead, err := chacha20poly1305.New(wrappingKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrUnwrap, aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrUnwrap
	}
	return memguard.NewBufferFromBytes(plaintext), nil
}
