package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/heirloom/internal/misc"
)

// EncryptValue seals value under key with ChaCha20-Poly1305.
// Format: [nonce][ciphertext+tag]
func EncryptValue(value, key, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, value, additionalData), nil
}

// DecryptValue opens data produced by EncryptValue.
func DecryptValue(encryptedData, key, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aead.NonceSize()]
	ciphertext := encryptedData[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// DeriveKey stretches a passphrase into a locked key with Argon2id.
func DeriveKey(passphrase []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	if saltEnclave == nil {
		return nil, errors.New("salt enclave cannot be nil")
	}

	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	derived := argon2.IDKey(
		passphrase,
		saltBuffer.Bytes(),
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes derived
	return memguard.NewBufferFromBytes(derived), nil
}

// NewSalt returns misc.SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// CalculateChecksum returns the hex SHA-256 of data.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
