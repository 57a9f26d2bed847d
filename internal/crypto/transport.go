package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// TransportKeySize is the size of X25519 public and private keys.
const TransportKeySize = curve25519.PointSize

var transportInfo = []byte("heirloom/transport/v1")

// GenerateTransportKeyPair creates an X25519 key pair a client uses to
// receive derived keys.
func GenerateTransportKeyPair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(privateKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate transport key: %w", err)
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute transport public key: %w", err)
	}
	return privateKey, publicKey, nil
}

// SealForTransport encrypts payload so only the holder of the private key
// matching recipientPublicKey can read it.
// Format: [ephemeral public key][nonce][ciphertext+tag]
func SealForTransport(payload *memguard.LockedBuffer, recipientPublicKey []byte) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if len(recipientPublicKey) != TransportKeySize {
		return nil, fmt.Errorf("transport public key must be %d bytes", TransportKeySize)
	}

	ephemeral := memguard.NewBufferRandom(curve25519.ScalarSize)
	defer ephemeral.Destroy()

	ephemeralPublic, err := curve25519.X25519(ephemeral.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ephemeral key: %w", err)
	}

	key, err := transportKey(ephemeral.Bytes(), recipientPublicKey, ephemeralPublic, recipientPublicKey)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	sealed, err := EncryptValue(payload.Bytes(), key.Bytes(), ephemeralPublic)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephemeralPublic)+len(sealed))
	out = append(out, ephemeralPublic...)
	return append(out, sealed...), nil
}

// OpenFromTransport reverses SealForTransport.
func OpenFromTransport(sealed, recipientPrivateKey []byte) (*memguard.LockedBuffer, error) {
	if len(sealed) < TransportKeySize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("sealed payload too short")
	}
	if len(recipientPrivateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("transport private key must be %d bytes", curve25519.ScalarSize)
	}

	ephemeralPublic := sealed[:TransportKeySize]
	recipientPublic, err := curve25519.X25519(recipientPrivateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute transport public key: %w", err)
	}

	key, err := transportKey(recipientPrivateKey, ephemeralPublic, ephemeralPublic, recipientPublic)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	plaintext, err := DecryptValue(sealed[TransportKeySize:], key.Bytes(), ephemeralPublic)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(plaintext), nil
}

func transportKey(scalar, point, ephemeralPublic, recipientPublic []byte) (*memguard.LockedBuffer, error) {
	shared, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer memguard.WipeBytes(shared)

	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, salt, transportInfo), key); err != nil {
		return nil, fmt.Errorf("failed to expand transport key: %w", err)
	}
	return memguard.NewBufferFromBytes(key), nil
}
