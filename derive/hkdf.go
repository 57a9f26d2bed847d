// Package derive provides the key-derivation service used to produce
// wrapping keys. Keys are derived with HKDF-SHA256 from a master seed held
// in a memguard enclave; every request is first checked against the
// manager's authorization rules.
package derive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"southwinds.dev/heirloom"
	"southwinds.dev/heirloom/internal/crypto"
	"southwinds.dev/heirloom/internal/misc"
)

// SeedSize is the minimum master seed length in bytes.
const SeedSize = 32

// KeySize is the size of derived wrapping keys.
const KeySize = misc.KeySize

var derivationSalt = []byte("heirloom/derive/v1")

// HKDFDeriver implements heirloom.KeyDeriver.
type HKDFDeriver struct {
	mu         sync.RWMutex
	seed       *memguard.Enclave
	authorizer heirloom.DerivationAuthorizer
	closed     bool
}

// New seals a copy of seed into an enclave. The caller keeps ownership of
// seed and should wipe it.
func New(seed []byte, authorizer heirloom.DerivationAuthorizer) (*HKDFDeriver, error) {
	if len(seed) < SeedSize {
		return nil, fmt.Errorf("master seed must be at least %d bytes", SeedSize)
	}
	if authorizer == nil {
		return nil, fmt.Errorf("authorizer is required")
	}

	// NewEnclave wipes its argument
	buf := make([]byte, len(seed))
	copy(buf, seed)

	return &HKDFDeriver{
		seed:       memguard.NewEnclave(buf),
		authorizer: authorizer,
	}, nil
}

// Factory returns a heirloom.DeriverFactory bound to seed.
func Factory(seed []byte) heirloom.DeriverFactory {
	return func(authorizer heirloom.DerivationAuthorizer) (heirloom.KeyDeriver, error) {
		return New(seed, authorizer)
	}
}

// DeriveKey returns the wrapping key for path once caller has been
// authorized for it.
func (d *HKDFDeriver) DeriveKey(ctx context.Context, caller heirloom.Identity, path heirloom.DerivationPath) (*memguard.LockedBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, heirloom.ErrDerivationUnavailable)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, fmt.Errorf("deriver closed: %w", heirloom.ErrDerivationUnavailable)
	}

	if err := d.authorizer.AuthorizeDerivation(caller, path); err != nil {
		return nil, err
	}

	seed, err := d.seed.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master seed: %v: %w", err, heirloom.ErrDerivationUnavailable)
	}
	defer seed.Destroy()

	key := memguard.NewBuffer(KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, seed.Bytes(), derivationSalt, path.Seed()), key.Bytes()); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("failed to derive key: %v: %w", err, heirloom.ErrDerivationUnavailable)
	}
	return key, nil
}

// Close makes every later DeriveKey call fail with ErrDerivationUnavailable.
func (d *HKDFDeriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// NewSeed returns a random master seed, hex encoded.
func NewSeed() string {
	buf := memguard.NewBufferRandom(SeedSize)
	defer buf.Destroy()
	return hex.EncodeToString(buf.Bytes())
}

// ParseSeed decodes a hex encoded master seed.
func ParseSeed(encoded string) ([]byte, error) {
	seed, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master seed is not valid hex: %w", err)
	}
	if len(seed) < SeedSize {
		return nil, fmt.Errorf("master seed must be at least %d bytes", SeedSize)
	}
	return seed, nil
}

// OpenTransportKey recovers a wrapping key returned by
// Manager.DeriveWrappingKey using the client's transport private key.
func OpenTransportKey(sealed, transportPrivateKey []byte) (*memguard.LockedBuffer, error) {
	return crypto.OpenFromTransport(sealed, transportPrivateKey)
}

// NewTransportKeyPair creates the X25519 key pair a client presents to
// Manager.DeriveWrappingKey.
func NewTransportKeyPair() (privateKey, publicKey []byte, err error) {
	return crypto.GenerateTransportKeyPair()
}
