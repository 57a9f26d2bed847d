package heirloom

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"southwinds.dev/heirloom/internal/crypto"
)

// PathFamily separates the two derivation namespaces. A key derived in one
// family can never be produced from a path in the other.
type PathFamily uint8

const (
	FamilyOwner PathFamily = iota + 1
	FamilyTestament
)

func (f PathFamily) String() string {
	switch f {
	case FamilyOwner:
		return "owner"
	case FamilyTestament:
		return "testament"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// DerivationPath names the seed a wrapping key is derived from.
type DerivationPath struct {
	Family  PathFamily
	Subject string
}

// Seed is the byte form handed to the key-derivation service. The family
// label and a NUL separator keep the two namespaces disjoint.
func (p DerivationPath) Seed() []byte {
	label := p.Family.String()
	seed := make([]byte, 0, len(label)+1+len(p.Subject))
	seed = append(seed, label...)
	seed = append(seed, 0)
	return append(seed, p.Subject...)
}

func (p DerivationPath) String() string {
	return p.Family.String() + "/" + p.Subject
}

// WrapTarget selects whose derivation path a key is wrapped for. Only
// OwnerTarget and TestamentTarget implement it.
type WrapTarget interface {
	Path() DerivationPath
	wrapTarget()
}

// OwnerTarget wraps for an owner's personal path.
type OwnerTarget struct {
	Owner Identity
}

func (t OwnerTarget) Path() DerivationPath {
	return DerivationPath{Family: FamilyOwner, Subject: string(t.Owner)}
}

func (OwnerTarget) wrapTarget() {}

// TestamentTarget wraps for a testament's own path.
type TestamentTarget struct {
	Testament TestamentID
}

func (t TestamentTarget) Path() DerivationPath {
	return DerivationPath{Family: FamilyTestament, Subject: string(t.Testament)}
}

func (TestamentTarget) wrapTarget() {}

// KeyDeriver is the key-derivation service. Implementations return
// ErrDerivationDenied when caller may not use path and ErrDerivationUnavailable
// when the service cannot answer. The returned buffer belongs to the caller.
type KeyDeriver interface {
	DeriveKey(ctx context.Context, caller Identity, path DerivationPath) (*memguard.LockedBuffer, error)
}

// DerivationAuthorizer decides whether caller may derive the key for path.
type DerivationAuthorizer interface {
	AuthorizeDerivation(caller Identity, path DerivationPath) error
}

// DeriverFactory builds a KeyDeriver bound to the manager's authorizer.
type DeriverFactory func(authorizer DerivationAuthorizer) (KeyDeriver, error)

// KeyWrapper is the symmetric wrap primitive.
type KeyWrapper interface {
	Wrap(wrappingKey, plaintextKey *memguard.LockedBuffer) (ciphertext, iv []byte, err error)
	Unwrap(wrappingKey *memguard.LockedBuffer, ciphertext, iv []byte) (*memguard.LockedBuffer, error)
}

// WrapCoordinator runs the wrap and unwrap protocol against a deriver and a
// wrap primitive. It keeps no key material between calls.
type WrapCoordinator struct {
	deriver KeyDeriver
	wrapper KeyWrapper
}

// NewWrapCoordinator uses the ChaCha20-Poly1305 wrapper when wrapper is nil.
func NewWrapCoordinator(deriver KeyDeriver, wrapper KeyWrapper) *WrapCoordinator {
	if wrapper == nil {
		wrapper = crypto.NewAEADWrapper()
	}
	return &WrapCoordinator{deriver: deriver, wrapper: wrapper}
}

// WrapForOwner wraps plaintextKey under the owner's personal path.
func (c *WrapCoordinator) WrapForOwner(ctx context.Context, plaintextKey *memguard.LockedBuffer, owner Identity) (SecretDecryptionMaterial, error) {
	return c.Wrap(ctx, owner, OwnerTarget{Owner: owner}, plaintextKey)
}

// WrapForTestament wraps plaintextKey under the testament's path, deriving
// on behalf of caller.
func (c *WrapCoordinator) WrapForTestament(ctx context.Context, caller Identity, plaintextKey *memguard.LockedBuffer, testament TestamentID) (SecretDecryptionMaterial, error) {
	return c.Wrap(ctx, caller, TestamentTarget{Testament: testament}, plaintextKey)
}

// Wrap produces decryption material holding plaintextKey wrapped for target.
func (c *WrapCoordinator) Wrap(ctx context.Context, caller Identity, target WrapTarget, plaintextKey *memguard.LockedBuffer) (SecretDecryptionMaterial, error) {
	wrappingKey, err := c.DeriveKey(ctx, caller, target)
	if err != nil {
		return SecretDecryptionMaterial{}, err
	}
	defer wrappingKey.Destroy()

	ciphertext, iv, err := c.wrapper.Wrap(wrappingKey, plaintextKey)
	if err != nil {
		return SecretDecryptionMaterial{}, fmt.Errorf("wrap for %s: %w", target.Path(), err)
	}
	return SecretDecryptionMaterial{EncryptedDecryptionKey: ciphertext, IV: iv}, nil
}

// Unwrap recovers the key held in material, which must have been wrapped for
// target. The caller destroys the returned buffer.
func (c *WrapCoordinator) Unwrap(ctx context.Context, caller Identity, target WrapTarget, material SecretDecryptionMaterial) (*memguard.LockedBuffer, error) {
	wrappingKey, err := c.DeriveKey(ctx, caller, target)
	if err != nil {
		return nil, err
	}
	defer wrappingKey.Destroy()

	plaintextKey, err := c.wrapper.Unwrap(wrappingKey, material.EncryptedDecryptionKey, material.IV)
	if err != nil {
		return nil, fmt.Errorf("unwrap for %s: %v: %w", target.Path(), err, ErrInvalidArgument)
	}
	return plaintextKey, nil
}

// Rewrap moves a key from one target to another. The recovered plaintext key
// only exists in locked memory for the duration of the call. Per-field nonces
// are carried over unchanged.
func (c *WrapCoordinator) Rewrap(ctx context.Context, caller Identity, from, to WrapTarget, material SecretDecryptionMaterial) (SecretDecryptionMaterial, error) {
	plaintextKey, err := c.Unwrap(ctx, caller, from, material)
	if err != nil {
		return SecretDecryptionMaterial{}, err
	}
	defer plaintextKey.Destroy()

	wrapped, err := c.Wrap(ctx, caller, to, plaintextKey)
	if err != nil {
		return SecretDecryptionMaterial{}, err
	}
	return material.withKey(wrapped.EncryptedDecryptionKey, wrapped.IV), nil
}

// DeriveKey asks the deriver for target's wrapping key. Failures that are
// neither a denial nor an outage are reported as an outage.
func (c *WrapCoordinator) DeriveKey(ctx context.Context, caller Identity, target WrapTarget) (*memguard.LockedBuffer, error) {
	if target == nil {
		return nil, fmt.Errorf("wrap target is required: %w", ErrInvalidArgument)
	}
	path := target.Path()
	if c.deriver == nil {
		return nil, fmt.Errorf("derive %s: no deriver configured: %w", path, ErrDerivationUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("derive %s: %v: %w", path, err, ErrDerivationUnavailable)
	}

	key, err := c.deriver.DeriveKey(ctx, caller, path)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, ErrDerivationDenied), errors.Is(err, ErrDerivationUnavailable):
		return nil, fmt.Errorf("derive %s: %w", path, err)
	default:
		return nil, fmt.Errorf("derive %s: %v: %w", path, err, ErrDerivationUnavailable)
	}
}
