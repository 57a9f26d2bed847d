package heirloom

import (
	"context"
	"errors"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allowAll authorizes every derivation.
type allowAll struct{}

func (allowAll) AuthorizeDerivation(Identity, DerivationPath) error { return nil }

func TestDerivationPathSeedsAreDisjoint(t *testing.T) {
	owner := OwnerTarget{Owner: "x"}.Path()
	testament := TestamentTarget{Testament: "x"}.Path()

	assert.NotEqual(t, owner.Seed(), testament.Seed())
	assert.Equal(t, FamilyOwner, owner.Family)
	assert.Equal(t, FamilyTestament, testament.Family)
	assert.Equal(t, "owner/x", owner.String())
	assert.Equal(t, "testament/x", testament.String())
}

func TestWrapCoordinatorRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewWrapCoordinator(newTestDeriver(allowAll{}), nil)

	key := memguard.NewBufferRandom(32)
	defer key.Destroy()
	want := append([]byte(nil), key.Bytes()...)

	material, err := c.WrapForOwner(ctx, key, alice)
	require.NoError(t, err)
	assert.NotEmpty(t, material.EncryptedDecryptionKey)
	assert.NotEmpty(t, material.IV)

	got, err := c.Unwrap(ctx, alice, OwnerTarget{Owner: alice}, material)
	require.NoError(t, err)
	defer got.Destroy()
	assert.Equal(t, want, got.Bytes())

	_, err = c.Unwrap(ctx, alice, TestamentTarget{Testament: "t1"}, material)
	assert.ErrorIs(t, err, ErrInvalidArgument, "a testament key cannot open owner material")
}

func TestWrapCoordinatorRewrapKeepsNonces(t *testing.T) {
	ctx := context.Background()
	c := NewWrapCoordinator(newTestDeriver(allowAll{}), nil)

	key := memguard.NewBufferRandom(32)
	defer key.Destroy()
	want := append([]byte(nil), key.Bytes()...)

	material, err := c.WrapForOwner(ctx, key, alice)
	require.NoError(t, err)
	material.NotesDecryptionNonce = []byte("notes-nonce")

	rewrapped, err := c.Rewrap(ctx, alice, OwnerTarget{Owner: alice}, TestamentTarget{Testament: "t1"}, material)
	require.NoError(t, err)
	assert.Equal(t, material.NotesDecryptionNonce, rewrapped.NotesDecryptionNonce)
	assert.NotEqual(t, material.EncryptedDecryptionKey, rewrapped.EncryptedDecryptionKey)

	got, err := c.Unwrap(ctx, bob, TestamentTarget{Testament: "t1"}, rewrapped)
	require.NoError(t, err)
	defer got.Destroy()
	assert.Equal(t, want, got.Bytes())
}

func TestWrapCoordinatorDeriveErrors(t *testing.T) {
	ctx := context.Background()
	key := memguard.NewBufferRandom(32)
	defer key.Destroy()

	tests := []struct {
		name string
		fail error
		want error
	}{
		{"Denied", ErrDerivationDenied, ErrDerivationDenied},
		{"Unavailable", ErrDerivationUnavailable, ErrDerivationUnavailable},
		{"OtherFailureIsUnavailable", errors.New("connection reset"), ErrDerivationUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeriver(allowAll{})
			d.fail = tt.fail
			c := NewWrapCoordinator(d, nil)

			_, err := c.WrapForTestament(ctx, alice, key, "t1")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, d.calls, "failures are not retried")
		})
	}

	t.Run("NoDeriver", func(t *testing.T) {
		c := NewWrapCoordinator(nil, nil)
		_, err := c.DeriveKey(ctx, alice, OwnerTarget{Owner: alice})
		assert.ErrorIs(t, err, ErrDerivationUnavailable)
	})

	t.Run("NilTarget", func(t *testing.T) {
		c := NewWrapCoordinator(newTestDeriver(allowAll{}), nil)
		_, err := c.DeriveKey(ctx, alice, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		c := NewWrapCoordinator(newTestDeriver(allowAll{}), nil)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.DeriveKey(cancelled, alice, OwnerTarget{Owner: alice})
		assert.ErrorIs(t, err, ErrDerivationUnavailable)
	})
}
