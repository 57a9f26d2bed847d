package heirloom

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	clock       *fakeClock
	registry    *Registry
	engine      *TestamentEngine
	coordinator *WrapCoordinator
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{clock: newFakeClock()}
	f.registry = NewRegistry(f.clock)
	f.engine = NewTestamentEngine(f.registry, nil, f.clock, 0)
	f.coordinator = NewWrapCoordinator(newTestDeriver(f.engine), nil)
	f.engine.SetCoordinator(f.coordinator)
	return f
}

// ownerSecret stores a secret whose key is wrapped under owner's path and
// returns the clear key for comparison.
func (f *engineFixture) ownerSecret(t *testing.T, owner Identity, id SecretID) []byte {
	t.Helper()
	key := memguard.NewBufferRandom(32)
	defer key.Destroy()
	plain := append([]byte(nil), key.Bytes()...)

	material, err := f.coordinator.WrapForOwner(context.Background(), key, owner)
	require.NoError(t, err)
	_, err = f.registry.GetOrCreateStore(owner).AddSecret(Secret{ID: id}, material)
	require.NoError(t, err)
	return plain
}

func TestTestamentCreate(t *testing.T) {
	f := newEngineFixture()

	tm, err := f.engine.Create(alice, TestamentSpec{Name: "family", Beneficiaries: []Identity{charlie, bob, bob}})
	require.NoError(t, err)

	assert.NotEmpty(t, tm.ID)
	assert.Equal(t, StateActive, tm.State)
	assert.Empty(t, tm.KeyBox)
	assert.Equal(t, []Identity{bob, charlie}, tm.Beneficiaries, "sorted and de-duplicated")
	assert.Equal(t, ConditionInactivity, tm.Condition.Kind)
	assert.Equal(t, DefaultInactivityThreshold, tm.Condition.Threshold)
	assert.Equal(t, epoch, tm.Condition.LastOwnerActivity)

	empty, err := f.engine.Create(alice, TestamentSpec{})
	require.NoError(t, err)
	assert.Empty(t, empty.Beneficiaries)

	_, err = f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{alice}})
	assert.ErrorIs(t, err, ErrInvalidArgument, "owner cannot inherit from themselves")

	_, err = f.engine.Create(alice, TestamentSpec{InactivityThreshold: -time.Hour})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.engine.Create(alice, TestamentSpec{InactivityThreshold: MaxInactivityThreshold + time.Hour})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	century, err := f.engine.Create(alice, TestamentSpec{InactivityThreshold: MaxInactivityThreshold})
	require.NoError(t, err)
	assert.False(t, century.Condition.Met(epoch.Add(99*365*24*time.Hour)))
}

func TestTestamentUpdate(t *testing.T) {
	f := newEngineFixture()
	tm, err := f.engine.Create(alice, TestamentSpec{Name: "v1", InactivityThreshold: 30 * 24 * time.Hour})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := f.engine.Update(alice, tm.ID, TestamentSpec{Name: "v2", Beneficiaries: []Identity{bob}})
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Name)
	assert.Equal(t, []Identity{bob}, updated.Beneficiaries)
	assert.Equal(t, 30*24*time.Hour, updated.Condition.Threshold, "zero threshold keeps the current one")
	assert.Equal(t, epoch.Add(time.Minute), updated.DateModified)

	_, err = f.engine.Update(bob, tm.ID, TestamentSpec{})
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.engine.Update(alice, "missing", TestamentSpec{})
	assert.ErrorIs(t, err, ErrTestamentNotFound)
}

func TestTestamentAddSecretToKeyBox(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	want := f.ownerSecret(t, alice, "s1")

	tm, err := f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{bob}})
	require.NoError(t, err)

	require.NoError(t, f.engine.AddSecretToKeyBox(ctx, tm.ID, alice, "s1"))

	got, err := f.engine.Get(alice, tm.ID)
	require.NoError(t, err)
	require.Contains(t, got.KeyBox, SecretID("s1"))

	ownerMaterial, err := f.registry.GetOrCreateStore(alice).DecryptionMaterial("s1")
	require.NoError(t, err)
	assert.NotEqual(t, ownerMaterial.EncryptedDecryptionKey, got.KeyBox["s1"].EncryptedDecryptionKey,
		"testament entry is wrapped under a different path")

	// only the testament path opens the key box entry, and only the owner
	// may derive it while Active
	key, err := f.coordinator.Unwrap(ctx, alice, TestamentTarget{Testament: tm.ID}, got.KeyBox["s1"])
	require.NoError(t, err)
	assert.Equal(t, want, key.Bytes())
	key.Destroy()

	_, err = f.coordinator.Unwrap(ctx, bob, TestamentTarget{Testament: tm.ID}, got.KeyBox["s1"])
	assert.ErrorIs(t, err, ErrDerivationDenied)

	t.Run("UnknownSecret", func(t *testing.T) {
		err := f.engine.AddSecretToKeyBox(ctx, tm.ID, alice, "missing")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("NotOwner", func(t *testing.T) {
		f.ownerSecret(t, bob, "b1")
		err := f.engine.AddSecretToKeyBox(ctx, tm.ID, bob, "b1")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("NoStore", func(t *testing.T) {
		other, err := f.engine.Create(charlie, TestamentSpec{})
		require.NoError(t, err)
		err = f.engine.AddSecretToKeyBox(ctx, other.ID, charlie, "s1")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("RemoveFromKeyBox", func(t *testing.T) {
		require.NoError(t, f.engine.RemoveSecretFromKeyBox(alice, tm.ID, "s1"))
		assert.ErrorIs(t, f.engine.RemoveSecretFromKeyBox(alice, tm.ID, "s1"), ErrSecretNotFound)
	})
}

func TestTestamentReleasedIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	f.ownerSecret(t, alice, "s1")
	tm, err := f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{bob}})
	require.NoError(t, err)
	require.NoError(t, f.engine.AddSecretToKeyBox(ctx, tm.ID, alice, "s1"))

	_, changed, err := f.engine.release(tm.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.engine.Update(alice, tm.ID, TestamentSpec{Name: "late"})
	assert.ErrorIs(t, err, ErrTestamentNotActive)
	assert.ErrorIs(t, f.engine.Delete(alice, tm.ID), ErrTestamentNotActive)
	assert.ErrorIs(t, f.engine.AddSecretToKeyBox(ctx, tm.ID, alice, "s1"), ErrTestamentNotActive)
	assert.ErrorIs(t, f.engine.RemoveSecretFromKeyBox(alice, tm.ID, "s1"), ErrTestamentNotActive)

	released, changed, err := f.engine.release(tm.ID, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, changed, "release is idempotent")
	assert.Equal(t, StateReleased, released.State)

	assert.Equal(t, 0, f.engine.TouchOwner(alice, f.clock.Now().Add(time.Hour)))
	assert.Empty(t, f.engine.RemoveActiveOwnedBy(alice), "released testaments survive owner deletion")
}

func TestTestamentBeneficiaryAccess(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture()
	f.ownerSecret(t, alice, "s1")
	tm, err := f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{bob}})
	require.NoError(t, err)
	require.NoError(t, f.engine.AddSecretToKeyBox(ctx, tm.ID, alice, "s1"))

	_, err = f.engine.GetForBeneficiary(tm.ID, bob)
	assert.ErrorIs(t, err, ErrNotReleased)

	// membership is checked before state
	_, err = f.engine.GetForBeneficiary(tm.ID, charlie)
	assert.ErrorIs(t, err, ErrNotABeneficiary)

	_, err = f.engine.GetForBeneficiary("missing", bob)
	assert.ErrorIs(t, err, ErrTestamentNotFound)

	_, _, err = f.engine.release(tm.ID, f.clock.Now())
	require.NoError(t, err)

	resp, err := f.engine.GetForBeneficiary(tm.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, resp.State)
	assert.Equal(t, []SecretID{"s1"}, slices.Sorted(maps.Keys(resp.KeyBox)))

	_, err = f.engine.GetForBeneficiary(tm.ID, charlie)
	assert.ErrorIs(t, err, ErrNotABeneficiary)

	owner, material, err := f.engine.InheritedMaterial(tm.ID, bob, "s1")
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	assert.Equal(t, resp.KeyBox["s1"], material)

	_, _, err = f.engine.InheritedMaterial(tm.ID, bob, "s2")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestTestamentAuthorizeDerivation(t *testing.T) {
	f := newEngineFixture()
	tm, err := f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{bob}})
	require.NoError(t, err)
	path := TestamentTarget{Testament: tm.ID}.Path()

	assert.NoError(t, f.engine.AuthorizeDerivation(alice, OwnerTarget{Owner: alice}.Path()))
	assert.ErrorIs(t, f.engine.AuthorizeDerivation(bob, OwnerTarget{Owner: alice}.Path()), ErrDerivationDenied)

	assert.NoError(t, f.engine.AuthorizeDerivation(alice, path))
	assert.ErrorIs(t, f.engine.AuthorizeDerivation(bob, path), ErrDerivationDenied)

	_, _, err = f.engine.release(tm.ID, f.clock.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.AuthorizeDerivation(alice, path), ErrDerivationDenied)
	assert.NoError(t, f.engine.AuthorizeDerivation(bob, path))
	assert.ErrorIs(t, f.engine.AuthorizeDerivation(charlie, path), ErrDerivationDenied)

	assert.ErrorIs(t, f.engine.AuthorizeDerivation(alice, TestamentTarget{Testament: "missing"}.Path()), ErrDerivationDenied)
	assert.ErrorIs(t, f.engine.AuthorizeDerivation(alice, DerivationPath{Family: 9, Subject: "x"}), ErrDerivationDenied)
}

func TestTestamentListings(t *testing.T) {
	f := newEngineFixture()
	t1, err := f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{bob}})
	require.NoError(t, err)
	_, err = f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{charlie}})
	require.NoError(t, err)
	_, err = f.engine.Create(bob, TestamentSpec{Beneficiaries: []Identity{charlie}})
	require.NoError(t, err)

	owned := slices.Collect(f.engine.ListForOwner(alice))
	assert.Len(t, owned, 2)
	assert.True(t, slices.IsSortedFunc(owned, func(a, b TestamentListEntry) int {
		return cmp.Compare(a.ID, b.ID)
	}))

	inherited := slices.Collect(f.engine.ListForBeneficiary(bob))
	require.Len(t, inherited, 1)
	assert.Equal(t, t1.ID, inherited[0].ID)

	assert.Len(t, slices.Collect(f.engine.ListForBeneficiary(charlie)), 2)
	assert.Empty(t, slices.Collect(f.engine.ListForOwner(charlie)))
}

func TestTestamentTouchOwner(t *testing.T) {
	f := newEngineFixture()
	tm, err := f.engine.Create(alice, TestamentSpec{})
	require.NoError(t, err)

	later := epoch.Add(48 * time.Hour)
	assert.Equal(t, 1, f.engine.TouchOwner(alice, later))
	assert.Equal(t, 0, f.engine.TouchOwner(alice, epoch), "activity never moves backwards")
	assert.Equal(t, 0, f.engine.TouchOwner(bob, later))

	got, err := f.engine.Get(alice, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, later, got.Condition.LastOwnerActivity)
	assert.Equal(t, epoch, got.DateModified, "activity is not an edit")
}

func TestTestamentRestoreRejectsUnknownState(t *testing.T) {
	f := newEngineFixture()
	err := f.engine.restore([]Testament{{ID: "t1", Owner: alice, State: "revoked"}})
	assert.Error(t, err)

	require.NoError(t, f.engine.restore([]Testament{{ID: "t1", Owner: alice, State: StateActive}}))
	active, released := f.engine.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, released)
}

