package heirloom

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"southwinds.dev/heirloom/audit"
	"southwinds.dev/heirloom/persist"
)

const (
	alice   Identity = "alice"
	bob     Identity = "bob"
	charlie Identity = "charlie"

	testPassphrase = "this-is-a-secure-passphrase-for-testing"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a steppable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// testDeriver derives keys from a fixed seed and consults the authorizer,
// like the derive package does.
type testDeriver struct {
	authorizer DerivationAuthorizer
	seed       []byte
	fail       error
	calls      int
}

func newTestDeriver(authorizer DerivationAuthorizer) *testDeriver {
	return &testDeriver{authorizer: authorizer, seed: []byte("0123456789abcdef0123456789abcdef")}
}

func (d *testDeriver) DeriveKey(ctx context.Context, caller Identity, path DerivationPath) (*memguard.LockedBuffer, error) {
	d.calls++
	if d.fail != nil {
		return nil, d.fail
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrDerivationUnavailable)
	}
	if d.authorizer != nil {
		if err := d.authorizer.AuthorizeDerivation(caller, path); err != nil {
			return nil, err
		}
	}
	key := memguard.NewBuffer(32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, d.seed, nil, path.Seed()), key.Bytes()); err != nil {
		key.Destroy()
		return nil, err
	}
	return key, nil
}

// recordingAudit keeps every audit record in memory.
type recordingAudit struct {
	mu      sync.Mutex
	actions []string
	records []map[string]interface{}
}

func (r *recordingAudit) Log(action string, success bool, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	r.records = append(r.records, metadata)
	return nil
}

func (r *recordingAudit) Query(audit.QueryOptions) (audit.QueryResult, error) {
	return audit.QueryResult{}, nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a == action {
			return true
		}
	}
	return false
}

func (r *recordingAudit) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a == action {
			n++
		}
	}
	return n
}

type testManager struct {
	*Manager
	clock   *fakeClock
	audit   *recordingAudit
	deriver *testDeriver
}

func newTestManager(t *testing.T, store persist.Store) *testManager {
	t.Helper()

	clock := newFakeClock()
	rec := &recordingAudit{}
	var deriver *testDeriver

	options := Options{
		AtRestPassphrase: testPassphrase,
		Namespace:        "test",
		Clock:            clock,
	}
	factory := func(authorizer DerivationAuthorizer) (KeyDeriver, error) {
		deriver = newTestDeriver(authorizer)
		return deriver, nil
	}

	m, err := NewManager(options, factory, store, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &testManager{Manager: m, clock: clock, audit: rec, deriver: deriver}
}

// newClientKey plays the client: a random secret key and its owner-wrapped
// decryption material.
func (tm *testManager) newClientKey(t *testing.T, owner Identity) (*memguard.LockedBuffer, SecretDecryptionMaterial) {
	t.Helper()
	key := memguard.NewBufferRandom(32)
	t.Cleanup(key.Destroy)

	material, err := tm.coordinator.WrapForOwner(context.Background(), key, owner)
	require.NoError(t, err)
	material.PasswordDecryptionNonce = []byte("password-nonce")
	return key, material
}

func (tm *testManager) addSecret(t *testing.T, owner Identity, name string) (Secret, *memguard.LockedBuffer) {
	t.Helper()
	key, material := tm.newClientKey(t, owner)
	secret, err := tm.AddSecret(context.Background(), owner, Secret{
		Name:     name,
		Category: CategoryPassword,
		Password: []byte("ciphertext:" + name),
	}, material)
	require.NoError(t, err)
	return secret, key
}

func testMaterial() SecretDecryptionMaterial {
	return SecretDecryptionMaterial{
		EncryptedDecryptionKey: []byte("wrapped-key"),
		IV:                     []byte("iv-iv-iv-iv-"),
	}
}
