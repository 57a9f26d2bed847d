package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNamespace = "test-namespace"

// testStoreImplementation runs the behaviour every backend must share.
func testStoreImplementation(t *testing.T, store Store) {
	state := []byte("sealed-registry-state")
	salt := []byte("0123456789abcdef0123456789abcdef")

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})

	t.Run("EmptyNamespace", func(t *testing.T) {
		exists, err := store.StateExists()
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.LoadState()
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err = store.SaltExists()
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.LoadSalt()
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RejectsEmptyPayloads", func(t *testing.T) {
		_, err := store.SaveState(nil, "")
		assert.Error(t, err)
		_, err = store.SaveSalt(nil, "")
		assert.Error(t, err)
	})

	var stateVersion string
	t.Run("SaveAndLoadState", func(t *testing.T) {
		version, err := store.SaveState(state, "")
		require.NoError(t, err)
		require.NotEmpty(t, version)
		stateVersion = version

		exists, err := store.StateExists()
		require.NoError(t, err)
		assert.True(t, exists)

		loaded, err := store.LoadState()
		require.NoError(t, err)
		assert.Equal(t, state, loaded.Data)
		assert.Equal(t, stateVersion, loaded.Version)
		assert.False(t, loaded.Timestamp.IsZero())
	})

	t.Run("SaveAndLoadSalt", func(t *testing.T) {
		version, err := store.SaveSalt(salt, "")
		require.NoError(t, err)

		loaded, err := store.LoadSalt()
		require.NoError(t, err)
		assert.Equal(t, salt, loaded.Data)
		assert.Equal(t, version, loaded.Version)
		assert.False(t, loaded.Timestamp.IsZero())
	})

	t.Run("ListNamespaces", func(t *testing.T) {
		namespaces, err := store.ListNamespaces()
		require.NoError(t, err)
		assert.Contains(t, namespaces, testNamespace)
	})

	t.Run("OptimisticLocking", func(t *testing.T) {
		t.Run("MatchingVersionSucceeds", func(t *testing.T) {
			current, err := store.LoadState()
			require.NoError(t, err)

			next, err := store.SaveState([]byte("sealed-registry-state-v2"), current.Version)
			require.NoError(t, err)
			assert.NotEqual(t, current.Version, next)

			loaded, err := store.LoadState()
			require.NoError(t, err)
			assert.Equal(t, next, loaded.Version)
			stateVersion = next
		})

		t.Run("StaleVersionFails", func(t *testing.T) {
			_, err := store.SaveState([]byte("sealed-registry-state-v3"), "stale-version")
			require.Error(t, err)
			assert.True(t, IsConcurrencyError(err), "expected a concurrency error, got %T: %v", err, err)

			loaded, err := store.LoadState()
			require.NoError(t, err)
			assert.Equal(t, stateVersion, loaded.Version, "failed save must not change state")
			assert.Equal(t, []byte("sealed-registry-state-v2"), loaded.Data)
		})

		t.Run("EmptyVersionOverwrites", func(t *testing.T) {
			version, err := store.SaveState(state, "")
			require.NoError(t, err)

			loaded, err := store.LoadState()
			require.NoError(t, err)
			assert.Equal(t, version, loaded.Version)
			assert.Equal(t, state, loaded.Data)
		})
	})
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, validateNamespace("prod-eu"))
	assert.Error(t, validateNamespace(""))
	assert.Error(t, validateNamespace("../escape"))
	assert.Error(t, validateNamespace("a/b"))
	assert.Error(t, validateNamespace("with space"))

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'n'
	}
	assert.Error(t, validateNamespace(string(long)))
}

func TestConcurrencyErrorWrapping(t *testing.T) {
	err := ConcurrencyError{ExpectedVersion: "a", ActualVersion: "b", Operation: "SaveState"}
	assert.True(t, IsConcurrencyError(err))
	assert.Contains(t, err.Error(), "SaveState")
	assert.False(t, IsConcurrencyError(ErrNotFound))
}

func TestNewStoreUnsupportedType(t *testing.T) {
	_, err := NewStore(StoreConfig{Type: "floppy"}, testNamespace)
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}}, testNamespace)
	assert.Error(t, err, "filesystem store needs base_path")
}

func TestDecodeConfig(t *testing.T) {
	var cfg S3Config
	err := decodeConfig(map[string]interface{}{
		"endpoint":          "localhost:9000",
		"access_key_id":     "ak",
		"secret_access_key": "sk",
		"bucket":            "vault",
		"use_ssl":           true,
	}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Endpoint)
	assert.Equal(t, "ak", cfg.AccessKeyID)
	assert.Equal(t, "vault", cfg.Bucket)
	assert.True(t, cfg.UseSSL)
}
