package audit

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled:   true,
		Namespace: "test",
		Type:      FileAuditType,
		Options:   map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit", "audit.log")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestNewLoggerSelectsBackend(t *testing.T) {
	l, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, l)

	l, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, l)

	l, err = NewLogger(&Config{Enabled: true, Type: LogAuditType})
	require.NoError(t, err)
	assert.IsType(t, &ZerologLogger{}, l)

	_, err = NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.Error(t, err, "file logger needs file_path")
}

func TestFileLoggerLiftsMetadata(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log("ADD_SECRET_COMPLETED", true, map[string]interface{}{
		"request_id":  "hm_1",
		"identity":    "alice",
		"secret_id":   "s-1",
		"duration_ms": int64(12),
	}))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)

	event := result.Events[0]
	assert.Equal(t, "test", event.Namespace)
	assert.Equal(t, "hm_1", event.RequestID)
	assert.Equal(t, "alice", event.Identity)
	assert.Equal(t, "s-1", event.SecretID)
	assert.Equal(t, int64(12), event.Duration)
	assert.True(t, event.Success)
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log("CREATE_TESTAMENT_COMPLETED", true, map[string]interface{}{"identity": "alice", "testament_id": "t-1"}))
	require.NoError(t, logger.Log("GET_INHERITANCE_FAILED", false, map[string]interface{}{"identity": "mallory", "testament_id": "t-1", "error": "not a beneficiary"}))
	require.NoError(t, logger.Log(ReleaseAction, true, map[string]interface{}{"identity": "alice", "testament_id": "t-1"}))
	require.NoError(t, logger.Log("ADD_SECRET_COMPLETED", true, map[string]interface{}{"identity": "bob"}))

	t.Run("ByIdentity", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Identity: "alice"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.Equal(t, 4, result.TotalCount)
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "not a beneficiary", result.Events[0].Error)
	})

	t.Run("ReleasesOnly", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{ReleasesOnly: true})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "t-1", result.Events[0].TestamentID)
	})

	t.Run("Paging", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Limit: 3, Offset: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	})

	t.Run("TailTimeWindow", func(t *testing.T) {
		since := logger.tail[0].Timestamp
		require.True(t, logger.tailCovers(QueryOptions{Since: &since}))

		result, err := logger.Query(QueryOptions{Since: &since, TestamentID: "t-1"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
	})
}

func TestFileLoggerPrimesFromExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	config := &Config{
		Enabled:   true,
		Namespace: "test",
		Type:      FileAuditType,
		Options:   map[string]interface{}{"file_path": path, "tail_size": 2},
	}

	first, err := NewFileLogger(config)
	require.NoError(t, err)
	require.NoError(t, first.Log(ReleaseAction, true, map[string]interface{}{"identity": "alice", "testament_id": "t-1"}))
	for i := 0; i < 4; i++ {
		require.NoError(t, first.Log("HEARTBEAT_COMPLETED", true, map[string]interface{}{"identity": "bob"}))
	}
	require.NoError(t, first.Close())

	reopened, err := NewFileLogger(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, 5, reopened.written)
	assert.Len(t, reopened.tail, 2)
	assert.False(t, reopened.tailCovers(QueryOptions{}))

	// the release aged out of the tail but stays indexed
	releases, err := reopened.Query(QueryOptions{ReleasesOnly: true})
	require.NoError(t, err)
	require.Len(t, releases.Events, 1)
	assert.Equal(t, "t-1", releases.Events[0].TestamentID)
	assert.Equal(t, 5, releases.TotalCount)

	// older events come from the file
	all, err := reopened.Query(QueryOptions{Identity: "bob"})
	require.NoError(t, err)
	assert.Len(t, all.Events, 4)

	require.NoError(t, reopened.Log(ReleaseAction, true, map[string]interface{}{"identity": "carol", "testament_id": "t-2"}))
	releases, err = reopened.Query(QueryOptions{ReleasesOnly: true})
	require.NoError(t, err)
	require.Len(t, releases.Events, 2)
	assert.Equal(t, "t-2", releases.Events[0].TestamentID, "newest first")
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log("HEARTBEAT_COMPLETED", true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log("HEARTBEAT_COMPLETED", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&Config{Namespace: "ns"}, &buf)

	require.NoError(t, logger.Log(ReleaseAction, true, map[string]interface{}{
		"identity":     "alice",
		"testament_id": "t-9",
	}))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, ReleaseAction, line["action"])
	assert.Equal(t, "t-9", line["testament_id"])
	assert.Equal(t, "ns", line["namespace"])
	assert.Equal(t, "info", line["level"])

	_, err := logger.Query(QueryOptions{})
	assert.ErrorIs(t, err, errQueryUnsupported)
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()
	assert.NoError(t, l.Log("X", true, nil))
	result, err := l.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, l.Close())
}
