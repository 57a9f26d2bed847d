package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load methods when nothing has been saved yet.
var ErrNotFound = errors.New("not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash or ETag
	Timestamp time.Time
}

// Store persists the sealed registry state of one namespace. The store never
// sees plaintext: everything handed to it has already been sealed by the
// manager.
//
// VERSIONING:
// Save methods take the version the caller last observed. An empty expected
// version skips the check; otherwise a mismatch fails with ConcurrencyError
// and nothing is written. The returned version is the one to pass next time.
type Store interface {
	// ListNamespaces returns the namespaces that hold state in this backend.
	ListNamespaces() ([]string, error)

	SaveState(sealedState []byte, expectedVersion string) (newVersion string, err error)

	// LoadState returns ErrNotFound when no state was ever saved.
	LoadState() (*VersionedData, error)

	StateExists() (bool, error)

	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)

	LoadSalt() (*VersionedData, error)

	SaltExists() (bool, error)

	// Ping checks connectivity for remote backends
	Ping() error

	Close() error

	GetType() string
}

// StoreConfig selects and configures a backend for NewStore.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeMongo      StoreType = "mongo"
)

// ConcurrencyError reports an optimistic version check failure.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is, or wraps, a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
