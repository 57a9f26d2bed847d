package heirloom

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is an externally authenticated principal. The vault never issues
// identities, it only looks them up.
type Identity string

// SecretID identifies a secret within its owner's store.
type SecretID string

// TestamentID identifies a testament across the whole registry.
type TestamentID string

func (i Identity) String() string    { return string(i) }
func (s SecretID) String() string    { return string(s) }
func (t TestamentID) String() string { return string(t) }

// NewSecretID returns a fresh random secret identifier.
func NewSecretID() SecretID {
	return SecretID(uuid.New().String())
}

// NewTestamentID returns a fresh random testament identifier.
func NewTestamentID() TestamentID {
	return TestamentID(uuid.New().String())
}

const maxIdentifierLength = 256

// validateIdentifier rejects identifiers that cannot be used as map keys or
// path segments by the transport and storage layers.
func validateIdentifier(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty: %w", kind, ErrInvalidArgument)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters: %w", kind, maxIdentifierLength, ErrInvalidArgument)
	}
	if strings.ContainsAny(value, "\x00\n\r") {
		return fmt.Errorf("%s contains control characters: %w", kind, ErrInvalidArgument)
	}
	return nil
}

// Clock supplies wall-clock time. Tests substitute a fixed or steppable clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// monotonic returns next unless it would move a timestamp backwards, in which
// case prev is kept. Host clocks can step back; stored dates must not.
func monotonic(prev, next time.Time) time.Time {
	if next.Before(prev) {
		return prev
	}
	return next
}
