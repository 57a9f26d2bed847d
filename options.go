package heirloom

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"southwinds.dev/heirloom/internal/misc"
)

// Options configures a Manager.
//
// AT-REST SEALING:
// When the manager persists its state, the snapshot is sealed with a key
// stretched from a passphrase (Argon2id) and a salt kept next to the data.
// The passphrase comes from AtRestPassphrase or, when empty, from the
// environment variable named by EnvPassphraseVar. The variable is unset after
// it has been read. Neither value is ever serialized.
//
// RELEASE POLICY:
// DefaultInactivityThreshold applies to testaments created without an
// explicit threshold. Zero selects DefaultInactivityThreshold.
//
// COLLABORATORS:
// Clock, Logger and KeyWrapper are injectable for tests and embedding. Nil or
// zero values select the system clock, a disabled logger and the
// ChaCha20-Poly1305 wrapper.
type Options struct {
	// AtRestPassphrase unlocks persisted state. Required with a store.
	AtRestPassphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable holding the passphrase.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// DerivationSalt pins the at-rest salt. A stored salt must match it.
	DerivationSalt []byte `json:"-"`

	// Namespace scopes audit records, e.g. one per deployment.
	Namespace string `json:"namespace,omitempty"`

	DefaultInactivityThreshold time.Duration `json:"default_inactivity_threshold,omitempty"`

	// EnableMemoryLock asks the host to pin process memory at start-up.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	Clock      Clock          `json:"-"`
	Logger     zerolog.Logger `json:"-"`
	KeyWrapper KeyWrapper     `json:"-"`
}

// Validate checks the options that do not depend on a store. Passphrase
// checks happen in NewManager, once it is known whether a store is used.
func (o Options) Validate() error {
	if o.DefaultInactivityThreshold < 0 {
		return fmt.Errorf("default inactivity threshold cannot be negative")
	}
	if o.DefaultInactivityThreshold > MaxInactivityThreshold {
		return fmt.Errorf("default inactivity threshold exceeds %d days", MaxInactivityThresholdDays)
	}
	if o.DerivationSalt != nil && len(o.DerivationSalt) < 16 {
		return fmt.Errorf("derivation salt must be at least 16 bytes")
	}
	return nil
}

// passphrase resolves the at-rest passphrase. The returned slice should be
// wiped by the caller.
func (o Options) passphrase() ([]byte, error) {
	var pass []byte
	switch {
	case o.AtRestPassphrase != "":
		pass = []byte(o.AtRestPassphrase)
	case o.EnvPassphraseVar != "":
		env := os.Getenv(o.EnvPassphraseVar)
		if env == "" {
			return nil, fmt.Errorf("environment variable %s is empty or not set", o.EnvPassphraseVar)
		}
		pass = []byte(env)
		_ = os.Unsetenv(o.EnvPassphraseVar)
	default:
		return nil, fmt.Errorf("either AtRestPassphrase or EnvPassphraseVar must be provided when a store is configured")
	}
	if len(pass) < misc.MinPassphraseLength {
		return nil, fmt.Errorf("passphrase must be at least %d characters long", misc.MinPassphraseLength)
	}
	return pass, nil
}

func (o Options) clock() Clock {
	if o.Clock == nil {
		return SystemClock{}
	}
	return o.Clock
}

func (o Options) namespace() string {
	if o.Namespace == "" {
		return "default"
	}
	return o.Namespace
}
