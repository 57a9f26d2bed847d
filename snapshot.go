package heirloom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/heirloom/internal/crypto"
	"southwinds.dev/heirloom/internal/debug"
	"southwinds.dev/heirloom/internal/misc"
)

// snapshot is the complete persisted state of a namespace.
type snapshot struct {
	FormatVersion int           `json:"format_version"`
	SavedAt       time.Time     `json:"saved_at"`
	Stores        []storeRecord `json:"stores"`
	Testaments    []Testament   `json:"testaments"`
}

func (m *Manager) capture() *snapshot {
	return &snapshot{
		FormatVersion: misc.SnapshotFormatVersion,
		SavedAt:       m.clock.Now(),
		Stores:        m.registry.records(),
		Testaments:    m.engine.records(),
	}
}

// commit makes the current in-memory state the committed state, writing it
// to the store first when one is configured.
func (m *Manager) commit() error {
	snap := m.capture()

	if m.store != nil {
		sealed, err := m.seal(snap)
		if err != nil {
			return fmt.Errorf("failed to seal state: %v: %w", err, ErrStorage)
		}
		version, err := m.store.SaveState(sealed, m.version)
		if err != nil {
			return fmt.Errorf("failed to save state: %v: %w", err, ErrStorage)
		}
		debug.Print("commit: saved %d stores, %d testaments as version %s\n",
			len(snap.Stores), len(snap.Testaments), version)
		m.log.Debug().
			Str("version", version).
			Str("checksum", crypto.CalculateChecksum(sealed)).
			Msg("state committed")
		m.version = version
	}

	m.committed = snap
	return nil
}

// rollback restores the last committed state.
func (m *Manager) rollback() {
	snap := m.committed
	invariant(snap != nil, "rollback without a committed snapshot")

	err := m.registry.restore(snap.Stores)
	invariant(err == nil, "committed stores rejected on rollback: %v", err)
	err = m.engine.restore(snap.Testaments)
	invariant(err == nil, "committed testaments rejected on rollback: %v", err)

	m.log.Debug().Msg("state rolled back to last commit")
}

// openStore derives the at-rest key and loads existing state.
func (m *Manager) openStore() error {
	if err := m.store.Ping(); err != nil {
		return fmt.Errorf("store is not reachable: %w", err)
	}

	passphrase, err := m.options.passphrase()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(passphrase)

	salt, err := m.loadOrCreateSalt()
	if err != nil {
		return err
	}

	key, err := crypto.DeriveKey(passphrase, memguard.NewEnclave(salt))
	if err != nil {
		return fmt.Errorf("failed to derive at-rest key: %w", err)
	}
	m.atRestKey = key.Seal()

	exists, err := m.store.StateExists()
	if err != nil {
		return fmt.Errorf("failed to check for existing state: %w", err)
	}
	if !exists {
		return nil
	}

	data, err := m.store.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	snap, err := m.open(data.Data)
	if err != nil {
		return err
	}
	if err = m.registry.restore(snap.Stores); err != nil {
		return fmt.Errorf("persisted stores are invalid: %w", err)
	}
	if err = m.engine.restore(snap.Testaments); err != nil {
		return fmt.Errorf("persisted testaments are invalid: %w", err)
	}
	m.version = data.Version
	return nil
}

// loadOrCreateSalt returns the stored salt, creating it on first use. A
// configured salt must match the stored one.
func (m *Manager) loadOrCreateSalt() ([]byte, error) {
	exists, err := m.store.SaltExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check salt existence: %w", err)
	}

	if exists {
		data, err := m.store.LoadSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to load salt: %w", err)
		}
		if m.options.DerivationSalt != nil && !bytes.Equal(m.options.DerivationSalt, data.Data) {
			return nil, errors.New("configured derivation salt does not match the stored salt")
		}
		return data.Data, nil
	}

	salt := cloneBytes(m.options.DerivationSalt)
	if salt == nil {
		if salt, err = crypto.NewSalt(); err != nil {
			return nil, err
		}
	}
	if _, err = m.store.SaveSalt(salt, ""); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func (m *Manager) seal(snap *snapshot) ([]byte, error) {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	key, err := m.atRestKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open at-rest key: %w", err)
	}
	defer key.Destroy()

	return crypto.EncryptValue(plaintext, key.Bytes(), m.stateAAD())
}

func (m *Manager) open(sealed []byte) (*snapshot, error) {
	key, err := m.atRestKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open at-rest key: %w", err)
	}
	defer key.Destroy()

	plaintext, err := crypto.DecryptValue(sealed, key.Bytes(), m.stateAAD())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state, wrong passphrase or namespace? %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	var snap snapshot
	if err = json.Unmarshal(plaintext, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if snap.FormatVersion != misc.SnapshotFormatVersion {
		return nil, fmt.Errorf("unsupported state format version %d", snap.FormatVersion)
	}
	return &snap, nil
}

func (m *Manager) stateAAD() []byte {
	return []byte("heirloom/state/" + m.options.namespace())
}
