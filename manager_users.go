package heirloom

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"

	"southwinds.dev/heirloom/internal/crypto"
)

// CreateUser provisions the caller's secret store explicitly.
func (m *Manager) CreateUser(ctx context.Context, caller Identity) error {
	return exec(ctx, m, OpCreateUser, caller, nil, func() error {
		_, err := m.registry.CreateStore(caller)
		return err
	})
}

// DeleteUser removes the caller's store and every Active testament the caller
// owns. Released testaments are kept: their grants cannot be withdrawn, but
// the ciphertext they point at is gone with the store.
func (m *Manager) DeleteUser(ctx context.Context, caller Identity) ([]TestamentID, error) {
	metadata := map[string]interface{}{}
	return run(ctx, m, OpDeleteUser, caller, metadata, func() ([]TestamentID, error) {
		if _, ok := m.registry.GetStoreReadonly(caller); !ok {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, caller)
		}
		removed := m.engine.RemoveActiveOwnedBy(caller)
		if err := m.registry.DeleteStore(caller); err != nil {
			return nil, err
		}
		metadata["removed_testaments"] = len(removed)
		return removed, nil
	})
}

// Heartbeat records caller activity and nothing else.
func (m *Manager) Heartbeat(ctx context.Context, caller Identity) (UserProfile, error) {
	return run(ctx, m, OpHeartbeat, caller, nil, func() (UserProfile, error) {
		profile := UserProfile{
			Identity:     caller,
			LastActivity: m.clock.Now(),
		}
		if store, ok := m.registry.GetStoreReadonly(caller); ok {
			profile.Provisioned = true
			profile.SecretCount = store.Len()
		}
		for range m.engine.ListForOwner(caller) {
			profile.TestamentCount++
		}
		for range m.engine.ListForBeneficiary(caller) {
			profile.InheritanceCount++
		}
		return profile, nil
	})
}

// DeriveWrappingKey derives target's wrapping key under the derivation rules
// and returns it sealed to the caller's X25519 transport key. The clear key
// never leaves locked memory on the server side.
func (m *Manager) DeriveWrappingKey(ctx context.Context, caller Identity, target WrapTarget, transportPublicKey []byte) ([]byte, error) {
	metadata := map[string]interface{}{}
	if target != nil {
		path := target.Path()
		metadata["path_family"] = path.Family.String()
		if tt, ok := target.(TestamentTarget); ok {
			metadata["testament_id"] = string(tt.Testament)
		}
	}

	return run(ctx, m, OpDeriveWrappingKey, caller, metadata, func() ([]byte, error) {
		if target == nil {
			return nil, fmt.Errorf("wrap target is required: %w", ErrInvalidArgument)
		}
		if len(transportPublicKey) != crypto.TransportKeySize {
			return nil, fmt.Errorf("transport public key must be %d bytes: %w", crypto.TransportKeySize, ErrInvalidArgument)
		}

		key, err := m.coordinator.DeriveKey(ctx, caller, target)
		if err != nil {
			return nil, err
		}
		defer key.Destroy()

		return sealKey(key, transportPublicKey)
	})
}

func sealKey(key *memguard.LockedBuffer, transportPublicKey []byte) ([]byte, error) {
	sealed, err := crypto.SealForTransport(key, transportPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal wrapping key: %w", err)
	}
	return sealed, nil
}
