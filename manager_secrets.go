package heirloom

import (
	"context"
	"fmt"
	"slices"
)

// AddSecret stores a client-encrypted secret and its owner-wrapped key in
// the caller's store, provisioning the store on first use.
func (m *Manager) AddSecret(ctx context.Context, caller Identity, secret Secret, material SecretDecryptionMaterial) (Secret, error) {
	metadata := map[string]interface{}{
		"secret_id": string(secret.ID),
		"category":  string(secret.Category),
	}
	return run(ctx, m, OpAddSecret, caller, metadata, func() (Secret, error) {
		stored, err := m.registry.GetOrCreateStore(caller).AddSecret(secret, material)
		if err != nil {
			return Secret{}, err
		}
		metadata["secret_id"] = string(stored.ID)
		return stored, nil
	})
}

// UpdateSecret replaces a secret's metadata and ciphertext fields. The
// wrapped key is left untouched.
func (m *Manager) UpdateSecret(ctx context.Context, caller Identity, secret Secret) (Secret, error) {
	metadata := map[string]interface{}{"secret_id": string(secret.ID)}
	return run(ctx, m, OpUpdateSecret, caller, metadata, func() (Secret, error) {
		if err := validateIdentifier("secret id", string(secret.ID)); err != nil {
			return Secret{}, err
		}
		store, err := m.registry.existingStore(caller)
		if err != nil {
			return Secret{}, err
		}
		return store.UpdateSecret(secret)
	})
}

// RemoveSecret deletes a secret and its wrapped key. Testament key boxes
// that captured the key keep their entry.
func (m *Manager) RemoveSecret(ctx context.Context, caller Identity, id SecretID) error {
	return exec(ctx, m, OpRemoveSecret, caller, map[string]interface{}{"secret_id": string(id)}, func() error {
		store, err := m.registry.existingStore(caller)
		if err != nil {
			return err
		}
		return store.RemoveSecret(id)
	})
}

func (m *Manager) GetSecret(ctx context.Context, caller Identity, id SecretID) (Secret, error) {
	return run(ctx, m, OpGetSecret, caller, map[string]interface{}{"secret_id": string(id)}, func() (Secret, error) {
		store, ok := m.registry.GetStoreReadonly(caller)
		if !ok {
			return Secret{}, fmt.Errorf("%w: %s", ErrStoreNotFound, caller)
		}
		return store.GetSecret(id)
	})
}

// ListSecrets returns the caller's secrets ordered by id. An identity that
// was never provisioned gets ErrStoreNotFound rather than an empty list.
func (m *Manager) ListSecrets(ctx context.Context, caller Identity) ([]SecretListEntry, error) {
	metadata := map[string]interface{}{}
	return run(ctx, m, OpListSecrets, caller, metadata, func() ([]SecretListEntry, error) {
		store, ok := m.registry.GetStoreReadonly(caller)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, caller)
		}
		entries := slices.Collect(store.List())
		metadata["count"] = len(entries)
		return entries, nil
	})
}

// GetSecretDecryptionMaterial returns the owner-wrapped key of a secret.
func (m *Manager) GetSecretDecryptionMaterial(ctx context.Context, caller Identity, id SecretID) (SecretDecryptionMaterial, error) {
	return run(ctx, m, OpGetDecryptionMaterial, caller, map[string]interface{}{"secret_id": string(id)}, func() (SecretDecryptionMaterial, error) {
		store, ok := m.registry.GetStoreReadonly(caller)
		if !ok {
			return SecretDecryptionMaterial{}, fmt.Errorf("%w: %s", ErrStoreNotFound, caller)
		}
		return store.DecryptionMaterial(id)
	})
}

// RekeySecret replaces the owner-wrapped key of a secret after the owner
// rotated its symmetric key client side.
func (m *Manager) RekeySecret(ctx context.Context, caller Identity, id SecretID, material SecretDecryptionMaterial) error {
	return exec(ctx, m, OpRekeySecret, caller, map[string]interface{}{"secret_id": string(id)}, func() error {
		store, err := m.registry.existingStore(caller)
		if err != nil {
			return err
		}
		return store.RekeySecret(id, material)
	})
}
