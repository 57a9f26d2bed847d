package heirloom

import (
	"context"
	"fmt"
	"slices"
)

// CreateTestament starts an Active testament owned by the caller. The
// caller's store is provisioned if needed, so the monitor always finds it.
func (m *Manager) CreateTestament(ctx context.Context, caller Identity, spec TestamentSpec) (Testament, error) {
	metadata := map[string]interface{}{"beneficiaries": len(spec.Beneficiaries)}
	return run(ctx, m, OpCreateTestament, caller, metadata, func() (Testament, error) {
		t, err := m.engine.Create(caller, spec)
		if err != nil {
			return Testament{}, err
		}
		m.registry.GetOrCreateStore(caller)
		metadata["testament_id"] = string(t.ID)
		metadata["threshold"] = t.Condition.Threshold.String()
		return t, nil
	})
}

func (m *Manager) UpdateTestament(ctx context.Context, caller Identity, id TestamentID, spec TestamentSpec) (Testament, error) {
	metadata := map[string]interface{}{
		"testament_id":  string(id),
		"beneficiaries": len(spec.Beneficiaries),
	}
	return run(ctx, m, OpUpdateTestament, caller, metadata, func() (Testament, error) {
		return m.engine.Update(caller, id, spec)
	})
}

func (m *Manager) DeleteTestament(ctx context.Context, caller Identity, id TestamentID) error {
	return exec(ctx, m, OpDeleteTestament, caller, map[string]interface{}{"testament_id": string(id)}, func() error {
		return m.engine.Delete(caller, id)
	})
}

// GetTestament returns one of the caller's testaments in any state.
func (m *Manager) GetTestament(ctx context.Context, caller Identity, id TestamentID) (Testament, error) {
	return run(ctx, m, OpGetTestament, caller, map[string]interface{}{"testament_id": string(id)}, func() (Testament, error) {
		return m.engine.Get(caller, id)
	})
}

func (m *Manager) ListTestaments(ctx context.Context, caller Identity) ([]TestamentListEntry, error) {
	metadata := map[string]interface{}{}
	return run(ctx, m, OpListTestaments, caller, metadata, func() ([]TestamentListEntry, error) {
		entries := slices.Collect(m.engine.ListForOwner(caller))
		metadata["count"] = len(entries)
		return entries, nil
	})
}

// AddSecretToKeyBox re-wraps one of the caller's secret keys for the
// testament's own derivation path.
func (m *Manager) AddSecretToKeyBox(ctx context.Context, caller Identity, id TestamentID, secretID SecretID) error {
	metadata := map[string]interface{}{
		"testament_id": string(id),
		"secret_id":    string(secretID),
	}
	return exec(ctx, m, OpAddSecretToKeyBox, caller, metadata, func() error {
		return m.engine.AddSecretToKeyBox(ctx, id, caller, secretID)
	})
}

func (m *Manager) RemoveSecretFromKeyBox(ctx context.Context, caller Identity, id TestamentID, secretID SecretID) error {
	metadata := map[string]interface{}{
		"testament_id": string(id),
		"secret_id":    string(secretID),
	}
	return exec(ctx, m, OpRemoveSecretFromKeyBox, caller, metadata, func() error {
		return m.engine.RemoveSecretFromKeyBox(caller, id, secretID)
	})
}

// ListInheritances lists the testaments naming the caller as beneficiary,
// whether released or not.
func (m *Manager) ListInheritances(ctx context.Context, caller Identity) ([]TestamentListEntry, error) {
	metadata := map[string]interface{}{}
	return run(ctx, m, OpListInheritances, caller, metadata, func() ([]TestamentListEntry, error) {
		entries := slices.Collect(m.engine.ListForBeneficiary(caller))
		metadata["count"] = len(entries)
		return entries, nil
	})
}

// GetInheritance returns a released testament's key box to a beneficiary.
func (m *Manager) GetInheritance(ctx context.Context, caller Identity, id TestamentID) (TestamentResponse, error) {
	return run(ctx, m, OpGetInheritance, caller, map[string]interface{}{"testament_id": string(id)}, func() (TestamentResponse, error) {
		return m.engine.GetForBeneficiary(id, caller)
	})
}

// GetInheritedSecret returns the owner's ciphertext secret together with the
// testament-wrapped key that opens it.
func (m *Manager) GetInheritedSecret(ctx context.Context, caller Identity, id TestamentID, secretID SecretID) (InheritedSecret, error) {
	metadata := map[string]interface{}{
		"testament_id": string(id),
		"secret_id":    string(secretID),
	}
	return run(ctx, m, OpGetInheritedSecret, caller, metadata, func() (InheritedSecret, error) {
		owner, material, err := m.engine.InheritedMaterial(id, caller, secretID)
		if err != nil {
			return InheritedSecret{}, err
		}
		store, ok := m.registry.GetStoreReadonly(owner)
		if !ok {
			return InheritedSecret{}, fmt.Errorf("%w: %s, owner vault deleted", ErrSecretNotFound, secretID)
		}
		secret, err := store.GetSecret(secretID)
		if err != nil {
			return InheritedSecret{}, err
		}
		return InheritedSecret{Testament: id, Secret: secret, Material: material}, nil
	})
}
