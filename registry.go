package heirloom

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps each identity to exactly one secret store. Stores are created
// lazily on first use and only removed by an explicit DeleteStore.
type Registry struct {
	clock  Clock
	mu     sync.RWMutex
	stores map[Identity]*SecretStore
}

// NewRegistry returns an empty registry.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{
		clock:  clock,
		stores: make(map[Identity]*SecretStore),
	}
}

// GetOrCreateStore returns the identity's store, provisioning an empty one on
// first access.
func (r *Registry) GetOrCreateStore(identity Identity) *SecretStore {
	r.mu.RLock()
	store, exists := r.stores[identity]
	r.mu.RUnlock()
	if exists {
		return store
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// double-checked: another caller may have provisioned it meanwhile
	if store, exists = r.stores[identity]; exists {
		return store
	}
	store = newSecretStore(identity, r.clock)
	r.stores[identity] = store
	return store
}

// GetStoreReadonly returns the identity's store, or false if it was never
// provisioned. An empty store and a missing one are different answers. The
// view cannot be converted back into the mutable store.
func (r *Registry) GetStoreReadonly(identity Identity) (StoreView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, exists := r.stores[identity]
	if !exists {
		return nil, false
	}
	return storeView{store: store}, true
}

// existingStore returns the identity's mutable store without provisioning
// one.
func (r *Registry) existingStore(identity Identity) (*SecretStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, exists := r.stores[identity]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, identity)
	}
	return store, nil
}

// CreateStore provisions a store explicitly, failing if one already exists.
func (r *Registry) CreateStore(identity Identity) (*SecretStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[identity]; exists {
		return nil, fmt.Errorf("vault for %s %w", identity, ErrAlreadyExists)
	}
	store := newSecretStore(identity, r.clock)
	r.stores[identity] = store
	return store, nil
}

// DeleteStore removes an identity's store and everything in it.
func (r *Registry) DeleteStore(identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[identity]; !exists {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, identity)
	}
	delete(r.stores, identity)
	return nil
}

// identities lists provisioned identities in sorted order. r.mu must be
// held.
func (r *Registry) identities() []Identity {
	ids := make([]Identity, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// SecretCount sums the secrets held across all stores.
func (r *Registry) SecretCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, store := range r.stores {
		total += store.Len()
	}
	return total
}

func (r *Registry) records() []storeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.identities()
	recs := make([]storeRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, r.stores[id].record())
	}
	return recs
}

// restore replaces the registry contents with recs. Nothing changes if any
// record is rejected.
func (r *Registry) restore(recs []storeRecord) error {
	stores := make(map[Identity]*SecretStore, len(recs))
	for _, rec := range recs {
		if _, dup := stores[rec.Owner]; dup {
			return fmt.Errorf("duplicate vault for %s", rec.Owner)
		}
		store, err := restoreSecretStore(rec, r.clock)
		if err != nil {
			return err
		}
		stores[rec.Owner] = store
	}

	r.mu.Lock()
	r.stores = stores
	r.mu.Unlock()
	return nil
}
