package heirloom

import (
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoreView is the read-only surface of a user's secret store.
type StoreView interface {
	ID() string
	Owner() Identity
	DateCreated() time.Time
	DateModified() time.Time
	Len() int
	Contains(id SecretID) bool
	GetSecret(id SecretID) (Secret, error)
	DecryptionMaterial(id SecretID) (SecretDecryptionMaterial, error)
	List() iter.Seq[SecretListEntry]
}

// SecretStore holds one user's secrets and, for each of them, the owner
// wrapped decryption material. The secrets and keyBox maps always carry the
// same key set; every mutation touches both or neither.
type SecretStore struct {
	id           string
	owner        Identity
	dateCreated  time.Time
	dateModified time.Time
	clock        Clock

	mu      sync.RWMutex
	secrets map[SecretID]Secret
	keyBox  map[SecretID]SecretDecryptionMaterial
}

var (
	_ StoreView = (*SecretStore)(nil)
	_ StoreView = storeView{}
)

// storeView hides the mutators of a SecretStore from callers that only
// hold a StoreView.
type storeView struct {
	store *SecretStore
}

func (v storeView) ID() string              { return v.store.ID() }
func (v storeView) Owner() Identity         { return v.store.Owner() }
func (v storeView) DateCreated() time.Time  { return v.store.DateCreated() }
func (v storeView) DateModified() time.Time { return v.store.DateModified() }
func (v storeView) Len() int                { return v.store.Len() }

func (v storeView) Contains(id SecretID) bool { return v.store.Contains(id) }

func (v storeView) GetSecret(id SecretID) (Secret, error) { return v.store.GetSecret(id) }

func (v storeView) DecryptionMaterial(id SecretID) (SecretDecryptionMaterial, error) {
	return v.store.DecryptionMaterial(id)
}

func (v storeView) List() iter.Seq[SecretListEntry] { return v.store.List() }

func newSecretStore(owner Identity, clock Clock) *SecretStore {
	now := clock.Now()
	return &SecretStore{
		id:           uuid.New().String(),
		owner:        owner,
		dateCreated:  now,
		dateModified: now,
		clock:        clock,
		secrets:      make(map[SecretID]Secret),
		keyBox:       make(map[SecretID]SecretDecryptionMaterial),
	}
}

func (s *SecretStore) ID() string      { return s.id }
func (s *SecretStore) Owner() Identity { return s.owner }

func (s *SecretStore) DateCreated() time.Time { return s.dateCreated }

func (s *SecretStore) DateModified() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dateModified
}

func (s *SecretStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

func (s *SecretStore) Contains(id SecretID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.secrets[id]
	return ok
}

// AddSecret inserts a secret together with its owner-wrapped key. A secret
// without an id gets a generated one. The stored copy is returned.
func (s *SecretStore) AddSecret(secret Secret, material SecretDecryptionMaterial) (Secret, error) {
	if err := secret.validate(); err != nil {
		return Secret{}, err
	}
	if err := material.validate(); err != nil {
		return Secret{}, err
	}
	if secret.ID == "" {
		secret.ID = NewSecretID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.secrets[secret.ID]; exists {
		return Secret{}, fmt.Errorf("secret %s %w, use UpdateSecret to modify", secret.ID, ErrAlreadyExists)
	}

	now := s.clock.Now()
	stored := secret.clone()
	stored.Owner = s.owner
	stored.DateCreated = now
	stored.DateModified = now

	s.secrets[stored.ID] = stored
	s.keyBox[stored.ID] = material.clone()
	s.touch(now)
	s.checkParity()

	return stored.clone(), nil
}

// UpdateSecret replaces the metadata and ciphertext fields of an existing
// secret. The key box entry is left alone; use RekeySecret for that.
func (s *SecretStore) UpdateSecret(secret Secret) (Secret, error) {
	if err := secret.validate(); err != nil {
		return Secret{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.secrets[secret.ID]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secret.ID)
	}
	return s.replace(current, secret.clone()), nil
}

// ModifySecret applies fn to a copy of the stored secret and commits the
// result. The id, owner and creation date cannot be changed through fn.
func (s *SecretStore) ModifySecret(id SecretID, fn func(*Secret) error) (Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.secrets[id]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}

	draft := current.clone()
	if err := fn(&draft); err != nil {
		return Secret{}, err
	}
	if draft.ID != current.ID {
		return Secret{}, fmt.Errorf("secret id is immutable: %w", ErrInvalidArgument)
	}
	if err := draft.validate(); err != nil {
		return Secret{}, err
	}
	return s.replace(current, draft), nil
}

func (s *SecretStore) replace(current, next Secret) Secret {
	now := monotonic(current.DateModified, s.clock.Now())
	next.ID = current.ID
	next.Owner = current.Owner
	next.DateCreated = current.DateCreated
	next.DateModified = now

	s.secrets[next.ID] = next
	s.touch(now)
	return next.clone()
}

// RekeySecret swaps the wrapped key of an existing secret, for example after
// the owner rotated the secret's symmetric key client side.
func (s *SecretStore) RekeySecret(id SecretID, material SecretDecryptionMaterial) error {
	if err := material.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.secrets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}

	now := monotonic(current.DateModified, s.clock.Now())
	current.DateModified = now
	s.secrets[id] = current
	s.keyBox[id] = material.clone()
	s.touch(now)
	return nil
}

// RemoveSecret deletes a secret and its key box entry.
func (s *SecretStore) RemoveSecret(id SecretID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	delete(s.secrets, id)
	delete(s.keyBox, id)
	s.touch(s.clock.Now())
	s.checkParity()
	return nil
}

func (s *SecretStore) GetSecret(id SecretID) (Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[id]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	return secret.clone(), nil
}

// DecryptionMaterial returns the owner-wrapped key of a secret.
func (s *SecretStore) DecryptionMaterial(id SecretID) (SecretDecryptionMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	material, ok := s.keyBox[id]
	if !ok {
		return SecretDecryptionMaterial{}, fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	return material.clone(), nil
}

// List yields the store's secrets ordered by id. The ordering is fixed when
// iteration starts; later mutations are not observed by a running iteration.
func (s *SecretStore) List() iter.Seq[SecretListEntry] {
	return func(yield func(SecretListEntry) bool) {
		s.mu.RLock()
		entries := make([]SecretListEntry, 0, len(s.secrets))
		for _, secret := range s.secrets {
			entries = append(entries, secret.listEntry())
		}
		s.mu.RUnlock()

		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		for _, entry := range entries {
			if !yield(entry) {
				return
			}
		}
	}
}

func (s *SecretStore) touch(now time.Time) {
	s.dateModified = monotonic(s.dateModified, now)
}

func (s *SecretStore) checkParity() {
	invariant(len(s.secrets) == len(s.keyBox),
		"store %s holds %d secrets but %d key box entries", s.owner, len(s.secrets), len(s.keyBox))
	for id := range s.secrets {
		_, ok := s.keyBox[id]
		invariant(ok, "secret %s in store %s has no key box entry", id, s.owner)
	}
}

// storeRecord is the persisted form of a SecretStore.
type storeRecord struct {
	ID           string                                `json:"id"`
	Owner        Identity                              `json:"owner"`
	DateCreated  time.Time                             `json:"date_created"`
	DateModified time.Time                             `json:"date_modified"`
	Secrets      []Secret                              `json:"secrets"`
	KeyBox       map[SecretID]SecretDecryptionMaterial `json:"key_box"`
}

func (s *SecretStore) record() storeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := storeRecord{
		ID:           s.id,
		Owner:        s.owner,
		DateCreated:  s.dateCreated,
		DateModified: s.dateModified,
		Secrets:      make([]Secret, 0, len(s.secrets)),
		KeyBox:       make(map[SecretID]SecretDecryptionMaterial, len(s.keyBox)),
	}
	for id, secret := range s.secrets {
		rec.Secrets = append(rec.Secrets, secret.clone())
		rec.KeyBox[id] = s.keyBox[id].clone()
	}
	sort.Slice(rec.Secrets, func(i, j int) bool { return rec.Secrets[i].ID < rec.Secrets[j].ID })
	return rec
}

// restoreSecretStore rebuilds a store from its record. Records that break the
// secrets/key box pairing are rejected rather than loaded.
func restoreSecretStore(rec storeRecord, clock Clock) (*SecretStore, error) {
	if err := validateIdentifier("store owner", string(rec.Owner)); err != nil {
		return nil, err
	}
	if len(rec.Secrets) != len(rec.KeyBox) {
		return nil, fmt.Errorf("store %s: %d secrets but %d key box entries", rec.Owner, len(rec.Secrets), len(rec.KeyBox))
	}

	s := &SecretStore{
		id:           rec.ID,
		owner:        rec.Owner,
		dateCreated:  rec.DateCreated,
		dateModified: rec.DateModified,
		clock:        clock,
		secrets:      make(map[SecretID]Secret, len(rec.Secrets)),
		keyBox:       make(map[SecretID]SecretDecryptionMaterial, len(rec.KeyBox)),
	}
	for _, secret := range rec.Secrets {
		material, ok := rec.KeyBox[secret.ID]
		if !ok {
			return nil, fmt.Errorf("store %s: secret %s has no key box entry", rec.Owner, secret.ID)
		}
		if _, dup := s.secrets[secret.ID]; dup {
			return nil, fmt.Errorf("store %s: duplicate secret %s", rec.Owner, secret.ID)
		}
		s.secrets[secret.ID] = secret.clone()
		s.keyBox[secret.ID] = material.clone()
	}
	return s, nil
}
