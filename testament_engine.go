package heirloom

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"
)

// TestamentEngine owns every testament and enforces its state machine.
// Locks are never held while the key deriver is called, because the deriver
// calls back into AuthorizeDerivation.
type TestamentEngine struct {
	clock            Clock
	registry         *Registry
	coordinator      *WrapCoordinator
	defaultThreshold time.Duration

	mu         sync.RWMutex
	testaments map[TestamentID]*Testament
}

// NewTestamentEngine wires an engine to the registry it validates secrets
// against. The coordinator may be set later with SetCoordinator.
func NewTestamentEngine(registry *Registry, coordinator *WrapCoordinator, clock Clock, defaultThreshold time.Duration) *TestamentEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	if defaultThreshold <= 0 {
		defaultThreshold = DefaultInactivityThreshold
	}
	return &TestamentEngine{
		clock:            clock,
		registry:         registry,
		coordinator:      coordinator,
		defaultThreshold: defaultThreshold,
		testaments:       make(map[TestamentID]*Testament),
	}
}

// SetCoordinator breaks the construction cycle between the engine (which
// authorizes derivations) and the deriver behind the coordinator.
func (e *TestamentEngine) SetCoordinator(c *WrapCoordinator) {
	e.coordinator = c
}

// Create starts a new Active testament owned by owner.
func (e *TestamentEngine) Create(owner Identity, spec TestamentSpec) (Testament, error) {
	spec, err := spec.normalize(owner)
	if err != nil {
		return Testament{}, err
	}
	threshold := spec.InactivityThreshold
	if threshold == 0 {
		threshold = e.defaultThreshold
	}

	now := e.clock.Now()
	t := &Testament{
		ID:            NewTestamentID(),
		Owner:         owner,
		DateCreated:   now,
		DateModified:  now,
		Name:          spec.Name,
		Beneficiaries: spec.Beneficiaries,
		KeyBox:        make(map[SecretID]SecretDecryptionMaterial),
		Condition: ReleaseCondition{
			Kind:              ConditionInactivity,
			Threshold:         threshold,
			LastOwnerActivity: now,
		},
		State: StateActive,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.testaments[t.ID] = t
	return t.clone(), nil
}

// Update replaces the name, beneficiaries and, when given, the threshold of
// an Active testament. The key box is not touched.
func (e *TestamentEngine) Update(owner Identity, id TestamentID, spec TestamentSpec) (Testament, error) {
	spec, err := spec.normalize(owner)
	if err != nil {
		return Testament{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.ownedActive(owner, id)
	if err != nil {
		return Testament{}, err
	}

	t.Name = spec.Name
	t.Beneficiaries = spec.Beneficiaries
	if spec.InactivityThreshold > 0 {
		t.Condition.Threshold = spec.InactivityThreshold
	}
	t.DateModified = monotonic(t.DateModified, e.clock.Now())
	return t.clone(), nil
}

// Delete removes an Active testament.
func (e *TestamentEngine) Delete(owner Identity, id TestamentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.ownedActive(owner, id); err != nil {
		return err
	}
	delete(e.testaments, id)
	return nil
}

// AddSecretToKeyBox re-wraps one of the owner's secret keys for the
// testament's own path and stores it in the testament's key box.
func (e *TestamentEngine) AddSecretToKeyBox(ctx context.Context, id TestamentID, owner Identity, secretID SecretID) error {
	e.mu.RLock()
	_, err := e.ownedActive(owner, id)
	e.mu.RUnlock()
	if err != nil {
		return err
	}

	store, ok := e.registry.GetStoreReadonly(owner)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, secretID)
	}
	material, err := store.DecryptionMaterial(secretID)
	if err != nil {
		return err
	}
	if e.coordinator == nil {
		return fmt.Errorf("no wrap coordinator configured: %w", ErrDerivationUnavailable)
	}

	wrapped, err := e.coordinator.Rewrap(ctx, owner, OwnerTarget{Owner: owner}, TestamentTarget{Testament: id}, material)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// the state is checked again: the lock was released around the derivation
	t, err := e.ownedActive(owner, id)
	if err != nil {
		return err
	}
	t.KeyBox[secretID] = wrapped
	t.DateModified = monotonic(t.DateModified, e.clock.Now())
	return nil
}

// RemoveSecretFromKeyBox drops a key box entry from an Active testament.
func (e *TestamentEngine) RemoveSecretFromKeyBox(owner Identity, id TestamentID, secretID SecretID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.ownedActive(owner, id)
	if err != nil {
		return err
	}
	if _, ok := t.KeyBox[secretID]; !ok {
		return fmt.Errorf("%w: %s in testament %s", ErrSecretNotFound, secretID, id)
	}
	delete(t.KeyBox, secretID)
	t.DateModified = monotonic(t.DateModified, e.clock.Now())
	return nil
}

// Get returns a testament to its owner, whatever its state.
func (e *TestamentEngine) Get(owner Identity, id TestamentID) (Testament, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, err := e.owned(owner, id)
	if err != nil {
		return Testament{}, err
	}
	return t.clone(), nil
}

// ListForOwner yields the owner's testaments ordered by id.
func (e *TestamentEngine) ListForOwner(owner Identity) iter.Seq[TestamentListEntry] {
	return e.list(func(t *Testament) bool { return t.Owner == owner })
}

// ListForBeneficiary yields the testaments naming caller as beneficiary,
// released or not. Key material is never part of a listing.
func (e *TestamentEngine) ListForBeneficiary(caller Identity) iter.Seq[TestamentListEntry] {
	return e.list(func(t *Testament) bool { return t.HasBeneficiary(caller) })
}

func (e *TestamentEngine) list(match func(*Testament) bool) iter.Seq[TestamentListEntry] {
	return func(yield func(TestamentListEntry) bool) {
		e.mu.RLock()
		entries := make([]TestamentListEntry, 0)
		for _, t := range e.testaments {
			if match(t) {
				entries = append(entries, t.listEntry())
			}
		}
		e.mu.RUnlock()

		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		for _, entry := range entries {
			if !yield(entry) {
				return
			}
		}
	}
}

// GetForBeneficiary returns a released testament's key box to one of its
// beneficiaries. Membership is checked before the state so that outsiders
// learn nothing about release progress.
func (e *TestamentEngine) GetForBeneficiary(id TestamentID, caller Identity) (TestamentResponse, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, err := e.releasedFor(id, caller)
	if err != nil {
		return TestamentResponse{}, err
	}
	c := t.clone()
	return TestamentResponse{
		ID:           c.ID,
		Owner:        c.Owner,
		Name:         c.Name,
		DateCreated:  c.DateCreated,
		DateModified: c.DateModified,
		ReleasedAt:   c.DateModified,
		KeyBox:       c.KeyBox,
		Condition:    c.Condition,
		State:        c.State,
	}, nil
}

// InheritedMaterial returns one testament-wrapped key to a beneficiary.
func (e *TestamentEngine) InheritedMaterial(id TestamentID, caller Identity, secretID SecretID) (Identity, SecretDecryptionMaterial, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, err := e.releasedFor(id, caller)
	if err != nil {
		return "", SecretDecryptionMaterial{}, err
	}
	material, ok := t.KeyBox[secretID]
	if !ok {
		return "", SecretDecryptionMaterial{}, fmt.Errorf("%w: %s in testament %s", ErrSecretNotFound, secretID, id)
	}
	return t.Owner, material.clone(), nil
}

// TouchOwner records owner activity on every Active testament the owner
// holds and returns how many were refreshed. date_modified is unchanged:
// activity is condition bookkeeping, not an edit.
func (e *TestamentEngine) TouchOwner(owner Identity, at time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	touched := 0
	for _, t := range e.testaments {
		if t.Owner != owner || t.State != StateActive {
			continue
		}
		if at.After(t.Condition.LastOwnerActivity) {
			t.Condition.LastOwnerActivity = at
			touched++
		}
	}
	return touched
}

// RemoveActiveOwnedBy deletes the owner's Active testaments. Released ones
// stay, their grants are irreversible.
func (e *TestamentEngine) RemoveActiveOwnedBy(owner Identity) []TestamentID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []TestamentID
	for id, t := range e.testaments {
		if t.Owner == owner && t.State == StateActive {
			delete(e.testaments, id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// AuthorizeDerivation implements DerivationAuthorizer. Owners derive their
// own path. A testament path is derivable by its owner while Active and by
// its beneficiaries once Released.
func (e *TestamentEngine) AuthorizeDerivation(caller Identity, path DerivationPath) error {
	switch path.Family {
	case FamilyOwner:
		if Identity(path.Subject) != caller {
			return fmt.Errorf("%s may not derive %s: %w", caller, path, ErrDerivationDenied)
		}
		return nil

	case FamilyTestament:
		e.mu.RLock()
		defer e.mu.RUnlock()

		t, ok := e.testaments[TestamentID(path.Subject)]
		if !ok {
			return fmt.Errorf("unknown testament path %s: %w", path, ErrDerivationDenied)
		}
		switch {
		case t.State == StateActive && t.Owner == caller:
			return nil
		case t.State == StateReleased && t.HasBeneficiary(caller):
			return nil
		default:
			return fmt.Errorf("%s may not derive %s: %w", caller, path, ErrDerivationDenied)
		}

	default:
		return fmt.Errorf("unknown path family %s: %w", path.Family, ErrDerivationDenied)
	}
}

// activeCandidates returns the ids of Active testaments, sorted.
func (e *TestamentEngine) activeCandidates() []TestamentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]TestamentID, 0, len(e.testaments))
	for id, t := range e.testaments {
		if t.State == StateActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// snapshotOf returns a copy of one testament, if present.
func (e *TestamentEngine) snapshotOf(id TestamentID) (Testament, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.testaments[id]
	if !ok {
		return Testament{}, false
	}
	return t.clone(), true
}

// release moves an Active testament to Released. It reports false, without
// error, when the testament is already Released.
func (e *TestamentEngine) release(id TestamentID, now time.Time) (Testament, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.testaments[id]
	if !ok {
		return Testament{}, false, fmt.Errorf("%w: %s", ErrTestamentNotFound, id)
	}
	if t.State == StateReleased {
		return t.clone(), false, nil
	}
	invariant(t.State == StateActive, "testament %s in unknown state %q", id, t.State)

	t.State = StateReleased
	t.DateModified = monotonic(t.DateModified, now)
	return t.clone(), true, nil
}

// Counts returns the number of Active and Released testaments.
func (e *TestamentEngine) Counts() (active, released int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, t := range e.testaments {
		if t.State == StateActive {
			active++
		} else {
			released++
		}
	}
	return active, released
}

func (e *TestamentEngine) owned(owner Identity, id TestamentID) (*Testament, error) {
	t, ok := e.testaments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestamentNotFound, id)
	}
	if t.Owner != owner {
		return nil, fmt.Errorf("testament %s: %w", id, ErrNotOwner)
	}
	return t, nil
}

func (e *TestamentEngine) ownedActive(owner Identity, id TestamentID) (*Testament, error) {
	t, err := e.owned(owner, id)
	if err != nil {
		return nil, err
	}
	if t.State != StateActive {
		return nil, fmt.Errorf("testament %s: %w", id, ErrTestamentNotActive)
	}
	return t, nil
}

func (e *TestamentEngine) releasedFor(id TestamentID, caller Identity) (*Testament, error) {
	t, ok := e.testaments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestamentNotFound, id)
	}
	if !t.HasBeneficiary(caller) {
		return nil, fmt.Errorf("testament %s: %w", id, ErrNotABeneficiary)
	}
	if t.State != StateReleased {
		return nil, fmt.Errorf("testament %s: %w", id, ErrNotReleased)
	}
	return t, nil
}

func (e *TestamentEngine) records() []Testament {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Testament, 0, len(e.testaments))
	for _, t := range e.testaments {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// restore replaces every testament with recs, rejecting malformed records.
func (e *TestamentEngine) restore(recs []Testament) error {
	testaments := make(map[TestamentID]*Testament, len(recs))
	for i := range recs {
		t := recs[i].clone()
		if err := validateIdentifier("testament id", string(t.ID)); err != nil {
			return err
		}
		if t.State != StateActive && t.State != StateReleased {
			return fmt.Errorf("testament %s has unknown state %q", t.ID, t.State)
		}
		if _, dup := testaments[t.ID]; dup {
			return fmt.Errorf("duplicate testament %s", t.ID)
		}
		beneficiaries, err := normalizeBeneficiaries(t.Owner, t.Beneficiaries)
		if err != nil {
			return fmt.Errorf("testament %s: %w", t.ID, err)
		}
		t.Beneficiaries = beneficiaries
		if t.KeyBox == nil {
			t.KeyBox = make(map[SecretID]SecretDecryptionMaterial)
		}
		testaments[t.ID] = &t
	}

	e.mu.Lock()
	e.testaments = testaments
	e.mu.Unlock()
	return nil
}
