package heirloom

import (
	"fmt"
	"sort"
	"time"
)

// TestamentState is either Active or Released. Released is terminal.
type TestamentState string

const (
	StateActive   TestamentState = "active"
	StateReleased TestamentState = "released"
)

// ConditionKind identifies the release predicate of a testament.
type ConditionKind string

const ConditionInactivity ConditionKind = "inactivity_timeout"

// DefaultInactivityThreshold applies when neither the testament nor the
// options specify one.
const DefaultInactivityThreshold = 180 * 24 * time.Hour

// MaxInactivityThresholdDays caps a threshold at a century.
const (
	MaxInactivityThresholdDays = 36500
	MaxInactivityThreshold     = MaxInactivityThresholdDays * 24 * time.Hour
)

// ReleaseCondition releases a testament once its owner has been inactive
// for at least Threshold.
type ReleaseCondition struct {
	Kind              ConditionKind `json:"kind"`
	Threshold         time.Duration `json:"threshold"`
	LastOwnerActivity time.Time     `json:"last_owner_activity"`
}

// InactiveFor reports how long the owner has been inactive at now.
func (c ReleaseCondition) InactiveFor(now time.Time) time.Duration {
	return now.Sub(c.LastOwnerActivity)
}

// Met reports whether the condition holds at now.
func (c ReleaseCondition) Met(now time.Time) bool {
	return c.InactiveFor(now) >= c.Threshold
}

// Testament grants its beneficiaries access to the keys in KeyBox once it
// is released. KeyBox entries are wrapped for the testament's own path.
type Testament struct {
	ID            TestamentID                           `json:"id"`
	Owner         Identity                              `json:"owner"`
	DateCreated   time.Time                             `json:"date_created"`
	DateModified  time.Time                             `json:"date_modified"`
	Name          string                                `json:"name,omitempty"`
	Beneficiaries []Identity                            `json:"beneficiaries"`
	KeyBox        map[SecretID]SecretDecryptionMaterial `json:"key_box"`
	Condition     ReleaseCondition                      `json:"condition"`
	State         TestamentState                        `json:"state"`
}

// HasBeneficiary reports whether id is in the beneficiary set.
func (t *Testament) HasBeneficiary(id Identity) bool {
	i := sort.Search(len(t.Beneficiaries), func(i int) bool { return t.Beneficiaries[i] >= id })
	return i < len(t.Beneficiaries) && t.Beneficiaries[i] == id
}

func (t *Testament) clone() Testament {
	out := *t
	out.Beneficiaries = append([]Identity(nil), t.Beneficiaries...)
	out.KeyBox = make(map[SecretID]SecretDecryptionMaterial, len(t.KeyBox))
	for id, material := range t.KeyBox {
		out.KeyBox[id] = material.clone()
	}
	return out
}

// SecretIDs returns the key box ids in sorted order.
func (t *Testament) SecretIDs() []SecretID {
	ids := make([]SecretID, 0, len(t.KeyBox))
	for id := range t.KeyBox {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Testament) listEntry() TestamentListEntry {
	return TestamentListEntry{
		ID:               t.ID,
		Owner:            t.Owner,
		Name:             t.Name,
		State:            t.State,
		DateCreated:      t.DateCreated,
		DateModified:     t.DateModified,
		BeneficiaryCount: len(t.Beneficiaries),
		SecretCount:      len(t.KeyBox),
		Threshold:        t.Condition.Threshold,
	}
}

// TestamentSpec carries the owner-editable fields of a testament. A zero
// InactivityThreshold keeps the current (or default) threshold.
type TestamentSpec struct {
	Name                string        `json:"name,omitempty"`
	Beneficiaries       []Identity    `json:"beneficiaries,omitempty"`
	InactivityThreshold time.Duration `json:"inactivity_threshold,omitempty"`
}

func (s TestamentSpec) normalize(owner Identity) (TestamentSpec, error) {
	if s.InactivityThreshold < 0 {
		return s, fmt.Errorf("inactivity threshold cannot be negative: %w", ErrInvalidArgument)
	}
	if s.InactivityThreshold > MaxInactivityThreshold {
		return s, fmt.Errorf("inactivity threshold exceeds %d days: %w", MaxInactivityThresholdDays, ErrInvalidArgument)
	}
	beneficiaries, err := normalizeBeneficiaries(owner, s.Beneficiaries)
	if err != nil {
		return s, err
	}
	s.Beneficiaries = beneficiaries
	return s, nil
}

// normalizeBeneficiaries sorts and de-duplicates the set. An owner cannot
// name themselves.
func normalizeBeneficiaries(owner Identity, in []Identity) ([]Identity, error) {
	seen := make(map[Identity]struct{}, len(in))
	out := make([]Identity, 0, len(in))
	for _, id := range in {
		if err := validateIdentifier("beneficiary", string(id)); err != nil {
			return nil, err
		}
		if id == owner {
			return nil, fmt.Errorf("owner cannot be a beneficiary: %w", ErrInvalidArgument)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// TestamentListEntry is the listing form of a testament.
type TestamentListEntry struct {
	ID               TestamentID    `json:"id"`
	Owner            Identity       `json:"owner"`
	Name             string         `json:"name,omitempty"`
	State            TestamentState `json:"state"`
	DateCreated      time.Time      `json:"date_created"`
	DateModified     time.Time      `json:"date_modified"`
	BeneficiaryCount int            `json:"beneficiary_count"`
	SecretCount      int            `json:"secret_count"`
	Threshold        time.Duration  `json:"threshold"`
}

// TestamentResponse is what a beneficiary receives for a released testament.
type TestamentResponse struct {
	ID           TestamentID                           `json:"id"`
	Owner        Identity                              `json:"owner"`
	Name         string                                `json:"name,omitempty"`
	DateCreated  time.Time                             `json:"date_created"`
	DateModified time.Time                             `json:"date_modified"`
	ReleasedAt   time.Time                             `json:"released_at"`
	KeyBox       map[SecretID]SecretDecryptionMaterial `json:"key_box"`
	Condition    ReleaseCondition                      `json:"condition"`
	State        TestamentState                        `json:"state"`
}

// InheritedSecret pairs an owner's ciphertext secret with the testament
// wrapped key that opens it.
type InheritedSecret struct {
	Testament TestamentID              `json:"testament_id"`
	Secret    Secret                   `json:"secret"`
	Material  SecretDecryptionMaterial `json:"decryption_material"`
}
