package heirloom

import (
	"context"
	"time"

	"southwinds.dev/heirloom/audit"
)

// UserProfile is returned by Heartbeat.
type UserProfile struct {
	Identity         Identity  `json:"identity"`
	Provisioned      bool      `json:"provisioned"`
	SecretCount      int       `json:"secret_count"`
	TestamentCount   int       `json:"testament_count"`
	InheritanceCount int       `json:"inheritance_count"`
	LastActivity     time.Time `json:"last_activity"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Namespace          string `json:"namespace"`
	StoreType          string `json:"store_type"`
	StateVersion       string `json:"state_version,omitempty"`
	Users              int    `json:"users"`
	Secrets            int    `json:"secrets"`
	ActiveTestaments   int    `json:"active_testaments"`
	ReleasedTestaments int    `json:"released_testaments"`
	MemoryProtection   string `json:"memory_protection"`
}

// AuditSummary aggregates the audit trail since a point in time.
type AuditSummary struct {
	Namespace        string    `json:"namespace"`
	TotalEvents      int       `json:"total_events"`
	SuccessfulEvents int       `json:"successful_events"`
	FailedEvents     int       `json:"failed_events"`
	Releases         int       `json:"releases"`
	InheritanceReads int       `json:"inheritance_reads"`
	KeyDerivations   int       `json:"key_derivations"`
	LastActivity     time.Time `json:"last_activity"`
}

// ManagerService is the complete operation surface of a vault. Every call
// takes the authenticated caller identity; the vault trusts it as given.
//
// SERIALIZATION:
// Calls run one at a time. Each call either completes and is persisted, or
// fails and leaves the vault exactly as it was before the call.
//
// ACTIVITY:
// Every successful call counts as activity of the caller and refreshes the
// inactivity clock of the caller's own Active testaments.
type ManagerService interface {
	// Users
	CreateUser(ctx context.Context, caller Identity) error
	DeleteUser(ctx context.Context, caller Identity) ([]TestamentID, error)
	Heartbeat(ctx context.Context, caller Identity) (UserProfile, error)

	// Secrets
	AddSecret(ctx context.Context, caller Identity, secret Secret, material SecretDecryptionMaterial) (Secret, error)
	UpdateSecret(ctx context.Context, caller Identity, secret Secret) (Secret, error)
	RemoveSecret(ctx context.Context, caller Identity, id SecretID) error
	GetSecret(ctx context.Context, caller Identity, id SecretID) (Secret, error)
	ListSecrets(ctx context.Context, caller Identity) ([]SecretListEntry, error)
	GetSecretDecryptionMaterial(ctx context.Context, caller Identity, id SecretID) (SecretDecryptionMaterial, error)
	RekeySecret(ctx context.Context, caller Identity, id SecretID, material SecretDecryptionMaterial) error

	// Testaments, owner side
	CreateTestament(ctx context.Context, caller Identity, spec TestamentSpec) (Testament, error)
	UpdateTestament(ctx context.Context, caller Identity, id TestamentID, spec TestamentSpec) (Testament, error)
	DeleteTestament(ctx context.Context, caller Identity, id TestamentID) error
	GetTestament(ctx context.Context, caller Identity, id TestamentID) (Testament, error)
	ListTestaments(ctx context.Context, caller Identity) ([]TestamentListEntry, error)
	AddSecretToKeyBox(ctx context.Context, caller Identity, id TestamentID, secretID SecretID) error
	RemoveSecretFromKeyBox(ctx context.Context, caller Identity, id TestamentID, secretID SecretID) error

	// Testaments, beneficiary side
	ListInheritances(ctx context.Context, caller Identity) ([]TestamentListEntry, error)
	GetInheritance(ctx context.Context, caller Identity, id TestamentID) (TestamentResponse, error)
	GetInheritedSecret(ctx context.Context, caller Identity, id TestamentID, secretID SecretID) (InheritedSecret, error)

	// DeriveWrappingKey returns target's wrapping key sealed to the caller's
	// X25519 transport public key.
	DeriveWrappingKey(ctx context.Context, caller Identity, target WrapTarget, transportPublicKey []byte) ([]byte, error)

	// Administration
	EvaluateAll(ctx context.Context) (EvaluationReport, error)
	QueryAudit(options audit.QueryOptions) (audit.QueryResult, error)
	AuditSummary(since *time.Time) (AuditSummary, error)
	Stats() Stats
	Close() error
}

var _ ManagerService = (*Manager)(nil)
