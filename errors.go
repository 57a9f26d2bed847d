package heirloom

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is; every error returned by the
// package wraps exactly one of these.
var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrNotOwner              = errors.New("caller is not the owner")
	ErrNotABeneficiary       = errors.New("caller is not a beneficiary")
	ErrTestamentNotActive    = errors.New("testament is not active")
	ErrNotReleased           = errors.New("testament has not been released")
	ErrDerivationDenied      = errors.New("key derivation denied")
	ErrDerivationUnavailable = errors.New("key derivation unavailable")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrStorage               = errors.New("state could not be persisted")
	ErrClosed                = errors.New("manager is closed")
)

// Refinements of ErrNotFound naming the missing entity.
var (
	ErrSecretNotFound    = fmt.Errorf("secret %w", ErrNotFound)
	ErrTestamentNotFound = fmt.Errorf("testament %w", ErrNotFound)
	ErrStoreNotFound     = fmt.Errorf("vault %w", ErrNotFound)
)

// OpError records the operation and subject an error kind was raised for.
type OpError struct {
	Op      Operation
	Subject string
	Err     error
}

func (e *OpError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op Operation, subject string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	return &OpError{Op: op, Subject: subject, Err: err}
}

// categorizeError reduces an error to a short category used in audit records.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotABeneficiary):
		return "authorization"
	case errors.Is(err, ErrTestamentNotActive):
		return "not_active"
	case errors.Is(err, ErrNotReleased):
		return "not_released"
	case errors.Is(err, ErrDerivationDenied):
		return "derivation_denied"
	case errors.Is(err, ErrDerivationUnavailable):
		return "derivation_unavailable"
	case errors.Is(err, ErrInvalidArgument):
		return "validation"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrClosed):
		return "closed"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "version conflict"):
		return "concurrency"
	case strings.Contains(errStr, "persist") || strings.Contains(errStr, "store"):
		return "storage"
	case strings.Contains(errStr, "encrypt") || strings.Contains(errStr, "decrypt") || strings.Contains(errStr, "seal"):
		return "crypto"
	default:
		return "unknown"
	}
}

// invariant panics when an internal consistency rule is broken. It is never
// reached from valid input.
func invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("heirloom: invariant violated: "+format, args...))
	}
}
