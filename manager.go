package heirloom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"southwinds.dev/heirloom/audit"
	"southwinds.dev/heirloom/internal/mem"
	"southwinds.dev/heirloom/persist"
)

// Manager owns the registry, the testament engine and the inactivity
// monitor of one namespace, and is the only way to reach them.
//
// OVERVIEW:
// Every public operation runs under a single mutex, so no two operations
// interleave. An operation that changes state is committed before it
// returns: the new state is captured, sealed and written to the configured
// persist.Store. If the operation or the write fails, the in-memory state is
// restored from the last committed snapshot.
//
// KEY DERIVATION:
// The deriver is built by the DeriverFactory handed to NewManager and is
// bound to the testament engine, which decides who may derive which path.
// The manager itself never sees a derived key except while wrapping or
// handing one to a client through DeriveWrappingKey.
//
// PERSISTENCE:
// With a nil store the manager is memory only. Otherwise the state is sealed
// with ChaCha20-Poly1305 under an Argon2id key stretched from the configured
// passphrase and a salt kept in the store.
//
// AUDIT:
// Each operation produces <OP>_INITIATED and then <OP>_COMPLETED or
// <OP>_FAILED records. Releases produce a TESTAMENT_RELEASED record once the
// release has been committed.
type Manager struct {
	options     Options
	clock       Clock
	log         zerolog.Logger
	registry    *Registry
	engine      *TestamentEngine
	coordinator *WrapCoordinator
	deriver     KeyDeriver
	monitor     *InactivityMonitor
	releases    *releaseBuffer
	audit       audit.Logger
	memLevel    mem.Level

	store     persist.Store
	atRestKey *memguard.Enclave
	version   string

	mu        sync.Mutex
	committed *snapshot
	closed    bool
}

// NewManager builds a manager. deriverFactory is called once with the
// manager's derivation authorizer. A nil store keeps state in memory only; a
// nil auditLogger disables auditing.
func NewManager(options Options, deriverFactory DeriverFactory, store persist.Store, auditLogger audit.Logger) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if deriverFactory == nil {
		return nil, errors.New("a deriver factory is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	clock := options.clock()
	log := options.Logger.With().Str("namespace", options.namespace()).Logger()

	m := &Manager{
		options:  options,
		clock:    clock,
		log:      log,
		audit:    auditLogger,
		store:    store,
		memLevel: mem.Partial,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Warn().Err(err).Str("level", level.String()).Msg("memory lock incomplete")
		}
		m.memLevel = level
	}

	m.registry = NewRegistry(clock)
	m.engine = NewTestamentEngine(m.registry, nil, clock, options.DefaultInactivityThreshold)

	deriver, err := deriverFactory(m.engine)
	if err != nil {
		return nil, fmt.Errorf("failed to create key deriver: %w", err)
	}
	m.deriver = deriver
	m.coordinator = NewWrapCoordinator(deriver, options.KeyWrapper)
	m.engine.SetCoordinator(m.coordinator)

	m.releases = &releaseBuffer{}
	m.monitor = NewInactivityMonitor(m.engine, m.registry, clock, m.releases, log)

	if store != nil {
		if err = m.openStore(); err != nil {
			return nil, err
		}
	}
	m.committed = m.capture()

	log.Info().
		Str("store", m.storeType()).
		Int("users", m.registry.Len()).
		Str("memory_protection", m.memLevel.String()).
		Msg("vault manager ready")
	return m, nil
}

// run executes fn as operation op on behalf of caller. It owns locking,
// auditing, activity tracking, commit and rollback.
func run[T any](ctx context.Context, m *Manager, op Operation, caller Identity, metadata map[string]interface{}, fn func() (T, error)) (T, error) {
	var zero T
	start := time.Now()
	requestID := m.newRequestID()
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	subject := subjectOf(metadata)

	fail := func(err error) (T, error) {
		metadata["duration_ms"] = time.Since(start).Milliseconds()
		metadata["failure_reason"] = categorizeError(err)
		m.logAudit(requestID, op, "FAILED", caller, err, metadata)
		return zero, opError(op, subject, err)
	}

	m.logAudit(requestID, op, "INITIATED", caller, nil, metadata)

	if err := validateIdentifier("caller", string(caller)); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fail(ErrClosed)
	}

	out, err := fn()
	if err != nil {
		if op.Mutating() {
			m.rollback()
		}
		return fail(err)
	}

	touched := 0
	if op != OpDeleteUser {
		touched = m.engine.TouchOwner(caller, m.clock.Now())
	}

	switch {
	case op.Mutating():
		if err = m.commit(); err != nil {
			m.rollback()
			return fail(err)
		}
	case touched > 0:
		// activity refreshes are best effort; an unpersisted refresh still
		// becomes the rollback target so a later failure cannot undo it
		if err = m.commit(); err != nil {
			m.log.Warn().Err(err).Str("identity", string(caller)).Msg("activity refresh not persisted")
			m.committed = m.capture()
		}
	}

	metadata["duration_ms"] = time.Since(start).Milliseconds()
	m.logAudit(requestID, op, "COMPLETED", caller, nil, metadata)
	return out, nil
}

// exec is run for operations without a result value.
func exec(ctx context.Context, m *Manager, op Operation, caller Identity, metadata map[string]interface{}, fn func() error) error {
	_, err := run(ctx, m, op, caller, metadata, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// EvaluateAll runs the inactivity monitor once. Releases are committed as a
// unit; if the commit fails they are rolled back and an error is returned.
func (m *Manager) EvaluateAll(ctx context.Context) (EvaluationReport, error) {
	start := time.Now()
	requestID := m.newRequestID()
	m.logAudit(requestID, OpEvaluateConditions, "INITIATED", "", nil, nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.logAudit(requestID, OpEvaluateConditions, "FAILED", "", ErrClosed, nil)
		return EvaluationReport{}, opError(OpEvaluateConditions, "", ErrClosed)
	}

	report := m.monitor.EvaluateAll(ctx)
	events := m.releases.drain()

	metadata := map[string]interface{}{
		"evaluated":   report.Evaluated,
		"released":    len(report.Released),
		"failed":      report.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if len(report.Released) > 0 {
		if err := m.commit(); err != nil {
			m.rollback()
			metadata["failure_reason"] = categorizeError(err)
			m.logAudit(requestID, OpEvaluateConditions, "FAILED", "", err, metadata)
			return report, opError(OpEvaluateConditions, "", err)
		}
	}

	for _, event := range events {
		m.logAudit(requestID, OpReleaseTestament, "", event.Owner, nil, map[string]interface{}{
			"testament_id":  string(event.TestamentID),
			"beneficiaries": identityStrings(event.Beneficiaries),
			"secret_count":  event.SecretCount,
			"inactive_for":  event.InactiveFor.String(),
			"threshold":     event.Threshold.String(),
			"released_at":   event.ReleasedAt,
			"source":        "inactivity_monitor",
		})
		m.log.Info().
			Str("testament_id", string(event.TestamentID)).
			Str("owner", string(event.Owner)).
			Int("beneficiaries", len(event.Beneficiaries)).
			Msg("testament released")
	}

	m.logAudit(requestID, OpEvaluateConditions, "COMPLETED", "", nil, metadata)
	return report, nil
}

// QueryAudit reads the audit trail of this manager's namespace.
func (m *Manager) QueryAudit(options audit.QueryOptions) (audit.QueryResult, error) {
	if options.Namespace == "" {
		options.Namespace = m.options.namespace()
	}
	return m.audit.Query(options)
}

// AuditSummary counts audit events since the given time.
func (m *Manager) AuditSummary(since *time.Time) (AuditSummary, error) {
	result, err := m.QueryAudit(audit.QueryOptions{Since: since})
	if err != nil {
		return AuditSummary{}, fmt.Errorf("failed to query audit logs: %w", err)
	}

	summary := AuditSummary{Namespace: m.options.namespace()}
	for _, event := range result.Events {
		summary.TotalEvents++
		if event.Success {
			summary.SuccessfulEvents++
		} else {
			summary.FailedEvents++
		}
		switch event.Action {
		case string(OpReleaseTestament):
			summary.Releases++
		case string(OpGetInheritedSecret) + "_COMPLETED", string(OpGetInheritance) + "_COMPLETED":
			summary.InheritanceReads++
		case string(OpDeriveWrappingKey) + "_COMPLETED":
			summary.KeyDerivations++
		}
		if event.Timestamp.After(summary.LastActivity) {
			summary.LastActivity = event.Timestamp
		}
	}
	return summary, nil
}

// Stats summarises the registry.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, released := m.engine.Counts()
	return Stats{
		Namespace:          m.options.namespace(),
		StoreType:          m.storeType(),
		StateVersion:       m.version,
		Users:              m.registry.Len(),
		Secrets:            m.registry.SecretCount(),
		ActiveTestaments:   active,
		ReleasedTestaments: released,
		MemoryProtection:   m.memLevel.String(),
	}
}

// Close releases the store and the deriver. Later calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if closer, ok := m.deriver.(interface{ Close() }); ok {
		closer.Close()
	}

	var err error
	if m.store != nil {
		if closeErr := m.store.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close store: %w", closeErr)
		}
	}
	m.atRestKey = nil

	if m.options.EnableMemoryLock && m.memLevel == mem.Full {
		if unlockErr := mem.Unlock(); unlockErr != nil {
			m.log.Warn().Err(unlockErr).Msg("failed to unlock memory")
		}
	}
	m.log.Info().Msg("vault manager closed")
	return err
}

func (m *Manager) logAudit(requestID string, op Operation, phase string, caller Identity, err error, metadata map[string]interface{}) {
	entry := make(map[string]interface{}, len(metadata)+4)
	for k, v := range metadata {
		entry[k] = v
	}
	entry["request_id"] = requestID
	entry["operation"] = string(op)
	if caller != "" {
		entry["identity"] = string(caller)
	}
	if err != nil {
		entry["error"] = err.Error()
	}

	action := string(op)
	if phase != "" {
		action += "_" + phase
	}
	if auditErr := m.audit.Log(action, err == nil, entry); auditErr != nil {
		m.log.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

func (m *Manager) newRequestID() string {
	return "hm_" + uuid.NewString()
}

func (m *Manager) storeType() string {
	if m.store == nil {
		return "memory"
	}
	return m.store.GetType()
}

// releaseBuffer collects release events during an evaluation run so they
// can be audited after the run has been committed.
type releaseBuffer struct {
	mu     sync.Mutex
	events []ReleaseEvent
}

func (b *releaseBuffer) TestamentReleased(_ context.Context, event ReleaseEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *releaseBuffer) drain() []ReleaseEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

func subjectOf(metadata map[string]interface{}) string {
	for _, key := range []string{"secret_id", "testament_id"} {
		if v, ok := metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func identityStrings(ids []Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
