package heirloom

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReleaseEvent is emitted once per testament, when it becomes Released.
type ReleaseEvent struct {
	TestamentID   TestamentID   `json:"testament_id"`
	Owner         Identity      `json:"owner"`
	Beneficiaries []Identity    `json:"beneficiaries"`
	SecretCount   int           `json:"secret_count"`
	ReleasedAt    time.Time     `json:"released_at"`
	InactiveFor   time.Duration `json:"inactive_for"`
	Threshold     time.Duration `json:"threshold"`
}

// EventSink receives release events.
type EventSink interface {
	TestamentReleased(ctx context.Context, event ReleaseEvent) error
}

// EvaluationResult is the outcome for a single testament in one run.
type EvaluationResult struct {
	TestamentID TestamentID   `json:"testament_id"`
	Owner       Identity      `json:"owner,omitempty"`
	Released    bool          `json:"released"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	InactiveFor time.Duration `json:"inactive_for"`
	Timestamp   time.Time     `json:"timestamp"`
}

// EvaluationReport summarises an EvaluateAll run. Failures are per
// testament; a failed testament never stops the run.
type EvaluationReport struct {
	StartedAt time.Time          `json:"started_at"`
	Evaluated int                `json:"evaluated"`
	Released  []TestamentID      `json:"released"`
	Failed    int                `json:"failed"`
	Results   []EvaluationResult `json:"results"`
}

// InactivityMonitor releases testaments whose owners have been inactive for
// longer than the testament's threshold. It only ever moves Active to
// Released and never edits key boxes or beneficiaries.
type InactivityMonitor struct {
	engine   *TestamentEngine
	registry *Registry
	clock    Clock
	sink     EventSink
	log      zerolog.Logger
}

func NewInactivityMonitor(engine *TestamentEngine, registry *Registry, clock Clock, sink EventSink, log zerolog.Logger) *InactivityMonitor {
	if clock == nil {
		clock = SystemClock{}
	}
	return &InactivityMonitor{
		engine:   engine,
		registry: registry,
		clock:    clock,
		sink:     sink,
		log:      log.With().Str("component", "inactivity_monitor").Logger(),
	}
}

// EvaluateAll checks every Active testament once. Already Released
// testaments are skipped, so repeated runs are no-ops for them.
func (m *InactivityMonitor) EvaluateAll(ctx context.Context) EvaluationReport {
	now := m.clock.Now()
	report := EvaluationReport{StartedAt: now}

	for _, id := range m.engine.activeCandidates() {
		result := m.evaluate(ctx, id, now)
		report.Evaluated++
		if result.Released {
			report.Released = append(report.Released, id)
		}
		if !result.Success {
			report.Failed++
			m.log.Warn().
				Str("testament_id", string(id)).
				Str("error", result.Error).
				Msg("testament evaluation failed")
		}
		report.Results = append(report.Results, result)
	}

	m.log.Debug().
		Int("evaluated", report.Evaluated).
		Int("released", len(report.Released)).
		Int("failed", report.Failed).
		Msg("inactivity evaluation finished")
	return report
}

func (m *InactivityMonitor) evaluate(ctx context.Context, id TestamentID, now time.Time) EvaluationResult {
	result := EvaluationResult{TestamentID: id, Timestamp: now}

	if err := ctx.Err(); err != nil {
		result.Error = fmt.Sprintf("evaluation cancelled: %v", err)
		return result
	}

	t, ok := m.engine.snapshotOf(id)
	if !ok {
		result.Error = fmt.Sprintf("%v: %s", ErrTestamentNotFound, id)
		return result
	}
	result.Owner = t.Owner
	result.InactiveFor = t.Condition.InactiveFor(now)

	if _, ok := m.registry.GetStoreReadonly(t.Owner); !ok {
		result.Error = fmt.Sprintf("owner %s: %v", t.Owner, ErrStoreNotFound)
		return result
	}

	if t.State != StateActive || !t.Condition.Met(now) {
		result.Success = true
		return result
	}

	released, changed, err := m.engine.release(id, now)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	if !changed {
		return result
	}
	result.Released = true

	if m.sink != nil {
		event := ReleaseEvent{
			TestamentID:   released.ID,
			Owner:         released.Owner,
			Beneficiaries: released.Beneficiaries,
			SecretCount:   len(released.KeyBox),
			ReleasedAt:    released.DateModified,
			InactiveFor:   result.InactiveFor,
			Threshold:     released.Condition.Threshold,
		}
		if err = m.sink.TestamentReleased(ctx, event); err != nil {
			// the release itself stands; only the notification is lost
			result.Success = false
			result.Error = fmt.Sprintf("release event not delivered: %v", err)
		}
	}
	return result
}
