package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/heirloom"
)

// Evaluator runs one pass over all active testaments.
type Evaluator interface {
	EvaluateAll(ctx context.Context) (heirloom.EvaluationReport, error)
}

// Scheduler drives periodic condition evaluation. Runs never overlap.
type Scheduler struct {
	eval     Evaluator
	interval time.Duration
	log      zerolog.Logger
}

// New returns a scheduler that evaluates every interval.
func New(eval Evaluator, interval time.Duration, log zerolog.Logger) (*Scheduler, error) {
	if eval == nil {
		return nil, errors.New("evaluator cannot be nil")
	}
	if interval <= 0 {
		return nil, errors.New("evaluation interval must be positive")
	}
	return &Scheduler{
		eval:     eval,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run evaluates once immediately and then on every tick until ctx ends.
// Failed passes are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("condition evaluation scheduled")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("condition evaluation stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single evaluation pass.
func (s *Scheduler) RunOnce(ctx context.Context) (heirloom.EvaluationReport, error) {
	if ctx.Err() != nil {
		return heirloom.EvaluationReport{}, ctx.Err()
	}
	start := time.Now()
	report, err := s.eval.EvaluateAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("condition evaluation failed")
		return report, err
	}

	event := s.log.Debug()
	if len(report.Released) > 0 || report.Failed > 0 {
		event = s.log.Info()
	}
	event.
		Int("evaluated", report.Evaluated).
		Int("released", len(report.Released)).
		Int("failed", report.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("condition evaluation complete")
	return report, nil
}
