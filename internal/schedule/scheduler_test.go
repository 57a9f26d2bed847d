package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/heirloom"
)

type countingEvaluator struct {
	calls atomic.Int32
	err   error
}

func (c *countingEvaluator) EvaluateAll(context.Context) (heirloom.EvaluationReport, error) {
	c.calls.Add(1)
	return heirloom.EvaluationReport{Evaluated: 1, Released: []heirloom.TestamentID{"t1"}}, c.err
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, time.Second, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(&countingEvaluator{}, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	eval := &countingEvaluator{}
	s, err := New(eval, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []heirloom.TestamentID{"t1"}, report.Released)

	eval.err = errors.New("store down")
	_, err = s.RunOnce(context.Background())
	assert.EqualError(t, err, "store down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), eval.calls.Load())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	eval := &countingEvaluator{err: errors.New("keeps failing")}
	s, err := New(eval, 5*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return eval.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
