package heirloom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFunc func(ctx context.Context, event ReleaseEvent) error

func (f sinkFunc) TestamentReleased(ctx context.Context, event ReleaseEvent) error {
	return f(ctx, event)
}

func TestInactivityMonitorReleasesAfterThreshold(t *testing.T) {
	f := newEngineFixture()
	f.ownerSecret(t, alice, "s1")
	tm, err := f.engine.Create(alice, TestamentSpec{Beneficiaries: []Identity{bob}, InactivityThreshold: 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, f.engine.AddSecretToKeyBox(context.Background(), tm.ID, alice, "s1"))

	var events []ReleaseEvent
	sink := sinkFunc(func(_ context.Context, event ReleaseEvent) error {
		events = append(events, event)
		return nil
	})
	monitor := NewInactivityMonitor(f.engine, f.registry, f.clock, sink, zerolog.Nop())

	f.clock.Advance(24*time.Hour - time.Second)
	report := monitor.EvaluateAll(context.Background())
	assert.Equal(t, 1, report.Evaluated)
	assert.Empty(t, report.Released)
	assert.Empty(t, events)

	f.clock.Advance(time.Second)
	report = monitor.EvaluateAll(context.Background())
	require.Equal(t, []TestamentID{tm.ID}, report.Released)
	require.Len(t, events, 1)
	assert.Equal(t, tm.ID, events[0].TestamentID)
	assert.Equal(t, alice, events[0].Owner)
	assert.Equal(t, []Identity{bob}, events[0].Beneficiaries)
	assert.Equal(t, 1, events[0].SecretCount)
	assert.Equal(t, 24*time.Hour, events[0].InactiveFor)

	got, err := f.engine.Get(alice, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, got.State)
	assert.Equal(t, f.clock.Now(), got.DateModified)

	// a second run is a no-op
	f.clock.Advance(time.Hour)
	report = monitor.EvaluateAll(context.Background())
	assert.Equal(t, 0, report.Evaluated)
	assert.Len(t, events, 1)
	again, err := f.engine.Get(alice, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestInactivityMonitorActivityDefersRelease(t *testing.T) {
	f := newEngineFixture()
	f.registry.GetOrCreateStore(alice)
	tm, err := f.engine.Create(alice, TestamentSpec{InactivityThreshold: 10 * 24 * time.Hour})
	require.NoError(t, err)
	monitor := NewInactivityMonitor(f.engine, f.registry, f.clock, nil, zerolog.Nop())

	f.clock.Advance(9 * 24 * time.Hour)
	f.engine.TouchOwner(alice, f.clock.Now())

	f.clock.Advance(9 * 24 * time.Hour)
	report := monitor.EvaluateAll(context.Background())
	assert.Empty(t, report.Released)

	got, err := f.engine.Get(alice, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestInactivityMonitorIsolatesFailures(t *testing.T) {
	f := newEngineFixture()
	f.registry.GetOrCreateStore(bob)

	// alice's store is missing, which should not happen but must not stall
	// release of bob's testament
	orphan, err := f.engine.Create(alice, TestamentSpec{InactivityThreshold: time.Hour})
	require.NoError(t, err)
	healthy, err := f.engine.Create(bob, TestamentSpec{InactivityThreshold: time.Hour})
	require.NoError(t, err)

	monitor := NewInactivityMonitor(f.engine, f.registry, f.clock, nil, zerolog.Nop())
	f.clock.Advance(2 * time.Hour)
	report := monitor.EvaluateAll(context.Background())

	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []TestamentID{healthy.ID}, report.Released)

	for _, result := range report.Results {
		if result.TestamentID == orphan.ID {
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, "not found")
		}
	}
}

func TestInactivityMonitorSinkFailureKeepsRelease(t *testing.T) {
	f := newEngineFixture()
	f.registry.GetOrCreateStore(alice)
	tm, err := f.engine.Create(alice, TestamentSpec{InactivityThreshold: time.Hour})
	require.NoError(t, err)

	sink := sinkFunc(func(context.Context, ReleaseEvent) error { return errors.New("broker down") })
	monitor := NewInactivityMonitor(f.engine, f.registry, f.clock, sink, zerolog.Nop())

	f.clock.Advance(time.Hour)
	report := monitor.EvaluateAll(context.Background())
	assert.Equal(t, []TestamentID{tm.ID}, report.Released)
	assert.Equal(t, 1, report.Failed)

	got, err := f.engine.Get(alice, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, got.State)
}

func TestInactivityMonitorCancelled(t *testing.T) {
	f := newEngineFixture()
	f.registry.GetOrCreateStore(alice)
	_, err := f.engine.Create(alice, TestamentSpec{InactivityThreshold: time.Hour})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := NewInactivityMonitor(f.engine, f.registry, f.clock, nil, zerolog.Nop()).EvaluateAll(ctx)
	assert.Empty(t, report.Released)
	assert.Equal(t, 1, report.Failed)
}
