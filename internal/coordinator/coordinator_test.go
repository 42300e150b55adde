package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
	"github.com/webtestflow/cdp-orchestrator/internal/runner"
)

func TestReserve_SecondRunRejectedWithActiveRunID(t *testing.T) {
	c := New(nil)

	runID, err := c.Reserve("t1")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	_, err = c.Reserve("t2")
	require.Error(t, err)
	already, ok := err.(*AlreadyRunningError)
	require.True(t, ok)
	assert.Equal(t, "t1", already.Active.TestID)
	assert.Equal(t, runID, already.Active.RunID)
	assert.Contains(t, already.Error(), runID)
}

func TestReserve_EmitsLifecycleStart(t *testing.T) {
	var events []LifecycleEvent
	c := New(func(ev LifecycleEvent) { events = append(events, ev) })

	runID, err := c.Reserve("t1")
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, LifecycleStart, events[0].Kind)
	assert.Equal(t, "t1", events[0].TestID)
	assert.Equal(t, runID, events[0].RunID)
}

func TestActiveRun_ReflectsReservation(t *testing.T) {
	c := New(nil)
	_, ok := c.ActiveRun()
	assert.False(t, ok)

	runID, err := c.Reserve("t1")
	require.NoError(t, err)
	active, ok := c.ActiveRun()
	require.True(t, ok)
	assert.Equal(t, "t1", active.TestID)
	assert.Equal(t, runID, active.RunID)
}

func TestNextRunID_UniqueAndTimestampShaped(t *testing.T) {
	c := New(nil)
	c.mu.Lock()
	a := c.nextRunID()
	b := c.nextRunID()
	c.mu.Unlock()

	assert.NotEqual(t, a, b)
	// colons and dots from the RFC3339 instant are replaced, so the id is
	// filesystem- and URL-safe.
	assert.NotContains(t, a, ":")
	assert.NotContains(t, a, ".")
}

func TestRun_ClearsActiveAndEmitsComplete(t *testing.T) {
	var events []LifecycleEvent
	c := New(func(ev LifecycleEvent) { events = append(events, ev) })
	c.runTest = func(context.Context, *model.TestDefinition, runner.Options) *model.TestResult {
		return &model.TestResult{Status: model.StatusPassed}
	}

	runID, err := c.Reserve("t1")
	require.NoError(t, err)
	res := c.Run(context.Background(), runID, "t1", &model.TestDefinition{}, runner.Options{})
	require.Equal(t, model.StatusPassed, res.Status)

	// the mutex is released: a new reservation is accepted.
	_, ok := c.ActiveRun()
	assert.False(t, ok)
	_, err = c.Reserve("t2")
	assert.NoError(t, err)

	var kinds []LifecycleKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []LifecycleKind{LifecycleStart, LifecycleComplete, LifecycleStart}, kinds)
}

func TestRun_ClearsActiveEvenWhenRunnerPanics(t *testing.T) {
	c := New(nil)
	c.runTest = func(context.Context, *model.TestDefinition, runner.Options) *model.TestResult {
		panic("runner bug")
	}

	runID, err := c.Reserve("t1")
	require.NoError(t, err)
	assert.Panics(t, func() {
		c.Run(context.Background(), runID, "t1", &model.TestDefinition{}, runner.Options{})
	})
	_, ok := c.ActiveRun()
	assert.False(t, ok, "activeRun must be cleared on every exit path")
}

func TestEmit_SwallowsCallbackPanic(t *testing.T) {
	c := New(func(LifecycleEvent) { panic("listener bug") })
	assert.NotPanics(t, func() {
		_, err := c.Reserve("t1")
		require.NoError(t, err)
	})
}
