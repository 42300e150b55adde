// Package coordinator implements the Run Coordinator: a single
// activeRun guard around the Step Runner, run-id generation, and a
// pluggable lifecycle callback (run:start, run:step, run:complete) that
// external adapters multicast over any transport.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
	"github.com/webtestflow/cdp-orchestrator/internal/runner"
)

// ActiveRun describes the run currently occupying the coordinator.
type ActiveRun struct {
	TestID string
	RunID  string
}

// LifecycleKind discriminates a Coordinator lifecycle event.
type LifecycleKind string

const (
	LifecycleStart    LifecycleKind = "run:start"
	LifecycleStep     LifecycleKind = "run:step"
	LifecycleComplete LifecycleKind = "run:complete"
)

// LifecycleEvent is delivered to the coordinator's callback.
type LifecycleEvent struct {
	Kind   LifecycleKind
	TestID string
	RunID  string
	Step   *runner.Event
	Result *model.TestResult
}

// AlreadyRunningError is returned when a start request arrives while
// activeRun is set.
type AlreadyRunningError struct {
	Active ActiveRun
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("a run is already in progress: test %q (run %s)", e.Active.TestID, e.Active.RunID)
}

// Coordinator serializes runs: at most one runner.RunTest call is active at
// a time in a given process.
type Coordinator struct {
	mu          sync.Mutex
	active      *ActiveRun
	onLifecycle func(LifecycleEvent)
	counter     int

	// runTest defaults to runner.RunTest; package tests swap it.
	runTest func(ctx context.Context, def *model.TestDefinition, opts runner.Options) *model.TestResult
}

func New(onLifecycle func(LifecycleEvent)) *Coordinator {
	return &Coordinator{onLifecycle: onLifecycle, runTest: runner.RunTest}
}

// ActiveRun returns the currently running test's identifiers, if any.
func (c *Coordinator) ActiveRun() (ActiveRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ActiveRun{}, false
	}
	return *c.active, true
}

// Start rejects synchronously if a run is already active; otherwise it
// blocks until the run completes, clearing activeRun on every exit path.
func (c *Coordinator) Start(ctx context.Context, testID string, def *model.TestDefinition, opts runner.Options) (*model.TestResult, error) {
	runID, err := c.Reserve(testID)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, runID, testID, def, opts), nil
}

// Reserve claims the single activeRun slot for testID and returns the
// generated run id, or an AlreadyRunningError if a run is already in
// flight. Emits LifecycleStart synchronously, so a caller that wants the
// run id before the run completes (the HTTP handler's 202 response)
// can call Reserve then run Run in a goroutine.
func (c *Coordinator) Reserve(testID string) (string, error) {
	c.mu.Lock()
	if c.active != nil {
		active := *c.active
		c.mu.Unlock()
		return "", &AlreadyRunningError{Active: active}
	}
	runID := c.nextRunID()
	c.active = &ActiveRun{TestID: testID, RunID: runID}
	c.mu.Unlock()

	c.emit(LifecycleEvent{Kind: LifecycleStart, TestID: testID, RunID: runID})
	return runID, nil
}

// Run executes a previously Reserve'd run id to completion, clearing
// activeRun on every exit path, and emits run:step/run:complete events.
func (c *Coordinator) Run(ctx context.Context, runID, testID string, def *model.TestDefinition, opts runner.Options) *model.TestResult {
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	userOnEvent := opts.OnEvent
	opts.OnEvent = func(ev runner.Event) {
		c.emit(LifecycleEvent{Kind: LifecycleStep, TestID: testID, RunID: runID, Step: &ev})
		if userOnEvent != nil {
			userOnEvent(ev)
		}
	}

	result := c.runTest(ctx, def, opts)
	c.emit(LifecycleEvent{Kind: LifecycleComplete, TestID: testID, RunID: runID, Result: result})
	return result
}

func (c *Coordinator) emit(ev LifecycleEvent) {
	if c.onLifecycle == nil {
		return
	}
	defer func() { recover() }()
	c.onLifecycle(ev)
}

// nextRunID derives an id from the start instant (ISO-8601 with colons and
// dots replaced) plus a uuid suffix, guaranteeing uniqueness within one
// process. Must be called with c.mu held.
func (c *Coordinator) nextRunID() string {
	c.counter++
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(time.Now().UTC().Format(time.RFC3339Nano))
	return fmt.Sprintf("%s-%d-%s", ts, c.counter, uuid.NewString()[:8])
}
