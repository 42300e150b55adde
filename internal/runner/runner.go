// Package runner implements the Step Runner: the ten-stage sequence
// that takes a TestDefinition and produces a TestResult — construct and
// race the CDP Tab Client against a test-level timeout, connect, run
// before-hooks in three phases, navigate, verify_page, run the main steps
// with lazy interpolation, run after-hooks, close, and aggregate.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webtestflow/cdp-orchestrator/internal/cdp"
	"github.com/webtestflow/cdp-orchestrator/internal/interpolate"
	"github.com/webtestflow/cdp-orchestrator/internal/loopexec"
	"github.com/webtestflow/cdp-orchestrator/internal/model"
	"github.com/webtestflow/cdp-orchestrator/internal/steps"
)

const defaultTestTimeout = 30 * time.Second
const defaultVerifyTimeout = 10 * time.Second

// EventKind discriminates the run's lifecycle events.
type EventKind string

const (
	EventStepStart EventKind = "step:start"
	EventStepPass  EventKind = "step:pass"
	EventStepFail  EventKind = "step:fail"
)

// Event is the step-level payload delivered to the caller's sink.
type Event struct {
	Kind       EventKind
	StepIndex  int
	Label      string
	Nested     bool
	DurationMS int64
	Skipped    bool
	Error      string
}

// Options configures one RunTest invocation.
type Options struct {
	Port            int
	OnEvent         func(Event)
	Repo            steps.TestRepository
	InitialVars     map[string]interface{}
	CreateTab       bool
	SessionID       string
	SessionRegistry cdp.SessionRegistry
	Logger          *zap.Logger

	// DialogAction overrides the client's default dialog response
	// ("dismiss"); NavigateTimeout overrides the default 30s page-load
	// bound. Both come from the host's Chrome configuration.
	DialogAction    string
	NavigateTimeout time.Duration
}

// Browser is the slice of the CDP Tab Client the runner consumes: the step
// handlers' surface plus the connection lifecycle and the diagnostics
// collected into the final result. *cdp.Client satisfies it.
type Browser interface {
	steps.Browser
	Connect(ctx context.Context, sessionID string, createTab bool) error
	Close() error
	Connected() bool
	GetDomSnapshot(ctx context.Context) (string, error)
}

// newBrowser is the client constructor RunTest uses; package tests swap it
// for a fake.
var newBrowser = func(opts Options) Browser {
	c := cdp.New(opts.Port, opts.Logger, opts.SessionRegistry)
	if opts.NavigateTimeout > 0 {
		c.SetNavigateTimeout(opts.NavigateTimeout)
	}
	if opts.DialogAction != "" {
		c.HandleDialog(opts.DialogAction, "")
	}
	return c
}

// RunTest races the inner execution against a test-level timeout (default
// 30s, or TestDefinition.TimeoutMS) and returns the aggregated result. On
// timeout, client.Close aborts the pending CDP call; the inner goroutine's
// eventual result is discarded.
func RunTest(ctx context.Context, def *model.TestDefinition, opts Options) *model.TestResult {
	start := time.Now()
	timeout := defaultTestTimeout
	if def.TimeoutMS > 0 {
		timeout = time.Duration(def.TimeoutMS) * time.Millisecond
	}

	client := newBrowser(opts)

	resultCh := make(chan *model.TestResult, 1)
	go func() {
		resultCh <- runInner(ctx, client, def, opts, start)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-time.After(timeout):
		_ = client.Close()
		return &model.TestResult{
			Status:          model.StatusFailed,
			FailedStepIndex: -1,
			Error:           fmt.Sprintf("run timed out after %s", timeout),
			DurationMS:      time.Since(start).Milliseconds(),
			Console:         sortConsoleDesc(client.GetConsoleMessages()),
			Network:         sortNetworkDesc(client.GetNetworkResponses()),
			Vars:            opts.InitialVars,
		}
	}
}

type run struct {
	client     Browser
	log        *zap.Logger
	repo       steps.TestRepository
	runContext *model.RunContext
	env        map[string]interface{}
	vars       *model.VariableStore
	synced     *model.BrowserSyncedVars
	onEvent    func(Event)
	inHook     bool
}

func runInner(ctx context.Context, client Browser, def *model.TestDefinition, opts Options, start time.Time) (result *model.TestResult) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &run{
		client:     client,
		log:        log,
		repo:       opts.Repo,
		runContext: model.NewRunContext(),
		env:        def.Env,
		vars:       model.NewVariableStore(opts.InitialVars),
		synced:     model.NewBrowserSyncedVars(),
		onEvent:    opts.OnEvent,
	}

	// Handlers convert their own errors to outcomes; anything that still
	// escapes is truly unexpected and becomes a failed result at index -1
	// with the first step as the definition.
	defer func() {
		if rec := recover(); rec != nil {
			var firstStep *model.StepDef
			if len(def.Steps) > 0 {
				firstStep = &def.Steps[0]
			}
			result = r.finish(model.StatusFailed, -1, "", firstStep, fmt.Sprintf("unexpected error: %v", rec), nil, 0, start, nil)
		}
	}()

	if err := client.Connect(ctx, opts.SessionID, opts.CreateTab); err != nil {
		return r.finish(model.StatusFailed, -1, "", nil, fmt.Sprintf("connect: %s", err), nil, 0, start, nil)
	}
	defer client.Close()

	phase0, phase1, phase2 := partitionHooks(def.Before)

	if outcome, idx, step := r.runHookPhase(ctx, phase0); outcome != nil {
		r.runAfterHooks(ctx, def.After)
		return r.finish(model.StatusFailed, idx, step.Label, &step, outcome.Error, nil, 0, start, nil)
	}
	if outcome, idx, step := r.runHookPhase(ctx, phase1); outcome != nil {
		r.runAfterHooks(ctx, def.After)
		return r.finish(model.StatusFailed, idx, step.Label, &step, outcome.Error, nil, 0, start, nil)
	}

	if err := client.Navigate(ctx, def.URL); err != nil {
		r.runAfterHooks(ctx, def.After)
		return r.finish(model.StatusFailed, -1, "", nil, fmt.Sprintf("navigate: %s", err), nil, 0, start, nil)
	}

	if def.VerifyPage != nil {
		if err := r.verifyPage(ctx, def.VerifyPage); err != nil {
			r.runAfterHooks(ctx, def.After)
			return r.finish(model.StatusFailed, -1, "", nil, err.Error(), nil, 0, start, nil)
		}
	}

	if outcome, idx, step := r.runHookPhase(ctx, phase2); outcome != nil {
		r.runAfterHooks(ctx, def.After)
		return r.finish(model.StatusFailed, idx, step.Label, &step, outcome.Error, nil, 0, start, nil)
	}

	startIndex := resolveStartIndex(def)
	if def.ResumeFrom != nil && *def.ResumeFrom > 0 && startIndex == 0 {
		r.log.Warn("resume_from ignored: a skipped step declares `as`",
			zap.Int("resume_from", *def.ResumeFrom))
	}
	stepDOMSnapshots := map[int]string{}
	completed := 0

	for i := startIndex; i < len(def.Steps); i++ {
		step := def.Steps[i]
		interpolated := interpolate.InterpolateStep(step, r.env, r.vars, r.synced)

		r.emit(Event{Kind: EventStepStart, StepIndex: i, Label: step.Label})
		stepStart := time.Now()
		outcome := r.dispatch(ctx, interpolated, r.env, r.vars, r.synced)
		duration := time.Since(stepStart).Milliseconds()

		if outcome.Success {
			if name := step.AsName(); name != "" && !outcome.Skipped {
				r.vars.Set(name, outcome.Value)
			}
			if step.CaptureDOM {
				if snap, err := client.GetDomSnapshot(ctx); err == nil {
					stepDOMSnapshots[i] = snap
				}
			}
			r.emit(Event{Kind: EventStepPass, StepIndex: i, Label: step.Label, DurationMS: duration, Skipped: outcome.Skipped})
			completed++
			continue
		}

		r.emit(Event{Kind: EventStepFail, StepIndex: i, Label: step.Label, DurationMS: duration, Error: outcome.Error})
		r.runAfterHooks(ctx, def.After)
		return r.finish(model.StatusFailed, i, step.Label, &step, outcome.Error, outcome.LoopContext, completed, start, stepDOMSnapshots)
	}

	r.runAfterHooks(ctx, def.After)
	return r.finish(model.StatusPassed, 0, "", nil, "", nil, completed, start, stepDOMSnapshots)
}

// dispatch is the full step dispatcher: it evaluates `if`, routes loop
// steps to the Loop Executor, and everything else to the Step Handlers. It
// is also handed to run_test and the loop executor so nested dispatch
// behaves identically to the top level.
func (r *run) dispatch(ctx context.Context, step model.StepDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) model.StepOutcome {
	if step.If != "" && !r.evalIf(ctx, step) {
		return model.StepOutcome{Success: true, Skipped: true}
	}

	if step.Kind == model.KindLoop {
		return loopexec.Run(ctx, r.client, step.Loop, env, vars, synced, r.dispatch)
	}

	deps := &steps.Deps{
		Client:     r.client,
		Repo:       r.repo,
		RunContext: r.runContext,
		Dispatch:   r.dispatch,
		Env:        env,
		Vars:       vars,
		Synced:     synced,
		InHook:     r.inHook,
		OnEvent:    r.emitNested,
	}
	return steps.Execute(ctx, step, deps)
}

// evalIf evaluates a step's already-interpolated `if` clause; an
// evaluation error is treated as false. http_request steps do not
// use the browser, so their condition is judged locally with no page
// context.
func (r *run) evalIf(ctx context.Context, step model.StepDef) bool {
	if step.Kind == model.KindHTTPRequest {
		return evalLocalCondition(step.If)
	}
	v, err := r.client.Evaluate(ctx, step.If)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// evalLocalCondition judges an interpolated condition without a JavaScript
// engine: the expression is decoded as a JSON literal and its truthiness
// taken; anything that does not parse is false.
func evalLocalCondition(expr string) bool {
	var v interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(expr)), &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	default:
		return true
	}
}

// emitNested relays a sub-test step notification from run_test to the
// caller's sink with the nested flag set.
func (r *run) emitNested(ev steps.StepEvent) {
	r.emit(Event{
		Kind:       EventKind(ev.Kind),
		StepIndex:  ev.StepIndex,
		Label:      ev.Label,
		Nested:     true,
		DurationMS: ev.DurationMS,
		Skipped:    ev.Skipped,
		Error:      ev.Error,
	})
}

func (r *run) emit(ev Event) {
	if r.onEvent == nil {
		return
	}
	defer func() { recover() }()
	r.onEvent(ev)
}

// runHookPhase executes a slice of (possibly sparse) before-hooks, returning
// the first failing outcome along with its original Before-slice index and
// definition. hooks carries (originalIndex, step) pairs so the returned
// index matches the -(i+1) scheme against the full Before list.
func (r *run) runHookPhase(ctx context.Context, hooks []indexedStep) (*model.StepOutcome, int, model.StepDef) {
	r.inHook = true
	defer func() { r.inHook = false }()
	for _, h := range hooks {
		idx := -(h.index + 1)
		interpolated := interpolate.InterpolateStep(h.step, r.env, r.vars, r.synced)
		r.emit(Event{Kind: EventStepStart, StepIndex: idx, Label: h.step.Label})
		hookStart := time.Now()
		outcome := r.dispatch(ctx, interpolated, r.env, r.vars, r.synced)
		duration := time.Since(hookStart).Milliseconds()
		if outcome.Success {
			if name := h.step.AsName(); name != "" && !outcome.Skipped {
				r.vars.Set(name, outcome.Value)
			}
			r.emit(Event{Kind: EventStepPass, StepIndex: idx, Label: h.step.Label, DurationMS: duration, Skipped: outcome.Skipped})
			continue
		}
		r.emit(Event{Kind: EventStepFail, StepIndex: idx, Label: h.step.Label, DurationMS: duration, Error: outcome.Error})
		return &outcome, idx, h.step
	}
	return nil, 0, model.StepDef{}
}

// runAfterHooks runs unconditionally; errors are ignored.
func (r *run) runAfterHooks(ctx context.Context, after []model.StepDef) {
	r.inHook = true
	defer func() { r.inHook = false }()
	for i, step := range after {
		idx := -(100 + i)
		interpolated := interpolate.InterpolateStep(step, r.env, r.vars, r.synced)
		r.emit(Event{Kind: EventStepStart, StepIndex: idx, Label: step.Label})
		hookStart := time.Now()
		outcome := r.dispatch(ctx, interpolated, r.env, r.vars, r.synced)
		duration := time.Since(hookStart).Milliseconds()
		if outcome.Success {
			if name := step.AsName(); name != "" && !outcome.Skipped {
				r.vars.Set(name, outcome.Value)
			}
			r.emit(Event{Kind: EventStepPass, StepIndex: idx, Label: step.Label, DurationMS: duration, Skipped: outcome.Skipped})
			continue
		}
		r.emit(Event{Kind: EventStepFail, StepIndex: idx, Label: step.Label, DurationMS: duration, Error: outcome.Error})
	}
}

type indexedStep struct {
	index int
	step  model.StepDef
}

// partitionHooks splits Before into the three hook phases, each
// retaining the original Before-slice index for the -(i+1) event scheme.
func partitionHooks(before []model.StepDef) (phase0, phase1, phase2 []indexedStep) {
	for i, step := range before {
		is := indexedStep{index: i, step: step}
		switch step.Kind {
		case model.KindHTTPRequest:
			phase0 = append(phase0, is)
		case model.KindMockNetwork:
			phase1 = append(phase1, is)
		default:
			phase2 = append(phase2, is)
		}
	}
	return
}

// resolveStartIndex applies the resume_from rule: only honored
// if no step between 0 and resume_from declares `as` (skipping it would
// silently drop a value later steps might depend on).
func resolveStartIndex(def *model.TestDefinition) int {
	if def.ResumeFrom == nil || *def.ResumeFrom <= 0 {
		return 0
	}
	n := *def.ResumeFrom
	if n > len(def.Steps) {
		n = len(def.Steps)
	}
	for i := 0; i < n; i++ {
		if def.Steps[i].AsName() != "" {
			return 0
		}
	}
	return n
}

// verifyPage polls every 200ms until the configured selector exists, title
// contains the configured substring, and/or the URL contains the configured
// substring.
func (r *run) verifyPage(ctx context.Context, v *model.VerifyPageDef) error {
	timeout := defaultVerifyTimeout
	if v.TimeoutMS > 0 {
		timeout = time.Duration(v.TimeoutMS) * time.Millisecond
	}
	selector := interpolate.Interpolate(v.Selector, r.env, r.vars, r.synced)
	titleSub := interpolate.Interpolate(v.TitleContains, r.env, r.vars, r.synced)
	urlSub := interpolate.Interpolate(v.URLContains, r.env, r.vars, r.synced)

	script := buildVerifyScript(selector, titleSub, urlSub)
	deadline := time.Now().Add(timeout)
	for {
		val, err := r.client.Evaluate(ctx, script)
		if err == nil {
			if b, _ := val.(bool); b {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("verify_page: timed out after %s", timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func buildVerifyScript(selector, titleContains, urlContains string) string {
	script := "(function(){"
	script += "var ok = true;"
	if selector != "" {
		script += fmt.Sprintf("ok = ok && document.querySelector(%s) !== null;", jsonQuote(selector))
	}
	if titleContains != "" {
		script += fmt.Sprintf("ok = ok && document.title.indexOf(%s) !== -1;", jsonQuote(titleContains))
	}
	if urlContains != "" {
		script += fmt.Sprintf("ok = ok && location.href.indexOf(%s) !== -1;", jsonQuote(urlContains))
	}
	script += "return ok; })()"
	return script
}

func (r *run) finish(status model.RunStatus, failedIdx int, failedLabel string, failedStep *model.StepDef, errMsg string, loopCtx []model.LoopBreadcrumb, completed int, start time.Time, stepDOMSnapshots map[int]string) *model.TestResult {
	res := &model.TestResult{
		Status:           status,
		StepsCompleted:   completed,
		DurationMS:       time.Since(start).Milliseconds(),
		Console:          sortConsoleDesc(r.client.GetConsoleMessages()),
		Network:          sortNetworkDesc(r.client.GetNetworkResponses()),
		Vars:             r.vars.Snapshot(),
		StepDOMSnapshots: stepDOMSnapshots,
	}
	if status == model.StatusFailed {
		res.FailedStepIndex = failedIdx
		res.FailedLabel = failedLabel
		res.FailedStep = failedStep
		res.Error = errMsg
		res.LoopContext = loopCtx
		if r.client.Connected() {
			if snap, err := r.client.GetDomSnapshot(context.Background()); err == nil {
				res.FinalDOMSnapshot = snap
			}
			if shot, err := r.client.CaptureScreenshot(context.Background()); err == nil {
				res.Screenshot = shot
			}
		}
	}
	return res
}

func sortConsoleDesc(recs []model.ConsoleRecord) []model.ConsoleRecord {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time.After(recs[j].Time) })
	return recs
}

func sortNetworkDesc(recs []model.NetworkRecord) []model.NetworkRecord {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time.After(recs[j].Time) })
	return recs
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
