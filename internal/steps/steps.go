// Package steps implements the Step Handlers: one function per step kind,
// each translating a model.StepDef into a call against the CDP Tab Client
// (or, for http_request/run_test, against an HTTP client or the External
// Test Repository) and returning a model.StepOutcome — never an error,
// never a panic across the handler boundary.
package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/webtestflow/cdp-orchestrator/internal/interpolate"
	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// Browser is the slice of the CDP Tab Client the step handlers consume,
// defined at the point of consumption. *cdp.Client satisfies it.
type Browser interface {
	Evaluate(ctx context.Context, expression string) (interface{}, error)
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	Select(ctx context.Context, selector, value string) error
	PressKey(ctx context.Context, key string, modifiers []string) error
	SwitchFrame(ctx context.Context, selector string) error
	HandleDialog(action, text string)
	AddMockRule(pattern string, status int, body interface{}, delayMS int)
	CaptureScreenshot(ctx context.Context) (string, error)
	GetConsoleMessages() []model.ConsoleRecord
	GetNetworkResponses() []model.NetworkRecord
}

// TestRepository is the subset of the External Test Repository contract
// run_test needs. Defined at the point of consumption so this
// package carries no dependency on any particular repository implementation.
type TestRepository interface {
	GetTest(id string) (*model.TestDefinition, bool)
}

// Executor dispatches a single step end-to-end, including kinds (like loop)
// that this package does not itself implement. The runner supplies the
// top-level implementation; run_test uses it to drive a sub-test's steps so
// that nested loops inside a sub-test still work.
type Executor func(ctx context.Context, step model.StepDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) model.StepOutcome

// Deps bundles every collaborator a handler might need, plus the calling
// run's interpolation context. Not every handler uses every field.
type Deps struct {
	Client     Browser
	Repo       TestRepository
	RunContext *model.RunContext
	Dispatch   Executor

	// The calling run's env/vars/synced set. run_test replays a sub-test's
	// steps against these — the parent's context stays in effect.
	Env    map[string]interface{}
	Vars   *model.VariableStore
	Synced *model.BrowserSyncedVars

	// InHook disables evaluate's strict-false assertion check.
	InHook bool

	// OnEvent, when non-nil, receives lifecycle notifications for a
	// sub-test's steps; the runner relays them with the nested flag set
	//.
	OnEvent func(StepEvent)
}

// StepEvent is the sub-test step notification run_test emits through
// Deps.OnEvent.
type StepEvent struct {
	Kind       string // "step:start", "step:pass" or "step:fail"
	StepIndex  int
	Label      string
	DurationMS int64
	Skipped    bool
	Error      string
}

func (d *Deps) emitNested(ev StepEvent) {
	if d.OnEvent == nil {
		return
	}
	defer func() { recover() }()
	d.OnEvent(ev)
}

func fail(format string, args ...interface{}) model.StepOutcome {
	return model.StepOutcome{Success: false, Error: fmt.Sprintf(format, args...)}
}

func ok(value interface{}) model.StepOutcome {
	return model.StepOutcome{Success: true, Value: value}
}

// Execute dispatches every kind except loop (owned by the runner/loopexec
// layer) and returns a StepOutcome, recovering any panic a handler causes
// into a failed outcome.
func Execute(ctx context.Context, step model.StepDef, deps *Deps) (outcome model.StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = fail("%v", r)
		}
	}()

	switch step.Kind {
	case model.KindEvaluate:
		return handleEvaluate(ctx, step, deps)
	case model.KindFill:
		return handleFill(ctx, step, deps)
	case model.KindClick:
		return handleClick(ctx, step, deps)
	case model.KindHover:
		return handleHover(ctx, step, deps)
	case model.KindSelect:
		return handleSelect(ctx, step, deps)
	case model.KindPressKey:
		return handlePressKey(ctx, step, deps)
	case model.KindSwitchFrame:
		return handleSwitchFrame(ctx, step, deps)
	case model.KindHandleDialog:
		return handleHandleDialog(step, deps)
	case model.KindAssert:
		return handleAssert(ctx, step, deps)
	case model.KindWait:
		return handleWait(step)
	case model.KindWaitFor:
		return handleWaitFor(ctx, step, deps)
	case model.KindConsoleCheck:
		return handleConsoleCheck(step, deps)
	case model.KindNetworkCheck:
		return handleNetworkCheck(step, deps)
	case model.KindMockNetwork:
		return handleMockNetwork(step, deps)
	case model.KindScreenshot:
		return handleScreenshot(ctx, step, deps)
	case model.KindHTTPRequest:
		return handleHTTPRequest(ctx, step)
	case model.KindRunTest:
		return handleRunTest(ctx, step, deps)
	case model.KindScanInput, model.KindFillForm, model.KindScrollTo, model.KindClearInput,
		model.KindWaitForText, model.KindWaitForTextGone, model.KindAssertText,
		model.KindClickText, model.KindClickNth, model.KindType,
		model.KindChooseDropdown, model.KindExpandMenu, model.KindToggle,
		model.KindCloseModal:
		return executeTextHelper(ctx, step, deps)
	default:
		return fail("%s step requires a recognized kind", step.Kind)
	}
}

func handleEvaluate(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.Eval == "" {
		return fail("eval step requires a non-empty expression")
	}
	v, err := deps.Client.Evaluate(ctx, step.Eval)
	if err != nil {
		return fail("%s", err)
	}
	if step.As != "" || deps.InHook {
		return ok(v)
	}
	if b, isBool := v.(bool); isBool && !b {
		return fail("assertion failed: expression evaluated to false")
	}
	return ok(v)
}

func handleFill(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.Selector == "" {
		return fail("fill step requires a selector")
	}
	if err := deps.Client.Fill(ctx, step.Selector, step.Value); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func handleClick(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.Selector == "" {
		return fail("click step requires a selector")
	}
	if err := deps.Client.Click(ctx, step.Selector); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func handleHover(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.Selector == "" {
		return fail("hover step requires a selector")
	}
	if err := deps.Client.Hover(ctx, step.Selector); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func handleSelect(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.Selector == "" {
		return fail("select step requires a selector")
	}
	if err := deps.Client.Select(ctx, step.Selector, step.Value); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func handlePressKey(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.PressKeyName == "" {
		return fail("press_key step requires a key name")
	}
	if err := deps.Client.PressKey(ctx, step.PressKeyName, step.PressKeyMods); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func handleSwitchFrame(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if err := deps.Client.SwitchFrame(ctx, step.SwitchFrameSel); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func handleHandleDialog(step model.StepDef, deps *Deps) model.StepOutcome {
	if step.DialogAction == "" {
		return fail("handle_dialog step requires an action")
	}
	deps.Client.HandleDialog(step.DialogAction, step.DialogText)
	return ok(nil)
}

// handleRunTest resolves the test, guards against a cycle via RunContext,
// navigates, and replays the sub-test's main steps with lazy per-step
// interpolation against the parent's env/vars — the sub-test's own
// before/after hooks are intentionally skipped, the parent's context is in
// effect. The id leaves the visited set on every exit path so
// sibling branches may invoke the same test.
func handleRunTest(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	id := step.RunTestID
	if id == "" {
		return fail("run_test step requires a test id")
	}
	if !deps.RunContext.Enter(id) {
		return fail("Cycle detected: test %q is already on the call stack", id)
	}
	defer deps.RunContext.Leave(id)

	def, found := deps.Repo.GetTest(id)
	if !found {
		return fail("run_test: test %q not found", id)
	}

	if err := deps.Client.Navigate(ctx, def.URL); err != nil {
		return fail("Sub-test %q failed to navigate: %s", id, err)
	}

	for i, sub := range def.Steps {
		interpolated := interpolate.InterpolateStep(sub, deps.Env, deps.Vars, deps.Synced)
		deps.emitNested(StepEvent{Kind: "step:start", StepIndex: i, Label: sub.Label})
		stepStart := time.Now()
		outcome := deps.Dispatch(ctx, interpolated, deps.Env, deps.Vars, deps.Synced)
		duration := time.Since(stepStart).Milliseconds()
		if outcome.Success {
			if name := sub.AsName(); name != "" && !outcome.Skipped {
				deps.Vars.Set(name, outcome.Value)
			}
			deps.emitNested(StepEvent{Kind: "step:pass", StepIndex: i, Label: sub.Label, DurationMS: duration, Skipped: outcome.Skipped})
			continue
		}
		deps.emitNested(StepEvent{Kind: "step:fail", StepIndex: i, Label: sub.Label, DurationMS: duration, Error: outcome.Error})
		return model.StepOutcome{
			Success:     false,
			Error:       fmt.Sprintf("Sub-test %q failed at step %d (%s): %s", id, i, sub.Label, outcome.Error),
			LoopContext: outcome.LoopContext,
		}
	}

	return ok(nil)
}
