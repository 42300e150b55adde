package steps

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// fakeBrowser satisfies Browser with scripted Evaluate results and records
// every call so tests can assert on dispatch behavior without a Chrome
// instance.
type fakeBrowser struct {
	evalFn func(expr string) (interface{}, error)

	evals      []string
	navigated  []string
	fills      [][2]string
	clicks     []string
	hovers     []string
	selects    [][2]string
	keys       []string
	frames     []string
	dialogs    [][2]string
	mocks      []string
	console    []model.ConsoleRecord
	network    []model.NetworkRecord
	screenshot string
	navErr     error
	actionErr  error
}

func (f *fakeBrowser) Evaluate(_ context.Context, expr string) (interface{}, error) {
	f.evals = append(f.evals, expr)
	if f.evalFn != nil {
		return f.evalFn(expr)
	}
	return nil, nil
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return f.navErr
}

func (f *fakeBrowser) Fill(_ context.Context, selector, value string) error {
	f.fills = append(f.fills, [2]string{selector, value})
	return f.actionErr
}

func (f *fakeBrowser) Click(_ context.Context, selector string) error {
	f.clicks = append(f.clicks, selector)
	return f.actionErr
}

func (f *fakeBrowser) Hover(_ context.Context, selector string) error {
	f.hovers = append(f.hovers, selector)
	return f.actionErr
}

func (f *fakeBrowser) Select(_ context.Context, selector, value string) error {
	f.selects = append(f.selects, [2]string{selector, value})
	return f.actionErr
}

func (f *fakeBrowser) PressKey(_ context.Context, key string, _ []string) error {
	f.keys = append(f.keys, key)
	return f.actionErr
}

func (f *fakeBrowser) SwitchFrame(_ context.Context, selector string) error {
	f.frames = append(f.frames, selector)
	return f.actionErr
}

func (f *fakeBrowser) HandleDialog(action, text string) {
	f.dialogs = append(f.dialogs, [2]string{action, text})
}

func (f *fakeBrowser) AddMockRule(pattern string, status int, _ interface{}, _ int) {
	f.mocks = append(f.mocks, fmt.Sprintf("%s:%d", pattern, status))
}

func (f *fakeBrowser) CaptureScreenshot(_ context.Context) (string, error) {
	return f.screenshot, f.actionErr
}

func (f *fakeBrowser) GetConsoleMessages() []model.ConsoleRecord { return f.console }

func (f *fakeBrowser) GetNetworkResponses() []model.NetworkRecord { return f.network }

func depsWith(f *fakeBrowser) *Deps {
	return &Deps{
		Client:     f,
		RunContext: model.NewRunContext(),
		Env:        nil,
		Vars:       model.NewVariableStore(nil),
		Synced:     model.NewBrowserSyncedVars(),
	}
}

func TestEvaluate_StrictFalseFailsWithoutAs(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindEvaluate, Eval: "window.ok"}, depsWith(f))
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "assertion failed")
}

func TestEvaluate_OtherFalsyValuesPass(t *testing.T) {
	for _, v := range []interface{}{nil, float64(0), ""} {
		f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return v, nil }}
		outcome := Execute(context.Background(), model.StepDef{Kind: model.KindEvaluate, Eval: "sideEffect()"}, depsWith(f))
		assert.True(t, outcome.Success, "value %#v should not be treated as a failed assertion", v)
	}
}

func TestEvaluate_StrictFalseOKWithAs(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindEvaluate, Eval: "window.ok", As: "ok"}, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, false, outcome.Value)
}

func TestEvaluate_StrictFalseOKInsideHook(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	deps := depsWith(f)
	deps.InHook = true
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindEvaluate, Eval: "window.ok"}, deps)
	assert.True(t, outcome.Success)
}

func TestEvaluate_MissingExpression(t *testing.T) {
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindEvaluate}, depsWith(&fakeBrowser{}))
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "eval step requires")
}

func TestAssert_NoRetryTriedExactlyOnce(t *testing.T) {
	calls := 0
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) {
		calls++
		return false, nil
	}}
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindAssert, AssertExpr: "window.flag"}, depsWith(f))
	require.False(t, outcome.Success)
	assert.Equal(t, 1, calls)
}

func TestAssert_RetryUntilTruthy(t *testing.T) {
	calls := 0
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) {
		calls++
		return calls >= 3, nil
	}}
	step := model.StepDef{
		Kind:       model.KindAssert,
		AssertExpr: "window.flag",
		Retry:      &model.RetryOpts{IntervalMS: 10, TimeoutMS: 1000},
	}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, 3, calls)
}

func TestAssert_RetryExhaustedReportsLastError(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) {
		return nil, fmt.Errorf("ReferenceError: flag is not defined")
	}}
	step := model.StepDef{
		Kind:       model.KindAssert,
		AssertExpr: "flag",
		Retry:      &model.RetryOpts{IntervalMS: 10, TimeoutMS: 50},
	}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "ReferenceError")
}

func TestWait_ZeroResolvesImmediately(t *testing.T) {
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindWait, WaitMS: 0}, depsWith(&fakeBrowser{}))
	assert.True(t, outcome.Success)
}

func TestWaitFor_TimesOutWithSelectorInMessage(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	step := model.StepDef{Kind: model.KindWaitFor, Selector: "#missing", WaitForTimeoutMS: 50}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "#missing")
}

func TestWaitFor_SucceedsOnFirstMatch(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return true, nil }}
	step := model.StepDef{Kind: model.KindWaitFor, Selector: "#app"}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.True(t, outcome.Success)
	require.Len(t, f.evals, 1)
	assert.Contains(t, f.evals[0], `document.querySelector("#app")`)
}

func TestConsoleCheck_WarnAliasMatchesWarning(t *testing.T) {
	f := &fakeBrowser{console: []model.ConsoleRecord{{Level: "warning", Text: "deprecated API"}}}
	step := model.StepDef{Kind: model.KindConsoleCheck, ConsoleLevels: []string{"warn"}}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "deprecated API")
}

func TestConsoleCheck_NonMatchingLevelsPass(t *testing.T) {
	f := &fakeBrowser{console: []model.ConsoleRecord{{Level: "info", Text: "hello"}}}
	step := model.StepDef{Kind: model.KindConsoleCheck, ConsoleLevels: []string{"error"}}
	outcome := Execute(context.Background(), step, depsWith(f))
	assert.True(t, outcome.Success)
}

func TestNetworkCheck_FailsOn4xxListingStatusAndURL(t *testing.T) {
	f := &fakeBrowser{network: []model.NetworkRecord{
		{URL: "http://x/ok", Status: 200},
		{URL: "http://x/missing", Status: 404},
	}}
	step := model.StepDef{Kind: model.KindNetworkCheck, NetworkCheck: true}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "404 http://x/missing")
}

func TestNetworkCheck_FalseIsNoOp(t *testing.T) {
	f := &fakeBrowser{network: []model.NetworkRecord{{URL: "http://x", Status: 500}}}
	step := model.StepDef{Kind: model.KindNetworkCheck, NetworkCheck: false}
	outcome := Execute(context.Background(), step, depsWith(f))
	assert.True(t, outcome.Success)
}

func TestMockNetwork_AppendsRule(t *testing.T) {
	f := &fakeBrowser{}
	step := model.StepDef{Kind: model.KindMockNetwork, MockRule: model.MockRuleDef{Match: "*/api/*", Status: 200}}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, []string{"*/api/*:200"}, f.mocks)
}

func TestScreenshot_ReturnsBase64(t *testing.T) {
	f := &fakeBrowser{screenshot: "cGl4ZWxz"}
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindScreenshot}, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, "cGl4ZWxz", outcome.Value)
}

func TestThinShims_PropagateElementNotFound(t *testing.T) {
	f := &fakeBrowser{actionErr: fmt.Errorf("Element not found: #btn")}
	for _, step := range []model.StepDef{
		{Kind: model.KindClick, Selector: "#btn"},
		{Kind: model.KindHover, Selector: "#btn"},
		{Kind: model.KindFill, Selector: "#btn", Value: "x"},
		{Kind: model.KindSelect, Selector: "#btn", Value: "x"},
	} {
		outcome := Execute(context.Background(), step, depsWith(f))
		require.False(t, outcome.Success, "kind %s", step.Kind)
		assert.Contains(t, outcome.Error, "Element not found: #btn")
	}
}

func TestHandleDialog_RecordsHandler(t *testing.T) {
	f := &fakeBrowser{}
	step := model.StepDef{Kind: model.KindHandleDialog, DialogAction: "accept", DialogText: "yes"}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, [][2]string{{"accept", "yes"}}, f.dialogs)
}

// fakeRepo satisfies TestRepository for run_test dispatch tests.
type fakeRepo map[string]*model.TestDefinition

func (r fakeRepo) GetTest(id string) (*model.TestDefinition, bool) {
	def, ok := r[id]
	return def, ok
}

// selfDispatch recursively re-enters Execute the way the runner's
// dispatcher does, minus the loop/if layers the runner owns.
func selfDispatch(deps *Deps) Executor {
	var exec Executor
	exec = func(ctx context.Context, step model.StepDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) model.StepOutcome {
		d := *deps
		d.Env, d.Vars, d.Synced = env, vars, synced
		d.Dispatch = exec
		return Execute(ctx, step, &d)
	}
	return exec
}

func TestRunTest_CycleDetected(t *testing.T) {
	f := &fakeBrowser{}
	repo := fakeRepo{
		"A": {URL: "http://a", Steps: []model.StepDef{{Kind: model.KindRunTest, RunTestID: "B"}}},
		"B": {URL: "http://b", Steps: []model.StepDef{{Kind: model.KindRunTest, RunTestID: "A"}}},
	}
	deps := depsWith(f)
	deps.Repo = repo
	deps.Dispatch = selfDispatch(deps)

	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindRunTest, RunTestID: "A"}, deps)
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "Cycle detected")
	assert.Contains(t, outcome.Error, `"A"`)
}

func TestRunTest_NotFound(t *testing.T) {
	deps := depsWith(&fakeBrowser{})
	deps.Repo = fakeRepo{}
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindRunTest, RunTestID: "ghost"}, deps)
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "not found")
}

func TestRunTest_ParentVarsInEffect(t *testing.T) {
	f := &fakeBrowser{evalFn: func(expr string) (interface{}, error) {
		if expr == `"hello" + "!"` {
			return "hello!", nil
		}
		return nil, nil
	}}
	repo := fakeRepo{
		"child": {URL: "http://child", Steps: []model.StepDef{
			{Kind: model.KindEvaluate, Eval: `"$vars.greeting" + "!"`, As: "loud"},
		}},
	}
	deps := depsWith(f)
	deps.Repo = repo
	deps.Vars.Set("greeting", "hello")
	deps.Dispatch = selfDispatch(deps)

	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindRunTest, RunTestID: "child"}, deps)
	require.True(t, outcome.Success, "error: %s", outcome.Error)

	// the sub-test's steps interpolated against and stored into the
	// parent's vars, and it navigated to its own URL first.
	loud, ok := deps.Vars.Get("loud")
	require.True(t, ok)
	assert.Equal(t, "hello!", loud)
	assert.Equal(t, []string{"http://child"}, f.navigated)
}

func TestRunTest_FailurePrefixedWithSubTestContext(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	}}
	repo := fakeRepo{
		"child": {URL: "http://child", Steps: []model.StepDef{
			{Kind: model.KindAssert, AssertExpr: "window.never", Label: "check flag"},
		}},
	}
	deps := depsWith(f)
	deps.Repo = repo
	deps.Dispatch = selfDispatch(deps)

	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindRunTest, RunTestID: "child"}, deps)
	require.False(t, outcome.Success)
	assert.True(t, strings.HasPrefix(outcome.Error, `Sub-test "child" failed at step 0 (check flag):`), "got: %s", outcome.Error)
}

func TestRunTest_SiblingInvocationsAllowed(t *testing.T) {
	f := &fakeBrowser{}
	repo := fakeRepo{
		"leaf": {URL: "http://leaf"},
		"parent": {URL: "http://parent", Steps: []model.StepDef{
			{Kind: model.KindRunTest, RunTestID: "leaf"},
			{Kind: model.KindRunTest, RunTestID: "leaf"},
		}},
	}
	deps := depsWith(f)
	deps.Repo = repo
	deps.Dispatch = selfDispatch(deps)

	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindRunTest, RunTestID: "parent"}, deps)
	require.True(t, outcome.Success, "error: %s", outcome.Error)
	assert.Equal(t, []string{"http://parent", "http://leaf", "http://leaf"}, f.navigated)
}

func TestExecute_RecoversHandlerPanic(t *testing.T) {
	// a nil repo makes handleRunTest panic on the GetTest call; the
	// Execute boundary must convert that into a failed outcome.
	deps := depsWith(&fakeBrowser{})
	deps.Repo = nil
	outcome := Execute(context.Background(), model.StepDef{Kind: model.KindRunTest, RunTestID: "x"}, deps)
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
}

func TestClickNth_OutOfBounds(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) {
		return map[string]interface{}{"count": float64(2)}, nil
	}}
	step := model.StepDef{Kind: model.KindClickNth, TextHelper: model.TextHelperDef{Selector: "li", Index: 2}}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.False(t, outcome.Success)
	assert.Equal(t, "out_of_bounds(2)", outcome.Error)
}

func TestClickNth_ClicksAtIndex(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) {
		return map[string]interface{}{"count": float64(3), "clicked": true}, nil
	}}
	step := model.StepDef{Kind: model.KindClickNth, TextHelper: model.TextHelperDef{Selector: "li", Index: 1}}
	outcome := Execute(context.Background(), step, depsWith(f))
	assert.True(t, outcome.Success)
}

func TestAssertText_AbsentInvertsPredicate(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	step := model.StepDef{Kind: model.KindAssertText, TextHelper: model.TextHelperDef{Text: "gone", Absent: true}}
	outcome := Execute(context.Background(), step, depsWith(f))
	assert.True(t, outcome.Success)
}

func TestWaitForTextGone_SucceedsWhenTextAbsent(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	step := model.StepDef{Kind: model.KindWaitForTextGone, TextHelper: model.TextHelperDef{Text: "Loading"}}
	outcome := Execute(context.Background(), step, depsWith(f))
	assert.True(t, outcome.Success)
}

func TestFillForm_ReportsFailingFieldIndexAndSelector(t *testing.T) {
	f := &fakeBrowser{}
	fields := []model.FormFieldDef{
		{Selector: "#name", Value: "alice"},
		{Selector: "#email", Value: "a@example.com"},
	}
	calls := 0
	deps := depsWith(f)
	deps.Client = &countingFillBrowser{fakeBrowser: f, failFrom: 2, calls: &calls}

	step := model.StepDef{Kind: model.KindFillForm, TextHelper: model.TextHelperDef{Fields: fields}}
	outcome := Execute(context.Background(), step, deps)
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "field 1 (#email)")
}

// countingFillBrowser fails Fill from the failFrom-th call onward.
type countingFillBrowser struct {
	*fakeBrowser
	failFrom int
	calls    *int
}

func (c *countingFillBrowser) Fill(ctx context.Context, selector, value string) error {
	*c.calls++
	if *c.calls >= c.failFrom {
		return fmt.Errorf("Element not found: %s", selector)
	}
	return c.fakeBrowser.Fill(ctx, selector, value)
}

func TestScanInput_FillsThenPressesEnter(t *testing.T) {
	f := &fakeBrowser{}
	step := model.StepDef{Kind: model.KindScanInput, TextHelper: model.TextHelperDef{Selector: "#scan", Value: "12345"}}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, [][2]string{{"#scan", "12345"}}, f.fills)
	assert.Equal(t, []string{"Enter"}, f.keys)
}

func TestCloseModal_DefaultFallsBackToEscape(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return false, nil }}
	step := model.StepDef{Kind: model.KindCloseModal}
	outcome := Execute(context.Background(), step, depsWith(f))
	require.True(t, outcome.Success)
	assert.Equal(t, []string{"Escape"}, f.keys)
}

func TestExpandMenu_AlreadyExpandedIsNoOp(t *testing.T) {
	f := &fakeBrowser{evalFn: func(string) (interface{}, error) { return "already-expanded", nil }}
	step := model.StepDef{Kind: model.KindExpandMenu, TextHelper: model.TextHelperDef{Group: "Settings"}}
	outcome := Execute(context.Background(), step, depsWith(f))
	assert.True(t, outcome.Success)
}
