package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

const (
	defaultRetryIntervalMS = 100
	defaultRetryTimeoutMS  = 5000
	defaultWaitForInterval = 100 * time.Millisecond
	defaultWaitForTimeout  = 5 * time.Second
)

// handleAssert evaluates the expression; success iff truthy. Without a
// retry clause the expression is tried exactly once; with one, a falsy or
// erroring result is retried every interval until timeout elapses,
// reporting the last error.
func handleAssert(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.AssertExpr == "" {
		return fail("assert step requires an expression")
	}

	attempt := func() (bool, string) {
		v, err := deps.Client.Evaluate(ctx, step.AssertExpr)
		if err != nil {
			return false, err.Error()
		}
		if truthy(v) {
			return true, ""
		}
		return false, "assertion failed: expression evaluated to a falsy value"
	}

	if step.Retry == nil {
		if passed, errMsg := attempt(); !passed {
			return fail("%s", errMsg)
		}
		return ok(nil)
	}

	intervalMS, timeoutMS := defaultRetryIntervalMS, defaultRetryTimeoutMS
	if step.Retry.IntervalMS > 0 {
		intervalMS = step.Retry.IntervalMS
	}
	if step.Retry.TimeoutMS > 0 {
		timeoutMS = step.Retry.TimeoutMS
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		passed, errMsg := attempt()
		if passed {
			return ok(nil)
		}
		if time.Now().After(deadline) {
			return fail("%s", errMsg)
		}
		time.Sleep(time.Duration(intervalMS) * time.Millisecond)
	}
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

// handleWait sleeps for the given milliseconds; a zero wait resolves
// immediately without error.
func handleWait(step model.StepDef) model.StepOutcome {
	if step.WaitMS < 0 {
		return fail("wait step requires a non-negative duration in milliseconds")
	}
	if step.WaitMS > 0 {
		time.Sleep(time.Duration(step.WaitMS) * time.Millisecond)
	}
	return ok(nil)
}

// handleWaitFor polls document.querySelector every 100ms until timeout
// (default 5000ms) for the selector to exist.
func handleWaitFor(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	if step.Selector == "" {
		return fail("wait_for step requires a selector")
	}
	timeout := defaultWaitForTimeout
	if step.WaitForTimeoutMS > 0 {
		timeout = time.Duration(step.WaitForTimeoutMS) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	script := fmt.Sprintf(`document.querySelector(%s) !== null`, jsQuote(step.Selector))

	for {
		v, err := deps.Client.Evaluate(ctx, script)
		if err == nil {
			if b, _ := v.(bool); b {
				return ok(nil)
			}
		}
		if time.Now().After(deadline) {
			return fail("timed out waiting for selector: %s", step.Selector)
		}
		time.Sleep(defaultWaitForInterval)
	}
}

var consoleLevelAliases = map[string]string{"warn": "warning"}

// handleConsoleCheck fails if any collected console message's level matches
// the requested set; non-destructive.
func handleConsoleCheck(step model.StepDef, deps *Deps) model.StepOutcome {
	if len(step.ConsoleLevels) == 0 {
		return fail("console_check step requires at least one level")
	}
	wanted := make(map[string]struct{}, len(step.ConsoleLevels))
	for _, l := range step.ConsoleLevels {
		if alias, ok := consoleLevelAliases[l]; ok {
			l = alias
		}
		wanted[l] = struct{}{}
	}

	var matches []string
	for _, rec := range deps.Client.GetConsoleMessages() {
		if _, ok := wanted[rec.Level]; ok {
			matches = append(matches, fmt.Sprintf("[%s] %s", rec.Level, rec.Text))
		}
	}
	if len(matches) > 0 {
		return fail("console messages matched: %s", strings.Join(matches, "; "))
	}
	return ok(nil)
}

// handleNetworkCheck(true) fails if any response has status >= 400;
// network_check(false) is a no-op pass.
func handleNetworkCheck(step model.StepDef, deps *Deps) model.StepOutcome {
	if !step.NetworkCheck {
		return ok(nil)
	}
	var matches []string
	for _, rec := range deps.Client.GetNetworkResponses() {
		if rec.Status >= 400 {
			matches = append(matches, fmt.Sprintf("%d %s", rec.Status, rec.URL))
		}
	}
	if len(matches) > 0 {
		return fail("network errors: %s", strings.Join(matches, "; "))
	}
	return ok(nil)
}

func handleMockNetwork(step model.StepDef, deps *Deps) model.StepOutcome {
	if step.MockRule.Match == "" {
		return fail("mock_network step requires a match pattern")
	}
	deps.Client.AddMockRule(step.MockRule.Match, step.MockRule.Status, step.MockRule.Body, step.MockRule.DelayMS)
	return ok(nil)
}

func handleScreenshot(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	data, err := deps.Client.CaptureScreenshot(ctx)
	if err != nil {
		return fail("%s", err)
	}
	return ok(data)
}
