// Package interpolate implements the step-template substitution language:
// $env.KEY and $vars.KEY references inside step string fields, plus the
// browser-synced-variable tracking that lets those references compile to a
// page-side property access instead of an inlined serialized literal.
package interpolate

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// The <ident> grammar for both namespaces is a letter or underscore
// followed by letters, digits or underscores.
var (
	envPattern  = regexp.MustCompile(`\$env\.([A-Za-z_][A-Za-z0-9_]*)`)
	varsPattern = regexp.MustCompile(`\$vars\.([A-Za-z_][A-Za-z0-9_]*)`)
)

// Interpolator resolves $env/$vars references against a fixed env mapping
// and the run's variable store, consulting BrowserSyncedVars to decide
// whether a $vars reference should emit a serialized literal or a
// window.__cdp_vars property access.
type Interpolator struct {
	synced *model.BrowserSyncedVars
}

func New(synced *model.BrowserSyncedVars) *Interpolator {
	return &Interpolator{synced: synced}
}

// MarkVarSynced / UnmarkVarSynced mutate the BrowserSyncedVars set.
// The loop executor is the only caller; it must pair these around the loop
// body on every exit path, including failure.
func (ip *Interpolator) MarkVarSynced(name string) {
	ip.synced.Mark(name)
}

func (ip *Interpolator) UnmarkVarSynced(name string) {
	ip.synced.Unmark(name)
}

// Interpolate substitutes every $env.<ident> then every $vars.<ident> match
// in template. Unknown names are left verbatim. $env is resolved first so
// that env values may not themselves contain var references intended for
// expansion.
func Interpolate(template string, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) string {
	out := envPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		v, ok := env[name]
		if !ok {
			return m
		}
		return stringify(v)
	})

	out = varsPattern.ReplaceAllStringFunc(out, func(m string) string {
		name := varsPattern.FindStringSubmatch(m)[1]
		v, ok := vars.Get(name)
		if !ok {
			return m
		}
		if synced != nil && synced.IsSynced(name) {
			return fmt.Sprintf("window.__cdp_vars[%s]", jsonQuote(name))
		}
		return stringify(v)
	})

	return out
}

// stringify renders a value as its canonical string form for inlining:
// numbers/booleans by value, null/undefined as the literal word, strings
// as-is, everything else JSON-serialized.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64, int, int64, int32:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// InterpolateStep returns a copy of step with every user-supplied string
// field passed through Interpolate. Structural fields (retry, headers,
// modifiers, numeric durations, booleans, match mode, as-names, a loop's
// child steps, and a non-string http_request body) are carried through
// unchanged. A loop's children are deliberately NOT recursively interpolated
// here — the loop executor interpolates them per iteration.
func InterpolateStep(step model.StepDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) model.StepDef {
	out := step
	sub := func(s string) string { return Interpolate(s, env, vars, synced) }

	switch step.Kind {
	case model.KindEvaluate:
		out.Eval = sub(step.Eval)
	case model.KindFill:
		out.Selector = sub(step.Selector)
		out.Value = sub(step.Value)
	case model.KindClick, model.KindHover:
		out.Selector = sub(step.Selector)
	case model.KindAssert:
		out.AssertExpr = sub(step.AssertExpr)
	case model.KindWaitFor:
		out.Selector = sub(step.Selector)
	case model.KindMockNetwork:
		out.MockRule.Match = sub(step.MockRule.Match)
		if s, ok := step.MockRule.Body.(string); ok {
			out.MockRule.Body = sub(s)
		}
	case model.KindRunTest:
		out.RunTestID = sub(step.RunTestID)
	case model.KindSelect:
		out.Selector = sub(step.Selector)
		out.Value = sub(step.Value)
	case model.KindPressKey:
		out.PressKeyName = sub(step.PressKeyName)
	case model.KindSwitchFrame:
		out.SwitchFrameSel = sub(step.SwitchFrameSel)
	case model.KindHandleDialog:
		out.DialogText = sub(step.DialogText)
	case model.KindHTTPRequest:
		out.HTTPRequest.URL = sub(step.HTTPRequest.URL)
		if s, ok := step.HTTPRequest.Body.(string); ok {
			out.HTTPRequest.Body = sub(s)
		}
	case model.KindLoop:
		out.Loop.Over = sub(step.Loop.Over)
		// out.Loop.While and out.Loop.Steps are intentionally left alone:
		// the loop executor interpolates the condition and the children per
		// iteration, so loop-variable references see current values.
	case model.KindScanInput, model.KindFillForm, model.KindScrollTo,
		model.KindClearInput, model.KindWaitForText, model.KindWaitForTextGone,
		model.KindAssertText, model.KindClickText, model.KindClickNth,
		model.KindType, model.KindChooseDropdown, model.KindExpandMenu,
		model.KindToggle, model.KindCloseModal:
		out.TextHelper.Text = sub(step.TextHelper.Text)
		out.TextHelper.Selector = sub(step.TextHelper.Selector)
		out.TextHelper.Scope = sub(step.TextHelper.Scope)
		out.TextHelper.Value = sub(step.TextHelper.Value)
		out.TextHelper.Group = sub(step.TextHelper.Group)
		out.TextHelper.Label = sub(step.TextHelper.Label)
	}

	if step.If != "" {
		out.If = sub(step.If)
	}
	return out
}
