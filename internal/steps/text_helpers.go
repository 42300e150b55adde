package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

const (
	defaultTextPollInterval = 200 * time.Millisecond
	defaultTextPollTimeout  = 5 * time.Second
	defaultDropdownTimeout  = 3 * time.Second
	defaultTypeCharDelay    = 50 * time.Millisecond
)

func effectiveMatch(m model.MatchMode) model.MatchMode {
	if m == "" {
		return model.MatchContains
	}
	return m
}

func matchCheck(varName string, match model.MatchMode, pattern string) string {
	p := jsQuote(pattern)
	switch effectiveMatch(match) {
	case model.MatchExact:
		return fmt.Sprintf("(%s === %s)", varName, p)
	case model.MatchRegex:
		return fmt.Sprintf("(new RegExp(%s).test(%s))", p, varName)
	default:
		return fmt.Sprintf("(%s.indexOf(%s) !== -1)", varName, p)
	}
}

func scopeExpr(scope string) string {
	if scope == "" {
		return "document.body"
	}
	return fmt.Sprintf("document.querySelector(%s)", jsQuote(scope))
}

func durationOrDefault(ms *int, def time.Duration) time.Duration {
	if ms != nil && *ms > 0 {
		return time.Duration(*ms) * time.Millisecond
	}
	return def
}

// executeTextHelper is the dispatch point for the text/form helper kinds,
// each a small scripted DOM query plus action.
func executeTextHelper(ctx context.Context, step model.StepDef, deps *Deps) model.StepOutcome {
	h := step.TextHelper
	switch step.Kind {
	case model.KindWaitForText:
		return waitForText(ctx, h, deps, true)
	case model.KindWaitForTextGone:
		return waitForText(ctx, h, deps, false)
	case model.KindAssertText:
		return assertText(ctx, h, deps)
	case model.KindClickText:
		return clickText(ctx, h, deps)
	case model.KindClickNth:
		return clickNth(ctx, h, deps)
	case model.KindType:
		return typeText(ctx, h, deps)
	case model.KindChooseDropdown:
		return chooseDropdown(ctx, h, deps)
	case model.KindExpandMenu:
		return expandMenu(ctx, h, deps)
	case model.KindToggle:
		return toggle(ctx, h, deps)
	case model.KindCloseModal:
		return closeModal(ctx, h, deps)
	case model.KindScanInput:
		return scanInput(ctx, h, deps)
	case model.KindFillForm:
		return fillForm(ctx, h, deps)
	case model.KindScrollTo:
		return scrollTo(ctx, h, deps)
	case model.KindClearInput:
		return clearInput(ctx, h, deps)
	default:
		return fail("%s step requires a recognized kind", step.Kind)
	}
}

func waitForText(ctx context.Context, h model.TextHelperDef, deps *Deps, wantPresent bool) model.StepOutcome {
	if h.Text == "" {
		return fail("%s step requires text", kindLabel(wantPresent))
	}
	timeout := durationOrDefault(h.TimeoutMS, defaultTextPollTimeout)
	interval := durationOrDefault(h.IntervalMS, defaultTextPollInterval)
	deadline := time.Now().Add(timeout)

	script := fmt.Sprintf(`(function(){
		var el = %s;
		if (!el) return %s;
		var t = el.innerText || "";
		return %s;
	})()`, scopeExpr(h.Scope), boolJS(!wantPresent), matchCheck("t", h.Match, h.Text))

	for {
		v, err := deps.Client.Evaluate(ctx, script)
		if err == nil {
			if b, _ := v.(bool); b == wantPresent {
				return ok(nil)
			}
		}
		if time.Now().After(deadline) {
			verb := "appear"
			if !wantPresent {
				verb = "disappear"
			}
			return fail("timed out waiting for text to %s: %q", verb, h.Text)
		}
		time.Sleep(interval)
	}
}

func kindLabel(wantPresent bool) string {
	if wantPresent {
		return "wait_for_text"
	}
	return "wait_for_text_gone"
}

func boolJS(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func assertText(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Text == "" {
		return fail("assert_text step requires text")
	}
	script := fmt.Sprintf(`(function(){
		var el = %s;
		if (!el) return false;
		var t = el.innerText || "";
		return %s;
	})()`, scopeExpr(h.Scope), matchCheck("t", h.Match, h.Text))

	check := func() (bool, error) {
		v, err := deps.Client.Evaluate(ctx, script)
		if err != nil {
			return false, err
		}
		b, _ := v.(bool)
		if h.Absent {
			b = !b
		}
		return b, nil
	}

	if h.Retry == nil {
		matched, err := check()
		if err != nil {
			return fail("%s", err)
		}
		if !matched {
			return fail("assert_text: expected %q not satisfied", h.Text)
		}
		return ok(nil)
	}

	interval := h.Retry.IntervalMS
	if interval <= 0 {
		interval = defaultRetryIntervalMS
	}
	timeoutMS := h.Retry.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultRetryTimeoutMS
	}
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		matched, err := check()
		if err == nil && matched {
			return ok(nil)
		}
		if time.Now().After(deadline) {
			return fail("assert_text: expected %q not satisfied", h.Text)
		}
		time.Sleep(time.Duration(interval) * time.Millisecond)
	}
}

const candidateSelector = `button, a, [role="button"], [tabindex]`

func clickText(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Text == "" {
		return fail("click_text step requires text")
	}
	script := fmt.Sprintf(`(function(){
		var scope = %s;
		if (!scope) return false;
		var candidates = scope.querySelectorAll(%s);
		for (var i = 0; i < candidates.length; i++) {
			var t = candidates[i].textContent || "";
			if (%s) {
				var target = candidates[i].closest(%s) || candidates[i];
				target.click();
				return true;
			}
		}
		return false;
	})()`, scopeExpr(h.Scope), jsQuote(candidateSelector), matchCheck("t", h.Match, h.Text), jsQuote(candidateSelector))

	v, err := deps.Client.Evaluate(ctx, script)
	if err != nil {
		return fail("%s", err)
	}
	if b, _ := v.(bool); !b {
		return fail("Element not found: text %q", h.Text)
	}
	return ok(nil)
}

func clickNth(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	selector := h.Selector
	if selector == "" {
		selector = candidateSelector
	}
	var filter string
	if h.Text != "" {
		filter = fmt.Sprintf(`candidates = Array.prototype.filter.call(candidates, function(el){ var t = el.textContent || ""; return %s; });`, matchCheck("t", h.Match, h.Text))
	}
	script := fmt.Sprintf(`(function(){
		var scope = %s;
		if (!scope) return {count:0};
		var candidates = scope.querySelectorAll(%s);
		%s
		if (%d < 0 || %d >= candidates.length) return {count: candidates.length};
		candidates[%d].click();
		return {count: candidates.length, clicked: true};
	})()`, scopeExpr(h.Scope), jsQuote(selector), filter, h.Index, h.Index, h.Index)

	v, err := deps.Client.Evaluate(ctx, script)
	if err != nil {
		return fail("%s", err)
	}
	m, _ := v.(map[string]interface{})
	if clicked, _ := m["clicked"].(bool); clicked {
		return ok(nil)
	}
	count := 0
	if c, ok := m["count"].(float64); ok {
		count = int(c)
	}
	return fail("out_of_bounds(%d)", count)
}

func typeText(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Selector == "" {
		return fail("type step requires a selector")
	}
	focusScript := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		if (%s) {
			var setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
			setter.call(el, '');
			el.dispatchEvent(new Event('input', {bubbles:true}));
		}
		return true;
	})()`, jsQuote(h.Selector), boolJS(h.ClearFirst))

	v, err := deps.Client.Evaluate(ctx, focusScript)
	if err != nil {
		return fail("%s", err)
	}
	if b, _ := v.(bool); !b {
		return fail("Element not found: %s", h.Selector)
	}

	delay := defaultTypeCharDelay
	if h.DelayMS != nil && *h.DelayMS >= 0 {
		delay = time.Duration(*h.DelayMS) * time.Millisecond
	}

	for _, r := range h.Value {
		ch := string(r)
		script := fmt.Sprintf(`(function(){
			var el = document.querySelector(%s);
			if (!el) return;
			el.dispatchEvent(new KeyboardEvent('keydown', {key: %s, bubbles:true}));
			el.dispatchEvent(new KeyboardEvent('keypress', {key: %s, bubbles:true}));
			var setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
			setter.call(el, el.value + %s);
			el.dispatchEvent(new Event('input', {bubbles:true}));
			el.dispatchEvent(new KeyboardEvent('keyup', {key: %s, bubbles:true}));
		})()`, jsQuote(h.Selector), jsQuote(ch), jsQuote(ch), jsQuote(ch), jsQuote(ch))
		if _, err := deps.Client.Evaluate(ctx, script); err != nil {
			return fail("%s", err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return ok(nil)
}

func chooseDropdown(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Selector == "" {
		return fail("choose_dropdown step requires a trigger selector")
	}
	if err := deps.Client.Click(ctx, h.Selector); err != nil {
		return fail("%s", err)
	}

	timeout := durationOrDefault(h.TimeoutMS, defaultDropdownTimeout)
	deadline := time.Now().Add(timeout)
	script := fmt.Sprintf(`(function(){
		var candidates = document.querySelectorAll('[role="menuitem"], [role="option"]');
		for (var i = 0; i < candidates.length; i++) {
			var t = candidates[i].textContent || "";
			if (%s) { candidates[i].click(); return true; }
		}
		return false;
	})()`, matchCheck("t", h.Match, h.Text))

	for {
		v, err := deps.Client.Evaluate(ctx, script)
		if err == nil {
			if b, _ := v.(bool); b {
				return ok(nil)
			}
		}
		if time.Now().After(deadline) {
			return fail("timed out waiting for dropdown option: %q", h.Text)
		}
		time.Sleep(defaultTextPollInterval)
	}
}

func expandMenu(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Group == "" {
		return fail("expand_menu step requires a group")
	}
	script := fmt.Sprintf(`(function(){
		var expanded = document.querySelector('[aria-label=' + JSON.stringify(%s + ", expanded") + ']');
		if (expanded) return "already-expanded";
		var collapsed = document.querySelector('[aria-label=' + JSON.stringify(%s + ", collapsed") + ']');
		if (!collapsed) return "not-found";
		collapsed.click();
		return "clicked";
	})()`, jsQuote(h.Group), jsQuote(h.Group))

	v, err := deps.Client.Evaluate(ctx, script)
	if err != nil {
		return fail("%s", err)
	}
	result, _ := v.(string)
	if result == "not-found" {
		return fail("Element not found: menu group %q", h.Group)
	}
	return ok(nil)
}

func toggle(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Label == "" {
		return fail("toggle step requires a label")
	}
	var desired string
	if h.State != nil {
		desired = boolJS(*h.State)
	} else {
		desired = "null"
	}
	script := fmt.Sprintf(`(function(){
		var labels = document.querySelectorAll('label, [role="switch"], [role="checkbox"]');
		var label = null;
		for (var i = 0; i < labels.length; i++) {
			var t = labels[i].textContent || "";
			if (t.indexOf(%s) !== -1) { label = labels[i]; break; }
		}
		if (!label) return "not-found";

		var input = null;
		if (label.htmlFor) input = document.getElementById(label.htmlFor);
		if (!input) input = label.querySelector('input');
		if (!input) input = label;

		var current;
		if (input.tagName === 'INPUT') current = input.checked;
		else current = input.getAttribute('aria-checked') === 'true';

		var desired = %s;
		if (desired === null || desired !== current) {
			input.click();
		}
		return "ok";
	})()`, jsQuote(h.Label), desired)

	v, err := deps.Client.Evaluate(ctx, script)
	if err != nil {
		return fail("%s", err)
	}
	if result, _ := v.(string); result == "not-found" {
		return fail("Element not found: label %q", h.Label)
	}
	return ok(nil)
}

var defaultCloseButtonSelectors = []string{
	`[aria-label="Close"]`, `[aria-label="close"]`, `.modal-close`, `button.close`,
}

func closeModal(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	strategy := h.Strategy
	if strategy == "" {
		strategy = "button"
	}

	tryButton := func() bool {
		selectorsJSON := "["
		for i, s := range defaultCloseButtonSelectors {
			if i > 0 {
				selectorsJSON += ","
			}
			selectorsJSON += jsQuote(s)
		}
		selectorsJSON += "]"
		script := fmt.Sprintf(`(function(){
			var selectors = %s;
			for (var i = 0; i < selectors.length; i++) {
				var el = document.querySelector(selectors[i]);
				if (el) { el.click(); return true; }
			}
			return false;
		})()`, selectorsJSON)
		v, err := deps.Client.Evaluate(ctx, script)
		if err != nil {
			return false
		}
		b, _ := v.(bool)
		return b
	}

	tryEscape := func() bool {
		return deps.Client.PressKey(ctx, "Escape", nil) == nil
	}

	tryBackdrop := func() bool {
		script := `(function(){
			var dialog = document.querySelector('[role="dialog"], .modal, .backdrop');
			if (!dialog) return false;
			var target = dialog.parentElement || dialog;
			target.click();
			return true;
		})()`
		v, err := deps.Client.Evaluate(ctx, script)
		if err != nil {
			return false
		}
		b, _ := v.(bool)
		return b
	}

	switch strategy {
	case "escape":
		if tryEscape() {
			return ok(nil)
		}
	case "backdrop":
		if tryBackdrop() {
			return ok(nil)
		}
	default:
		if tryButton() {
			return ok(nil)
		}
		if tryEscape() {
			return ok(nil)
		}
	}
	return fail("close_modal: no modal closed via strategy %q", strategy)
}

func scanInput(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Selector == "" {
		return fail("scan_input step requires a selector")
	}
	if err := deps.Client.Fill(ctx, h.Selector, h.Value); err != nil {
		return fail("%s", err)
	}
	if err := deps.Client.PressKey(ctx, "Enter", nil); err != nil {
		return fail("%s", err)
	}
	return ok(nil)
}

func fillForm(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if len(h.Fields) == 0 {
		return fail("fill_form step requires at least one field")
	}
	for i, field := range h.Fields {
		if err := deps.Client.Fill(ctx, field.Selector, field.Value); err != nil {
			return fail("fill_form: field %d (%s): %s", i, field.Selector, err)
		}
	}
	return ok(nil)
}

func scrollTo(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Selector == "" {
		return fail("scroll_to step requires a selector")
	}
	script := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return false;
		el.scrollIntoView({block: "center"});
		return true;
	})()`, jsQuote(h.Selector))
	v, err := deps.Client.Evaluate(ctx, script)
	if err != nil {
		return fail("%s", err)
	}
	if b, _ := v.(bool); !b {
		return fail("Element not found: %s", h.Selector)
	}
	return ok(nil)
}

func clearInput(ctx context.Context, h model.TextHelperDef, deps *Deps) model.StepOutcome {
	if h.Selector == "" {
		return fail("clear_input step requires a selector")
	}
	script := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return false;
		var setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
		setter.call(el, '');
		el.dispatchEvent(new Event('input', {bubbles:true}));
		el.dispatchEvent(new Event('change', {bubbles:true}));
		return true;
	})()`, jsQuote(h.Selector))
	v, err := deps.Client.Evaluate(ctx, script)
	if err != nil {
		return fail("%s", err)
	}
	if b, _ := v.(bool); !b {
		return fail("Element not found: %s", h.Selector)
	}
	return ok(nil)
}
