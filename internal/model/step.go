// Package model defines the data shapes the step execution engine operates
// on: test definitions, the step tagged-union, variable stores and the
// outcomes/results the runner produces.
package model

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates a StepDef. Every StepDef carries exactly one Kind; the
// dispatcher in package steps exhaustively switches on it.
type Kind string

const (
	KindEvaluate        Kind = "eval"
	KindFill            Kind = "fill"
	KindClick           Kind = "click"
	KindAssert          Kind = "assert"
	KindWait            Kind = "wait"
	KindWaitFor         Kind = "wait_for"
	KindConsoleCheck    Kind = "console_check"
	KindNetworkCheck    Kind = "network_check"
	KindMockNetwork     Kind = "mock_network"
	KindRunTest         Kind = "run_test"
	KindScreenshot      Kind = "screenshot"
	KindSelect          Kind = "select"
	KindPressKey        Kind = "press_key"
	KindHover           Kind = "hover"
	KindSwitchFrame     Kind = "switch_frame"
	KindHandleDialog    Kind = "handle_dialog"
	KindHTTPRequest     Kind = "http_request"
	KindLoop            Kind = "loop"
	KindScanInput       Kind = "scan_input"
	KindFillForm        Kind = "fill_form"
	KindScrollTo        Kind = "scroll_to"
	KindClearInput      Kind = "clear_input"
	KindWaitForText     Kind = "wait_for_text"
	KindWaitForTextGone Kind = "wait_for_text_gone"
	KindAssertText      Kind = "assert_text"
	KindClickText       Kind = "click_text"
	KindClickNth        Kind = "click_nth"
	KindType            Kind = "type"
	KindChooseDropdown  Kind = "choose_dropdown"
	KindExpandMenu      Kind = "expand_menu"
	KindToggle          Kind = "toggle"
	KindCloseModal      Kind = "close_modal"
)

// kindOrder fixes the priority used to resolve the discriminator key when
// decoding a step object: the first of these keys present in the JSON object
// wins. Declared once, in a stable order, so decoding never depends on map
// iteration order.
var kindOrder = []Kind{
	KindEvaluate, KindFill, KindClick, KindAssert, KindWait, KindWaitFor,
	KindConsoleCheck, KindNetworkCheck, KindMockNetwork, KindRunTest,
	KindScreenshot, KindSelect, KindPressKey, KindHover, KindSwitchFrame,
	KindHandleDialog, KindHTTPRequest, KindLoop,
	KindScanInput, KindFillForm, KindScrollTo, KindClearInput,
	KindWaitForText, KindWaitForTextGone, KindAssertText, KindClickText,
	KindClickNth, KindType, KindChooseDropdown, KindExpandMenu, KindToggle,
	KindCloseModal,
}

// RetryOpts bounds a poll-until-truthy loop used by assert and assert_text.
type RetryOpts struct {
	IntervalMS int `json:"interval"`
	TimeoutMS  int `json:"timeout"`
}

// MockRuleDef is the uncompiled, author-facing form of a mock_network step's
// payload. The CDP client compiles Match into an anchored regexp at
// addMockRule time.
type MockRuleDef struct {
	Match   string      `json:"match"`
	Status  int         `json:"status"`
	Body    interface{} `json:"body,omitempty"`
	DelayMS int         `json:"delay,omitempty"`
}

// HTTPRequestDef is the payload of an http_request step.
type HTTPRequestDef struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	As      string            `json:"as,omitempty"`
}

// LoopDef is the payload of a loop step. Exactly one of Over/While is set.
type LoopDef struct {
	Over    string    `json:"over,omitempty"`
	While   string    `json:"while,omitempty"`
	Steps   []StepDef `json:"steps"`
	As      string    `json:"as,omitempty"`
	IndexAs string    `json:"index_as,omitempty"`
	Max     *int      `json:"max,omitempty"`
}

// MatchMode controls how a text helper compares scraped text against a
// pattern.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchExact    MatchMode = "exact"
	MatchRegex    MatchMode = "regex"
)

// TextHelperDef carries the union of fields used by the high-level
// text/form helper kinds. Not every field applies to every helper kind; see
// package steps for which fields each helper reads.
type TextHelperDef struct {
	Text       string         `json:"text,omitempty"`
	Selector   string         `json:"selector,omitempty"`
	Scope      string         `json:"scope,omitempty"`
	Match      MatchMode      `json:"match,omitempty"`
	Absent     bool           `json:"absent,omitempty"`
	Retry      *RetryOpts     `json:"retry,omitempty"`
	TimeoutMS  *int           `json:"timeout,omitempty"`
	IntervalMS *int           `json:"interval,omitempty"`
	Index      int            `json:"index,omitempty"`
	Value      string         `json:"value,omitempty"`
	ClearFirst bool           `json:"clear_first,omitempty"`
	DelayMS    *int           `json:"delay,omitempty"`
	Group      string         `json:"group,omitempty"`
	Label      string         `json:"label,omitempty"`
	State      *bool          `json:"state,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Fields     []FormFieldDef `json:"fields,omitempty"`
}

// FormFieldDef is one entry of a fill_form step's field list.
type FormFieldDef struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// StepDef is the tagged union over every step kind the engine understands.
// JSON decoding determines Kind from whichever discriminator key is present
// (see kindOrder) and populates only the fields relevant to that kind;
// dispatch is an exhaustive switch over Kind, never reflection.
type StepDef struct {
	Kind Kind

	// Shared header, present on every variant.
	Label      string `json:"-"`
	If         string `json:"-"`
	Comment    string `json:"-"`
	CaptureDOM bool   `json:"-"`

	Eval             string
	As               string
	Selector         string
	Value            string
	AssertExpr       string
	Retry            *RetryOpts
	WaitMS           int
	WaitForTimeoutMS int
	ConsoleLevels    []string
	NetworkCheck     bool
	MockRule         MockRuleDef
	RunTestID        string
	ScreenshotAs     string
	PressKeyName     string
	PressKeyMods     []string
	SwitchFrameSel   string
	DialogAction     string
	DialogText       string
	HTTPRequest      HTTPRequestDef
	Loop             LoopDef
	TextHelper       TextHelperDef
}

// AsName returns the variable name a successful outcome's value is stored
// under: the shared `as` header, or the inline `as` carried by
// http_request and screenshot payloads.
func (s StepDef) AsName() string {
	if s.As != "" {
		return s.As
	}
	switch s.Kind {
	case KindHTTPRequest:
		return s.HTTPRequest.As
	case KindScreenshot:
		return s.ScreenshotAs
	}
	return ""
}

// rawStep mirrors the wire shape: every possible key, loosely typed, so we
// can probe for presence before committing to a decode.
type rawStep map[string]json.RawMessage

func (s *StepDef) UnmarshalJSON(data []byte) error {
	var raw rawStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("step: %w", err)
	}

	if v, ok := raw["label"]; ok {
		_ = json.Unmarshal(v, &s.Label)
	}
	if v, ok := raw["if"]; ok {
		_ = json.Unmarshal(v, &s.If)
	}
	if v, ok := raw["comment"]; ok {
		_ = json.Unmarshal(v, &s.Comment)
	}
	if v, ok := raw["capture_dom"]; ok {
		_ = json.Unmarshal(v, &s.CaptureDOM)
	}
	if v, ok := raw["as"]; ok {
		_ = json.Unmarshal(v, &s.As)
	}
	if v, ok := raw["retry"]; ok {
		s.Retry = &RetryOpts{}
		_ = json.Unmarshal(v, s.Retry)
	}

	var kind Kind
	for _, k := range kindOrder {
		if _, ok := raw[string(k)]; ok {
			kind = k
			break
		}
	}
	if kind == "" {
		return fmt.Errorf("step: no recognized kind field present")
	}
	s.Kind = kind
	payload := raw[string(kind)]

	switch kind {
	case KindEvaluate:
		return json.Unmarshal(payload, &s.Eval)
	case KindFill, KindClick, KindHover, KindWaitFor:
		if err := json.Unmarshal(payload, &s.Selector); err != nil {
			return fmt.Errorf("%s: selector must be a string: %w", kind, err)
		}
		if kind == KindFill {
			if v, ok := raw["value"]; ok {
				_ = json.Unmarshal(v, &s.Value)
			}
		}
		if kind == KindWaitFor {
			if v, ok := raw["timeout"]; ok {
				_ = json.Unmarshal(v, &s.WaitForTimeoutMS)
			}
		}
		return nil
	case KindAssert:
		return json.Unmarshal(payload, &s.AssertExpr)
	case KindWait:
		return json.Unmarshal(payload, &s.WaitMS)
	case KindConsoleCheck:
		return json.Unmarshal(payload, &s.ConsoleLevels)
	case KindNetworkCheck:
		return json.Unmarshal(payload, &s.NetworkCheck)
	case KindMockNetwork:
		return json.Unmarshal(payload, &s.MockRule)
	case KindRunTest:
		return json.Unmarshal(payload, &s.RunTestID)
	case KindScreenshot:
		// either `"screenshot": true` or `"screenshot": {"as": "shot"}`.
		var asObj struct {
			As string `json:"as"`
		}
		if err := json.Unmarshal(payload, &asObj); err == nil && asObj.As != "" {
			s.ScreenshotAs = asObj.As
			return nil
		}
		if v, ok := raw["as"]; ok {
			_ = json.Unmarshal(v, &s.ScreenshotAs)
		}
		return nil
	case KindSelect:
		if err := json.Unmarshal(payload, &s.Selector); err != nil {
			return err
		}
		if v, ok := raw["value"]; ok {
			_ = json.Unmarshal(v, &s.Value)
		}
		return nil
	case KindPressKey:
		if err := json.Unmarshal(payload, &s.PressKeyName); err != nil {
			return err
		}
		if v, ok := raw["modifiers"]; ok {
			_ = json.Unmarshal(v, &s.PressKeyMods)
		}
		return nil
	case KindSwitchFrame:
		return json.Unmarshal(payload, &s.SwitchFrameSel)
	case KindHandleDialog:
		if err := json.Unmarshal(payload, &s.DialogAction); err != nil {
			return err
		}
		if v, ok := raw["text"]; ok {
			_ = json.Unmarshal(v, &s.DialogText)
		}
		return nil
	case KindHTTPRequest:
		return json.Unmarshal(payload, &s.HTTPRequest)
	case KindLoop:
		return json.Unmarshal(payload, &s.Loop)
	case KindScanInput, KindFillForm, KindScrollTo, KindClearInput,
		KindWaitForText, KindWaitForTextGone, KindAssertText, KindClickText,
		KindClickNth, KindType, KindChooseDropdown, KindExpandMenu,
		KindToggle, KindCloseModal:
		return json.Unmarshal(payload, &s.TextHelper)
	}
	return fmt.Errorf("step: unhandled kind %q", kind)
}

// MarshalJSON round-trips a StepDef back into the one-key-per-kind wire
// shape. Used when a failed TestResult serializes the offending step
// definition for diagnostics.
func (s StepDef) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if s.Label != "" {
		m["label"] = s.Label
	}
	if s.If != "" {
		m["if"] = s.If
	}
	if s.Comment != "" {
		m["comment"] = s.Comment
	}
	if s.CaptureDOM {
		m["capture_dom"] = true
	}
	if s.As != "" {
		m["as"] = s.As
	}
	if s.Retry != nil {
		m["retry"] = s.Retry
	}

	switch s.Kind {
	case KindEvaluate:
		m["eval"] = s.Eval
	case KindFill:
		m["fill"] = s.Selector
		m["value"] = s.Value
	case KindClick, KindHover:
		m[string(s.Kind)] = s.Selector
	case KindWaitFor:
		m["wait_for"] = s.Selector
		if s.WaitForTimeoutMS != 0 {
			m["timeout"] = s.WaitForTimeoutMS
		}
	case KindAssert:
		m["assert"] = s.AssertExpr
	case KindWait:
		m["wait"] = s.WaitMS
	case KindConsoleCheck:
		m["console_check"] = s.ConsoleLevels
	case KindNetworkCheck:
		m["network_check"] = s.NetworkCheck
	case KindMockNetwork:
		m["mock_network"] = s.MockRule
	case KindRunTest:
		m["run_test"] = s.RunTestID
	case KindScreenshot:
		m["screenshot"] = true
		if s.ScreenshotAs != "" {
			m["as"] = s.ScreenshotAs
		}
	case KindSelect:
		m["select"] = s.Selector
		m["value"] = s.Value
	case KindPressKey:
		m["press_key"] = s.PressKeyName
		if len(s.PressKeyMods) > 0 {
			m["modifiers"] = s.PressKeyMods
		}
	case KindSwitchFrame:
		m["switch_frame"] = s.SwitchFrameSel
	case KindHandleDialog:
		m["handle_dialog"] = s.DialogAction
		if s.DialogText != "" {
			m["text"] = s.DialogText
		}
	case KindHTTPRequest:
		m["http_request"] = s.HTTPRequest
	case KindLoop:
		m["loop"] = s.Loop
	case KindScanInput, KindFillForm, KindScrollTo, KindClearInput,
		KindWaitForText, KindWaitForTextGone, KindAssertText, KindClickText,
		KindClickNth, KindType, KindChooseDropdown, KindExpandMenu,
		KindToggle, KindCloseModal:
		m[string(s.Kind)] = s.TextHelper
	}
	return json.Marshal(m)
}
