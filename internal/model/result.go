package model

import "time"

// ConsoleRecord is appended when the browser emits a console message.
type ConsoleRecord struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	Time  time.Time `json:"timestamp"`
}

// NetworkRecord is appended on response-received; DurationMS is
// computed from the request-will-be-sent start-time map.
type NetworkRecord struct {
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	Time       time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
}

// LoopBreadcrumb describes one enclosing loop iteration on a failure path
// . Outer loops prepend their own breadcrumb ahead of inner ones.
type LoopBreadcrumb struct {
	Iteration int    `json:"iteration"`
	Step      int    `json:"step"`
	Label     string `json:"label,omitempty"`
}

// StepOutcome is what every step handler returns: a first-class
// value, never an exception, so loop layers can prepend breadcrumbs without
// rewriting errors.
type StepOutcome struct {
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	Value       interface{}      `json:"value,omitempty"`
	Skipped     bool             `json:"skipped,omitempty"`
	LoopContext []LoopBreadcrumb `json:"loop_context,omitempty"`
}

// RunStatus is the TestResult verdict.
type RunStatus string

const (
	StatusPassed RunStatus = "passed"
	StatusFailed RunStatus = "failed"
)

// TestResult is the aggregate verdict of a runTest invocation.
type TestResult struct {
	Status RunStatus `json:"status"`

	// Populated only on failure.
	FailedStepIndex int              `json:"failed_step_index,omitempty"`
	FailedLabel     string           `json:"failed_label,omitempty"`
	FailedStep      *StepDef         `json:"failed_step,omitempty"`
	Error           string           `json:"error,omitempty"`
	LoopContext     []LoopBreadcrumb `json:"loop_context,omitempty"`

	StepsCompleted int             `json:"steps_completed"`
	DurationMS     int64           `json:"duration_ms"`
	Console        []ConsoleRecord `json:"console"`
	Network        []NetworkRecord `json:"network"`

	FinalDOMSnapshot string         `json:"final_dom_snapshot,omitempty"`
	Screenshot       string         `json:"screenshot,omitempty"`
	StepDOMSnapshots map[int]string `json:"step_dom_snapshots,omitempty"`

	Vars map[string]interface{} `json:"vars,omitempty"`
}
