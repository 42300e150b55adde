package model

// InputDef documents one caller-supplied input a TestDefinition expects.
// Purely descriptive; the core does not validate against it (validation, if
// any, lives in the peripheral API layer).
type InputDef struct {
	Name     string      `json:"name"`
	Type     string      `json:"type,omitempty"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// VerifyPageDef configures the post-navigation check run once before the
// main steps.
type VerifyPageDef struct {
	Selector      string `json:"selector,omitempty"`
	TitleContains string `json:"title_contains,omitempty"`
	URLContains   string `json:"url_contains,omitempty"`
	TimeoutMS     int    `json:"timeout,omitempty"`
}

// TestDefinition is a runnable unit. Identifier, human name and version
// metadata live in the repository contract, not here.
type TestDefinition struct {
	URL        string                 `json:"url"`
	Steps      []StepDef              `json:"steps"`
	Before     []StepDef              `json:"before,omitempty"`
	After      []StepDef              `json:"after,omitempty"`
	Env        map[string]interface{} `json:"env,omitempty"`
	Inputs     []InputDef             `json:"inputs,omitempty"`
	VerifyPage *VerifyPageDef         `json:"verify_page,omitempty"`
	ResumeFrom *int                   `json:"resume_from,omitempty"`
	TimeoutMS  int                    `json:"timeout,omitempty"`
}
