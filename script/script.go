// Package script defines the declarative automation script executed by the
// engine and the strict parsing that turns a JSON document into one.
package script

import (
	"encoding/json"
	"time"
)

// BackendKind selects the automation backend for a run.
type BackendKind string

const (
	BackendDirect      BackendKind = "direct"
	BackendAgentDriven BackendKind = "agentDriven"
)

// IsValid checks if the backend kind is known.
func (k BackendKind) IsValid() bool {
	return k == BackendDirect || k == BackendAgentDriven
}

// BrowserKind selects the browser engine of the direct backend.
type BrowserKind string

const (
	BrowserChromium BrowserKind = "chromium"
	BrowserFirefox  BrowserKind = "firefox"
	BrowserWebkit   BrowserKind = "webkit"
)

// Action is the operation a step performs.
type Action string

const (
	ActionGoto             Action = "goto"
	ActionClick            Action = "click"
	ActionFill             Action = "fill"
	ActionSelect           Action = "select"
	ActionWaitForSelector  Action = "waitForSelector"
	ActionWaitTime         Action = "waitTime"
	ActionPress            Action = "press"
	ActionCheck            Action = "check"
	ActionUncheck          Action = "uncheck"
	ActionScreenshot       Action = "screenshot"
	ActionAssertText       Action = "assertText"
	ActionAssertVisible    Action = "assertVisible"
	ActionAgentInstruction Action = "agentInstruction"
	ActionAgentAssert      Action = "agentAssert"
)

// actionAliases maps the agent runner's native vocabulary onto engine actions.
var actionAliases = map[Action]Action{
	"aiAction":  ActionAgentInstruction,
	"aiTap":     ActionAgentInstruction,
	"aiInput":   ActionAgentInstruction,
	"aiWaitFor": ActionAgentInstruction,
	"aiAssert":  ActionAgentAssert,
}

// IsValid checks if the action is a canonical engine action.
func (a Action) IsValid() bool {
	switch a {
	case ActionGoto, ActionClick, ActionFill, ActionSelect, ActionWaitForSelector,
		ActionWaitTime, ActionPress, ActionCheck, ActionUncheck, ActionScreenshot,
		ActionAssertText, ActionAssertVisible, ActionAgentInstruction, ActionAgentAssert:
		return true
	}
	return false
}

// IsAgent reports whether the action is carried out by the agent engine.
func (a Action) IsAgent() bool {
	return a == ActionAgentInstruction || a == ActionAgentAssert
}

// RequiresSelector reports whether the action operates on an element.
func (a Action) RequiresSelector() bool {
	switch a {
	case ActionClick, ActionFill, ActionSelect, ActionWaitForSelector, ActionPress,
		ActionCheck, ActionUncheck, ActionAssertText, ActionAssertVisible:
		return true
	}
	return false
}

// RequiresValue reports whether the action needs a value.
func (a Action) RequiresValue() bool {
	return a == ActionGoto || a == ActionFill || a == ActionSelect
}

const (
	DefaultTimeout      = 30000 * time.Millisecond
	DefaultWaitDuration = 1000 * time.Millisecond
	DefaultWidth        = 1280
	DefaultHeight       = 720
)

// Viewport is the browser viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width" jsonschema:"minimum=1"`
	Height int `json:"height" jsonschema:"minimum=1"`
}

// AutomationScript is an ordered list of steps plus browser settings.
type AutomationScript struct {
	Backend  BackendKind `json:"backendKind,omitempty" jsonschema:"enum=direct,enum=agentDriven"`
	Browser  BrowserKind `json:"browser,omitempty" jsonschema:"oneof_type=string;null"`
	Viewport *Viewport   `json:"viewport,omitempty"`
	Steps    []Step      `json:"steps"`
}

// Step is one declarative action. Index is a reporting label; list order is
// execution order.
type Step struct {
	Index             int    `json:"index,omitempty" jsonschema:"minimum=0"`
	Action            Action `json:"action" jsonschema:"enum=goto,enum=click,enum=fill,enum=select,enum=waitForSelector,enum=waitTime,enum=press,enum=check,enum=uncheck,enum=screenshot,enum=assertText,enum=assertVisible,enum=agentInstruction,enum=agentAssert,enum=aiAction,enum=aiTap,enum=aiInput,enum=aiWaitFor,enum=aiAssert"`
	Selector          string `json:"selector,omitempty" jsonschema:"oneof_type=string;null"`
	Value             string `json:"value,omitempty" jsonschema:"oneof_type=string;null"`
	Expected          string `json:"expected,omitempty" jsonschema:"oneof_type=string;null"`
	Instruction       string `json:"instruction,omitempty" jsonschema:"oneof_type=string;null"`
	Duration          int    `json:"duration,omitempty" jsonschema:"minimum=0"`
	Timeout           int    `json:"timeout,omitempty" jsonschema:"minimum=0"`
	CaptureScreenshot *bool  `json:"captureScreenshot,omitempty"`
	Screenshot        *bool  `json:"screenshot,omitempty"`
	Description       string `json:"description,omitempty" jsonschema:"oneof_type=string;null"`

	indexSet bool
}

// UnmarshalJSON keeps track of whether the document named an index, so an
// explicit 0 survives normalization.
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	aux := struct {
		*plain
		Index *int `json:"index"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Index = 0
	s.indexSet = aux.Index != nil
	if aux.Index != nil {
		s.Index = *aux.Index
	}
	return nil
}

// TimeoutDuration returns the per-step timeout, defaulting to 30s.
func (s Step) TimeoutDuration() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(s.Timeout) * time.Millisecond
}

// WaitDuration returns the waitTime duration, defaulting to 1s.
func (s Step) WaitDuration() time.Duration {
	if s.Duration <= 0 {
		return DefaultWaitDuration
	}
	return time.Duration(s.Duration) * time.Millisecond
}

// WantsScreenshot reports whether a screenshot should follow a successful step.
// waitTime never captures and the screenshot action captures on its own.
func (s Step) WantsScreenshot() bool {
	if s.Action == ActionWaitTime || s.Action == ActionScreenshot {
		return false
	}
	if s.CaptureScreenshot != nil {
		return *s.CaptureScreenshot
	}
	return true
}

// InstructionText returns the natural-language instruction of an agent step.
func (s Step) InstructionText() string {
	switch {
	case s.Instruction != "":
		return s.Instruction
	case s.Value != "":
		return s.Value
	default:
		return s.Description
	}
}

// ExpectedText returns the text an assertText step looks for.
func (s Step) ExpectedText() string {
	if s.Expected != "" {
		return s.Expected
	}
	return s.Value
}

// HasAgentSteps reports whether any step needs the agent engine.
func (a *AutomationScript) HasAgentSteps() bool {
	for _, s := range a.Steps {
		if s.Action.IsAgent() {
			return true
		}
	}
	return false
}

// ViewportOrDefault returns the viewport, falling back to 1280x720.
func (a *AutomationScript) ViewportOrDefault() Viewport {
	if a.Viewport == nil || a.Viewport.Width <= 0 || a.Viewport.Height <= 0 {
		return Viewport{Width: DefaultWidth, Height: DefaultHeight}
	}
	return *a.Viewport
}
