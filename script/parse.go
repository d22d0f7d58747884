package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidScript is returned when a script fails parsing or validation.
var ErrInvalidScript = errors.New("invalid automation script")

const schemaName = "automation-script.json"

// Problem is a single validation failure with its location in the document.
type Problem struct {
	Phase   string `json:"phase"` // structural, semantic, domain
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a script.
type ValidationError struct {
	Problems []Problem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Path == "" {
			parts = append(parts, p.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", p.Path, p.Message))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidScript.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidScript
}

var (
	compileOnce    sync.Once
	compiledSchema *sjsonschema.Schema
	compileErr     error
)

// Schema returns the JSON Schema describing automation scripts.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(&AutomationScript{})
	s.Title = "Automation Script"
	return json.MarshalIndent(s, "", "  ")
}

func compiled() (*sjsonschema.Schema, error) {
	compileOnce.Do(func() {
		raw, err := Schema()
		if err != nil {
			compileErr = fmt.Errorf("generate schema: %w", err)
			return
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			compileErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(schemaName, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(schemaName)
	})
	return compiledSchema, compileErr
}

// Parse decodes and validates a script document. Validation runs in three
// phases: JSON syntax, JSON Schema, then domain rules. On success the
// returned script has aliases resolved and defaults applied.
func Parse(data []byte) (*AutomationScript, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Problems: []Problem{{Phase: "structural", Message: err.Error()}}}
	}

	sch, err := compiled()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &ValidationError{Problems: semanticProblems(err)}
	}

	var s AutomationScript
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return nil, &ValidationError{Problems: []Problem{{Phase: "structural", Message: err.Error()}}}
	}

	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func semanticProblems(err error) []Problem {
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Problem{{Phase: "semantic", Message: err.Error()}}
	}
	var problems []Problem
	for _, cause := range flattenValidationErrors(ve) {
		problems = append(problems, Problem{
			Phase:   "semantic",
			Path:    strings.Join(cause.InstanceLocation, "/"),
			Message: fmt.Sprintf("%v", cause.ErrorKind),
		})
	}
	return problems
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// Normalize resolves action aliases and fills in defaults. Steps whose
// document has no index are labelled by their 1-based position.
func (a *AutomationScript) Normalize() {
	if a.Backend == "" {
		if a.HasAgentSteps() || hasAliases(a.Steps) {
			a.Backend = BackendAgentDriven
		} else {
			a.Backend = BackendDirect
		}
	}
	if a.Browser == "" {
		a.Browser = BrowserChromium
	}
	for i := range a.Steps {
		st := &a.Steps[i]
		if canonical, ok := actionAliases[st.Action]; ok {
			st.Action = canonical
		}
		if st.Index == 0 && !st.indexSet {
			st.Index = i + 1
		}
		if st.CaptureScreenshot == nil && st.Screenshot != nil {
			v := *st.Screenshot
			st.CaptureScreenshot = &v
		}
		st.Screenshot = nil
		if st.Timeout <= 0 {
			st.Timeout = int(DefaultTimeout.Milliseconds())
		}
		if st.Action == ActionWaitTime && st.Duration <= 0 {
			st.Duration = int(DefaultWaitDuration.Milliseconds())
		}
	}
}

func hasAliases(steps []Step) bool {
	for _, s := range steps {
		if _, ok := actionAliases[s.Action]; ok {
			return true
		}
	}
	return false
}

// Validate applies the domain rules to a normalized script.
func (a *AutomationScript) Validate() error {
	var problems []Problem
	add := func(path, format string, args ...interface{}) {
		problems = append(problems, Problem{Phase: "domain", Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if !a.Backend.IsValid() {
		add("backendKind", "unknown backend %q", a.Backend)
	}
	switch a.Browser {
	case BrowserChromium, BrowserFirefox, BrowserWebkit:
	default:
		add("browser", "unknown browser %q", a.Browser)
	}
	if len(a.Steps) == 0 {
		add("steps", "script has no steps")
	}

	seen := make(map[int]int, len(a.Steps))
	for i, st := range a.Steps {
		path := fmt.Sprintf("steps/%d", i)
		if prev, ok := seen[st.Index]; ok {
			add(path+"/index", "index %d already used by steps/%d", st.Index, prev)
		}
		seen[st.Index] = i

		if !st.Action.IsValid() {
			add(path+"/action", "unknown action %q", st.Action)
			continue
		}
		if st.Action.RequiresSelector() && st.Selector == "" {
			add(path+"/selector", "%s requires a selector", st.Action)
		}
		if st.Action.RequiresValue() && st.Value == "" {
			add(path+"/value", "%s requires a value", st.Action)
		}
		if st.Action == ActionAssertText && st.ExpectedText() == "" {
			add(path+"/expected", "assertText requires expected text")
		}
		if st.Action.IsAgent() && st.InstructionText() == "" {
			add(path+"/instruction", "%s requires an instruction", st.Action)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
