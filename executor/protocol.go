package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Result protocol between the orchestrator and the agent runner. The runner
// prints one envelope between the markers; anything else on stdout is
// diagnostic output.
const (
	ProtocolVersion = 1
	ResultStart     = "===RESULT_START==="
	ResultEnd       = "===RESULT_END==="
)

// Envelope wraps a runner result with the protocol version.
type Envelope struct {
	ProtocolVersion int             `json:"protocolVersion" jsonschema:"enum=1"`
	Result          ExecutionResult `json:"result"`
}

var (
	envelopeOnce   sync.Once
	envelopeSchema *sjsonschema.Schema
	envelopeErr    error
)

// EnvelopeSchema returns the JSON Schema a runner result must satisfy.
// Unknown fields are rejected.
func EnvelopeSchema() ([]byte, error) {
	r := &jsonschema.Reflector{AllowAdditionalProperties: false}
	s := r.Reflect(&Envelope{})
	s.Title = "Runner Result Envelope"
	return json.MarshalIndent(s, "", "  ")
}

func compiledEnvelope() (*sjsonschema.Schema, error) {
	envelopeOnce.Do(func() {
		raw, err := EnvelopeSchema()
		if err != nil {
			envelopeErr = err
			return
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			envelopeErr = err
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource("runner-envelope.json", doc); err != nil {
			envelopeErr = err
			return
		}
		envelopeSchema, envelopeErr = c.Compile("runner-envelope.json")
	})
	return envelopeSchema, envelopeErr
}

// ParseOutput extracts and validates the result envelope from runner stdout.
// Missing or unterminated markers yield ErrNoResult; invalid JSON or a
// schema violation yields ErrProtocol.
func ParseOutput(stdout string) (*ExecutionResult, error) {
	start := strings.Index(stdout, ResultStart)
	if start < 0 {
		return nil, ErrNoResult
	}
	rest := stdout[start+len(ResultStart):]
	end := strings.Index(rest, ResultEnd)
	if end < 0 {
		return nil, fmt.Errorf("%w: result end marker missing", ErrNoResult)
	}
	payload := strings.TrimSpace(rest[:end])

	var doc interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	sch, err := compiledEnvelope()
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, describeViolation(err))
	}

	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &env.Result, nil
}

func describeViolation(err error) string {
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(e *sjsonschema.ValidationError)
	walk = func(e *sjsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			msgs = append(msgs, fmt.Sprintf("/%s: %v", strings.Join(e.InstanceLocation, "/"), e.ErrorKind))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
