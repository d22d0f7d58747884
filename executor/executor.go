// Package executor runs automation scripts on one of two backends behind a
// single contract. The direct backend drives a browser in-process through the
// interpreter; the agent backend hands the script to an isolated runner
// process and reads its result from stdout.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/browser"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/metrics"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
)

var (
	ErrLaunch   = errors.New("backend failed to launch")
	ErrTimeout  = errors.New("execution timeout")
	ErrNoResult = errors.New("runner produced no result")
	ErrProtocol = errors.New("result protocol violation")
)

// InfraError reports a failure of the execution environment rather than of
// the script under test. Runs ending with one are marked error, not failed.
type InfraError struct {
	Op      string
	Err     error
	Message string
}

func (e *InfraError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err is an InfraError.
func IsInfrastructure(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

// Request is one run handed to an executor.
type Request struct {
	RunID     string
	ProjectID uuid.UUID
	Script    *script.AutomationScript
	// ScriptJSON is the document as submitted. The agent runner receives it
	// unchanged; when empty, Script is encoded instead.
	ScriptJSON     json.RawMessage
	ExpectedResult string
	// AuthStatePath overrides the project's stored auth state when set. It is
	// a local file chosen by the operator of a one-shot run; it is still
	// copied into the run directory before use.
	AuthStatePath string
	// Env is added to the agent runner's environment.
	Env map[string]string
}

// ExecutionResult is the outcome of one run, identical for both backends.
// Paths are relative to the artifact root.
type ExecutionResult struct {
	Success       bool                     `json:"success"`
	Steps         []interpreter.StepResult `json:"steps"`
	ConsoleLogs   []string                 `json:"console_logs"`
	ArtifactsPath string                   `json:"artifacts_path"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
}

// Executor runs a script. Step failures are reported inside the result.
// A non-nil error is always an *InfraError; the result is still non-nil with
// Success false and ErrorMessage set.
type Executor interface {
	Execute(ctx context.Context, req Request) (*ExecutionResult, error)
}

// Deps are the collaborators shared by both backends.
type Deps struct {
	Artifacts  *artifact.Store
	AuthStates *authstate.Manager
	Launcher   browser.Launcher
	// Interpreter configures the interpreter each direct run builds for itself.
	Interpreter interpreter.Options
	Headless    bool
	Agent       AgentConfig
	Metrics     *metrics.Metrics
	Logger      logger.Logger
}

// New returns the executor for a backend kind.
func New(kind script.BackendKind, deps Deps) (Executor, error) {
	if deps.Artifacts == nil {
		return nil, errors.New("executor needs an artifact store")
	}
	switch kind {
	case script.BackendDirect:
		if deps.Launcher == nil {
			return nil, errors.New("direct executor needs a launcher")
		}
		return &Direct{deps: deps}, nil
	case script.BackendAgentDriven:
		return &Agent{deps: deps, cfg: deps.Agent.withDefaults()}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func infraFailure(layout *artifact.Layout, ie *InfraError) (*ExecutionResult, error) {
	res := &ExecutionResult{
		Success:      false,
		Steps:        []interpreter.StepResult{},
		ConsoleLogs:  []string{},
		ErrorMessage: ie.Error(),
	}
	if layout != nil {
		res.ArtifactsPath = layout.RelativeRunDir()
	}
	return res, ie
}

// authStatePath returns a run-private copy of the auth state the run
// consumes: the explicit file when given, else the project's stored state.
func authStatePath(deps Deps, req Request, layout artifact.Layout) (string, error) {
	dst := layout.AuthSnapshotPath()
	if req.AuthStatePath != "" {
		if err := copyFile(req.AuthStatePath, dst); err != nil {
			return "", fmt.Errorf("failed to copy auth state: %w", err)
		}
		return dst, nil
	}
	if deps.AuthStates == nil || req.ProjectID == uuid.Nil {
		return "", nil
	}
	ok, err := deps.AuthStates.Snapshot(req.ProjectID, dst)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return dst, nil
}

func firstFailure(steps []interpreter.StepResult) string {
	for _, s := range steps {
		if s.Status == interpreter.StatusFailed {
			return fmt.Sprintf("step %d failed: %s", s.Index, s.ErrorMessage)
		}
	}
	return ""
}

func succeeded(steps []interpreter.StepResult) bool {
	return len(steps) == 0 || interpreter.AllSucceeded(steps)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
