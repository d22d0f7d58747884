package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
)

const (
	DefaultAgentTimeout = 300 * time.Second
	diagnosticLimit     = 500
)

// DefaultAgentCommand starts the runner script with tsx.
var DefaultAgentCommand = []string{"npx", "tsx", "executor.ts"}

// AgentConfig locates and bounds the runner process.
type AgentConfig struct {
	// Command is the program and its leading arguments. The five positional
	// run arguments are appended.
	Command []string
	// Dir is the runner's working directory.
	Dir     string
	Timeout time.Duration
	// KillGrace is how long output pipes may stay open after the kill.
	KillGrace time.Duration
}

func (c AgentConfig) withDefaults() AgentConfig {
	if len(c.Command) == 0 {
		c.Command = DefaultAgentCommand
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultAgentTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Agent runs the script in a separate runner process per run.
type Agent struct {
	deps Deps
	cfg  AgentConfig
}

// Execute runs the runner with (scriptJson, runId, artifactsBasePath,
// expectedResult, authStatePath) and parses the enveloped result from its
// stdout. The process group is killed when the timeout expires.
func (a *Agent) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	log := a.deps.Logger.WithFields(map[string]interface{}{
		"run_id":  req.RunID,
		"backend": "agentDriven",
	})

	layout, err := a.deps.Artifacts.Layout(req.RunID)
	if err != nil {
		return infraFailure(nil, &InfraError{Op: "prepare", Err: err})
	}
	if err := layout.Prepare(); err != nil {
		return infraFailure(&layout, &InfraError{Op: "prepare", Err: err})
	}
	authPath, err := authStatePath(a.deps, req, layout)
	if err != nil {
		return infraFailure(&layout, &InfraError{Op: "auth state", Err: err})
	}

	scriptJSON := []byte(req.ScriptJSON)
	if len(scriptJSON) == 0 {
		if scriptJSON, err = json.Marshal(req.Script); err != nil {
			return infraFailure(&layout, &InfraError{Op: "encode script", Err: err})
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := append([]string{}, a.cfg.Command[1:]...)
	args = append(args, string(scriptJSON), req.RunID, a.deps.Artifacts.Root(), req.ExpectedResult, authPath)
	cmd := exec.CommandContext(runCtx, a.cfg.Command[0], args...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = append(os.Environ(), envList(req.Env)...)
	cmd.Env = append(cmd.Env, "RESULT_PROTOCOL_VERSION="+strconv.Itoa(ProtocolVersion))
	cmd.WaitDelay = a.cfg.KillGrace
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info(ctx, "starting agent runner", map[string]interface{}{
		"command": strings.Join(a.cfg.Command, " "),
		"dir":     a.cfg.Dir,
		"steps":   len(req.Script.Steps),
	})
	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	a.logDiagnostics(ctx, log, stdout.String(), stderr.String())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		a.deps.Metrics.ObserveSubprocess("timeout")
		log.Error(ctx, "agent runner timed out", map[string]interface{}{"elapsed": elapsed.String()})
		return infraFailure(&layout, &InfraError{
			Op:      "agent",
			Err:     ErrTimeout,
			Message: fmt.Sprintf("execution timeout (exceeded %gs)", a.cfg.Timeout.Seconds()),
		})
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) || (runErr != nil && cmd.ProcessState == nil) {
		a.deps.Metrics.ObserveSubprocess("launch_error")
		return infraFailure(&layout, &InfraError{
			Op:      "agent",
			Err:     fmt.Errorf("%w: %v", ErrLaunch, runErr),
			Message: fmt.Sprintf("agent runner failed to start: %v", runErr),
		})
	}

	res, err := ParseOutput(stdout.String())
	if errors.Is(err, ErrNoResult) {
		a.deps.Metrics.ObserveSubprocess("no_result")
		return infraFailure(&layout, &InfraError{
			Op:      "agent",
			Err:     err,
			Message: noResultMessage(stdout.String(), stderr.String(), runErr),
		})
	}
	if err == nil {
		err = reconcile(res, req.Script, time.Now().UTC())
	}
	if err != nil {
		a.deps.Metrics.ObserveSubprocess("protocol_error")
		return infraFailure(&layout, &InfraError{Op: "agent", Err: err})
	}

	a.deps.Metrics.ObserveSubprocess("ok")
	normalizePaths(res, layout)
	if res.ArtifactsPath == "" {
		res.ArtifactsPath = layout.RelativeRunDir()
	}
	if res.ConsoleLogs == nil {
		res.ConsoleLogs = []string{}
	}
	log.Info(ctx, "agent runner finished", map[string]interface{}{
		"success": res.Success,
		"elapsed": elapsed.String(),
	})
	return res, nil
}

func (a *Agent) logDiagnostics(ctx context.Context, log logger.Logger, stdout, stderr string) {
	inResult := false
	for _, stream := range []struct {
		name string
		text string
	}{{"stdout", stdout}, {"stderr", stderr}} {
		sc := bufio.NewScanner(strings.NewReader(stream.text))
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.Contains(line, ResultStart):
				inResult = true
				continue
			case strings.Contains(line, ResultEnd):
				inResult = false
				continue
			case inResult || strings.TrimSpace(line) == "":
				continue
			}
			log.Debug(ctx, "agent runner output", map[string]interface{}{
				"stream": stream.name,
				"line":   line,
			})
		}
	}
}

// reconcile checks the runner's step reports against the script and derives
// the outcome from them. The runner reports steps in script order and stops
// at the first failure; steps it never reached are recorded as skipped.
// A report without an index is labelled with its script step's index.
func reconcile(res *ExecutionResult, sc *script.AutomationScript, at time.Time) error {
	var steps []script.Step
	if sc != nil {
		steps = sc.Steps
	}
	if len(res.Steps) > len(steps) {
		return fmt.Errorf("%w: runner reported %d steps for a %d-step script", ErrProtocol, len(res.Steps), len(steps))
	}

	failedAt := -1
	for i := range res.Steps {
		got := &res.Steps[i]
		want := steps[i]
		if got.Index != want.Index && got.Index != 0 {
			return fmt.Errorf("%w: result %d reports step %d, expected step %d", ErrProtocol, i, got.Index, want.Index)
		}
		got.Index = want.Index
		if got.Action == "" {
			got.Action = want.Action
		}
		if got.Description == "" {
			got.Description = want.Description
		}
		switch {
		case !got.Status.IsFinal():
			return fmt.Errorf("%w: step %d has status %q", ErrProtocol, got.Index, got.Status)
		case failedAt >= 0 && got.Status != interpreter.StatusSkipped:
			return fmt.Errorf("%w: step %d ran after step %d failed", ErrProtocol, got.Index, steps[failedAt].Index)
		case got.Status == interpreter.StatusFailed && failedAt < 0:
			failedAt = i
		}
	}

	for _, st := range steps[len(res.Steps):] {
		r := interpreter.NewStepResult(st)
		if err := r.Transition(interpreter.StatusSkipped, at); err != nil {
			return err
		}
		res.Steps = append(res.Steps, r)
	}

	res.Success = res.ErrorMessage == "" && succeeded(res.Steps)
	if !res.Success && res.ErrorMessage == "" {
		res.ErrorMessage = firstFailure(res.Steps)
		if res.ErrorMessage == "" {
			res.ErrorMessage = "runner did not complete every step"
		}
	}
	return nil
}

// normalizePaths makes screenshot paths reported by the runner relative to
// the artifact root.
func normalizePaths(res *ExecutionResult, layout artifact.Layout) {
	for i := range res.Steps {
		p := res.Steps[i].ScreenshotPath
		if p != "" && filepath.IsAbs(p) {
			res.Steps[i].ScreenshotPath = layout.Relative(p)
		}
	}
	if filepath.IsAbs(res.ArtifactsPath) {
		res.ArtifactsPath = layout.Relative(res.ArtifactsPath)
	}
}

func noResultMessage(stdout, stderr string, runErr error) string {
	var b strings.Builder
	b.WriteString("agent runner produced no result")
	if runErr != nil {
		fmt.Fprintf(&b, " (%v)", runErr)
	}
	if stdout != "" {
		fmt.Fprintf(&b, "\nSTDOUT (first %d chars):\n%s", diagnosticLimit, truncate(stdout, diagnosticLimit))
	}
	if stderr != "" {
		fmt.Fprintf(&b, "\nSTDERR (first %d chars):\n%s", diagnosticLimit, truncate(stderr, diagnosticLimit))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// RunnerStatus describes whether the agent runner can be started.
type RunnerStatus struct {
	Installed         bool   `json:"installed"`
	NodeModulesExists bool   `json:"node_modules_exists"`
	Dir               string `json:"dir"`
	Command           string `json:"command"`
	Error             string `json:"error,omitempty"`
}

// CheckRunner verifies the runner command resolves and its directory exists.
func CheckRunner(cfg AgentConfig) RunnerStatus {
	cfg = cfg.withDefaults()
	st := RunnerStatus{Dir: cfg.Dir, Command: strings.Join(cfg.Command, " ")}
	if _, err := exec.LookPath(cfg.Command[0]); err != nil {
		st.Error = err.Error()
		return st
	}
	if cfg.Dir != "" {
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			st.Error = err.Error()
			return st
		}
		if !info.IsDir() {
			st.Error = fmt.Sprintf("%s is not a directory", cfg.Dir)
			return st
		}
		if _, err := os.Stat(filepath.Join(cfg.Dir, "node_modules")); err == nil {
			st.NodeModulesExists = true
		}
	}
	st.Installed = true
	return st
}
