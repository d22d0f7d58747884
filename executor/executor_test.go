package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/browser"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	missing map[string]bool
	console *artifact.ConsoleBuffer
	closed  bool
	panicOn string
}

func (s *fakeSession) find(selector string) error {
	if selector == s.panicOn && selector != "" {
		panic("session exploded")
	}
	if s.missing[selector] {
		return fmt.Errorf("waiting for locator(%q): timeout exceeded", selector)
	}
	return nil
}

func (s *fakeSession) Goto(ctx context.Context, url string, timeout time.Duration) error {
	s.console.Add("log", "loaded "+url)
	return nil
}
func (s *fakeSession) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) Select(ctx context.Context, selector, value string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) Check(ctx context.Context, selector string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) Uncheck(ctx context.Context, selector string, timeout time.Duration) error {
	return s.find(selector)
}
func (s *fakeSession) InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	return "", s.find(selector)
}
func (s *fakeSession) IsVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	return true, s.find(selector)
}
func (s *fakeSession) Wait(ctx context.Context, d time.Duration) error { return nil }
func (s *fakeSession) Screenshot(ctx context.Context, path string) error {
	return os.WriteFile(path, []byte("png"), 0644)
}
func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	session *fakeSession
	opts    browser.SessionOptions
	err     error
}

func (l *fakeLauncher) Launch(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = opts
	if l.err != nil {
		return nil, l.err
	}
	l.session.console = opts.Console
	return l.session, nil
}

func setupDeps(t *testing.T, launcher browser.Launcher) Deps {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	auth, err := authstate.NewManager(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)
	return Deps{
		Artifacts:   store,
		AuthStates:  auth,
		Launcher:    launcher,
		Interpreter: interpreter.Options{SettleDelay: -1},
		Headless:    true,
		Logger:      logger.NewTestLogger(),
	}
}

func mustParse(t *testing.T, doc string) *script.AutomationScript {
	t.Helper()
	s, err := script.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	deps := setupDeps(t, &fakeLauncher{session: &fakeSession{}})

	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)
	assert.IsType(t, &Direct{}, e)

	e, err = New(script.BackendAgentDriven, deps)
	require.NoError(t, err)
	assert.IsType(t, &Agent{}, e)
	assert.Equal(t, DefaultAgentTimeout, e.(*Agent).cfg.Timeout)
	assert.Equal(t, DefaultAgentCommand, e.(*Agent).cfg.Command)

	_, err = New("robot", deps)
	assert.Error(t, err)

	_, err = New(script.BackendDirect, Deps{Artifacts: deps.Artifacts})
	assert.Error(t, err)
}

func TestDirect_StepFailure(t *testing.T) {
	sess := &fakeSession{missing: map[string]bool{"#go": true}}
	deps := setupDeps(t, &fakeLauncher{session: sess})
	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)

	sc := mustParse(t, `{"steps":[{"action":"goto","value":"https://x"},{"action":"click","selector":"#go"}]}`)
	res, err := e.Execute(context.Background(), Request{RunID: "run-1", Script: sc})
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, interpreter.StatusSuccess, res.Steps[0].Status)
	assert.Equal(t, interpreter.StatusFailed, res.Steps[1].Status)
	assert.Contains(t, res.Steps[1].ErrorMessage, "timeout exceeded")
	assert.Contains(t, res.ErrorMessage, "step 2 failed")
	assert.Equal(t, "runs/run-1/screenshots/step_1.png", res.Steps[0].ScreenshotPath)
	assert.Equal(t, "runs/run-1", res.ArtifactsPath)
	assert.Equal(t, []string{"[log] loaded https://x"}, res.ConsoleLogs)
	assert.True(t, sess.closed)

	logData, err := os.ReadFile(filepath.Join(deps.Artifacts.Root(), "runs", "run-1", "logs", "console.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "[log] loaded https://x")
}

func TestDirect_StepLogsCarryRunID(t *testing.T) {
	deps := setupDeps(t, &fakeLauncher{session: &fakeSession{}})
	log := logger.NewTestLogger()
	deps.Logger = log
	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)

	sc := mustParse(t, `{"steps":[{"action":"goto","value":"https://x","captureScreenshot":false}]}`)
	for _, id := range []string{"run-a", "run-b"} {
		_, err := e.Execute(context.Background(), Request{RunID: id, Script: sc})
		require.NoError(t, err)
	}

	var runs []interface{}
	for _, entry := range log.Entries() {
		if entry.Message == "executing step" {
			runs = append(runs, entry.Fields["run_id"])
		}
	}
	assert.Equal(t, []interface{}{"run-a", "run-b"}, runs)
}

func TestDirect_EmptyScriptSucceeds(t *testing.T) {
	sess := &fakeSession{}
	deps := setupDeps(t, &fakeLauncher{session: sess})
	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), Request{RunID: "empty", Script: &script.AutomationScript{Steps: []script.Step{}}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Steps)
	assert.True(t, sess.closed)
}

func TestDirect_LaunchFailureIsInfrastructure(t *testing.T) {
	deps := setupDeps(t, &fakeLauncher{err: errors.New("executable doesn't exist")})
	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)

	sc := mustParse(t, `{"steps":[{"action":"goto","value":"https://x"}]}`)
	res, err := e.Execute(context.Background(), Request{RunID: "run-2", Script: sc})
	require.Error(t, err)
	assert.True(t, IsInfrastructure(err))
	assert.ErrorIs(t, err, ErrLaunch)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "executable doesn't exist")

	_, statErr := os.Stat(filepath.Join(deps.Artifacts.Root(), "runs", "run-2", "logs", "console.log"))
	assert.NoError(t, statErr)
}

func TestDirect_UsesAuthSnapshot(t *testing.T) {
	launcher := &fakeLauncher{session: &fakeSession{}}
	deps := setupDeps(t, launcher)
	projectID := uuid.New()
	saved := deps.AuthStates.Save(context.Background(), projectID, authstate.BytesSource(`{"cookies":[],"origins":[]}`))
	require.True(t, saved.Success, saved.Message)

	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)
	sc := mustParse(t, `{"steps":[{"action":"goto","value":"https://x","captureScreenshot":false}]}`)
	_, err = e.Execute(context.Background(), Request{RunID: "run-3", ProjectID: projectID, Script: sc})
	require.NoError(t, err)

	assert.NotEqual(t, deps.AuthStates.Path(projectID), launcher.opts.StorageStatePath)
	assert.True(t, strings.HasPrefix(launcher.opts.StorageStatePath, filepath.Join(deps.Artifacts.Root(), "runs", "run-3")))
	data, err := os.ReadFile(launcher.opts.StorageStatePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[],"origins":[]}`, string(data))
	assert.Equal(t, filepath.Join(deps.Artifacts.Root(), "runs", "run-3", "network", "traffic.har"), launcher.opts.HARPath)
}

func TestDirect_CopiesExplicitAuthState(t *testing.T) {
	launcher := &fakeLauncher{session: &fakeSession{}}
	deps := setupDeps(t, launcher)
	src := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"cookies":[{"name":"sid"}],"origins":[]}`), 0o600))

	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)
	sc := mustParse(t, `{"steps":[{"action":"goto","value":"https://x","captureScreenshot":false}]}`)
	_, err = e.Execute(context.Background(), Request{RunID: "run-5", Script: sc, AuthStatePath: src})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(deps.Artifacts.Root(), "runs", "run-5", "auth_state.json"), launcher.opts.StorageStatePath)
	data, err := os.ReadFile(launcher.opts.StorageStatePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[{"name":"sid"}],"origins":[]}`, string(data))
}

func TestDirect_MissingExplicitAuthStateIsInfrastructure(t *testing.T) {
	launcher := &fakeLauncher{session: &fakeSession{}}
	deps := setupDeps(t, launcher)
	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)

	sc := mustParse(t, `{"steps":[{"action":"goto","value":"https://x"}]}`)
	res, err := e.Execute(context.Background(), Request{RunID: "run-6", Script: sc, AuthStatePath: filepath.Join(t.TempDir(), "absent.json")})
	require.Error(t, err)
	assert.True(t, IsInfrastructure(err))
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "failed to copy auth state")
}

func TestDirect_NoAuthStateWithoutProject(t *testing.T) {
	launcher := &fakeLauncher{session: &fakeSession{}}
	deps := setupDeps(t, launcher)
	e, err := New(script.BackendDirect, deps)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), Request{RunID: "run-4", ProjectID: uuid.New(), Script: &script.AutomationScript{}})
	require.NoError(t, err)
	assert.Empty(t, launcher.opts.StorageStatePath)
}

func TestParseOutput(t *testing.T) {
	valid := `{"protocolVersion":1,"result":{"success":true,"steps":[],"console_logs":[],"artifacts_path":"runs/a"}}`

	tests := []struct {
		name    string
		stdout  string
		wantErr error
	}{
		{name: "valid", stdout: "noise\n" + ResultStart + "\n" + valid + "\n" + ResultEnd + "\nmore"},
		{name: "no markers", stdout: "just logs", wantErr: ErrNoResult},
		{name: "truncated", stdout: ResultStart + "\n" + valid, wantErr: ErrNoResult},
		{name: "bad json", stdout: ResultStart + "{" + ResultEnd, wantErr: ErrProtocol},
		{name: "wrong version", stdout: ResultStart + strings.Replace(valid, `"protocolVersion":1`, `"protocolVersion":2`, 1) + ResultEnd, wantErr: ErrProtocol},
		{name: "unknown field", stdout: ResultStart + strings.Replace(valid, `"success":true`, `"success":true,"extra":1`, 1) + ResultEnd, wantErr: ErrProtocol},
		{name: "missing field", stdout: ResultStart + strings.Replace(valid, `"success":true,`, ``, 1) + ResultEnd, wantErr: ErrProtocol},
		{name: "bare result", stdout: ResultStart + `{"success":true,"steps":[],"console_logs":[],"artifacts_path":""}` + ResultEnd, wantErr: ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseOutput(tt.stdout)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, "runs/a", res.ArtifactsPath)
		})
	}
}

func TestNoResultMessage_Truncates(t *testing.T) {
	msg := noResultMessage(strings.Repeat("o", 600), "boom", nil)
	assert.Contains(t, msg, "STDOUT (first 500 chars):\n"+strings.Repeat("o", 500)+"\n")
	assert.NotContains(t, msg, strings.Repeat("o", 501))
	assert.Contains(t, msg, "STDERR (first 500 chars):\nboom")
}

func TestEnvList_Sorted(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
}

func TestCheckRunner(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0755))

	st := CheckRunner(AgentConfig{Command: []string{os.Args[0]}, Dir: dir})
	assert.True(t, st.Installed, st.Error)
	assert.True(t, st.NodeModulesExists)

	st = CheckRunner(AgentConfig{Command: []string{"definitely-not-a-runner-binary"}})
	assert.False(t, st.Installed)
	assert.NotEmpty(t, st.Error)

	st = CheckRunner(AgentConfig{Command: []string{os.Args[0]}, Dir: filepath.Join(dir, "missing")})
	assert.False(t, st.Installed)
}

func TestInfraError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &InfraError{Op: "agent", Err: ErrTimeout, Message: "execution timeout (exceeded 300s)"})
	assert.True(t, IsInfrastructure(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "wrapped: execution timeout (exceeded 300s)", err.Error())
	assert.False(t, IsInfrastructure(errors.New("step failed")))

	plain := &InfraError{Op: "launch", Err: ErrLaunch}
	assert.Equal(t, "launch: backend failed to launch", plain.Error())
}

func TestEnvelopeSchema_RejectsAdditional(t *testing.T) {
	raw, err := EnvelopeSchema()
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "Runner Result Envelope", doc["title"])
}
