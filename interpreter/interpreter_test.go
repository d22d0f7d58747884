package interpreter

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	text    string
	visible bool
	panicOn string
}

func (f *fakeDriver) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if name == f.panicOn {
		panic("driver exploded")
	}
	return f.fail[name]
}

func (f *fakeDriver) Goto(ctx context.Context, url string, timeout time.Duration) error {
	return f.record("goto")
}
func (f *fakeDriver) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return f.record("click")
}
func (f *fakeDriver) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return f.record("fill")
}
func (f *fakeDriver) Select(ctx context.Context, selector, value string, timeout time.Duration) error {
	return f.record("select")
}
func (f *fakeDriver) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return f.record("waitForSelector")
}
func (f *fakeDriver) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	return f.record("press")
}
func (f *fakeDriver) Check(ctx context.Context, selector string, timeout time.Duration) error {
	return f.record("check")
}
func (f *fakeDriver) Uncheck(ctx context.Context, selector string, timeout time.Duration) error {
	return f.record("uncheck")
}
func (f *fakeDriver) InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	return f.text, f.record("innerText")
}
func (f *fakeDriver) IsVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	return f.visible, f.record("isVisible")
}
func (f *fakeDriver) Wait(ctx context.Context, d time.Duration) error {
	return f.record("wait")
}
func (f *fakeDriver) Screenshot(ctx context.Context, path string) error {
	if err := f.record("screenshot"); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("png"), 0644)
}

type fakeAgentDriver struct {
	fakeDriver
}

func (f *fakeAgentDriver) Instruct(ctx context.Context, instruction string, timeout time.Duration) error {
	return f.record("instruct")
}
func (f *fakeAgentDriver) Assert(ctx context.Context, assertion string, timeout time.Duration) error {
	return f.record("assert")
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func setupRun(t *testing.T) (*Interpreter, *sleepRecorder, artifact.Layout) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	layout, err := store.Layout("7")
	require.NoError(t, err)
	require.NoError(t, layout.Prepare())

	rec := &sleepRecorder{}
	in := New(Options{Sleep: rec.sleep}, logger.NewTestLogger())
	return in, rec, layout
}

func boolPtr(b bool) *bool { return &b }

func TestRun_AllStepsSucceed(t *testing.T) {
	in, rec, layout := setupRun(t)
	driver := &fakeDriver{text: "Welcome back, Ada", visible: true}

	steps := []script.Step{
		{Index: 1, Action: script.ActionGoto, Value: "https://example.com", Description: "open"},
		{Index: 2, Action: script.ActionFill, Selector: "#user", Value: "ada", CaptureScreenshot: boolPtr(false)},
		{Index: 3, Action: script.ActionWaitTime, Duration: 10},
		{Index: 4, Action: script.ActionAssertText, Selector: "h1", Expected: "Welcome"},
		{Index: 5, Action: script.ActionScreenshot},
	}

	results := in.Run(context.Background(), driver, steps, layout)
	require.Len(t, results, 5)
	assert.True(t, AllSucceeded(results))

	assert.Equal(t, "open", results[0].Description)
	assert.Equal(t, "runs/7/screenshots/step_1.png", results[0].ScreenshotPath)
	assert.Empty(t, results[1].ScreenshotPath)
	assert.Empty(t, results[2].ScreenshotPath, "waitTime never captures")
	assert.Equal(t, "runs/7/screenshots/step_4.png", results[3].ScreenshotPath)
	assert.Equal(t, "runs/7/screenshots/step_5.png", results[4].ScreenshotPath)

	assert.Equal(t, []string{
		"goto", "screenshot",
		"fill",
		"wait",
		"innerText", "screenshot",
		"screenshot",
	}, driver.calls, "screenshot action captures exactly once")

	// settle delay precedes each follow-up capture only
	assert.Equal(t, []time.Duration{DefaultSettleDelay, DefaultSettleDelay}, rec.sleeps)

	for _, r := range results {
		assert.False(t, r.StartTime.IsZero())
		assert.False(t, r.EndTime.Before(r.StartTime))
	}
}

func TestRun_FailFast(t *testing.T) {
	in, _, layout := setupRun(t)
	driver := &fakeDriver{fail: map[string]error{"click": errors.New("element #go not found")}}

	steps := []script.Step{
		{Index: 1, Action: script.ActionGoto, Value: "https://example.com"},
		{Index: 2, Action: script.ActionClick, Selector: "#go"},
		{Index: 3, Action: script.ActionFill, Selector: "#q", Value: "x"},
		{Index: 4, Action: script.ActionClick, Selector: "#submit"},
	}

	results := in.Run(context.Background(), driver, steps, layout)
	require.Len(t, results, 4)

	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, "element #go not found", results[1].ErrorMessage)
	assert.Empty(t, results[1].ScreenshotPath)
	assert.Equal(t, StatusSkipped, results[2].Status)
	assert.Equal(t, StatusSkipped, results[3].Status)
	assert.False(t, AllSucceeded(results))

	assert.Equal(t, []string{"goto", "screenshot", "click"}, driver.calls)
}

func TestRun_Assertions(t *testing.T) {
	tests := []struct {
		name    string
		driver  *fakeDriver
		step    script.Step
		wantErr string
	}{
		{
			name:    "text mismatch",
			driver:  &fakeDriver{text: "Login failed"},
			step:    script.Step{Index: 1, Action: script.ActionAssertText, Selector: ".msg", Expected: "Welcome"},
			wantErr: "text assertion failed",
		},
		{
			name:   "text falls back to value",
			driver: &fakeDriver{text: "Welcome"},
			step:   script.Step{Index: 1, Action: script.ActionAssertText, Selector: ".msg", Value: "Welcome"},
		},
		{
			name:    "not visible",
			driver:  &fakeDriver{visible: false},
			step:    script.Step{Index: 1, Action: script.ActionAssertVisible, Selector: ".dashboard"},
			wantErr: "element not visible: .dashboard",
		},
		{
			name:    "agent action on direct driver",
			driver:  &fakeDriver{},
			step:    script.Step{Index: 1, Action: script.ActionAgentInstruction, Instruction: "click login"},
			wantErr: "agentDriven backend",
		},
		{
			name:    "driver panic",
			driver:  &fakeDriver{panicOn: "press"},
			step:    script.Step{Index: 1, Action: script.ActionPress, Selector: "#q", Value: "Enter"},
			wantErr: "panic during press",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _, layout := setupRun(t)
			st := tt.step
			st.CaptureScreenshot = boolPtr(false)

			results := in.Run(context.Background(), tt.driver, []script.Step{st}, layout)
			require.Len(t, results, 1)
			if tt.wantErr == "" {
				assert.Equal(t, StatusSuccess, results[0].Status)
				return
			}
			assert.Equal(t, StatusFailed, results[0].Status)
			assert.Contains(t, results[0].ErrorMessage, tt.wantErr)
		})
	}
}

func TestRun_AgentDriver(t *testing.T) {
	in, _, layout := setupRun(t)
	driver := &fakeAgentDriver{}

	steps := []script.Step{
		{Index: 1, Action: script.ActionAgentInstruction, Instruction: "log in", CaptureScreenshot: boolPtr(false)},
		{Index: 2, Action: script.ActionAgentAssert, Instruction: "dashboard is shown", CaptureScreenshot: boolPtr(false)},
	}
	results := in.Run(context.Background(), driver, steps, layout)
	assert.True(t, AllSucceeded(results))
	assert.Equal(t, []string{"instruct", "assert"}, driver.calls)
}

func TestRun_ScreenshotFailureFailsStep(t *testing.T) {
	in, _, layout := setupRun(t)
	driver := &fakeDriver{fail: map[string]error{"screenshot": errors.New("page crashed")}}

	results := in.Run(context.Background(), driver, []script.Step{
		{Index: 1, Action: script.ActionGoto, Value: "https://example.com"},
		{Index: 2, Action: script.ActionClick, Selector: "#a"},
	}, layout)

	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].ErrorMessage, "page crashed")
	assert.Equal(t, StatusSkipped, results[1].Status)
}

func TestStepResult_Transition(t *testing.T) {
	now := time.Now()
	r := NewStepResult(script.Step{Index: 1, Action: script.ActionClick})

	assert.Error(t, r.Transition(StatusSuccess, now), "pending cannot succeed directly")
	require.NoError(t, r.Transition(StatusRunning, now))
	assert.Error(t, r.Transition(StatusSkipped, now))
	require.NoError(t, r.Transition(StatusFailed, now))
	assert.Error(t, r.Transition(StatusRunning, now), "sealed results are immutable")
	assert.True(t, r.Status.IsFinal())
}

func TestAllSucceeded_Empty(t *testing.T) {
	assert.False(t, AllSucceeded(nil))
}
