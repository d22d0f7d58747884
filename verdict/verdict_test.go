package verdict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVision answers by image content so concurrent calls stay deterministic.
type fakeVision struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
	prompts []string
}

func (f *fakeVision) Chat(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeVision) VisionChat(ctx context.Context, prompt string, image []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	answer, ok := f.answers[string(image)]
	if !ok {
		return "", fmt.Errorf("no answer for %s", image)
	}
	return answer, nil
}

const (
	match    = "```json\n{\"observation\": \"dashboard visible\", \"matches_expectation\": true, \"issues\": []}\n```"
	mismatch = `{"observation": "login form still shown", "matches_expectation": false, "issues": ["not logged in"]}`
	unsure   = `{"observation": "blank page", "matches_expectation": null, "issues": []}`
)

type fixture struct {
	store *artifact.Store
	res   *executor.ExecutionResult
}

// newFixture builds a result with one step per status; a non-empty shot
// writes a screenshot whose content is that string.
func newFixture(t *testing.T, statuses []interpreter.StepStatus, shots []string) fixture {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	layout, err := store.Layout("run-1")
	require.NoError(t, err)
	require.NoError(t, layout.Prepare())

	res := &executor.ExecutionResult{Success: true}
	for i, st := range statuses {
		step := interpreter.StepResult{Index: i + 1, Status: st, Description: fmt.Sprintf("step %d", i+1)}
		if i < len(shots) && shots[i] != "" {
			path := layout.ScreenshotPath(i + 1)
			require.NoError(t, os.WriteFile(path, []byte(shots[i]), 0644))
			step.ScreenshotPath = layout.Relative(path)
		}
		if st != interpreter.StatusSuccess {
			res.Success = false
		}
		res.Steps = append(res.Steps, step)
	}
	return fixture{store: store, res: res}
}

func ok(n int) []interpreter.StepStatus {
	out := make([]interpreter.StepStatus, n)
	for i := range out {
		out[i] = interpreter.StatusSuccess
	}
	return out
}

func TestHolistic(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []interpreter.StepStatus
		answer     string
		verdict    Verdict
		confidence float64
		severity   string
	}{
		{"match and all steps succeeded", ok(2), match, Passed, 0.9, SeverityInfo},
		{"step failed despite match", []interpreter.StepStatus{interpreter.StatusSuccess, interpreter.StatusFailed}, match, Failed, 0.85, SeverityInfo},
		{"visual mismatch", ok(2), mismatch, Failed, 0.85, SeverityError},
		{"indeterminate", ok(2), unsure, Unknown, 0.6, SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.statuses, []string{"first", "final"})
			client := &fakeVision{answers: map[string]string{"final": tt.answer, "first": mismatch}}
			p := New(client, f.store, Options{Mode: ModeHolistic}, nil, logger.NewTestLogger())

			got := p.Judge(context.Background(), "user sees the dashboard", f.res)
			assert.Equal(t, tt.verdict, got.Verdict)
			assert.Equal(t, tt.confidence, got.Confidence)
			assert.Equal(t, ModeHolistic, got.Mode)
			require.Len(t, got.Observations, 1)
			assert.Equal(t, 2, got.Observations[0].StepIndex)
			assert.Equal(t, ObservationVisual, got.Observations[0].Type)
			assert.Equal(t, tt.severity, got.Observations[0].Severity)

			require.Len(t, client.prompts, 1)
			assert.Contains(t, client.prompts[0], "Expected result: user sees the dashboard")
		})
	}
}

func TestHolistic_PromptListsStepStatuses(t *testing.T) {
	f := newFixture(t, []interpreter.StepStatus{interpreter.StatusSuccess, interpreter.StatusFailed, interpreter.StatusSkipped}, []string{"", "final"})
	f.res.Steps[1].ErrorMessage = "element not found: #go"
	client := &fakeVision{answers: map[string]string{"final": mismatch}}
	p := New(client, f.store, Options{Mode: ModeHolistic}, nil, logger.NewTestLogger())

	p.Judge(context.Background(), "user sees the dashboard", f.res)

	require.Len(t, client.prompts, 1)
	prompt := client.prompts[0]
	assert.NotContains(t, prompt, "Step description:")
	assert.Contains(t, prompt, "- 1. [success] step 1")
	assert.Contains(t, prompt, "- 2. [failed] step 2 (error: element not found: #go)")
	assert.Contains(t, prompt, "- 3. [skipped] step 3")
}

func TestHolistic_VisionErrorIsUnknown(t *testing.T) {
	f := newFixture(t, ok(1), []string{"final"})
	client := &fakeVision{err: errors.New("connection reset by peer")}
	p := New(client, f.store, Options{}, nil, logger.NewTestLogger())

	got := p.Judge(context.Background(), "anything", f.res)
	assert.Equal(t, Unknown, got.Verdict)
	assert.Equal(t, 0.6, got.Confidence)
	assert.Contains(t, got.Reason, "connection reset by peer")
	assert.Empty(t, got.Observations)
	assert.True(t, f.res.Success)
}

func TestHolistic_VisionUnsupported(t *testing.T) {
	f := newFixture(t, ok(1), []string{"final"})
	p := New(&fakeVision{err: llm.ErrVisionUnsupported}, f.store, Options{}, nil, logger.NewTestLogger())

	got := p.Judge(context.Background(), "anything", f.res)
	assert.Equal(t, Unknown, got.Verdict)
	assert.Contains(t, got.Reason, llm.ErrVisionUnsupported.Error())
}

func TestHolistic_UnparseableAnswer(t *testing.T) {
	f := newFixture(t, ok(1), []string{"final"})
	p := New(&fakeVision{answers: map[string]string{"final": "I think it looks fine"}}, f.store, Options{}, nil, logger.NewTestLogger())

	got := p.Judge(context.Background(), "anything", f.res)
	assert.Equal(t, Unknown, got.Verdict)
	assert.Contains(t, got.Reason, "vision analysis failed")
}

func TestStatusOnly(t *testing.T) {
	t.Run("no screenshots, all succeeded", func(t *testing.T) {
		f := newFixture(t, ok(2), nil)
		client := &fakeVision{}
		got := New(client, f.store, Options{Mode: ModePerStep}, nil, logger.NewTestLogger()).Judge(context.Background(), "x", f.res)
		assert.Equal(t, Passed, got.Verdict)
		assert.Equal(t, 0.7, got.Confidence)
		assert.Empty(t, got.Observations)
		assert.Empty(t, client.prompts)
	})
	t.Run("no screenshots, step failed", func(t *testing.T) {
		f := newFixture(t, []interpreter.StepStatus{interpreter.StatusFailed, interpreter.StatusSkipped}, nil)
		got := New(&fakeVision{}, f.store, Options{}, nil, logger.NewTestLogger()).Judge(context.Background(), "x", f.res)
		assert.Equal(t, Failed, got.Verdict)
		assert.Equal(t, 0.7, got.Confidence)
	})
	t.Run("no client", func(t *testing.T) {
		f := newFixture(t, ok(1), []string{"final"})
		got := New(nil, f.store, Options{}, nil, logger.NewTestLogger()).Judge(context.Background(), "x", f.res)
		assert.Equal(t, Passed, got.Verdict)
		assert.Equal(t, 0.7, got.Confidence)
	})
	t.Run("empty run", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		got := New(nil, f.store, Options{}, nil, logger.NewTestLogger()).Judge(context.Background(), "x", f.res)
		assert.Equal(t, Passed, got.Verdict)
	})
}

func TestPerStep_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		matching int
		verdict  Verdict
	}{
		{"all match", 4, 4, Passed},
		{"none match", 4, 0, Failed},
		{"below threshold", 10, 6, Failed},
		{"at threshold", 10, 7, Unknown},
		{"above threshold", 10, 9, Unknown},
		{"one of two", 2, 1, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shots := make([]string, tt.total)
			answers := map[string]string{}
			for i := range shots {
				shots[i] = fmt.Sprintf("shot-%d", i)
				answers[shots[i]] = mismatch
				if i < tt.matching {
					answers[shots[i]] = match
				}
			}
			f := newFixture(t, ok(tt.total), shots)
			p := New(&fakeVision{answers: answers}, f.store, Options{Mode: ModePerStep, Concurrency: 3}, nil, logger.NewTestLogger())

			got := p.Judge(context.Background(), "expected", f.res)
			assert.Equal(t, tt.verdict, got.Verdict)
			require.Len(t, got.Observations, tt.total)
			for i, obs := range got.Observations {
				assert.Equal(t, i+1, obs.StepIndex)
				if i < tt.matching {
					assert.Equal(t, SeverityInfo, obs.Severity)
				} else {
					assert.Equal(t, SeverityError, obs.Severity)
				}
			}
			for _, st := range f.res.Steps {
				assert.Contains(t, st.VisionObservation, "matches_expectation")
			}
		})
	}
}

func TestPerStep_SkipsStepsWithoutScreenshots(t *testing.T) {
	f := newFixture(t, ok(3), []string{"a", "", "c"})
	client := &fakeVision{answers: map[string]string{"a": match, "c": match}}
	p := New(client, f.store, Options{Mode: ModePerStep}, nil, logger.NewTestLogger())

	got := p.Judge(context.Background(), "expected", f.res)
	assert.Equal(t, Passed, got.Verdict)
	assert.Equal(t, 0.9, got.Confidence)
	require.Len(t, got.Observations, 2)
	assert.Equal(t, 1, got.Observations[0].StepIndex)
	assert.Equal(t, 3, got.Observations[1].StepIndex)
	assert.Empty(t, f.res.Steps[1].VisionObservation)
	assert.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[0], "Step description: step")
}

func TestPerStep_ErrorIsUnknown(t *testing.T) {
	f := newFixture(t, ok(2), []string{"a", "b"})
	p := New(&fakeVision{answers: map[string]string{"a": match}}, f.store, Options{Mode: ModePerStep}, nil, logger.NewTestLogger())

	got := p.Judge(context.Background(), "expected", f.res)
	assert.Equal(t, Unknown, got.Verdict)
	assert.Contains(t, got.Reason, "step 2")
}

func TestMissingScreenshotFileIsUnknown(t *testing.T) {
	f := newFixture(t, ok(1), []string{"final"})
	require.NoError(t, os.Remove(filepath.Join(f.store.Root(), f.res.Steps[0].ScreenshotPath)))
	p := New(&fakeVision{answers: map[string]string{"final": match}}, f.store, Options{}, nil, logger.NewTestLogger())

	got := p.Judge(context.Background(), "expected", f.res)
	assert.Equal(t, Unknown, got.Verdict)
	assert.Contains(t, got.Reason, "failed to read screenshot")
}

func TestNew_DefaultsToHolistic(t *testing.T) {
	p := New(nil, nil, Options{Mode: "sometimes"}, nil, logger.NewTestLogger())
	assert.Equal(t, ModeHolistic, p.Mode())
}
