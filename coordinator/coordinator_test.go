package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/hairizuanbinnoorazman/ui-verdict/secret"
	"github.com/hairizuanbinnoorazman/ui-verdict/storage"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
	"github.com/hairizuanbinnoorazman/ui-verdict/testutil"
	"github.com/hairizuanbinnoorazman/ui-verdict/verdict"
)

const twoSteps = `{"steps":[{"action":"goto","value":"https://x"},{"action":"click","selector":"#go"}]}`

// fakeExecutor writes one screenshot per step and reports the configured
// step statuses.
type fakeExecutor struct {
	artifacts *artifact.Store
	failAt    int
	infraErr  bool
	panics    bool
	delay     time.Duration

	mu       sync.Mutex
	requests []executor.Request
	active   int32
	maxSeen  int32
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.ExecutionResult, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("driver exploded")
	}

	layout, err := f.artifacts.Layout(req.RunID)
	if err != nil {
		return nil, err
	}
	if err := layout.Prepare(); err != nil {
		return nil, err
	}

	if f.infraErr {
		ie := &executor.InfraError{Op: "agent", Err: executor.ErrTimeout, Message: "execution timeout (exceeded 300s)"}
		return &executor.ExecutionResult{
			Steps:         []interpreter.StepResult{},
			ConsoleLogs:   []string{},
			ArtifactsPath: layout.RelativeRunDir(),
			ErrorMessage:  ie.Error(),
		}, ie
	}

	res := &executor.ExecutionResult{Success: true, ConsoleLogs: []string{"[log] hello"}, ArtifactsPath: layout.RelativeRunDir()}
	now := time.Now().UTC()
	for i, st := range req.Script.Steps {
		sr := interpreter.StepResult{
			Index:       st.Index,
			Action:      st.Action,
			Description: st.InstructionText(),
			Status:      interpreter.StatusSuccess,
			StartTime:   now,
			EndTime:     now,
		}
		switch {
		case f.failAt > 0 && i+1 == f.failAt:
			sr.Status = interpreter.StatusFailed
			sr.ErrorMessage = "element not found: #go"
			res.Success = false
		case f.failAt > 0 && i+1 > f.failAt:
			sr.Status = interpreter.StatusSkipped
		}
		if sr.Status == interpreter.StatusSuccess {
			path := layout.ScreenshotPath(st.Index)
			if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
				return nil, err
			}
			sr.ScreenshotPath = layout.Relative(path)
		}
		res.Steps = append(res.Steps, sr)
	}
	if err := os.WriteFile(layout.ConsoleLogPath(), []byte("[log] hello\n"), 0o644); err != nil {
		return nil, err
	}
	return res, nil
}

type fakeClient struct {
	answer string
	err    error
}

func (f *fakeClient) Chat(context.Context, string) (string, error) {
	return f.answer, f.err
}

func (f *fakeClient) VisionChat(context.Context, string, []byte) (string, error) {
	return f.answer, f.err
}

type harness struct {
	coord     *Coordinator
	runs      testrun.Store
	steps     testrun.StepStore
	assets    testrun.AssetStore
	artifacts *artifact.Store
	exec      *fakeExecutor
	client    *fakeClient
	llmConfig llm.Config
	log       *logger.TestLogger
	box       *secret.Box
}

func setupHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()

	db := testutil.SetupTestDB(t)
	testutil.AutoMigrate(t, db, &testrun.TestRun{}, &testrun.TestRunAsset{}, &testrun.StepExecution{})

	log := logger.NewTestLogger()
	artifacts, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	box, err := secret.NewBox("test-passphrase")
	require.NoError(t, err)

	h := &harness{
		runs:      testrun.NewMySQLStore(db, log),
		steps:     testrun.NewMySQLStepStore(db, log),
		assets:    testrun.NewMySQLAssetStore(db, log),
		artifacts: artifacts,
		exec:      &fakeExecutor{artifacts: artifacts},
		client:    &fakeClient{answer: `{"observation":"dashboard shown","matches_expectation":true,"issues":[]}`},
		log:       log,
		box:       box,
	}

	deps := Deps{
		Runs:      h.runs,
		Steps:     h.steps,
		Assets:    h.assets,
		Artifacts: artifacts,
		Executors: func(kind script.BackendKind) (executor.Executor, error) {
			return h.exec, nil
		},
		Clients: func(ctx context.Context, c llm.Config) (llm.Client, error) {
			h.llmConfig = c
			return h.client, nil
		},
		Secrets: box,
		Logger:  log,
	}
	if mutate != nil {
		mutate(&deps)
	}

	h.coord, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) submit(t *testing.T, body string) uuid.UUID {
	t.Helper()
	id, err := h.coord.Submit(context.Background(), RunRequest{
		ProjectID:      uuid.New(),
		Script:         json.RawMessage(body),
		ExpectedResult: "the dashboard is shown",
		LLM:            llm.Config{Provider: llm.ProviderOpenAI, Model: "gpt-4o", APIKey: "sk-test"},
	})
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(ctx))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestSubmit_SuccessfulRun(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusSuccess, res.Status)
	assert.Equal(t, "direct", res.Backend)
	assert.NotNil(t, res.CompletedAt)

	var execution executor.ExecutionResult
	require.NoError(t, res.Execution.Decode(&execution))
	assert.True(t, execution.Success)
	assert.Len(t, execution.Steps, 2)

	var v verdict.Result
	require.NoError(t, res.Verdict.Decode(&v))
	assert.Equal(t, verdict.Passed, v.Verdict)
	assert.Equal(t, 0.9, v.Confidence)

	steps, err := h.steps.ListByTestRun(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "success", steps[0].Status)
	assert.NotEmpty(t, steps[1].ScreenshotPath)

	// two screenshots and the console log
	assert.Len(t, res.Assets, 3)

	assert.Equal(t, "sk-test", h.llmConfig.APIKey)
	require.Len(t, h.exec.requests, 1)
	assert.Equal(t, "sk-test", h.exec.requests[0].Env["OPENAI_API_KEY"])
	assert.Equal(t, "gpt-4o", h.exec.requests[0].Env["OPENAI_MODEL_NAME"])
}

func TestSubmit_StoresSealedAPIKey(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	id := h.submit(t, twoSteps)
	h.wait(t)

	tr, err := h.runs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.LLMAPIKey)
	assert.NotContains(t, string(tr.LLMAPIKey), "sk-test")

	key, err := h.box.Open(tr.LLMAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)
}

func TestSubmit_APIKeyWithoutSecret(t *testing.T) {
	h := setupHarness(t, Config{}, func(d *Deps) { d.Secrets = nil })
	_, err := h.coord.Submit(context.Background(), RunRequest{
		ProjectID: uuid.New(),
		Script:    json.RawMessage(twoSteps),
		LLM:       llm.Config{Provider: llm.ProviderOpenAI, Model: "gpt-4o", APIKey: "sk-test"},
	})
	assert.Error(t, err)
}

func TestSubmit_StepFailureStillJudged(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	h.exec.failAt = 2
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusFailed, res.Status)

	var execution executor.ExecutionResult
	require.NoError(t, res.Execution.Decode(&execution))
	assert.False(t, execution.Success)
	assert.Equal(t, interpreter.StatusSuccess, execution.Steps[0].Status)
	assert.Equal(t, interpreter.StatusFailed, execution.Steps[1].Status)

	var v verdict.Result
	require.NoError(t, res.Verdict.Decode(&v))
	assert.Equal(t, verdict.Failed, v.Verdict)
	assert.Equal(t, 0.85, v.Confidence)
}

func TestSubmit_InfrastructureErrorMarksError(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	h.exec.infraErr = true
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "timeout")
	assert.True(t, res.Verdict.IsEmpty())
	assert.False(t, res.Execution.IsEmpty())
}

func TestSubmit_PanicMarksError(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	h.exec.panics = true
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "driver exploded")
	assert.True(t, h.log.HasMessage("error", "run panicked"))
}

func TestSubmit_VisionFailureDoesNotFailRun(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	h.client.err = errors.New("connection reset by peer")
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusSuccess, res.Status)

	var v verdict.Result
	require.NoError(t, res.Verdict.Decode(&v))
	assert.Equal(t, verdict.Unknown, v.Verdict)
	assert.Contains(t, v.Reason, "connection reset by peer")
}

func TestSubmit_ClientFactoryErrorGivesUnknownVerdict(t *testing.T) {
	h := setupHarness(t, Config{}, func(d *Deps) {
		d.Clients = func(context.Context, llm.Config) (llm.Client, error) {
			return nil, llm.ErrUnsupportedProvider
		}
	})
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)

	var v verdict.Result
	require.NoError(t, res.Verdict.Decode(&v))
	assert.Equal(t, verdict.Unknown, v.Verdict)
}

func TestSubmit_InvalidScript(t *testing.T) {
	h := setupHarness(t, Config{}, nil)

	id, err := h.coord.Submit(context.Background(), RunRequest{
		ProjectID: uuid.New(),
		Script:    json.RawMessage(`{"steps":[{"action":"teleport"}]}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, script.ErrInvalidScript)
	require.NotEqual(t, uuid.Nil, id)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "steps/0/action")
	assert.Empty(t, h.exec.requests)

	id, err = h.coord.Submit(context.Background(), RunRequest{
		ProjectID: uuid.New(),
		Script:    json.RawMessage(`not json`),
	})
	require.Error(t, err)
	raw, err := h.coord.ResultJSON(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
}

func TestSubmit_RejectsBadRequests(t *testing.T) {
	h := setupHarness(t, Config{}, nil)

	_, err := h.coord.Submit(context.Background(), RunRequest{Script: json.RawMessage(twoSteps)})
	assert.ErrorIs(t, err, testrun.ErrInvalidProjectID)

	_, err = h.coord.Submit(context.Background(), RunRequest{
		ProjectID: uuid.New(),
		Script:    json.RawMessage(twoSteps),
		Backend:   "robot",
	})
	assert.ErrorIs(t, err, testrun.ErrInvalidBackend)
}

func TestSubmit_BackendSelection(t *testing.T) {
	h := setupHarness(t, Config{DefaultBackend: script.BackendAgentDriven}, nil)

	var got []script.BackendKind
	var mu sync.Mutex
	h.coord.deps.Executors = func(kind script.BackendKind) (executor.Executor, error) {
		mu.Lock()
		got = append(got, kind)
		mu.Unlock()
		return h.exec, nil
	}

	id, err := h.coord.Submit(context.Background(), RunRequest{
		ProjectID: uuid.New(),
		Script:    json.RawMessage(twoSteps),
		Backend:   script.BackendAgentDriven,
	})
	require.NoError(t, err)
	h.wait(t)

	tr, err := h.runs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(script.BackendAgentDriven), tr.Backend)
	assert.Equal(t, []script.BackendKind{script.BackendAgentDriven}, got)
}

func TestResult_ByteIdenticalAfterCompletion(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	id := h.submit(t, twoSteps)
	h.wait(t)

	first, err := h.coord.ResultJSON(context.Background(), id)
	require.NoError(t, err)

	h.coord.cache.Purge()
	second, err := h.coord.ResultJSON(context.Background(), id)
	require.NoError(t, err)
	third, err := h.coord.ResultJSON(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, string(second), string(third))
}

func TestResult_NotFound(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	_, err := h.coord.Result(context.Background(), uuid.New())
	assert.ErrorIs(t, err, testrun.ErrTestRunNotFound)
}

func TestSubmit_BoundsConcurrentRuns(t *testing.T) {
	h := setupHarness(t, Config{MaxConcurrentRuns: 1}, nil)
	h.exec.delay = 20 * time.Millisecond

	for i := 0; i < 4; i++ {
		h.submit(t, twoSteps)
	}
	h.wait(t)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.exec.maxSeen))
	assert.Len(t, h.exec.requests, 4)
}

func TestRecoverInterrupted(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	ctx := context.Background()

	stuck := &testrun.TestRun{ProjectID: uuid.New(), Backend: "direct", Script: testrun.Document(twoSteps)}
	require.NoError(t, h.runs.Create(ctx, stuck))

	n, err := h.coord.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := h.coord.Result(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusError, res.Status)
	assert.Equal(t, ErrInterrupted.Error(), res.ErrorMessage)

	n, err = h.coord.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmit_PublishesArtifacts(t *testing.T) {
	var blob storage.BlobStorage
	h := setupHarness(t, Config{}, func(d *Deps) {
		local, err := storage.NewLocalStorage(t.TempDir())
		require.NoError(t, err)
		blob = local
		d.Publisher = artifact.NewPublisher(local, d.Logger)
	})
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, res.Assets)
	for _, a := range res.Assets {
		assert.Equal(t, a.AssetPath, a.StorageKey)
		ok, err := blob.Exists(context.Background(), a.StorageKey)
		require.NoError(t, err)
		assert.True(t, ok, a.StorageKey)
	}
}

func TestRun_StampsStartWhenSlotAcquired(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls int64
	h.coord.now = func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&calls, 1)) * time.Minute)
	}

	id := h.submit(t, twoSteps)
	h.wait(t)

	tr, err := h.runs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tr.StartedAt)
	assert.True(t, base.Add(2*time.Minute).Equal(tr.StartedAt.UTC()))
	assert.Equal(t, testrun.StatusSuccess, tr.Status)
}

func TestDelete_RemovesRunAndArtifacts(t *testing.T) {
	var blob storage.BlobStorage
	h := setupHarness(t, Config{}, func(d *Deps) {
		local, err := storage.NewLocalStorage(t.TempDir())
		require.NoError(t, err)
		blob = local
		d.Publisher = artifact.NewPublisher(local, d.Logger)
	})
	ctx := context.Background()
	id := h.submit(t, twoSteps)
	h.wait(t)

	res, err := h.coord.Result(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, res.Assets)

	require.NoError(t, h.coord.Delete(ctx, id))

	_, err = h.coord.ResultJSON(ctx, id)
	assert.ErrorIs(t, err, testrun.ErrTestRunNotFound)
	steps, err := h.steps.ListByTestRun(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, steps)
	assets, err := h.assets.ListByTestRun(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, assets)
	for _, a := range res.Assets {
		ok, err := blob.Exists(ctx, a.StorageKey)
		require.NoError(t, err)
		assert.False(t, ok, a.StorageKey)
	}
	layout, err := h.artifacts.Layout(id.String())
	require.NoError(t, err)
	_, err = os.Stat(layout.RunDir())
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, h.coord.Delete(ctx, id), testrun.ErrTestRunNotFound)
}

func TestDelete_RefusesRunningRun(t *testing.T) {
	h := setupHarness(t, Config{}, nil)
	ctx := context.Background()

	stuck := &testrun.TestRun{ProjectID: uuid.New(), Backend: "direct", Script: testrun.Document(twoSteps)}
	require.NoError(t, h.runs.Create(ctx, stuck))

	assert.ErrorIs(t, h.coord.Delete(ctx, stuck.ID), ErrRunInProgress)
	_, err := h.runs.GetByID(ctx, stuck.ID)
	assert.NoError(t, err)
}
