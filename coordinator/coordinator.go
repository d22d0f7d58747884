// Package coordinator runs test executions off the request path. A submitted
// run is recorded as running and then executed, judged and persisted by a
// detached goroutine; every run ends in a stored terminal status.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/metrics"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/hairizuanbinnoorazman/ui-verdict/secret"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
	"github.com/hairizuanbinnoorazman/ui-verdict/verdict"
)

const (
	DefaultMaxConcurrentRuns = 4
	DefaultResultCacheSize   = 256
)

// ErrInterrupted is recorded on runs that were still running when the
// process stopped.
var ErrInterrupted = errors.New("run interrupted by server restart")

// ErrRunInProgress is returned when deleting a run that has not finished.
var ErrRunInProgress = errors.New("run is still in progress")

// ExecutorFactory returns the executor for a backend.
type ExecutorFactory func(kind script.BackendKind) (executor.Executor, error)

// ClientFactory builds a language model client for one run.
type ClientFactory func(ctx context.Context, cfg llm.Config) (llm.Client, error)

// Config tunes the coordinator.
type Config struct {
	MaxConcurrentRuns int
	ResultCacheSize   int
	// DefaultBackend is used when neither the request nor the script names one.
	DefaultBackend script.BackendKind
	Verdict        verdict.Options
}

// Deps are the coordinator's collaborators. Secrets and Publisher are optional.
type Deps struct {
	Runs      testrun.Store
	Steps     testrun.StepStore
	Assets    testrun.AssetStore
	Artifacts *artifact.Store
	Executors ExecutorFactory
	Clients   ClientFactory
	Secrets   *secret.Box
	Publisher *artifact.Publisher
	Metrics   *metrics.Metrics
	Logger    logger.Logger
}

// RunRequest asks for one script execution.
type RunRequest struct {
	ProjectID      uuid.UUID
	Script         json.RawMessage
	ExpectedResult string
	// Backend overrides the script's backend when set.
	Backend script.BackendKind
	LLM     llm.Config
}

// RunResult is what callers read back for a run. Execution and Verdict hold
// the JSON stored when the run finished.
type RunResult struct {
	RunID        uuid.UUID               `json:"run_id"`
	ProjectID    uuid.UUID               `json:"project_id"`
	Backend      string                  `json:"backend"`
	Status       testrun.Status          `json:"status"`
	Execution    testrun.Document        `json:"execution"`
	Verdict      testrun.Document        `json:"verdict"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	Assets       []*testrun.TestRunAsset `json:"assets"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// Coordinator schedules and tracks runs.
type Coordinator struct {
	deps  Deps
	cfg   Config
	slots *semaphore.Weighted
	cache *lru.Cache[uuid.UUID, []byte]
	wg    sync.WaitGroup
	now   func() time.Time
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Runs == nil || deps.Steps == nil || deps.Assets == nil {
		return nil, errors.New("coordinator needs run, step and asset stores")
	}
	if deps.Artifacts == nil || deps.Executors == nil {
		return nil, errors.New("coordinator needs an artifact store and an executor factory")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = DefaultResultCacheSize
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = script.BackendDirect
	}

	cache, err := lru.New[uuid.UUID, []byte](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Coordinator{
		deps:  deps,
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		cache: cache,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit records a running run and executes it in the background. It returns
// as soon as the run is stored. A script that fails validation is stored as a
// failed run and its *script.ValidationError is returned with the run id.
func (c *Coordinator) Submit(ctx context.Context, req RunRequest) (uuid.UUID, error) {
	if req.ProjectID == uuid.Nil {
		return uuid.Nil, testrun.ErrInvalidProjectID
	}
	if req.Backend != "" && !req.Backend.IsValid() {
		return uuid.Nil, fmt.Errorf("%w: unknown backend %q", testrun.ErrInvalidBackend, req.Backend)
	}

	sealedKey, err := c.seal(req.LLM.APIKey)
	if err != nil {
		return uuid.Nil, err
	}

	tr := &testrun.TestRun{
		ProjectID:      req.ProjectID,
		Status:         testrun.StatusRunning,
		ExpectedResult: req.ExpectedResult,
		LLMProvider:    string(req.LLM.Provider),
		LLMModel:       req.LLM.Model,
		LLMBaseURL:     req.LLM.BaseURL,
		LLMAPIKey:      sealedKey,
	}

	parsed, parseErr := script.Parse(req.Script)
	if parseErr != nil {
		return c.rejectScript(ctx, tr, req, parseErr)
	}

	tr.Script = testrun.Document(req.Script)
	tr.Backend = string(c.backendFor(req.Backend, parsed))
	started := c.now()
	tr.StartedAt = &started

	if err := c.deps.Runs.Create(ctx, tr); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record run: %w", err)
	}

	c.wg.Add(1)
	go c.run(context.WithoutCancel(ctx), tr.ID)

	c.deps.Logger.Info(ctx, "run submitted", map[string]interface{}{
		"run_id":     tr.ID.String(),
		"project_id": tr.ProjectID.String(),
		"backend":    tr.Backend,
	})
	return tr.ID, nil
}

func (c *Coordinator) rejectScript(ctx context.Context, tr *testrun.TestRun, req RunRequest, parseErr error) (uuid.UUID, error) {
	if json.Valid(req.Script) {
		tr.Script = testrun.Document(req.Script)
	} else {
		doc, err := testrun.NewDocument(string(req.Script))
		if err != nil {
			return uuid.Nil, err
		}
		tr.Script = doc
	}
	tr.Backend = string(c.backendFor(req.Backend, nil))

	if err := c.deps.Runs.Create(ctx, tr); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record run: %w", err)
	}
	if err := c.deps.Runs.Complete(ctx, tr.ID, testrun.Completion{
		Status:       testrun.StatusFailed,
		ErrorMessage: parseErr.Error(),
	}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record run: %w", err)
	}

	c.deps.Logger.Warn(ctx, "run rejected: invalid script", map[string]interface{}{
		"run_id": tr.ID.String(),
		"error":  parseErr.Error(),
	})
	return tr.ID, parseErr
}

func (c *Coordinator) backendFor(requested script.BackendKind, s *script.AutomationScript) script.BackendKind {
	switch {
	case requested != "":
		return requested
	case s != nil && s.Backend != "":
		return s.Backend
	default:
		return c.cfg.DefaultBackend
	}
}

func (c *Coordinator) seal(apiKey string) ([]byte, error) {
	if apiKey == "" {
		return nil, nil
	}
	if c.deps.Secrets == nil {
		return nil, errors.New("an api key was given but no secret passphrase is configured")
	}
	return c.deps.Secrets.Seal(apiKey)
}

// Result returns the current state of a run. Results of finished runs are
// cached and decode from the same bytes on every call.
func (c *Coordinator) Result(ctx context.Context, id uuid.UUID) (*RunResult, error) {
	raw, err := c.ResultJSON(ctx, id)
	if err != nil {
		return nil, err
	}
	var res RunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResultJSON returns the encoded RunResult of a run. Once the run is
// finished the returned bytes never change.
func (c *Coordinator) ResultJSON(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if raw, ok := c.cache.Get(id); ok {
		return raw, nil
	}

	tr, err := c.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	assets, err := c.deps.Assets.ListByTestRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []*testrun.TestRunAsset{}
	}

	raw, err := json.Marshal(RunResult{
		RunID:        tr.ID,
		ProjectID:    tr.ProjectID,
		Backend:      tr.Backend,
		Status:       tr.Status,
		Execution:    tr.Execution,
		Verdict:      tr.Verdict,
		ErrorMessage: tr.ErrorMessage,
		Assets:       assets,
		StartedAt:    tr.StartedAt,
		CompletedAt:  tr.CompletedAt,
	})
	if err != nil {
		return nil, err
	}

	if tr.Status.IsFinal() {
		c.cache.Add(id, raw)
	}
	return raw, nil
}

// Delete removes a finished run with its steps, assets, local artifact
// directory and published copies.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	tr, err := c.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !tr.Status.IsFinal() {
		return ErrRunInProgress
	}

	assets, err := c.deps.Assets.ListByTestRun(ctx, id)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if a.StorageKey != "" && c.deps.Publisher != nil {
			if err := c.deps.Publisher.Remove(ctx, a.StorageKey); err != nil {
				return err
			}
		}
		if err := c.deps.Assets.Delete(ctx, a.ID); err != nil && !errors.Is(err, testrun.ErrAssetNotFound) {
			return err
		}
	}
	if err := c.deps.Steps.ReplaceForTestRun(ctx, id, nil); err != nil {
		return err
	}

	layout, err := c.deps.Artifacts.Layout(id.String())
	if err != nil {
		return err
	}
	if err := os.RemoveAll(layout.RunDir()); err != nil {
		return fmt.Errorf("failed to remove run artifacts: %w", err)
	}

	if err := c.deps.Runs.Delete(ctx, id); err != nil {
		return err
	}
	c.cache.Remove(id)

	c.deps.Logger.Info(ctx, "run deleted", map[string]interface{}{
		"run_id": id.String(),
		"assets": len(assets),
	})
	return nil
}

// RecoverInterrupted marks runs left running by a previous process as error.
// It returns the number of runs updated.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := c.deps.Runs.ListByStatus(ctx, testrun.StatusRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, tr := range runs {
		if err := c.deps.Runs.Complete(ctx, tr.ID, testrun.Completion{
			Status:       testrun.StatusError,
			ErrorMessage: ErrInterrupted.Error(),
		}); err != nil {
			c.deps.Logger.Error(ctx, "failed to recover interrupted run", map[string]interface{}{
				"run_id": tr.ID.String(),
				"error":  err.Error(),
			})
			continue
		}
		recovered++
	}

	if recovered > 0 {
		c.deps.Logger.Warn(ctx, "marked interrupted runs as error", map[string]interface{}{
			"count": recovered,
		})
	}
	return recovered, nil
}

// Wait blocks until every submitted run has finished or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
