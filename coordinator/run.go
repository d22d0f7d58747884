package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
	"github.com/hairizuanbinnoorazman/ui-verdict/verdict"
)

type outcome struct {
	backend string
	status  testrun.Status
}

// run executes one stored run. It owns its executor, browser session and
// verdict pipeline.
func (c *Coordinator) run(ctx context.Context, id uuid.UUID) {
	defer c.wg.Done()

	log := c.deps.Logger.WithField("run_id", id.String())

	if err := c.slots.Acquire(ctx, 1); err != nil {
		c.fail(ctx, log, id, testrun.StatusError, fmt.Sprintf("failed to acquire run slot: %v", err))
		return
	}
	defer c.slots.Release(1)

	// Runs may queue for a slot; the start time is when execution begins.
	if err := c.deps.Runs.Update(ctx, id, testrun.SetStartedAt(c.now())); err != nil {
		log.Warn(ctx, "failed to record run start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	o := &outcome{status: testrun.StatusError}
	start := time.Now()
	c.deps.Metrics.RunStarted()
	defer func() {
		c.deps.Metrics.RunFinished(o.backend, string(o.status), time.Since(start))
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "run panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			o.status = c.fail(ctx, log, id, testrun.StatusError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	c.execute(ctx, log, id, o)
}

func (c *Coordinator) execute(ctx context.Context, log logger.Logger, id uuid.UUID, o *outcome) {
	// 1. Load the run
	tr, err := c.deps.Runs.GetByID(ctx, id)
	if err != nil {
		log.Error(ctx, "failed to load run", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	o.backend = tr.Backend
	log = log.WithFields(map[string]interface{}{
		"backend":    tr.Backend,
		"project_id": tr.ProjectID.String(),
	})

	// 2. Rebuild its inputs
	s, err := script.Parse(tr.Script)
	if err != nil {
		o.status = c.fail(ctx, log, id, testrun.StatusFailed, err.Error())
		return
	}

	llmCfg, err := c.llmConfig(tr)
	if err != nil {
		o.status = c.fail(ctx, log, id, testrun.StatusError, err.Error())
		return
	}

	exec, err := c.deps.Executors(script.BackendKind(tr.Backend))
	if err != nil {
		o.status = c.fail(ctx, log, id, testrun.StatusError, fmt.Sprintf("failed to create executor: %v", err))
		return
	}

	// 3. Execute
	log.Info(ctx, "run started", map[string]interface{}{
		"steps": len(s.Steps),
	})
	res, execErr := exec.Execute(ctx, executor.Request{
		RunID:          id.String(),
		ProjectID:      tr.ProjectID,
		Script:         s,
		ScriptJSON:     json.RawMessage(tr.Script),
		ExpectedResult: tr.ExpectedResult,
		Env:            runnerEnv(llmCfg),
	})
	if res == nil {
		res = &executor.ExecutionResult{Steps: []interpreter.StepResult{}, ConsoleLogs: []string{}}
		if execErr != nil {
			res.ErrorMessage = execErr.Error()
		}
	}
	for _, st := range res.Steps {
		c.deps.Metrics.ObserveStep(string(st.Action), string(st.Status))
	}

	// 4. Judge
	completion := testrun.Completion{ErrorMessage: res.ErrorMessage}
	switch {
	case execErr != nil:
		completion.Status = testrun.StatusError
		if completion.ErrorMessage == "" {
			completion.ErrorMessage = execErr.Error()
		}
	default:
		pipeline := verdict.New(c.client(ctx, log, llmCfg), c.deps.Artifacts, c.cfg.Verdict, c.deps.Metrics, log)
		v := pipeline.Judge(ctx, tr.ExpectedResult, res)
		if completion.Verdict, err = testrun.NewDocument(v); err != nil {
			log.Error(ctx, "failed to encode verdict", map[string]interface{}{
				"error": err.Error(),
			})
		}
		completion.Status = testrun.StatusFailed
		if res.Success {
			completion.Status = testrun.StatusSuccess
		}
	}

	if completion.Execution, err = testrun.NewDocument(res); err != nil {
		o.status = c.fail(ctx, log, id, testrun.StatusError, fmt.Sprintf("failed to encode execution result: %v", err))
		return
	}

	// 5. Persist
	c.persistSteps(ctx, log, id, res.Steps)
	c.persistAssets(ctx, log, id)
	o.status = c.complete(ctx, log, id, completion)
}

func (c *Coordinator) llmConfig(tr *testrun.TestRun) (llm.Config, error) {
	cfg := llm.Config{
		Provider: llm.Provider(tr.LLMProvider),
		Model:    tr.LLMModel,
		BaseURL:  tr.LLMBaseURL,
	}
	if len(tr.LLMAPIKey) == 0 {
		return cfg, nil
	}
	if c.deps.Secrets == nil {
		return cfg, errors.New("run has an encrypted api key but no secret passphrase is configured")
	}
	key, err := c.deps.Secrets.Open(tr.LLMAPIKey)
	if err != nil {
		return cfg, fmt.Errorf("failed to read api key: %w", err)
	}
	cfg.APIKey = key
	return cfg, nil
}

// runnerEnv hands the provider credentials to the agent runner.
func runnerEnv(cfg llm.Config) map[string]string {
	if cfg.Provider == "" {
		return nil
	}
	return cfg.WithDefaults().Env()
}

// client returns nil when no provider is configured, which limits the
// verdict to step status.
func (c *Coordinator) client(ctx context.Context, log logger.Logger, cfg llm.Config) llm.Client {
	if cfg.Provider == "" || c.deps.Clients == nil {
		return nil
	}
	client, err := c.deps.Clients(ctx, cfg)
	if err != nil {
		log.Warn(ctx, "language model unavailable for verdict", map[string]interface{}{
			"error":    err.Error(),
			"provider": string(cfg.Provider),
		})
		return unavailableClient{err: err}
	}
	return client
}

// unavailableClient fails every call so the verdict records why the model
// could not be used.
type unavailableClient struct {
	err error
}

func (u unavailableClient) Chat(context.Context, string) (string, error) {
	return "", u.err
}

func (u unavailableClient) VisionChat(context.Context, string, []byte) (string, error) {
	return "", u.err
}

func (c *Coordinator) persistSteps(ctx context.Context, log logger.Logger, id uuid.UUID, steps []interpreter.StepResult) {
	rows := make([]*testrun.StepExecution, 0, len(steps))
	for _, st := range steps {
		row := &testrun.StepExecution{
			StepIndex:         st.Index,
			Action:            string(st.Action),
			Description:       st.Description,
			Status:            string(st.Status),
			ScreenshotPath:    st.ScreenshotPath,
			VisionObservation: st.VisionObservation,
			ErrorMessage:      st.ErrorMessage,
		}
		if !st.StartTime.IsZero() {
			start := st.StartTime
			row.StartTime = &start
		}
		if !st.EndTime.IsZero() {
			end := st.EndTime
			row.EndTime = &end
		}
		rows = append(rows, row)
	}
	if err := c.deps.Steps.ReplaceForTestRun(ctx, id, rows); err != nil {
		log.Error(ctx, "failed to persist steps", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// persistAssets records every artifact file of the run and, when a publisher
// is configured, mirrors them to blob storage first.
func (c *Coordinator) persistAssets(ctx context.Context, log logger.Logger, id uuid.UUID) {
	layout, err := c.deps.Artifacts.Layout(id.String())
	if err != nil {
		log.Error(ctx, "failed to resolve run artifacts", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	published := map[string]bool{}
	if c.deps.Publisher != nil {
		files, err := c.deps.Publisher.Publish(ctx, layout)
		if err != nil {
			log.Error(ctx, "failed to publish artifacts", map[string]interface{}{
				"error": err.Error(),
			})
		}
		for _, f := range files {
			published[f.Key] = true
		}
	}

	assets, err := collectAssets(layout)
	if err != nil {
		log.Error(ctx, "failed to list run artifacts", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, a := range assets {
		a.TestRunID = id
		if published[a.AssetPath] {
			a.StorageKey = a.AssetPath
		}
		if err := c.deps.Assets.Create(ctx, a); err != nil {
			log.Error(ctx, "failed to record artifact", map[string]interface{}{
				"error": err.Error(),
				"path":  a.AssetPath,
			})
		}
	}
}

func collectAssets(layout artifact.Layout) ([]*testrun.TestRunAsset, error) {
	var assets []*testrun.TestRunAsset
	err := filepath.WalkDir(layout.RunDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == layout.AuthSnapshotPath() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		assetType, mime := testrun.AssetTypeFor(d.Name())
		assets = append(assets, &testrun.TestRunAsset{
			AssetType: assetType,
			AssetPath: layout.Relative(path),
			FileName:  d.Name(),
			FileSize:  info.Size(),
			MimeType:  mime,
		})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return assets, err
}

func (c *Coordinator) complete(ctx context.Context, log logger.Logger, id uuid.UUID, completion testrun.Completion) testrun.Status {
	if err := c.deps.Runs.Complete(ctx, id, completion); err != nil {
		log.Error(ctx, "failed to record run outcome", map[string]interface{}{
			"error":  err.Error(),
			"status": string(completion.Status),
		})
		return completion.Status
	}
	log.Info(ctx, "run finished", map[string]interface{}{
		"status": string(completion.Status),
	})
	return completion.Status
}

// fail records a terminal status without a verdict.
func (c *Coordinator) fail(ctx context.Context, log logger.Logger, id uuid.UUID, status testrun.Status, reason string) testrun.Status {
	log.Error(ctx, "run failed", map[string]interface{}{
		"status": string(status),
		"reason": reason,
	})
	return c.complete(ctx, log, id, testrun.Completion{
		Status:       status,
		ErrorMessage: reason,
	})
}
