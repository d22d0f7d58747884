package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/hairizuanbinnoorazman/ui-verdict/verdict"
	"github.com/spf13/cobra"
)

var executeFlags struct {
	scriptFile     string
	expectedResult string
	backend        string
	projectID      string
	runID          string
	authStatePath  string
	provider       string
	model          string
	apiKey         string
	baseURL        string
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run one script locally and print its execution result and verdict",
	Long: `Runs a script without the database or HTTP server. The execution result
and verdict are printed to stdout as JSON; logs go to stderr.

The API key may also be given through UI_VERDICT_LLM_API_KEY.`,
	RunE: runExecute,
}

func init() {
	f := executeCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "config file path")
	f.StringVarP(&executeFlags.scriptFile, "script", "s", "", "script file (- for stdin)")
	f.StringVarP(&executeFlags.expectedResult, "expected", "e", "", "expected result description")
	f.StringVarP(&executeFlags.backend, "backend", "b", "", "backend: direct or agentDriven (defaults to the script's)")
	f.StringVar(&executeFlags.projectID, "project", "", "project ID whose stored auth state is used")
	f.StringVar(&executeFlags.runID, "run-id", "", "run ID (generated when empty)")
	f.StringVar(&executeFlags.authStatePath, "auth-state", "", "auth state file overriding the project's")
	f.StringVar(&executeFlags.provider, "llm-provider", "", "language model provider")
	f.StringVar(&executeFlags.model, "llm-model", "", "language model name")
	f.StringVar(&executeFlags.apiKey, "llm-api-key", "", "language model API key")
	f.StringVar(&executeFlags.baseURL, "llm-base-url", "", "language model base URL")
	executeCmd.MarkFlagRequired("script")

	rootCmd.AddCommand(executeCmd)
}

// ExecuteOutput is printed by the execute command.
type ExecuteOutput struct {
	RunID     string                    `json:"run_id"`
	Execution *executor.ExecutionResult `json:"execution"`
	Verdict   *verdict.Result           `json:"verdict"`
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewLogrusLoggerWithOptions(logger.Options{
		Level:  cfg.Log.Level,
		Format: "text",
		Output: os.Stderr,
	})

	raw, err := readScript(executeFlags.scriptFile)
	if err != nil {
		return err
	}
	s, err := script.Parse(raw)
	if err != nil {
		return err
	}

	req := executor.Request{
		RunID:          executeFlags.runID,
		Script:         s,
		ScriptJSON:     raw,
		ExpectedResult: executeFlags.expectedResult,
		AuthStatePath:  executeFlags.authStatePath,
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if executeFlags.projectID != "" {
		req.ProjectID, err = uuid.Parse(executeFlags.projectID)
		if err != nil {
			return fmt.Errorf("invalid project ID: %w", err)
		}
	}

	llmCfg := llm.Config{
		Provider: llm.Provider(executeFlags.provider),
		Model:    executeFlags.model,
		APIKey:   executeFlags.apiKey,
		BaseURL:  executeFlags.baseURL,
	}
	if llmCfg.APIKey == "" {
		llmCfg.APIKey = os.Getenv("UI_VERDICT_LLM_API_KEY")
	}
	if llmCfg.Provider != "" {
		req.Env = llmCfg.WithDefaults().Env()
	}

	backend := script.BackendKind(executeFlags.backend)
	if backend == "" {
		backend = s.Backend
	}
	if backend == "" {
		backend = script.BackendKind(cfg.Executor.DefaultBackend)
	}

	eng, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	exec, err := eng.executorFactory(cfg, log)(backend)
	if err != nil {
		return err
	}

	res, execErr := exec.Execute(ctx, req)
	if res == nil {
		return execErr
	}

	out := ExecuteOutput{RunID: req.RunID, Execution: res}
	if execErr == nil {
		var client llm.Client
		if llmCfg.Provider != "" {
			client, err = eng.clientFactory()(ctx, llmCfg)
			if err != nil {
				return fmt.Errorf("failed to create llm client: %w", err)
			}
		}
		v := verdict.New(client, eng.artifacts, verdictOptions(cfg), eng.metrics, log).Judge(ctx, req.ExpectedResult, res)
		out.Verdict = &v
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if execErr != nil {
		return execErr
	}
	if !res.Success {
		return errors.New("run failed")
	}
	return nil
}

func readScript(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read script from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return data, nil
}
