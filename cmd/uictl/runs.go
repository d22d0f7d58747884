package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Submit and inspect test runs",
	}

	cmd.AddCommand(newRunsSubmitCmd())
	cmd.AddCommand(newRunsGetCmd())
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsStepsCmd())
	cmd.AddCommand(newRunsDeleteCmd())
	return cmd
}

func newRunsSubmitCmd() *cobra.Command {
	var projectID, scriptFile, expected, backend string
	var provider, model, apiKey, baseURL string
	var wait bool
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a script for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := uuid.Parse(projectID)
			if err != nil {
				return fmt.Errorf("invalid project ID: %w", err)
			}

			raw, err := os.ReadFile(scriptFile)
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("script file %s is not valid JSON", scriptFile)
			}

			client, err := getClient()
			if err != nil {
				return err
			}

			req := SubmitRunRequest{
				ProjectID:      pid,
				Script:         raw,
				ExpectedResult: expected,
				Backend:        backend,
			}
			if provider != "" {
				if apiKey == "" {
					apiKey = cfg.GetString("llm_api_key")
				}
				req.LLM = &LLMConfigRequest{
					Provider: provider,
					Model:    model,
					APIKey:   apiKey,
					BaseURL:  baseURL,
				}
			}

			body, err := client.Post("/api/v1/runs", req)
			if err != nil {
				// A rejected script is still recorded as a failed run.
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
					var resp SubmitRunResponse
					if json.Unmarshal(apiErr.Body, &resp) == nil && resp.RunID != uuid.Nil {
						printMessage(fmt.Sprintf("Script rejected: run %s recorded as %s", resp.RunID, resp.Status))
					}
				}
				return err
			}

			var resp SubmitRunResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			if !wait {
				if flagJSON {
					printJSON(resp)
					return nil
				}
				printMessage(fmt.Sprintf("Run submitted: %s (status: %s)", resp.RunID, resp.Status))
				return nil
			}

			run, raw, err := waitForRun(client, resp.RunID, pollInterval)
			if err != nil {
				return err
			}
			if flagJSON {
				printJSON(json.RawMessage(raw))
			} else {
				printRun(run)
			}
			if run.Status != testrun.StatusSuccess {
				return fmt.Errorf("run finished with status %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	cmd.Flags().StringVar(&scriptFile, "script", "", "Automation script JSON file (required)")
	cmd.MarkFlagRequired("script")
	cmd.Flags().StringVar(&expected, "expected", "", "Expected result description")
	cmd.Flags().StringVar(&backend, "backend", "", "Backend: direct or agentDriven (defaults to the script's)")
	cmd.Flags().StringVar(&provider, "llm-provider", "", "Language model provider")
	cmd.Flags().StringVar(&model, "llm-model", "", "Language model name")
	cmd.Flags().StringVar(&apiKey, "llm-api-key", "", "Language model API key (env: UI_VERDICT_LLM_API_KEY)")
	cmd.Flags().StringVar(&baseURL, "llm-base-url", "", "Language model base URL")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish and print its verdict")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "Polling interval with --wait")
	return cmd
}

func waitForRun(client *Client, id uuid.UUID, interval time.Duration) (*RunResponse, []byte, error) {
	for {
		body, err := client.Get(fmt.Sprintf("/api/v1/runs/%s", id), nil)
		if err != nil {
			return nil, nil, err
		}
		var run RunResponse
		if err := json.Unmarshal(body, &run); err != nil {
			return nil, nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if run.Status.IsFinal() {
			return &run, body, nil
		}
		time.Sleep(interval)
	}
}

func newRunsGetCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a run's status, execution result and verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}

			body, err := client.Get(fmt.Sprintf("/api/v1/runs/%s", id), nil)
			if err != nil {
				return err
			}

			if flagJSON {
				var raw json.RawMessage
				json.Unmarshal(body, &raw)
				printJSON(raw)
				return nil
			}

			var r RunResponse
			if err := json.Unmarshal(body, &r); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			printRun(&r)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Run ID (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func printRun(r *RunResponse) {
	verdict, confidence, reason := "-", "-", "-"
	if r.Verdict != nil {
		verdict = r.Verdict.Verdict
		confidence = strconv.FormatFloat(r.Verdict.Confidence, 'f', 2, 64)
		reason = r.Verdict.Reason
	}
	printFields([][2]string{
		{"ID", r.RunID.String()},
		{"Project ID", r.ProjectID.String()},
		{"Backend", r.Backend},
		{"Status", string(r.Status)},
		{"Verdict", verdict},
		{"Confidence", confidence},
		{"Reason", reason},
		{"Error", r.ErrorMessage},
		{"Started At", formatTime(r.StartedAt)},
		{"Completed At", formatTime(r.CompletedAt)},
		{"Assets", strconv.Itoa(len(r.Assets))},
	})

	if r.Execution != nil && len(r.Execution.Steps) > 0 {
		printMessage("")
		stepRows := make([][]string, 0, len(r.Execution.Steps))
		for _, st := range r.Execution.Steps {
			e := st.ErrorMessage
			if e == "" {
				e = "-"
			}
			stepRows = append(stepRows, []string{strconv.Itoa(st.Index), st.Action, st.Status, st.Description, e})
		}
		printTable([]string{"STEP", "ACTION", "STATUS", "DESCRIPTION", "ERROR"}, stepRows)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func newRunsListCmd() *cobra.Command {
	var projectID string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}

			query := url.Values{}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				query.Set("offset", strconv.Itoa(offset))
			}

			body, err := client.Get(fmt.Sprintf("/api/v1/projects/%s/runs", projectID), query)
			if err != nil {
				return err
			}

			if flagJSON {
				var raw json.RawMessage
				json.Unmarshal(body, &raw)
				printJSON(raw)
				return nil
			}

			var resp PaginatedResponse[TestRunResponse]
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			headers := []string{"ID", "BACKEND", "STATUS", "STARTED AT", "COMPLETED AT"}
			var rows [][]string
			for _, r := range resp.Items {
				rows = append(rows, []string{
					r.ID.String(),
					r.Backend,
					string(r.Status),
					formatTime(r.StartedAt),
					formatTime(r.CompletedAt),
				})
			}
			printTable(headers, rows)
			printMessage(fmt.Sprintf("\nShowing %d of %d runs", len(resp.Items), resp.Total))
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset for pagination")
	return cmd
}

func newRunsStepsCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List the stored steps of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}

			body, err := client.Get(fmt.Sprintf("/api/v1/runs/%s/steps", id), nil)
			if err != nil {
				return err
			}

			if flagJSON {
				var raw json.RawMessage
				json.Unmarshal(body, &raw)
				printJSON(raw)
				return nil
			}

			var resp PaginatedResponse[testrun.StepExecution]
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			headers := []string{"STEP", "ACTION", "STATUS", "DESCRIPTION", "ERROR"}
			var rows [][]string
			for _, st := range resp.Items {
				e := st.ErrorMessage
				if e == "" {
					e = "-"
				}
				rows = append(rows, []string{strconv.Itoa(st.StepIndex), st.Action, st.Status, st.Description, e})
			}
			printTable(headers, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Run ID (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newRunsDeleteCmd() *cobra.Command {
	var id string
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a finished run and its artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmAction(fmt.Sprintf("Delete run %s?", id), yes) {
				printMessage("Aborted")
				return nil
			}

			client, err := getClient()
			if err != nil {
				return err
			}

			if _, err := client.Delete(fmt.Sprintf("/api/v1/runs/%s", id)); err != nil {
				return err
			}
			printMessage("Run deleted")
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Run ID (required)")
	cmd.MarkFlagRequired("id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}
