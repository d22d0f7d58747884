package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
)

// PaginatedResponse matches handlers.PaginatedResponse.
type PaginatedResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// SuccessResponse matches handlers.SuccessResponse.
type SuccessResponse struct {
	Message string `json:"message"`
}

// LLMConfigRequest matches handlers.LLMConfigRequest.
type LLMConfigRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// SubmitRunRequest matches handlers.SubmitRunRequest.
type SubmitRunRequest struct {
	ProjectID      uuid.UUID         `json:"project_id"`
	Script         json.RawMessage   `json:"script"`
	ExpectedResult string            `json:"expected_result"`
	Backend        string            `json:"backend,omitempty"`
	LLM            *LLMConfigRequest `json:"llm,omitempty"`
}

// SubmitRunResponse matches handlers.SubmitRunResponse.
type SubmitRunResponse struct {
	RunID  uuid.UUID      `json:"run_id"`
	Status testrun.Status `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// VerdictResponse is the subset of a stored verdict the CLI prints.
type VerdictResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Mode       string  `json:"mode"`
}

// ExecutionResponse is the subset of a stored execution result the CLI prints.
type ExecutionResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
	Steps        []struct {
		Index        int    `json:"index"`
		Action       string `json:"action"`
		Description  string `json:"description"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	} `json:"steps"`
}

// AssetResponse matches testrun.TestRunAsset.
type AssetResponse struct {
	ID        uuid.UUID `json:"id"`
	AssetType string    `json:"asset_type"`
	FileName  string    `json:"file_name"`
	FileSize  int64     `json:"file_size"`
}

// RunResponse matches coordinator.RunResult.
type RunResponse struct {
	RunID        uuid.UUID          `json:"run_id"`
	ProjectID    uuid.UUID          `json:"project_id"`
	Backend      string             `json:"backend"`
	Status       testrun.Status     `json:"status"`
	Execution    *ExecutionResponse `json:"execution"`
	Verdict      *VerdictResponse   `json:"verdict"`
	ErrorMessage string             `json:"error_message"`
	Assets       []AssetResponse    `json:"assets"`
	StartedAt    *time.Time         `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at"`
}

// TestRunResponse matches testrun.TestRun.
type TestRunResponse struct {
	ID          uuid.UUID      `json:"id"`
	ProjectID   uuid.UUID      `json:"project_id"`
	Backend     string         `json:"backend"`
	Status      testrun.Status `json:"status"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuthStateResponse matches handlers.AuthStateResponse.
type AuthStateResponse struct {
	Exists       bool       `json:"exists"`
	CookiesCount int        `json:"cookies_count"`
	OriginsCount int        `json:"origins_count"`
	SizeBytes    int64      `json:"file_size"`
	ModifiedTime *time.Time `json:"modified_time"`
	Capture      struct {
		HasSession bool      `json:"has_session"`
		Ready      bool      `json:"ready"`
		StartedAt  time.Time `json:"started_at"`
	} `json:"capture"`
}

// SaveResultResponse matches authstate.SaveResult.
type SaveResultResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	CookiesCount int    `json:"cookies_count"`
	OriginsCount int    `json:"origins_count"`
}

// StartCaptureRequest matches handlers.StartCaptureRequest.
type StartCaptureRequest struct {
	LoginURL string `json:"login_url"`
}

// StartCaptureResponse matches handlers.StartCaptureResponse.
type StartCaptureResponse struct {
	Handle string `json:"handle"`
}

// CaptureCommandRequest matches handlers.CaptureCommandRequest.
type CaptureCommandRequest struct {
	Handle string `json:"handle"`
}
