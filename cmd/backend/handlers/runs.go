package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/coordinator"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/hairizuanbinnoorazman/ui-verdict/storage"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
)

// RunCoordinator owns the lifecycle of runs.
type RunCoordinator interface {
	Submit(ctx context.Context, req coordinator.RunRequest) (uuid.UUID, error)
	ResultJSON(ctx context.Context, id uuid.UUID) ([]byte, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunHandler handles test run requests.
type RunHandler struct {
	coordinator RunCoordinator
	runStore    testrun.Store
	stepStore   testrun.StepStore
	assetStore  testrun.AssetStore
	artifacts   *artifact.Store
	storage     storage.BlobStorage
	logger      logger.Logger
}

// NewRunHandler creates a new run handler. blob may be nil when artifacts
// are not published.
func NewRunHandler(
	coord RunCoordinator,
	runStore testrun.Store,
	stepStore testrun.StepStore,
	assetStore testrun.AssetStore,
	artifacts *artifact.Store,
	blob storage.BlobStorage,
	log logger.Logger,
) *RunHandler {
	return &RunHandler{
		coordinator: coord,
		runStore:    runStore,
		stepStore:   stepStore,
		assetStore:  assetStore,
		artifacts:   artifacts,
		storage:     blob,
		logger:      log,
	}
}

// LLMConfigRequest carries the project's language model settings.
type LLMConfigRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// SubmitRunRequest represents a run submission.
type SubmitRunRequest struct {
	ProjectID      uuid.UUID         `json:"project_id"`
	Script         json.RawMessage   `json:"script"`
	ExpectedResult string            `json:"expected_result"`
	Backend        string            `json:"backend,omitempty"`
	LLM            *LLMConfigRequest `json:"llm,omitempty"`
}

// SubmitRunResponse is returned once a run is recorded.
type SubmitRunResponse struct {
	RunID  uuid.UUID      `json:"run_id"`
	Status testrun.Status `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// Submit handles starting a run. It answers as soon as the run is recorded.
func (h *RunHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := parseJSON(r, &req, h.logger); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Script) == 0 {
		respondError(w, http.StatusBadRequest, "script is required")
		return
	}

	runReq := coordinator.RunRequest{
		ProjectID:      req.ProjectID,
		Script:         req.Script,
		ExpectedResult: req.ExpectedResult,
		Backend:        script.BackendKind(req.Backend),
	}
	if req.LLM != nil {
		runReq.LLM = llm.Config{
			Provider: llm.Provider(req.LLM.Provider),
			Model:    req.LLM.Model,
			APIKey:   req.LLM.APIKey,
			BaseURL:  req.LLM.BaseURL,
		}
	}

	id, err := h.coordinator.Submit(r.Context(), runReq)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: id, Status: testrun.StatusRunning})
	case errors.Is(err, script.ErrInvalidScript):
		respondJSON(w, http.StatusUnprocessableEntity, SubmitRunResponse{
			RunID:  id,
			Status: testrun.StatusFailed,
			Error:  err.Error(),
		})
	case errors.Is(err, testrun.ErrInvalidProjectID), errors.Is(err, testrun.ErrInvalidBackend):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(r.Context(), "failed to submit run", map[string]interface{}{
			"error":      err.Error(),
			"project_id": req.ProjectID.String(),
		})
		respondError(w, http.StatusInternalServerError, "failed to submit run")
	}
}

// Get handles reading a run's status, execution result and verdict.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDOrRespond(w, r, "run_id", "run")
	if !ok {
		return
	}

	raw, err := h.coordinator.ResultJSON(r.Context(), id)
	if err != nil {
		if errors.Is(err, testrun.ErrTestRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error(r.Context(), "failed to get run", map[string]interface{}{
			"error":  err.Error(),
			"run_id": id.String(),
		})
		respondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	respondRawJSON(w, http.StatusOK, raw)
}

// Delete handles removing a finished run and its artifacts.
func (h *RunHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDOrRespond(w, r, "run_id", "run")
	if !ok {
		return
	}

	err := h.coordinator.Delete(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"message": "run deleted"})
	case errors.Is(err, testrun.ErrTestRunNotFound):
		respondError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, coordinator.ErrRunInProgress):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(r.Context(), "failed to delete run", map[string]interface{}{
			"error":  err.Error(),
			"run_id": id.String(),
		})
		respondError(w, http.StatusInternalServerError, "failed to delete run")
	}
}

// ListByProject handles listing a project's runs, newest first.
func (h *RunHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}
	limit, offset := parsePagination(r)

	runs, err := h.runStore.ListByProject(r.Context(), projectID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	total, err := h.runStore.CountByProject(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count runs")
		return
	}
	if runs == nil {
		runs = []*testrun.TestRun{}
	}

	respondJSON(w, http.StatusOK, NewPaginatedResponse(runs, int(total), limit, offset))
}

// ListSteps handles listing the stored steps of a run.
func (h *RunHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDOrRespond(w, r, "run_id", "run")
	if !ok {
		return
	}
	if !h.runExists(w, r, id) {
		return
	}

	steps, err := h.stepStore.ListByTestRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	if steps == nil {
		steps = []*testrun.StepExecution{}
	}
	respondJSON(w, http.StatusOK, NewPaginatedResponse(steps, len(steps), len(steps), 0))
}

// DownloadAsset handles downloading one artifact of a run.
func (h *RunHandler) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDOrRespond(w, r, "run_id", "run")
	if !ok {
		return
	}
	assetID, ok := parseUUIDOrRespond(w, r, "asset_id", "asset")
	if !ok {
		return
	}

	asset, err := h.assetStore.GetByID(r.Context(), assetID)
	if err != nil || asset.TestRunID != runID {
		if err == nil || errors.Is(err, testrun.ErrAssetNotFound) {
			respondError(w, http.StatusNotFound, "asset not found")
			return
		}
		h.logger.Error(r.Context(), "failed to get asset", map[string]interface{}{
			"error":    err.Error(),
			"asset_id": assetID.String(),
		})
		respondError(w, http.StatusInternalServerError, "failed to get asset")
		return
	}

	reader, err := h.openAsset(r.Context(), asset)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrFileNotFound) {
			respondError(w, http.StatusNotFound, "file not found")
			return
		}
		h.logger.Error(r.Context(), "failed to open asset", map[string]interface{}{
			"error": err.Error(),
			"path":  asset.AssetPath,
		})
		respondError(w, http.StatusInternalServerError, "failed to download file")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", asset.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.FileName))
	w.Header().Set("Content-Length", strconv.FormatInt(asset.FileSize, 10))

	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Error(r.Context(), "failed to stream file", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// openAsset reads from the local artifact root and falls back to the
// published copy.
func (h *RunHandler) openAsset(ctx context.Context, asset *testrun.TestRunAsset) (io.ReadCloser, error) {
	path, err := h.artifacts.Resolve(asset.AssetPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) || h.storage == nil || asset.StorageKey == "" {
		return nil, err
	}
	return h.storage.Download(ctx, asset.StorageKey)
}

func (h *RunHandler) runExists(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	if _, err := h.runStore.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, testrun.ErrTestRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return false
		}
		respondError(w, http.StatusInternalServerError, "failed to get run")
		return false
	}
	return true
}
