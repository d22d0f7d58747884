package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
)

// MaxAuthStateSize bounds an uploaded auth state document (5MB).
const MaxAuthStateSize = 5 * 1024 * 1024

// AuthStateHandler handles per-project auth state requests.
type AuthStateHandler struct {
	manager *authstate.Manager
	capture *authstate.CaptureManager
	logger  logger.Logger
}

// NewAuthStateHandler creates a new auth state handler. capture may be nil
// when no capture browser is available.
func NewAuthStateHandler(manager *authstate.Manager, capture *authstate.CaptureManager, log logger.Logger) *AuthStateHandler {
	return &AuthStateHandler{
		manager: manager,
		capture: capture,
		logger:  log,
	}
}

// AuthStateResponse describes a project's stored state and capture session.
type AuthStateResponse struct {
	authstate.Info
	Capture authstate.CaptureStatus `json:"capture"`
}

// StartCaptureRequest represents a capture start request.
type StartCaptureRequest struct {
	LoginURL string `json:"login_url"`
}

// StartCaptureResponse carries the handle needed to save or cancel.
type StartCaptureResponse struct {
	Handle string `json:"handle"`
}

// CaptureCommandRequest represents a save or cancel request.
type CaptureCommandRequest struct {
	Handle string `json:"handle"`
}

// Get handles reading a project's auth state summary.
func (h *AuthStateHandler) Get(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}

	resp := AuthStateResponse{Info: h.manager.Info(projectID)}
	if h.capture != nil {
		resp.Capture = h.capture.Status(projectID)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Upload handles replacing a project's auth state with a storage state
// document sent in the body.
func (h *AuthStateHandler) Upload(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAuthStateSize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	res := h.manager.Save(r.Context(), projectID, authstate.BytesSource(body))
	if !res.Success {
		respondJSON(w, http.StatusBadRequest, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Delete handles removing a project's auth state.
func (h *AuthStateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}

	res := h.manager.Delete(r.Context(), projectID)
	if !res.Success {
		respondJSON(w, http.StatusInternalServerError, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// StartCapture handles opening a capture browser on the login page.
func (h *AuthStateHandler) StartCapture(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}
	if !h.captureAvailable(w) {
		return
	}

	var req StartCaptureRequest
	if err := parseJSON(r, &req, h.logger); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LoginURL == "" {
		respondError(w, http.StatusBadRequest, "login_url is required")
		return
	}

	handle, err := h.capture.Start(r.Context(), projectID, req.LoginURL)
	if err != nil {
		h.respondCaptureError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, StartCaptureResponse{Handle: handle})
}

// CaptureStatus handles reading the capture session of a project.
func (h *AuthStateHandler) CaptureStatus(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}
	if !h.captureAvailable(w) {
		return
	}
	respondJSON(w, http.StatusOK, h.capture.Status(projectID))
}

// SaveCapture handles storing the capture browser's state.
func (h *AuthStateHandler) SaveCapture(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}
	if !h.captureAvailable(w) {
		return
	}

	var req CaptureCommandRequest
	if err := parseJSON(r, &req, h.logger); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.capture.Save(r.Context(), projectID, req.Handle)
	if err != nil {
		h.respondCaptureError(w, r, err)
		return
	}
	if !res.Success {
		respondJSON(w, http.StatusInternalServerError, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// CancelCapture handles closing the capture browser without saving.
func (h *AuthStateHandler) CancelCapture(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDOrRespond(w, r, "project_id", "project")
	if !ok {
		return
	}
	if !h.captureAvailable(w) {
		return
	}

	var req CaptureCommandRequest
	if err := parseJSON(r, &req, h.logger); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.capture.Cancel(r.Context(), projectID, req.Handle); err != nil {
		h.respondCaptureError(w, r, err)
		return
	}
	respondSuccess(w, "capture session cancelled")
}

func (h *AuthStateHandler) captureAvailable(w http.ResponseWriter) bool {
	if h.capture == nil {
		respondError(w, http.StatusServiceUnavailable, "auth state capture is not available")
		return false
	}
	return true
}

func (h *AuthStateHandler) respondCaptureError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authstate.ErrSessionExists), errors.Is(err, authstate.ErrSessionNotReady):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, authstate.ErrNoSession):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, authstate.ErrInvalidHandle):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, authstate.ErrCommandTimeout):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.Error(r.Context(), "capture session request failed", map[string]interface{}{
			"error": err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "capture session request failed")
	}
}
