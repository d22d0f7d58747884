package testrun

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrTestRunNotFound is returned when a test run is not found.
	ErrTestRunNotFound = errors.New("test run not found")

	// ErrInvalidProjectID is returned when project_id is not set.
	ErrInvalidProjectID = errors.New("project_id is required")

	// ErrInvalidBackend is returned when backend is not set.
	ErrInvalidBackend = errors.New("backend is required")

	// ErrInvalidStatus is returned when status is invalid.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrTestRunNotRunning is returned when trying to complete a test run that's not running.
	ErrTestRunNotRunning = errors.New("test run is not running")
)

// Status represents the status of a test run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	// StatusError marks a broken environment rather than a failing test.
	StatusError Status = "error"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// IsFinal checks if the status is a final status (can't be changed).
func (s Status) IsFinal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusError
}

// TestRun is one execution of a script against one backend.
type TestRun struct {
	ID             uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	ProjectID      uuid.UUID `json:"project_id" gorm:"type:char(36);not null;index:idx_project_id"`
	Backend        string    `json:"backend" gorm:"type:varchar(20);not null"`
	Status         Status    `json:"status" gorm:"type:varchar(20);not null;default:'running';index:idx_status"`
	Script         Document  `json:"script" gorm:"type:text;not null"`
	ExpectedResult string    `json:"expected_result" gorm:"type:text"`

	LLMProvider string `json:"llm_provider,omitempty" gorm:"column:llm_provider;type:varchar(32)"`
	LLMModel    string `json:"llm_model,omitempty" gorm:"column:llm_model;type:varchar(128)"`
	LLMBaseURL  string `json:"llm_base_url,omitempty" gorm:"column:llm_base_url;type:varchar(512)"`
	// LLMAPIKey is sealed with the server secret and never serialized.
	LLMAPIKey []byte `json:"-" gorm:"column:llm_api_key;type:blob"`

	Execution    Document   `json:"execution,omitempty" gorm:"type:mediumtext"`
	Verdict      Document   `json:"verdict,omitempty" gorm:"type:text"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`
	StartedAt    *time.Time `json:"started_at,omitempty" gorm:"index:idx_started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating a new test run
func (tr *TestRun) BeforeCreate(tx *gorm.DB) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	return nil
}

// Validate checks if the test run has valid required fields.
func (tr *TestRun) Validate() error {
	if tr.ProjectID == uuid.Nil {
		return ErrInvalidProjectID
	}
	if tr.Backend == "" {
		return ErrInvalidBackend
	}
	if !tr.Status.IsValid() {
		return ErrInvalidStatus
	}
	return nil
}

// Completion carries the outcome persisted when a run finishes.
type Completion struct {
	Status       Status
	Execution    Document
	Verdict      Document
	ErrorMessage string
}

// Complete sets the completed_at timestamp and the outcome.
// Returns an error if the test run is not currently running.
func (tr *TestRun) Complete(c Completion) error {
	if tr.Status != StatusRunning {
		return ErrTestRunNotRunning
	}
	if !c.Status.IsFinal() {
		return ErrInvalidStatus
	}
	setters := []UpdateSetter{
		SetStatus(c.Status),
		SetErrorMessage(c.ErrorMessage),
		SetCompletedAt(time.Now().UTC()),
	}
	for _, set := range setters {
		if err := set(tr); err != nil {
			return err
		}
	}
	tr.Execution = c.Execution
	tr.Verdict = c.Verdict
	return nil
}
