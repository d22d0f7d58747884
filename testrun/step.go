package testrun

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidStepIndex is returned when a step execution has no index.
	ErrInvalidStepIndex = errors.New("step_index is required")
)

// StepExecution is the persisted outcome of one script step within a test run.
type StepExecution struct {
	ID                uuid.UUID  `json:"id" gorm:"type:char(36);primaryKey"`
	TestRunID         uuid.UUID  `json:"test_run_id" gorm:"type:char(36);not null;uniqueIndex:idx_run_step"`
	StepIndex         int        `json:"step_index" gorm:"not null;uniqueIndex:idx_run_step"`
	Action            string     `json:"action,omitempty" gorm:"type:varchar(32)"`
	Description       string     `json:"description" gorm:"type:text"`
	Status            string     `json:"status" gorm:"type:varchar(20);not null"`
	ScreenshotPath    string     `json:"screenshot_path,omitempty" gorm:"type:varchar(512)"`
	VisionObservation string     `json:"vision_observation,omitempty" gorm:"type:text"`
	ErrorMessage      string     `json:"error_message,omitempty" gorm:"type:text"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// BeforeCreate hook to generate UUID before creating a new step execution.
func (se *StepExecution) BeforeCreate(tx *gorm.DB) error {
	if se.ID == uuid.Nil {
		se.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name for GORM.
func (se *StepExecution) TableName() string {
	return "test_run_steps"
}

// Validate checks if the step execution has valid required fields.
func (se *StepExecution) Validate() error {
	if se.TestRunID == uuid.Nil {
		return ErrInvalidTestRunID
	}
	if se.StepIndex <= 0 {
		return ErrInvalidStepIndex
	}
	if se.Status == "" {
		return ErrInvalidStatus
	}
	return nil
}
