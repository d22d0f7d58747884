package testrun

import (
	"context"

	"github.com/google/uuid"
)

// StepStore defines the interface for step execution persistence operations.
type StepStore interface {
	// ReplaceForTestRun stores the steps of a test run, replacing any stored earlier.
	ReplaceForTestRun(ctx context.Context, testRunID uuid.UUID, steps []*StepExecution) error

	// ListByTestRun retrieves all steps for a specific test run, ordered by step_index.
	ListByTestRun(ctx context.Context, testRunID uuid.UUID) ([]*StepExecution, error)
}
