package testrun

import (
	"context"

	"github.com/google/uuid"
)

// Store defines the interface for test run persistence operations.
type Store interface {
	// Create creates a new test run in the store.
	Create(ctx context.Context, testRun *TestRun) error

	// GetByID retrieves a test run by its ID.
	GetByID(ctx context.Context, id uuid.UUID) (*TestRun, error)

	// Update updates a test run with the given setters.
	Update(ctx context.Context, id uuid.UUID, setters ...UpdateSetter) error

	// ListByProject retrieves a paginated list of test runs for a project, newest first.
	ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*TestRun, error)

	// CountByProject counts the test runs of a project.
	CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error)

	// ListByStatus retrieves every test run in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*TestRun, error)

	// Complete records the outcome of a running test run.
	Complete(ctx context.Context, id uuid.UUID, c Completion) error

	// Delete deletes a test run by its ID.
	Delete(ctx context.Context, id uuid.UUID) error
}

// UpdateSetter is a function that updates a test run field.
type UpdateSetter func(*TestRun) error
