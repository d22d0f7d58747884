package testrun

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"gorm.io/gorm"
)

// MySQLStore implements the Store interface using GORM and MySQL.
type MySQLStore struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewMySQLStore creates a new MySQL-backed test run store.
func NewMySQLStore(db *gorm.DB, log logger.Logger) *MySQLStore {
	return &MySQLStore{
		db:     db,
		logger: log,
	}
}

// Create creates a new test run in the database.
func (s *MySQLStore) Create(ctx context.Context, testRun *TestRun) error {
	// Ensure default status is set before validation
	if testRun.Status == "" {
		testRun.Status = StatusRunning
	}

	if err := testRun.Validate(); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(testRun).Error; err != nil {
		s.logger.Error(ctx, "failed to create test run", map[string]interface{}{
			"error":      err.Error(),
			"project_id": testRun.ProjectID,
		})
		return err
	}

	s.logger.Info(ctx, "test run created", map[string]interface{}{
		"test_run_id": testRun.ID,
		"project_id":  testRun.ProjectID,
		"backend":     testRun.Backend,
	})

	return nil
}

// GetByID retrieves a test run by its ID.
func (s *MySQLStore) GetByID(ctx context.Context, id uuid.UUID) (*TestRun, error) {
	var testRun TestRun
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&testRun).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTestRunNotFound
		}
		s.logger.Error(ctx, "failed to get test run by ID", map[string]interface{}{
			"error":       err.Error(),
			"test_run_id": id,
		})
		return nil, err
	}

	return &testRun, nil
}

// Update updates a test run with the given setters.
func (s *MySQLStore) Update(ctx context.Context, id uuid.UUID, setters ...UpdateSetter) error {
	testRun, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	for _, setter := range setters {
		if err := setter(testRun); err != nil {
			return err
		}
	}

	if err := s.db.WithContext(ctx).Save(testRun).Error; err != nil {
		s.logger.Error(ctx, "failed to update test run", map[string]interface{}{
			"error":       err.Error(),
			"test_run_id": id,
		})
		return err
	}

	return nil
}

// ListByProject retrieves a paginated list of test runs for a project.
func (s *MySQLStore) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*TestRun, error) {
	var testRuns []*TestRun
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&testRuns).Error

	if err != nil {
		s.logger.Error(ctx, "failed to list test runs by project", map[string]interface{}{
			"error":      err.Error(),
			"project_id": projectID,
			"limit":      limit,
			"offset":     offset,
		})
		return nil, err
	}

	return testRuns, nil
}

// CountByProject counts the test runs of a project.
func (s *MySQLStore) CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	if err != nil {
		s.logger.Error(ctx, "failed to count test runs by project", map[string]interface{}{
			"error":      err.Error(),
			"project_id": projectID,
		})
		return 0, err
	}
	return count, nil
}

// ListByStatus retrieves every test run in the given status.
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status) ([]*TestRun, error) {
	var testRuns []*TestRun
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&testRuns).Error
	if err != nil {
		s.logger.Error(ctx, "failed to list test runs by status", map[string]interface{}{
			"error":  err.Error(),
			"status": status,
		})
		return nil, err
	}
	return testRuns, nil
}

// Complete records the outcome of a running test run.
func (s *MySQLStore) Complete(ctx context.Context, id uuid.UUID, c Completion) error {
	complete := func(tr *TestRun) error {
		return tr.Complete(c)
	}
	if err := s.Update(ctx, id, complete); err != nil {
		return err
	}

	s.logger.Info(ctx, "test run completed", map[string]interface{}{
		"test_run_id": id,
		"status":      c.Status,
	})

	return nil
}

// Delete deletes a test run by ID.
func (s *MySQLStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&TestRun{})

	if result.Error != nil {
		s.logger.Error(ctx, "failed to delete test run", map[string]interface{}{
			"error":       result.Error.Error(),
			"test_run_id": id,
		})
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTestRunNotFound
	}

	s.logger.Info(ctx, "test run deleted", map[string]interface{}{
		"test_run_id": id,
	})

	return nil
}
