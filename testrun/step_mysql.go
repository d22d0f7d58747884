package testrun

import (
	"context"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"gorm.io/gorm"
)

// MySQLStepStore implements StepStore using GORM and MySQL.
type MySQLStepStore struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewMySQLStepStore creates a new MySQL-backed step store.
func NewMySQLStepStore(db *gorm.DB, log logger.Logger) *MySQLStepStore {
	return &MySQLStepStore{
		db:     db,
		logger: log,
	}
}

// ReplaceForTestRun deletes the stored steps of a test run and inserts steps
// in one transaction.
func (s *MySQLStepStore) ReplaceForTestRun(ctx context.Context, testRunID uuid.UUID, steps []*StepExecution) error {
	for _, st := range steps {
		st.TestRunID = testRunID
		if err := st.Validate(); err != nil {
			return err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("test_run_id = ?", testRunID).Delete(&StepExecution{}).Error; err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(&steps).Error
	})
	if err != nil {
		s.logger.Error(ctx, "failed to store test run steps", map[string]interface{}{
			"error":       err.Error(),
			"test_run_id": testRunID.String(),
			"steps":       len(steps),
		})
		return err
	}
	return nil
}

// ListByTestRun retrieves all steps for a specific test run, ordered by step_index.
func (s *MySQLStepStore) ListByTestRun(ctx context.Context, testRunID uuid.UUID) ([]*StepExecution, error) {
	var steps []*StepExecution
	err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("step_index ASC").
		Find(&steps).Error

	if err != nil {
		s.logger.Error(ctx, "failed to list steps by test run", map[string]interface{}{
			"error":       err.Error(),
			"test_run_id": testRunID.String(),
		})
		return nil, err
	}

	return steps, nil
}
