package testrun

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/testutil"
	"gorm.io/gorm"
)

// setupTestStore creates a test database and the test run stores for testing.
func setupTestStore(t *testing.T) (*gorm.DB, Store, AssetStore, StepStore) {
	db := testutil.SetupTestDB(t)
	testutil.AutoMigrate(t, db, &TestRun{}, &TestRunAsset{}, &StepExecution{})

	log := logger.NewTestLogger()
	return db, NewMySQLStore(db, log), NewMySQLAssetStore(db, log), NewMySQLStepStore(db, log)
}

// createTestRun creates a running test run with default values.
func createTestRun(projectID uuid.UUID) *TestRun {
	return &TestRun{
		ProjectID:      projectID,
		Backend:        "direct",
		Script:         Document(`{"steps":[{"index":1,"action":"goto","value":"https://example.com"}]}`),
		ExpectedResult: "the home page is shown",
	}
}

// createTestAsset creates a test run asset with default values.
func createTestAsset(testRunID uuid.UUID, assetType AssetType, path, fileName string, size int64) *TestRunAsset {
	return &TestRunAsset{
		TestRunID: testRunID,
		AssetType: assetType,
		AssetPath: path,
		FileName:  fileName,
		FileSize:  size,
		MimeType:  "application/octet-stream",
	}
}
