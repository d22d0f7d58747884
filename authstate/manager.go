package authstate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
)

// SaveResult reports the outcome of Save.
type SaveResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	FilePath     string `json:"file_path,omitempty"`
	CookiesCount int    `json:"cookies_count"`
	OriginsCount int    `json:"origins_count"`
}

// DeleteResult reports the outcome of Delete.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Info describes the stored state of a project.
type Info struct {
	Exists       bool       `json:"exists"`
	FilePath     string     `json:"file_path"`
	CookiesCount int        `json:"cookies_count"`
	OriginsCount int        `json:"origins_count"`
	SizeBytes    int64      `json:"file_size"`
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Manager keeps one state file per project. Readers and the capture flow
// are serialized per project so a run never reads a half-written file.
type Manager struct {
	dir    string
	logger logger.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.RWMutex
}

// NewManager creates a manager storing files under dir.
func NewManager(dir string, log logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create auth state directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		logger: log,
		locks:  make(map[uuid.UUID]*sync.RWMutex),
	}, nil
}

func (m *Manager) lock(projectID uuid.UUID) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[projectID] = l
	}
	return l
}

// Path returns the state file of a project whether or not it exists.
func (m *Manager) Path(projectID uuid.UUID) string {
	return filepath.Join(m.dir, fmt.Sprintf("project_%s_auth.json", projectID))
}

// Save asks src for its storage state and stores it as the project's state.
// The document is written to a temporary file and verified by re-reading it
// before it replaces the current file.
func (m *Manager) Save(ctx context.Context, projectID uuid.UUID, src StateSource) SaveResult {
	l := m.lock(projectID)
	l.Lock()
	defer l.Unlock()

	target := m.Path(projectID)
	tmp, err := os.CreateTemp(m.dir, ".auth-*.json")
	if err != nil {
		return m.saveFailed(ctx, projectID, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := src.StorageState(tmpPath); err != nil {
		return m.saveFailed(ctx, projectID, err)
	}
	st, err := ReadState(tmpPath)
	if err != nil {
		return m.saveFailed(ctx, projectID, err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return m.saveFailed(ctx, projectID, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return m.saveFailed(ctx, projectID, err)
	}

	m.logger.Info(ctx, "auth state saved", map[string]interface{}{
		"project_id":    projectID.String(),
		"cookies_count": len(st.Cookies),
		"origins_count": len(st.Origins),
	})

	return SaveResult{
		Success:      true,
		Message:      fmt.Sprintf("auth state saved with %d cookies", len(st.Cookies)),
		FilePath:     target,
		CookiesCount: len(st.Cookies),
		OriginsCount: len(st.Origins),
	}
}

func (m *Manager) saveFailed(ctx context.Context, projectID uuid.UUID, err error) SaveResult {
	m.logger.Error(ctx, "failed to save auth state", map[string]interface{}{
		"project_id": projectID.String(),
		"error":      err.Error(),
	})
	return SaveResult{Success: false, Message: fmt.Sprintf("failed to save auth state: %v", err)}
}

// Load returns the state file path if the project has one. The file is not parsed.
func (m *Manager) Load(projectID uuid.UUID) (string, bool) {
	l := m.lock(projectID)
	l.RLock()
	defer l.RUnlock()

	path := m.Path(projectID)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Snapshot copies the project's state to dst while holding the read lock and
// returns false when there is nothing to copy. Runs consume the copy so a
// concurrent capture cannot tear their read.
func (m *Manager) Snapshot(projectID uuid.UUID, dst string) (bool, error) {
	l := m.lock(projectID)
	l.RLock()
	defer l.RUnlock()

	src, err := os.Open(m.Path(projectID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open auth state: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return false, fmt.Errorf("failed to create auth state snapshot: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return false, fmt.Errorf("failed to copy auth state: %w", err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("failed to close auth state snapshot: %w", err)
	}
	return true, nil
}

// Delete removes the project's state.
func (m *Manager) Delete(ctx context.Context, projectID uuid.UUID) DeleteResult {
	l := m.lock(projectID)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(m.Path(projectID))
	switch {
	case err == nil:
		m.logger.Info(ctx, "auth state deleted", map[string]interface{}{
			"project_id": projectID.String(),
		})
		return DeleteResult{Success: true, Message: "auth state deleted"}
	case os.IsNotExist(err):
		return DeleteResult{Success: false, Message: "auth state does not exist"}
	default:
		m.logger.Error(ctx, "failed to delete auth state", map[string]interface{}{
			"project_id": projectID.String(),
			"error":      err.Error(),
		})
		return DeleteResult{Success: false, Message: fmt.Sprintf("failed to delete auth state: %v", err)}
	}
}

// Info returns metadata about the project's state. A file that exists but
// cannot be parsed is reported with Exists set and Error populated.
func (m *Manager) Info(projectID uuid.UUID) Info {
	l := m.lock(projectID)
	l.RLock()
	defer l.RUnlock()

	path := m.Path(projectID)
	stat, err := os.Stat(path)
	if err != nil {
		return Info{Exists: false, FilePath: path}
	}

	modified := stat.ModTime().UTC()
	info := Info{
		Exists:       true,
		FilePath:     path,
		SizeBytes:    stat.Size(),
		ModifiedTime: &modified,
	}
	st, err := ReadState(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.CookiesCount = len(st.Cookies)
	info.OriginsCount = len(st.Origins)
	return info
}
