// Package artifact owns the on-disk layout of a run's screenshots, console log
// and network capture. Paths handed to callers are relative to the artifact root
// so results stay portable across machines.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	RunsDir        = "runs"
	ScreenshotsDir = "screenshots"
	LogsDir        = "logs"
	NetworkDir     = "network"

	ConsoleLogFile = "console.log"
	HARFile        = "traffic.har"
	authSnapshot   = "auth_state.json"
)

var (
	// ErrInvalidPath is returned when a relative path escapes the artifact root.
	ErrInvalidPath = errors.New("invalid artifact path")

	// ErrInvalidRunID is returned when the run identifier cannot be used as a directory name.
	ErrInvalidRunID = errors.New("invalid run id")
)

// Store is the artifact root shared by all runs.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	root = filepath.Clean(root)
	if root == "" || root == "." {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
		}
		root = abs
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// Layout returns the layout for a run.
func (s *Store) Layout(runID string) (Layout, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return Layout{}, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return Layout{root: s.root, runID: runID}, nil
}

// Resolve joins a root-relative path with the root, rejecting traversal.
func (s *Store) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, rel)
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	r, err := filepath.Rel(s.root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes artifact root", ErrInvalidPath, rel)
	}
	return full, nil
}

// ReadFile reads a file addressed by a root-relative path.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Layout is the directory structure of one run:
//
//	{root}/runs/{runId}/screenshots/step_{index}.png
//	{root}/runs/{runId}/logs/console.log
//	{root}/runs/{runId}/network/traffic.har
type Layout struct {
	root  string
	runID string
}

// RunID returns the run identifier.
func (l Layout) RunID() string { return l.runID }

// Root returns the artifact root.
func (l Layout) Root() string { return l.root }

// RunDir returns the absolute run directory.
func (l Layout) RunDir() string {
	return filepath.Join(l.root, RunsDir, l.runID)
}

// Prepare creates the screenshots, logs and network directories.
func (l Layout) Prepare() error {
	for _, dir := range []string{ScreenshotsDir, LogsDir, NetworkDir} {
		if err := os.MkdirAll(filepath.Join(l.RunDir(), dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return nil
}

// ScreenshotPath returns the absolute path of the screenshot for a step.
func (l Layout) ScreenshotPath(index int) string {
	return filepath.Join(l.RunDir(), ScreenshotsDir, fmt.Sprintf("step_%d.png", index))
}

// ConsoleLogPath returns the absolute path of the console log.
func (l Layout) ConsoleLogPath() string {
	return filepath.Join(l.RunDir(), LogsDir, ConsoleLogFile)
}

// HARPath returns the absolute path of the network capture.
func (l Layout) HARPath() string {
	return filepath.Join(l.RunDir(), NetworkDir, HARFile)
}

// AuthSnapshotPath returns the run-private copy of the project's auth state.
func (l Layout) AuthSnapshotPath() string {
	return filepath.Join(l.RunDir(), authSnapshot)
}

// Relative converts an absolute path under the root into a slash-separated
// root-relative path. Paths outside the root are returned unchanged.
func (l Layout) Relative(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// RelativeRunDir returns the run directory relative to the root.
func (l Layout) RelativeRunDir() string {
	return l.Relative(l.RunDir())
}
