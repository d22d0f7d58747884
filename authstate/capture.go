package authstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
)

var (
	// ErrSessionExists is returned when a project already has an open capture session.
	ErrSessionExists = errors.New("a capture session is already running for this project")

	// ErrNoSession is returned when a project has no open capture session.
	ErrNoSession = errors.New("no active capture session")

	// ErrSessionNotReady is returned when the browser is still starting.
	ErrSessionNotReady = errors.New("capture session is not ready yet")

	// ErrInvalidHandle is returned when a session handle fails verification.
	ErrInvalidHandle = errors.New("invalid capture session handle")

	// ErrCommandTimeout is returned when the session does not answer in time.
	ErrCommandTimeout = errors.New("capture session did not respond in time")
)

const handleName = "capture-session"

// CaptureBrowser is a visible browser opened on a login page.
type CaptureBrowser interface {
	StateSource
	Close() error
}

// CaptureLauncher opens capture browsers.
type CaptureLauncher interface {
	Launch(ctx context.Context, loginURL string) (CaptureBrowser, error)
}

// CaptureStatus describes the capture session of a project.
type CaptureStatus struct {
	HasSession bool      `json:"has_session"`
	Ready      bool      `json:"ready"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// CaptureOptions tunes the capture manager.
type CaptureOptions struct {
	SaveTimeout   time.Duration
	CancelTimeout time.Duration
	IdleTimeout   time.Duration
	HashKey       []byte
}

type commandKind int

const (
	cmdSave commandKind = iota
	cmdCancel
)

type command struct {
	kind  commandKind
	reply chan SaveResult
}

type captureSession struct {
	projectID uuid.UUID
	handle    string
	startedAt time.Time
	commands  chan command

	mu    sync.Mutex
	ready bool
}

func (s *captureSession) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

type handleToken struct {
	ProjectID string
	Nonce     string
}

// CaptureManager runs interactive login sessions. Each project may have at
// most one open session; its browser is owned by a single worker goroutine
// that accepts exactly two commands, save and cancel.
type CaptureManager struct {
	store    *Manager
	launcher CaptureLauncher
	codec    *securecookie.SecureCookie
	opts     CaptureOptions
	logger   logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopCh  chan struct{}

	mu       sync.Mutex
	sessions map[uuid.UUID]*captureSession
}

// NewCaptureManager creates a capture manager. Zero timeouts fall back to
// 30s for save, 10s for cancel and 15 minutes of idle time.
func NewCaptureManager(store *Manager, launcher CaptureLauncher, opts CaptureOptions, log logger.Logger) *CaptureManager {
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Minute
	}
	if len(opts.HashKey) == 0 {
		opts.HashKey = securecookie.GenerateRandomKey(32)
	}

	codec := securecookie.New(opts.HashKey, nil)
	codec.MaxAge(int(opts.IdleTimeout.Seconds()) + 60)

	ctx, cancel := context.WithCancel(context.Background())
	return &CaptureManager{
		store:    store,
		launcher: launcher,
		codec:    codec,
		opts:     opts,
		logger:   log,
		baseCtx:  ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		sessions: make(map[uuid.UUID]*captureSession),
	}
}

// Start opens a browser on loginURL in the background and returns a signed
// handle that Save and Cancel must present.
func (m *CaptureManager) Start(ctx context.Context, projectID uuid.UUID, loginURL string) (string, error) {
	handle, err := m.codec.Encode(handleName, handleToken{
		ProjectID: projectID.String(),
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign capture handle: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.sessions[projectID]; ok {
		m.mu.Unlock()
		return "", ErrSessionExists
	}
	s := &captureSession{
		projectID: projectID,
		handle:    handle,
		startedAt: time.Now(),
		commands:  make(chan command, 1),
	}
	m.sessions[projectID] = s
	m.mu.Unlock()

	m.logger.Info(ctx, "starting capture session", map[string]interface{}{
		"project_id": projectID.String(),
		"login_url":  loginURL,
	})

	m.wg.Add(1)
	go m.run(s, loginURL)
	return handle, nil
}

func (m *CaptureManager) run(s *captureSession, loginURL string) {
	defer m.wg.Done()
	defer m.remove(s)

	log := m.logger.WithField("project_id", s.projectID.String())

	browser, err := m.launcher.Launch(m.baseCtx, loginURL)
	if err != nil {
		log.Error(m.baseCtx, "failed to launch capture browser", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	defer func() {
		if err := browser.Close(); err != nil {
			log.Warn(m.baseCtx, "failed to close capture browser", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	log.Info(m.baseCtx, "capture session ready", nil)

	select {
	case cmd := <-s.commands:
		switch cmd.kind {
		case cmdSave:
			cmd.reply <- m.store.Save(m.baseCtx, s.projectID, browser)
		case cmdCancel:
			log.Info(m.baseCtx, "capture session cancelled", nil)
			cmd.reply <- SaveResult{Success: true, Message: "capture session cancelled"}
		}
	case <-m.baseCtx.Done():
	}
}

func (m *CaptureManager) remove(s *captureSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.projectID]; ok && cur == s {
		delete(m.sessions, s.projectID)
	}
}

func (m *CaptureManager) lookup(projectID uuid.UUID, handle string) (*captureSession, error) {
	var tok handleToken
	if err := m.codec.Decode(handleName, handle, &tok); err != nil || tok.ProjectID != projectID.String() {
		return nil, ErrInvalidHandle
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	if !ok {
		return nil, ErrNoSession
	}
	if s.handle != handle {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// Save stores the open browser's state as the project's auth state and
// closes the session. It waits at most SaveTimeout for the worker.
func (m *CaptureManager) Save(ctx context.Context, projectID uuid.UUID, handle string) (SaveResult, error) {
	s, err := m.lookup(projectID, handle)
	if err != nil {
		return SaveResult{}, err
	}
	if !s.isReady() {
		return SaveResult{}, ErrSessionNotReady
	}

	res, err := m.send(ctx, s, cmdSave, m.opts.SaveTimeout)
	m.remove(s)
	return res, err
}

// Cancel closes the project's session without saving. Having no session is
// not an error.
func (m *CaptureManager) Cancel(ctx context.Context, projectID uuid.UUID, handle string) error {
	s, err := m.lookup(projectID, handle)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = m.send(ctx, s, cmdCancel, m.opts.CancelTimeout)
	m.remove(s)
	if errors.Is(err, ErrCommandTimeout) {
		m.logger.Warn(ctx, "capture session did not confirm cancel", map[string]interface{}{
			"project_id": projectID.String(),
		})
		return nil
	}
	return err
}

func (m *CaptureManager) send(ctx context.Context, s *captureSession, kind commandKind, timeout time.Duration) (SaveResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cmd := command{kind: kind, reply: make(chan SaveResult, 1)}
	select {
	case s.commands <- cmd:
	case <-timer.C:
		return SaveResult{}, ErrCommandTimeout
	case <-ctx.Done():
		return SaveResult{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-timer.C:
		return SaveResult{}, ErrCommandTimeout
	case <-ctx.Done():
		return SaveResult{}, ctx.Err()
	}
}

// Status reports whether the project has an open session.
func (m *CaptureManager) Status(projectID uuid.UUID) CaptureStatus {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	m.mu.Unlock()
	if !ok {
		return CaptureStatus{}
	}
	return CaptureStatus{HasSession: true, Ready: s.isReady(), StartedAt: s.startedAt}
}

// StartCleanup starts a background goroutine that cancels sessions left open
// longer than the idle timeout.
func (m *CaptureManager) StartCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := m.expire(time.Now()); n > 0 {
					m.logger.Info(context.Background(), "expired idle capture sessions", map[string]interface{}{
						"removed_count": n,
					})
				}
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine.
func (m *CaptureManager) StopCleanup() {
	close(m.stopCh)
}

func (m *CaptureManager) expire(now time.Time) int {
	m.mu.Lock()
	var stale []*captureSession
	for _, s := range m.sessions {
		if now.Sub(s.startedAt) > m.opts.IdleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		select {
		case s.commands <- command{kind: cmdCancel, reply: make(chan SaveResult, 1)}:
		default:
		}
		m.remove(s)
	}
	return len(stale)
}

// Shutdown closes every open session and waits for their workers.
func (m *CaptureManager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
