// Package browser provides the direct backend's browser sessions. Two
// drivers are available: playwright (default) and chromedp.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
)

const (
	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
)

// Session is one browser, one context and one page owned by a single run.
type Session interface {
	interpreter.Driver
	// Close releases the page, context and browser. The network capture is
	// written when the context closes.
	Close() error
}

// SessionOptions configures a new session.
type SessionOptions struct {
	Browser  script.BrowserKind
	Viewport script.Viewport
	Headless bool

	// StorageStatePath is loaded into the context when non-empty.
	StorageStatePath string
	// HARPath receives the network capture.
	HARPath string
	// Console receives every console message as "[type] text".
	Console *artifact.ConsoleBuffer
}

// Launcher starts sessions.
type Launcher interface {
	Launch(ctx context.Context, opts SessionOptions) (Session, error)
}

// NewLauncher returns the launcher for a driver name.
func NewLauncher(driver string, log logger.Logger) (Launcher, error) {
	switch driver {
	case "", DriverPlaywright:
		return NewPlaywrightLauncher(log), nil
	case DriverChromedp:
		return NewChromedpLauncher("", log), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", driver)
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
