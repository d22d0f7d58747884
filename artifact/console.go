package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ConsoleBuffer accumulates browser console lines during a run.
// Browser drivers append from their own goroutines.
type ConsoleBuffer struct {
	mu    sync.Mutex
	lines []string
}

// NewConsoleBuffer creates an empty buffer.
func NewConsoleBuffer() *ConsoleBuffer {
	return &ConsoleBuffer{}
}

// Add appends a console message formatted as "[type] text".
func (b *ConsoleBuffer) Add(kind, text string) {
	b.AddLine(fmt.Sprintf("[%s] %s", kind, text))
}

// AddLine appends a preformatted line.
func (b *ConsoleBuffer) AddLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

// Lines returns a copy of the accumulated lines.
func (b *ConsoleBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Flush writes all lines to path, one per line. An empty buffer still
// produces an empty file.
func (b *ConsoleBuffer) Flush(path string) error {
	lines := b.Lines()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write console log: %w", err)
	}
	return nil
}
