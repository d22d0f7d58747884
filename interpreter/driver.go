package interpreter

import (
	"context"
	"time"
)

// Driver is the set of browser primitives the interpreter dispatches to.
// Timeouts are per call; implementations must honor them.
type Driver interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	Select(ctx context.Context, selector, value string, timeout time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	Press(ctx context.Context, selector, key string, timeout time.Duration) error
	Check(ctx context.Context, selector string, timeout time.Duration) error
	Uncheck(ctx context.Context, selector string, timeout time.Duration) error
	InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error)
	IsVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	Wait(ctx context.Context, d time.Duration) error

	// Screenshot captures the full page as PNG to path.
	Screenshot(ctx context.Context, path string) error
}

// AgentDriver is implemented by drivers that can act on natural-language
// instructions.
type AgentDriver interface {
	Instruct(ctx context.Context, instruction string, timeout time.Duration) error
	Assert(ctx context.Context, assertion string, timeout time.Duration) error
}
