package interpreter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
)

// DefaultSettleDelay is waited after a successful step before its screenshot.
const DefaultSettleDelay = 3000 * time.Millisecond

// ErrAgentUnsupported is returned for agent actions on a driver without agent support.
var ErrAgentUnsupported = errors.New("agent actions require the agentDriven backend")

// Options tunes the interpreter.
type Options struct {
	SettleDelay time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Interpreter runs the steps of one run.
type Interpreter struct {
	settleDelay time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	logger      logger.Logger
}

// New creates an interpreter. A zero SettleDelay means DefaultSettleDelay;
// use a negative value to disable it.
func New(opts Options, log logger.Logger) *Interpreter {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Interpreter{
		settleDelay: opts.SettleDelay,
		sleep:       opts.Sleep,
		now:         opts.Now,
		logger:      log,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes steps in list order. After the first failure the remaining
// steps are marked skipped without being executed. The returned slice has
// one sealed result per step.
func (in *Interpreter) Run(ctx context.Context, driver Driver, steps []script.Step, layout artifact.Layout) []StepResult {
	results := make([]StepResult, len(steps))
	for i, st := range steps {
		results[i] = NewStepResult(st)
	}

	failed := false
	for i, st := range steps {
		res := &results[i]
		if failed {
			_ = res.Transition(StatusSkipped, in.now())
			continue
		}

		_ = res.Transition(StatusRunning, in.now())
		in.logger.Debug(ctx, "executing step", map[string]interface{}{
			"index":  st.Index,
			"action": string(st.Action),
		})

		shot, err := in.execute(ctx, driver, st, layout)
		if err != nil {
			res.ErrorMessage = err.Error()
			_ = res.Transition(StatusFailed, in.now())
			failed = true
			in.logger.Info(ctx, "step failed", map[string]interface{}{
				"index":  st.Index,
				"action": string(st.Action),
				"error":  res.ErrorMessage,
			})
			continue
		}
		res.ScreenshotPath = shot
		_ = res.Transition(StatusSuccess, in.now())
	}
	return results
}

// execute runs one step and its follow-up screenshot. A panic in the driver
// fails the step instead of the run.
func (in *Interpreter) execute(ctx context.Context, driver Driver, st script.Step, layout artifact.Layout) (shot string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", st.Action, r)
		}
	}()

	if st.Action == script.ActionScreenshot {
		path := layout.ScreenshotPath(st.Index)
		if err := driver.Screenshot(ctx, path); err != nil {
			return "", fmt.Errorf("screenshot failed: %w", err)
		}
		return layout.Relative(path), nil
	}

	if err := in.dispatch(ctx, driver, st); err != nil {
		return "", err
	}

	if !st.WantsScreenshot() {
		return "", nil
	}
	if err := in.sleep(ctx, in.settleDelay); err != nil {
		return "", err
	}
	path := layout.ScreenshotPath(st.Index)
	if err := driver.Screenshot(ctx, path); err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return layout.Relative(path), nil
}

func (in *Interpreter) dispatch(ctx context.Context, d Driver, st script.Step) error {
	timeout := st.TimeoutDuration()

	switch st.Action {
	case script.ActionGoto:
		return d.Goto(ctx, st.Value, timeout)
	case script.ActionClick:
		return d.Click(ctx, st.Selector, timeout)
	case script.ActionFill:
		return d.Fill(ctx, st.Selector, st.Value, timeout)
	case script.ActionSelect:
		return d.Select(ctx, st.Selector, st.Value, timeout)
	case script.ActionWaitForSelector:
		return d.WaitForSelector(ctx, st.Selector, timeout)
	case script.ActionWaitTime:
		return d.Wait(ctx, st.WaitDuration())
	case script.ActionPress:
		return d.Press(ctx, st.Selector, st.Value, timeout)
	case script.ActionCheck:
		return d.Check(ctx, st.Selector, timeout)
	case script.ActionUncheck:
		return d.Uncheck(ctx, st.Selector, timeout)
	case script.ActionAssertText:
		text, err := d.InnerText(ctx, st.Selector, timeout)
		if err != nil {
			return err
		}
		expected := st.ExpectedText()
		if !strings.Contains(text, expected) {
			return fmt.Errorf("text assertion failed: expected %q to contain %q", text, expected)
		}
		return nil
	case script.ActionAssertVisible:
		visible, err := d.IsVisible(ctx, st.Selector, timeout)
		if err != nil {
			return err
		}
		if !visible {
			return fmt.Errorf("element not visible: %s", st.Selector)
		}
		return nil
	case script.ActionAgentInstruction, script.ActionAgentAssert:
		agent, ok := d.(AgentDriver)
		if !ok {
			return fmt.Errorf("%s: %w", st.Action, ErrAgentUnsupported)
		}
		if st.Action == script.ActionAgentAssert {
			return agent.Assert(ctx, st.InstructionText(), timeout)
		}
		return agent.Instruct(ctx, st.InstructionText(), timeout)
	default:
		return fmt.Errorf("unsupported action %q", st.Action)
	}
}
