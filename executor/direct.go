package executor

import (
	"context"
	"fmt"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/browser"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
)

// Direct drives a browser session in-process.
type Direct struct {
	deps Deps
}

// Execute prepares the run directory, opens a session with the project's
// auth state, runs every step and always releases the session and flushes
// the console log.
func (d *Direct) Execute(ctx context.Context, req Request) (res *ExecutionResult, err error) {
	log := d.deps.Logger.WithFields(map[string]interface{}{
		"run_id":  req.RunID,
		"backend": "direct",
	})

	layout, err := d.deps.Artifacts.Layout(req.RunID)
	if err != nil {
		return infraFailure(nil, &InfraError{Op: "prepare", Err: err})
	}
	if err := layout.Prepare(); err != nil {
		return infraFailure(&layout, &InfraError{Op: "prepare", Err: err})
	}

	authPath, err := authStatePath(d.deps, req, layout)
	if err != nil {
		return infraFailure(&layout, &InfraError{Op: "auth state", Err: err})
	}

	console := artifact.NewConsoleBuffer()
	defer func() {
		if ferr := console.Flush(layout.ConsoleLogPath()); ferr != nil {
			log.Warn(ctx, "failed to flush console log", map[string]interface{}{"error": ferr.Error()})
		}
	}()

	sess, err := d.deps.Launcher.Launch(ctx, browser.SessionOptions{
		Browser:          req.Script.Browser,
		Viewport:         req.Script.ViewportOrDefault(),
		Headless:         d.deps.Headless,
		StorageStatePath: authPath,
		HARPath:          layout.HARPath(),
		Console:          console,
	})
	if err != nil {
		log.Error(ctx, "failed to launch browser", map[string]interface{}{"error": err.Error()})
		return infraFailure(&layout, &InfraError{
			Op:      "launch",
			Err:     fmt.Errorf("%w: %v", ErrLaunch, err),
			Message: fmt.Sprintf("browser launch failed: %v", err),
		})
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn(ctx, "failed to close browser session", map[string]interface{}{"error": cerr.Error()})
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "direct execution panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			res, err = infraFailure(&layout, &InfraError{Op: "direct", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	log.Info(ctx, "executing script", map[string]interface{}{
		"steps":      len(req.Script.Steps),
		"auth_state": authPath != "",
	})

	steps := interpreter.New(d.deps.Interpreter, log).Run(ctx, sess, req.Script.Steps, layout)

	res = &ExecutionResult{
		Success:       succeeded(steps),
		Steps:         steps,
		ConsoleLogs:   console.Lines(),
		ArtifactsPath: layout.RelativeRunDir(),
		ErrorMessage:  firstFailure(steps),
	}
	log.Info(ctx, "script finished", map[string]interface{}{"success": res.Success})
	return res, nil
}
