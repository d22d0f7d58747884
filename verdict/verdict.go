// Package verdict judges a finished run against its expected result using a
// vision model on the captured screenshots.
package verdict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/metrics"
	"golang.org/x/sync/errgroup"
)

// Mode selects how screenshots are aggregated.
type Mode string

const (
	ModeHolistic Mode = "holistic"
	ModePerStep  Mode = "per_step"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeHolistic || m == ModePerStep
}

type Verdict string

const (
	Passed  Verdict = "passed"
	Failed  Verdict = "failed"
	Unknown Verdict = "unknown"
)

const (
	ConfidencePassed     = 0.9
	ConfidenceFailed     = 0.85
	ConfidenceUnknown    = 0.6
	ConfidenceStatusOnly = 0.7

	// PerStepThreshold is the matching share at or above which a partial
	// per-step match is unknown rather than failed.
	PerStepThreshold = 0.7
)

const (
	ObservationVisual      = "visual"
	ObservationLog         = "log"
	ObservationPerformance = "performance"

	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Observation is one finding backing a verdict.
type Observation struct {
	StepIndex   int    `json:"step_index"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Result is the judgment of one run.
type Result struct {
	Verdict      Verdict       `json:"verdict"`
	Confidence   float64       `json:"confidence"`
	Reason       string        `json:"reason"`
	Observations []Observation `json:"observations"`
	Mode         Mode          `json:"mode"`
}

// Analysis is the vision model's answer for one screenshot. A nil
// MatchesExpectation means the model could not decide.
type Analysis struct {
	Observation        string   `json:"observation"`
	MatchesExpectation *bool    `json:"matches_expectation"`
	Issues             []string `json:"issues"`
}

// Matches reports an explicit positive match.
func (a Analysis) Matches() bool {
	return a.MatchesExpectation != nil && *a.MatchesExpectation
}

// Options configures a pipeline.
type Options struct {
	Mode Mode
	// Concurrency bounds parallel vision calls in per-step mode.
	Concurrency int
}

// Pipeline produces verdicts. It never fails: model errors become unknown.
type Pipeline struct {
	client      llm.Client
	artifacts   *artifact.Store
	mode        Mode
	concurrency int
	metrics     *metrics.Metrics
	logger      logger.Logger
}

// New creates a pipeline. A nil client limits judgments to step status.
func New(client llm.Client, artifacts *artifact.Store, opts Options, m *metrics.Metrics, log logger.Logger) *Pipeline {
	if !opts.Mode.IsValid() {
		opts.Mode = ModeHolistic
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	return &Pipeline{
		client:      client,
		artifacts:   artifacts,
		mode:        opts.Mode,
		concurrency: opts.Concurrency,
		metrics:     m,
		logger:      log,
	}
}

// Mode returns the configured aggregation mode.
func (p *Pipeline) Mode() Mode {
	return p.mode
}

// Judge evaluates res against the expected result. In per-step mode each
// analysis is also stored in the step's VisionObservation.
func (p *Pipeline) Judge(ctx context.Context, expected string, res *executor.ExecutionResult) Result {
	var out Result
	shots := screenshotSteps(res)
	switch {
	case len(shots) == 0:
		out = statusOnly(res, "no screenshots were captured")
	case p.client == nil:
		out = statusOnly(res, "no vision model is configured")
	case p.mode == ModePerStep:
		out = p.perStep(ctx, expected, res, shots)
	default:
		out = p.holistic(ctx, expected, res, shots[len(shots)-1])
	}
	out.Mode = p.mode
	if out.Observations == nil {
		out.Observations = []Observation{}
	}
	p.metrics.ObserveVerdict(string(p.mode), string(out.Verdict))
	p.logger.Info(ctx, "verdict reached", map[string]interface{}{
		"mode":       p.mode,
		"verdict":    out.Verdict,
		"confidence": out.Confidence,
	})
	return out
}

func screenshotSteps(res *executor.ExecutionResult) []int {
	var idx []int
	if res == nil {
		return idx
	}
	for i, s := range res.Steps {
		if s.ScreenshotPath != "" {
			idx = append(idx, i)
		}
	}
	return idx
}

func allSucceeded(res *executor.ExecutionResult) bool {
	if res == nil {
		return false
	}
	for _, s := range res.Steps {
		if s.Status != interpreter.StatusSuccess {
			return false
		}
	}
	return true
}

func statusOnly(res *executor.ExecutionResult, why string) Result {
	v := Failed
	if allSucceeded(res) {
		v = Passed
	}
	return Result{
		Verdict:    v,
		Confidence: ConfidenceStatusOnly,
		Reason:     fmt.Sprintf("judged from step status only: %s", why),
	}
}

func (p *Pipeline) holistic(ctx context.Context, expected string, res *executor.ExecutionResult, final int) Result {
	step := res.Steps[final]
	a, err := p.analyze(ctx, buildPrompt(expected, "", stepSummary(res.Steps)), step.ScreenshotPath)
	if err != nil {
		p.logger.Warn(ctx, "vision analysis failed", map[string]interface{}{
			"step":  step.Index,
			"error": err.Error(),
		})
		return Result{
			Verdict:    Unknown,
			Confidence: ConfidenceUnknown,
			Reason:     fmt.Sprintf("vision analysis failed: %v", err),
		}
	}

	stepsOK := allSucceeded(res)
	var out Result
	switch {
	case a.Matches() && stepsOK:
		out = Result{Verdict: Passed, Confidence: ConfidencePassed,
			Reason: "final screenshot matches the expected result: " + a.Observation}
	case !stepsOK:
		out = Result{Verdict: Failed, Confidence: ConfidenceFailed,
			Reason: "one or more steps failed"}
	case a.MatchesExpectation != nil && !*a.MatchesExpectation:
		out = Result{Verdict: Failed, Confidence: ConfidenceFailed,
			Reason: "final screenshot does not match the expected result: " + a.Observation}
	default:
		out = Result{Verdict: Unknown, Confidence: ConfidenceUnknown,
			Reason: "could not determine whether the expected result was met"}
	}
	out.Observations = []Observation{observe(step.Index, a)}
	return out
}

func (p *Pipeline) perStep(ctx context.Context, expected string, res *executor.ExecutionResult, shots []int) Result {
	analyses := make([]Analysis, len(shots))
	errs := make([]error, len(shots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, si := range shots {
		step := res.Steps[si]
		g.Go(func() error {
			analyses[i], errs[i] = p.analyze(gctx, buildPrompt(expected, step.Description, ""), step.ScreenshotPath)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			step := res.Steps[shots[i]]
			p.logger.Warn(ctx, "vision analysis failed", map[string]interface{}{
				"step":  step.Index,
				"error": err.Error(),
			})
			return Result{
				Verdict:    Unknown,
				Confidence: ConfidenceUnknown,
				Reason:     fmt.Sprintf("vision analysis failed for step %d: %v", step.Index, err),
			}
		}
	}

	matching := 0
	observations := make([]Observation, 0, len(shots))
	for i, si := range shots {
		a := analyses[i]
		if a.Matches() {
			matching++
		}
		observations = append(observations, observe(res.Steps[si].Index, a))
		if raw, err := json.Marshal(a); err == nil {
			res.Steps[si].VisionObservation = string(raw)
		}
	}

	total := len(shots)
	out := Result{Observations: observations}
	switch {
	case matching == total:
		out.Verdict, out.Confidence = Passed, ConfidencePassed
		out.Reason = fmt.Sprintf("all %d screenshots match the expected result", total)
	case float64(matching) >= PerStepThreshold*float64(total):
		out.Verdict, out.Confidence = Unknown, ConfidenceUnknown
		out.Reason = fmt.Sprintf("%d/%d screenshots match the expected result; some steps show problems", matching, total)
	default:
		out.Verdict, out.Confidence = Failed, ConfidenceFailed
		out.Reason = fmt.Sprintf("only %d/%d screenshots match the expected result", matching, total)
	}
	return out
}

func observe(stepIndex int, a Analysis) Observation {
	sev := SeverityError
	if a.Matches() {
		sev = SeverityInfo
	}
	desc := a.Observation
	if len(a.Issues) > 0 {
		desc = strings.TrimSpace(desc + " Issues: " + strings.Join(a.Issues, "; "))
	}
	return Observation{
		StepIndex:   stepIndex,
		Type:        ObservationVisual,
		Description: desc,
		Severity:    sev,
	}
}

func (p *Pipeline) analyze(ctx context.Context, prompt, screenshot string) (Analysis, error) {
	img, err := p.artifacts.ReadFile(screenshot)
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to read screenshot %s: %w", screenshot, err)
	}
	answer, err := p.client.VisionChat(ctx, prompt, img)
	if err != nil {
		return Analysis{}, err
	}
	var a Analysis
	if err := llm.DecodeJSON(answer, &a); err != nil {
		return Analysis{}, err
	}
	return a, nil
}

// buildPrompt asks for a judgement of one screenshot. Lines for an empty
// step description or step summary are left out.
func buildPrompt(expected, stepDesc, steps string) string {
	var b strings.Builder
	b.WriteString("You are a professional UI test analyst. Analyze this screenshot.\n\n")
	if desc := sanitizePromptText(stepDesc); desc != "" {
		fmt.Fprintf(&b, "Step description: %s\n", desc)
	}
	if steps != "" {
		fmt.Fprintf(&b, "Step results:\n%s\n", steps)
	}
	fmt.Fprintf(&b, "Expected result: %s\n\n", sanitizePromptText(expected))
	b.WriteString(`Describe what you see in the screenshot and decide whether it matches the expected result. Reply with JSON only:
{
  "observation": "what is visible on the page",
  "matches_expectation": true or false,
  "issues": ["problems found"]
}`)
	return b.String()
}

// stepSummary lists every step with its final status, one per line.
func stepSummary(steps []interpreter.StepResult) string {
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		line := fmt.Sprintf("%d. [%s] %s", s.Index, s.Status, s.Description)
		if s.ErrorMessage != "" {
			line += " (error: " + s.ErrorMessage + ")"
		}
		lines = append(lines, "- "+sanitizePromptText(line))
	}
	return strings.Join(lines, "\n")
}
