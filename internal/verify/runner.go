package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/logutil"
	"github.com/kuitang/themecheck/internal/obs"
)

// StepTiming is how long one step took.
type StepTiming struct {
	Name  string  `json:"name"`
	DurMS float64 `json:"dur_ms"`
}

// Result describes one run. Run returns a Result even when it fails, holding whatever
// was observed and written before the failure.
type Result struct {
	RunID        string        `json:"run_id"`
	Engine       string        `json:"engine"`
	DocumentURL  string        `json:"document_url"`
	Activation   Activation    `json:"activation"`
	InitialTheme string        `json:"initial_theme"`
	FinalTheme   string        `json:"final_theme"`
	Passed       bool          `json:"passed"`
	Artifacts    []Artifact    `json:"artifacts"`
	Steps        []StepTiming  `json:"steps"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
}

// Option customises a Runner.
type Option func(*Runner)

// WithEngineOptions sets the browser session options.
func WithEngineOptions(opts engine.Options) Option {
	return func(r *Runner) { r.engineOpts = opts }
}

// WithRunID fixes the run ID instead of generating a UUID.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// WithSleep replaces the settle-delay wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// WithClock replaces time.Now for timings.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner executes a Plan against one engine.
type Runner struct {
	plan       Plan
	launcher   engine.Launcher
	engineOpts engine.Options
	runID      string
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewRunner creates a Runner for plan.
func NewRunner(plan Plan, launcher engine.Launcher, opts ...Option) *Runner {
	r := &Runner{
		plan:       plan,
		launcher:   launcher,
		engineOpts: engine.Options{Headless: true},
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan returns the runner's plan.
func (r *Runner) Plan() Plan { return r.plan }

// Run executes the procedure once. The browser session is closed on every exit path.
func (r *Runner) Run(ctx context.Context) (res *Result, err error) {
	plan := r.plan
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	runID := r.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	res = &Result{
		RunID:      runID,
		Engine:     r.launcher.Name(),
		Activation: plan.Activation,
		StartedAt:  r.now().UTC(),
	}

	docURL, err := plan.DocumentURL()
	if err != nil {
		return res, &StepError{Step: StepNavigate, Err: err}
	}
	res.DocumentURL = docURL

	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: runID, Engine: r.launcher.Name(), Document: docURL})
	log := obs.From(ctx).With("pkg", "verify")
	log.Info("verify_started", "activation", string(plan.Activation), "output_dir", plan.OutputDir)

	defer func() {
		res.Duration = r.now().Sub(res.StartedAt)
		if err != nil {
			log.Error("verify_failed",
				"code", string(errs.CodeOf(err)),
				"error", err.Error(),
				"dur_ms", obs.DurMS(res.Duration),
			)
			return
		}
		res.Passed = true
		log.Info("verify_passed",
			"final_theme", res.FinalTheme,
			"artifacts", len(res.Artifacts),
			"dur_ms", obs.DurMS(res.Duration),
		)
	}()

	// The engine would also fail on a missing file; checking first avoids launching a browser.
	if _, statErr := os.Stat(plan.DocumentPath); statErr != nil {
		return res, &StepError{Step: StepNavigate, Err: errs.Wrap(errs.Navigation, "document not readable: "+plan.DocumentPath, statErr)}
	}

	var (
		session engine.Session
		page    engine.Page
	)
	err = r.step(ctx, res, StepLaunch, func(ctx context.Context) error {
		s, err := r.launcher.Launch(ctx, r.engineOpts)
		if err != nil {
			return err
		}
		session = s
		page, err = session.NewPage(ctx)
		return err
	})
	if session != nil {
		defer func() {
			if cerr := session.Close(); cerr != nil {
				log.Warn("session_close_failed", "error", cerr.Error())
				if err == nil {
					err = errs.Wrap(errs.Internal, "close browser session", cerr)
				}
			}
		}()
	}
	if err != nil {
		return res, err
	}

	initialPath, finalPath := plan.ArtifactPaths()
	sel := plan.Selectors

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{StepNavigate, func(ctx context.Context) error {
			return page.Navigate(ctx, docURL)
		}},
		{StepCaptureInitial, func(ctx context.Context) error {
			return r.capture(ctx, res, page, initialPath, 1, plan.InitialLabel)
		}},
		{StepOpenSettings, func(ctx context.Context) error {
			return page.Click(ctx, sel.SettingsButton)
		}},
		{StepWaitModal, func(ctx context.Context) error {
			return page.WaitVisible(ctx, sel.SettingsModal)
		}},
		{StepSettle, func(ctx context.Context) error {
			return r.sleep(ctx, plan.Settle)
		}},
		{StepToggle, func(ctx context.Context) error {
			res.InitialTheme = r.observeTheme(ctx, page)
			return r.activate(ctx, page)
		}},
		{StepAssertTheme, func(ctx context.Context) error {
			return r.assertTheme(ctx, res, page)
		}},
		{StepCaptureFinal, func(ctx context.Context) error {
			return r.capture(ctx, res, page, finalPath, 2, plan.ExpectedTheme)
		}},
	}
	for _, s := range steps {
		if err := r.step(ctx, res, s.name, s.fn); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *Runner) step(ctx context.Context, res *Result, name string, fn func(ctx context.Context) error) error {
	start := r.now()
	err := fn(ctx)
	dur := r.now().Sub(start)
	res.Steps = append(res.Steps, StepTiming{Name: name, DurMS: obs.DurMS(dur)})

	log := obs.From(ctx).With("pkg", "verify")
	if err != nil {
		log.Debug("step_failed", "step", name, "code", string(errs.CodeOf(err)), "dur_ms", obs.DurMS(dur))
		return &StepError{Step: name, Err: err}
	}
	log.Debug("step_done", "step", name, "dur_ms", obs.DurMS(dur))
	return nil
}

func (r *Runner) capture(ctx context.Context, res *Result, page engine.Page, path string, ordinal int, label string) error {
	data, err := page.Screenshot(ctx)
	if err != nil {
		return err
	}
	artifact, err := writeArtifact(path, ordinal, label, data)
	if err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, artifact)
	obs.From(ctx).With("pkg", "verify").Info("artifact_written",
		"path", artifact.Path,
		"bytes", artifact.Bytes,
		"width", artifact.Width,
		"height", artifact.Height,
	)
	return nil
}

// observeTheme reads the theme attribute before toggling. It is informational only.
func (r *Runner) observeTheme(ctx context.Context, page engine.Page) string {
	sel, attr := r.plan.Selectors.ThemeRoot, r.plan.ThemeAttribute
	state, err := page.Attribute(ctx, sel, attr)
	if err != nil {
		obs.From(ctx).With("pkg", "verify").Warn("initial_theme_unreadable", "error", err.Error())
		return ""
	}
	return state.Value
}

func (r *Runner) activate(ctx context.Context, page engine.Page) error {
	toggle := r.plan.Selectors.ThemeToggle
	if r.plan.Activation == ActivationClick {
		return page.Click(ctx, toggle)
	}
	v, err := page.Evaluate(ctx, engine.ProgrammaticClickScript, toggle)
	if err != nil {
		return err
	}
	if found, _ := v.(bool); !found {
		return errs.New(errs.NotFound, fmt.Sprintf("no element matches %s (result %s)", toggle, logutil.FormatValueForLog(v, 64)))
	}
	return nil
}

func (r *Runner) assertTheme(ctx context.Context, res *Result, page engine.Page) error {
	sel, attr, want := r.plan.Selectors.ThemeRoot, r.plan.ThemeAttribute, r.plan.ExpectedTheme

	err := page.ExpectAttribute(ctx, sel, attr, want)
	if err == nil {
		res.FinalTheme = want
		return nil
	}
	if !errors.Is(err, engine.ErrAttributeMismatch) {
		return err
	}

	state, readErr := page.Attribute(ctx, sel, attr)
	if readErr != nil {
		return errs.Wrap(errs.AssertionFailed, fmt.Sprintf("expected %s[%s] to be %q; actual value unreadable", sel, attr, want), errors.Join(err, readErr))
	}
	res.FinalTheme = state.Value
	mismatch := &MismatchError{
		Selector:  sel,
		Attribute: attr,
		Expected:  want,
		Actual:    state.Value,
		Present:   state.Present,
		Found:     state.Found,
	}
	return mismatch.asCoded()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Internal, "settle delay cancelled", ctx.Err())
	case <-timer.C:
		return nil
	}
}
