// Package browser runs the theme verification procedure against a real Chromium through
// both engines. Tests skip when no browser can be launched.
package browser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/verify"
)

const (
	browserMaxTimeout = 5 * time.Second
	// Failure cases wait out the full engine timeout, so they get a shorter one.
	browserFailTimeout = 1500 * time.Millisecond
)

// Fixture variants understood by testdata/index.html.
const (
	FixtureWorking      = ""
	FixtureNoButton     = "no-button"
	FixtureStuckModal   = "stuck-modal"
	FixtureInertToggle  = "inert-toggle"
	FixtureHiddenToggle = "hidden-toggle"
)

var (
	probeMu   sync.Mutex
	probeErrs = map[engine.Kind]error{}
)

// Launcher returns a launcher for kind, skipping the test when that engine cannot start
// a browser here. The probe result is cached per engine.
func Launcher(t *testing.T, kind engine.Kind) engine.Launcher {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}

	var l engine.Launcher
	switch kind {
	case engine.KindRod:
		l = engine.NewRodLauncher(os.Getenv("THEMECHECK_BROWSER_BIN"))
	default:
		l = engine.NewPlaywrightLauncher(nil)
	}

	probeMu.Lock()
	defer probeMu.Unlock()
	err, probed := probeErrs[kind]
	if !probed {
		err = probe(l)
		probeErrs[kind] = err
	}
	if err != nil {
		t.Skipf("%s not available: %v", kind, err)
	}
	return l
}

func probe(l engine.Launcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s, err := l.Launch(ctx, engine.Options{Headless: true, Timeout: browserMaxTimeout})
	if err != nil {
		return err
	}
	return s.Close()
}

// SetupFixture copies the theme fixture into a temp dir with the given variant switched on
// and returns a plan pointing at it.
func SetupFixture(t *testing.T, variant string) verify.Plan {
	t.Helper()
	src, err := os.ReadFile(filepath.Join("testdata", "index.html"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	html := strings.Replace(string(src), `data-fixture=""`, `data-fixture="`+variant+`"`, 1)

	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte(html), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	plan := verify.DefaultPlan()
	plan.DocumentPath = doc
	plan.OutputDir = filepath.Join(dir, "verification")
	plan.Settle = 350 * time.Millisecond
	return plan
}

// Run executes plan with a bounded engine timeout.
func Run(t *testing.T, l engine.Launcher, plan verify.Plan, timeout time.Duration) (*verify.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return RunContext(t, ctx, l, plan, timeout)
}

// RunContext is Run under a caller-owned context.
func RunContext(t *testing.T, ctx context.Context, l engine.Launcher, plan verify.Plan, timeout time.Duration) (*verify.Result, error) {
	t.Helper()
	r := verify.NewRunner(plan, l, verify.WithEngineOptions(engine.Options{Headless: true, Timeout: timeout}))
	res, err := r.Run(ctx)
	if errs.CodeOf(err) == errs.Unavailable {
		t.Skipf("%s became unavailable: %v", l.Name(), err)
	}
	return res, err
}
