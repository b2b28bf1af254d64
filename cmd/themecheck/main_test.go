package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/themecheck/internal/config"
	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/publish"
	"github.com/kuitang/themecheck/internal/s3client"
	"github.com/kuitang/themecheck/internal/verify"
)

type testApp struct {
	*app
	stdout, stderr bytes.Buffer
	pages          []*engine.FakePage
	store          *s3client.Client
}

// newTestApp wires the CLI to the fake engine and an in-memory S3 bucket.
func newTestApp(t *testing.T, page func() *engine.FakePage) *testApp {
	t.Helper()
	ta := &testApp{store: s3client.TestClient(t, "themecheck")}
	ta.app = &app{
		stdout: &ta.stdout,
		stderr: &ta.stderr,
		newLauncher: func(_ *config.Config, _ engine.Kind) (engine.Launcher, error) {
			p := page()
			ta.pages = append(ta.pages, p)
			return engine.NewFakeLauncher(p), nil
		},
		newStore: func(context.Context, *config.Config) (publish.Store, error) {
			return ta.store, nil
		},
		install:    func() error { return nil },
		runnerOpts: []verify.Option{verify.WithSleep(func(context.Context, time.Duration) error { return nil })},
	}
	return ta
}

func themePage() *engine.FakePage { return engine.NewThemeTogglePage("dark") }

// workspace creates a document and clears the environment LoadConfig reads.
func workspace(t *testing.T) (doc, out string) {
	t.Helper()
	for _, k := range []string{"THEMECHECK_DOCUMENT", "THEMECHECK_OUTPUT_DIR", "THEMECHECK_ENGINE", "THEMECHECK_ACTIVATION", "THEMECHECK_SETTLE", "THEMECHECK_REPORT", "BUCKET_NAME", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "HEADLESS"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	doc = filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(doc, []byte("<html></html>"), 0644))
	return doc, filepath.Join(dir, "shots")
}

func TestRun_PassExitsZero(t *testing.T) {
	doc, out := workspace(t)
	ta := newTestApp(t, themePage)

	code := ta.run(context.Background(), []string{"--doc", doc, "--out", out})
	require.Equal(t, 0, code, ta.stderr.String())
	require.Contains(t, ta.stdout.String(), `PASS body[data-theme]="light"`)
	require.FileExists(t, filepath.Join(out, "01_dark_mode.png"))
	require.FileExists(t, filepath.Join(out, "02_light_mode.png"))
}

func TestRun_AssertionFailureExitsOne(t *testing.T) {
	doc, out := workspace(t)
	ta := newTestApp(t, func() *engine.FakePage {
		p := engine.NewThemeTogglePage("dark")
		p.Set("#theme-toggle", &engine.FakeElement{Visible: true})
		return p
	})

	code := ta.run(context.Background(), []string{"--doc", doc, "--out", out})
	require.Equal(t, 1, code)
	require.Contains(t, ta.stderr.String(), "FAIL [assertion_failed]")
	require.Contains(t, ta.stderr.String(), `got "dark"`)
	require.NoFileExists(t, filepath.Join(out, "02_light_mode.png"))
}

func TestRun_InvalidConfigExitsTwo(t *testing.T) {
	doc, _ := workspace(t)
	ta := newTestApp(t, themePage)

	code := ta.run(context.Background(), []string{"--doc", doc, "--activation", "hover"})
	require.Equal(t, 2, code)
	require.Contains(t, ta.stderr.String(), "hover")
	require.Empty(t, ta.pages, "no browser for invalid configuration")

	require.Equal(t, 2, ta.run(context.Background(), []string{"--bogus"}))
}

func TestRun_HelpExitsZero(t *testing.T) {
	ta := newTestApp(t, themePage)
	require.Equal(t, 0, ta.run(context.Background(), []string{"-h"}))
	require.Contains(t, ta.stderr.String(), "-activation")
}

func TestRun_ReportAndPublish(t *testing.T) {
	doc, out := workspace(t)
	t.Setenv("BUCKET_NAME", "themecheck")
	ta := newTestApp(t, themePage)

	code := ta.run(context.Background(), []string{"--doc", doc, "--out", out, "--report", "--publish"})
	require.Equal(t, 0, code, ta.stderr.String())
	require.FileExists(t, filepath.Join(out, "report.html"))

	keys, err := ta.store.ListKeys(context.Background(), "runs/")
	require.NoError(t, err)
	require.Len(t, keys, 5)
	var names []string
	for _, k := range keys {
		names = append(names, filepath.Base(k))
	}
	require.ElementsMatch(t, []string{"01_dark_mode.png", "02_light_mode.png", "report.md", "report.html", "result.json"}, names)
	require.Equal(t, 5, strings.Count(ta.stdout.String(), "published "))
}

func TestRun_PublishFailureExitsOneAfterPass(t *testing.T) {
	doc, out := workspace(t)
	t.Setenv("BUCKET_NAME", "themecheck")
	ta := newTestApp(t, themePage)
	ta.newStore = func(context.Context, *config.Config) (publish.Store, error) {
		return nil, errs.New(errs.Unavailable, "no credentials")
	}

	code := ta.run(context.Background(), []string{"--doc", doc, "--out", out, "--publish"})
	require.Equal(t, 1, code)
	require.Contains(t, ta.stdout.String(), "PASS")
	require.Contains(t, ta.stderr.String(), "publish failed: no credentials")
}

func TestRun_Install(t *testing.T) {
	workspace(t)
	ta := newTestApp(t, themePage)
	require.Equal(t, 0, ta.run(context.Background(), []string{"--install"}))

	ta.install = func() error { return errs.Wrap(errs.Unavailable, "install playwright", errors.New("offline")) }
	require.Equal(t, 1, ta.run(context.Background(), []string{"--install"}))
	require.Contains(t, ta.stderr.String(), "offline")
}

func TestLauncherFor(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{BrowserBin: "/usr/bin/chromium", RodStealth: true}
	l, err := launcherFor(cfg, engine.KindRod)
	require.NoError(t, err)
	require.Equal(t, "rod", l.Name())

	l, err = launcherFor(cfg, engine.KindPlaywright)
	require.NoError(t, err)
	require.Equal(t, "playwright", l.Name())

	_, err = launcherFor(cfg, "webkit")
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}
