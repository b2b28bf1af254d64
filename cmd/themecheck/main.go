// themecheck opens a local HTML page in a headless browser, flips its theme toggle and
// verifies the page switched to the light theme, leaving before/after screenshots behind.
//
//	themecheck --doc index.html --out jules-scratch/verification
//	themecheck --install          # one-time Playwright driver + Chromium download
//	themecheck --mcp              # serve theme_verify over MCP stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuitang/themecheck/internal/config"
	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/mcp"
	"github.com/kuitang/themecheck/internal/obs"
	"github.com/kuitang/themecheck/internal/publish"
	"github.com/kuitang/themecheck/internal/report"
	"github.com/kuitang/themecheck/internal/s3client"
	"github.com/kuitang/themecheck/internal/verify"
)

var version = "dev"

// app holds the side-effecting constructors so tests can swap them.
type app struct {
	stdout      io.Writer
	stderr      io.Writer
	newLauncher func(cfg *config.Config, kind engine.Kind) (engine.Launcher, error)
	newStore    func(ctx context.Context, cfg *config.Config) (publish.Store, error)
	install     func() error
	runnerOpts  []verify.Option
}

func defaultApp() *app {
	return &app{
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		newLauncher: launcherFor,
		newStore:    storeFor,
		install:     engine.NewPlaywrightLauncher(nil).Install,
	}
}

func main() {
	obs.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := defaultApp().run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (a *app) run(ctx context.Context, args []string) int {
	log := obs.Pkg("main")

	flags, err := config.ParseFlags(args, a.stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return errs.ExitCode(errs.InvalidArgument)
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		log.Error("config_invalid", "error", err.Error())
		return errs.ExitCode(errs.InvalidArgument)
	}
	cfg.LogSummary(log)

	switch {
	case cfg.Install:
		if err := a.install(); err != nil {
			fmt.Fprintln(a.stderr, err)
			log.Error("install_failed", "error", err.Error())
			return errs.ExitCode(errs.CodeOf(err))
		}
		fmt.Fprintln(a.stdout, "playwright driver and chromium installed")
		return 0
	case cfg.MCP:
		return a.serveMCP(ctx, cfg)
	default:
		return a.verifyOnce(ctx, cfg)
	}
}

func (a *app) serveMCP(ctx context.Context, cfg *config.Config) int {
	handler := mcp.NewHandler(cfg.Plan(), cfg.Engine, cfg.EngineOptions(),
		mcp.WithLauncherFactory(func(kind engine.Kind) (engine.Launcher, error) {
			return a.newLauncher(cfg, kind)
		}),
		mcp.WithRunnerOptions(a.runnerOpts...),
		mcp.WithRunLimit(cfg.MCPRunsPerMinute),
	)
	if err := mcp.NewServer(handler, version).RunStdio(ctx); err != nil {
		return 1
	}
	return 0
}

func (a *app) verifyOnce(ctx context.Context, cfg *config.Config) int {
	log := obs.Pkg("main")

	launcher, err := a.newLauncher(cfg, cfg.Engine)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return errs.ExitCode(errs.CodeOf(err))
	}
	opts := append([]verify.Option{verify.WithEngineOptions(cfg.EngineOptions())}, a.runnerOpts...)
	res, runErr := verify.NewRunner(cfg.Plan(), launcher, opts...).Run(ctx)

	var extra []string
	if cfg.Report {
		files, err := report.Write(cfg.OutputDir, res, runErr)
		if err != nil {
			log.Error("report_write_failed", "error", err.Error())
		} else {
			extra = append(extra, files.Markdown, files.HTML)
			fmt.Fprintf(a.stdout, "report: %s\n", files.HTML)
		}
	}

	publishFailed := false
	if cfg.Publish && res != nil {
		if err := a.publish(ctx, cfg, res, runErr, extra); err != nil {
			publishFailed = true
			fmt.Fprintf(a.stderr, "publish failed: %v\n", err)
			log.Error("publish_failed", "error", err.Error())
		}
	}

	if runErr != nil {
		fmt.Fprintf(a.stderr, "FAIL [%s] %v\n", errs.CodeOf(runErr), runErr)
		return errs.ExitCode(errs.CodeOf(runErr))
	}
	for _, artifact := range res.Artifacts {
		fmt.Fprintf(a.stdout, "wrote %s (%dx%d)\n", artifact.Path, artifact.Width, artifact.Height)
	}
	fmt.Fprintf(a.stdout, "PASS %s[%s]=%q\n", cfg.ThemeRoot, cfg.ThemeAttribute, res.FinalTheme)
	if publishFailed {
		return 1
	}
	return 0
}

func (a *app) publish(ctx context.Context, cfg *config.Config, res *verify.Result, runErr error, extra []string) error {
	store, err := a.newStore(ctx, cfg)
	if err != nil {
		return err
	}
	m, err := publish.New(store, cfg.PublishPrefix).Publish(ctx, res, runErr, extra...)
	if err != nil {
		return err
	}
	for _, up := range m.Uploads {
		fmt.Fprintf(a.stdout, "published %s\n", up.URL)
	}
	return nil
}

func launcherFor(cfg *config.Config, kind engine.Kind) (engine.Launcher, error) {
	if kind == engine.KindRod {
		return engine.NewRodLauncher(cfg.BrowserBin).Stealth(cfg.RodStealth), nil
	}
	return engine.NewLauncher(kind)
}

func storeFor(ctx context.Context, cfg *config.Config) (publish.Store, error) {
	return s3client.New(ctx, s3client.Config{
		Endpoint:        cfg.AWSEndpointS3,
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		BucketName:      cfg.AWSBucketName,
		PublicURL:       cfg.AWSPublicURL,
	})
}
