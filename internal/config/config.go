// Package config loads themecheck configuration from CLI flags and environment variables,
// validates it, and turns it into a verify.Plan and engine.Options.
//
// Flags win over environment variables; environment variables win over defaults.
// S3 publishing uses the AWS_ env vars (set automatically by `fly storage create`).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/logutil"
	"github.com/kuitang/themecheck/internal/verify"
)

const (
	defaultTigrisRegion  = "auto"
	defaultPublishPrefix = "runs"
)

// Config holds all themecheck configuration.
type Config struct {
	// Document and artifacts
	DocumentPath string
	OutputDir    string

	// Engine
	Engine         engine.Kind
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	BrowserBin     string // rod only; empty means look up or download
	RodStealth     bool

	// Procedure
	Activation     verify.Activation
	Settle         time.Duration
	ThemeRoot      string
	ThemeAttribute string
	SettingsButton string
	SettingsModal  string
	ThemeToggle    string
	ExpectedTheme  string
	InitialLabel   string

	// Modes (flags only)
	Report  bool
	Publish bool
	MCP     bool
	Install bool

	MCPRunsPerMinute int // THEMECHECK_MCP_RUNS_PER_MINUTE, 0 means unlimited

	// S3/Tigris publishing
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
	AWSBucketName      string // BUCKET_NAME
	AWSPublicURL       string // S3_PUBLIC_URL
	PublishPrefix      string // THEMECHECK_PUBLISH_PREFIX
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Flags are the parsed command-line values. Set records which flags were given explicitly,
// so an unset flag does not mask its environment variable.
type Flags struct {
	Doc        string
	Out        string
	Engine     string
	Activation string
	Settle     time.Duration
	Timeout    time.Duration
	ThemeRoot  string
	Headful    bool
	Report     bool
	Publish    bool
	MCP        bool
	Install    bool

	Set map[string]bool
}

// ParseFlags parses args (without the program name). Call before LoadConfig.
func ParseFlags(args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("themecheck", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.StringVar(&f.Doc, "doc", "", "HTML document to verify (default index.html, overrides THEMECHECK_DOCUMENT)")
	fs.StringVar(&f.Out, "out", "", "Screenshot output directory (default jules-scratch/verification)")
	fs.StringVar(&f.Engine, "engine", "", "Browser engine: playwright or rod")
	fs.StringVar(&f.Activation, "activation", "", "Theme toggle activation: programmatic or click")
	fs.DurationVar(&f.Settle, "settle", 0, "Settle delay after the settings modal opens (default 500ms)")
	fs.DurationVar(&f.Timeout, "timeout", 0, "Per-action engine timeout (default 30s)")
	fs.StringVar(&f.ThemeRoot, "theme-root", "", "Selector of the element carrying data-theme (default body)")
	fs.BoolVar(&f.Headful, "headful", false, "Show the browser window")
	fs.BoolVar(&f.Report, "report", false, "Write report.md and report.html next to the screenshots")
	fs.BoolVar(&f.Publish, "publish", false, "Upload screenshots and report to S3 (needs BUCKET_NAME and AWS_*)")
	fs.BoolVar(&f.MCP, "mcp", false, "Serve the theme_verify tool over MCP stdio instead of running once")
	fs.BoolVar(&f.Install, "install", false, "Install the Playwright driver and Chromium, then exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, errs.Wrap(errs.InvalidArgument, "parse flags", err)
	}
	if fs.NArg() > 0 {
		return Flags{}, errs.New(errs.InvalidArgument, fmt.Sprintf("unexpected arguments: %s", strings.Join(fs.Args(), " ")))
	}
	f.Set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.Set[fl.Name] = true })
	return f, nil
}

// LoadConfig loads configuration from environment variables and the parsed flags.
func LoadConfig(f Flags) (*Config, error) {
	defaults := verify.DefaultPlan()
	cfg := &Config{}
	var problems []string

	cfg.DocumentPath = pickString(f.Set["doc"], f.Doc, getEnvOrDefault("THEMECHECK_DOCUMENT", defaults.DocumentPath))
	cfg.OutputDir = pickString(f.Set["out"], f.Out, getEnvOrDefault("THEMECHECK_OUTPUT_DIR", defaults.OutputDir))

	cfg.Engine = engine.Kind(strings.ToLower(pickString(f.Set["engine"], f.Engine, getEnvOrDefault("THEMECHECK_ENGINE", string(engine.KindPlaywright)))))
	cfg.Headless = !f.Headful
	if !f.Set["headful"] {
		cfg.Headless = parseBoolOrDefault("HEADLESS", true, &problems)
	}
	cfg.Timeout = f.Timeout
	if !f.Set["timeout"] {
		cfg.Timeout = parseDurationOrDefault("THEMECHECK_TIMEOUT", engine.DefaultTimeout, &problems)
	}
	cfg.ViewportWidth = parseIntOrDefault("THEMECHECK_VIEWPORT_WIDTH", 1280, &problems)
	cfg.ViewportHeight = parseIntOrDefault("THEMECHECK_VIEWPORT_HEIGHT", 720, &problems)
	cfg.BrowserBin = getEnvOrDefault("THEMECHECK_BROWSER_BIN", "")
	cfg.RodStealth = parseBoolOrDefault("THEMECHECK_ROD_STEALTH", false, &problems)

	activation, err := verify.ParseActivation(pickString(f.Set["activation"], f.Activation, getEnvOrDefault("THEMECHECK_ACTIVATION", string(defaults.Activation))))
	if err != nil {
		problems = append(problems, errs.MessageOf(err))
	}
	cfg.Activation = activation
	cfg.Settle = f.Settle
	if !f.Set["settle"] {
		cfg.Settle = parseDurationOrDefault("THEMECHECK_SETTLE", defaults.Settle, &problems)
	}
	cfg.ThemeRoot = pickString(f.Set["theme-root"], f.ThemeRoot, getEnvOrDefault("THEMECHECK_THEME_ROOT", defaults.Selectors.ThemeRoot))
	cfg.ThemeAttribute = getEnvOrDefault("THEMECHECK_THEME_ATTRIBUTE", defaults.ThemeAttribute)
	cfg.SettingsButton = getEnvOrDefault("THEMECHECK_SETTINGS_BUTTON", defaults.Selectors.SettingsButton)
	cfg.SettingsModal = getEnvOrDefault("THEMECHECK_SETTINGS_MODAL", defaults.Selectors.SettingsModal)
	cfg.ThemeToggle = getEnvOrDefault("THEMECHECK_THEME_TOGGLE", defaults.Selectors.ThemeToggle)
	cfg.ExpectedTheme = getEnvOrDefault("THEMECHECK_EXPECTED_THEME", defaults.ExpectedTheme)
	cfg.InitialLabel = getEnvOrDefault("THEMECHECK_INITIAL_LABEL", defaults.InitialLabel)

	cfg.Report = f.Report || parseBoolOrDefault("THEMECHECK_REPORT", false, &problems)
	cfg.Publish = f.Publish
	cfg.MCP = f.MCP
	cfg.Install = f.Install
	cfg.MCPRunsPerMinute = parseIntOrDefault("THEMECHECK_MCP_RUNS_PER_MINUTE", 0, &problems)

	cfg.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultTigrisRegion)
	cfg.AWSAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")
	cfg.AWSBucketName = getEnvOrDefault("BUCKET_NAME", "")
	cfg.AWSPublicURL = getEnvOrDefault("S3_PUBLIC_URL", "")
	if cfg.AWSPublicURL == "" && cfg.AWSEndpointS3 != "" && cfg.AWSBucketName != "" {
		cfg.AWSPublicURL = strings.TrimRight(cfg.AWSEndpointS3, "/") + "/" + cfg.AWSBucketName
	}
	cfg.PublishPrefix = strings.Trim(getEnvOrDefault("THEMECHECK_PUBLISH_PREFIX", defaultPublishPrefix), "/")

	if err := cfg.Validate(); err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			validationErr.Errors = append(problems, validationErr.Errors...)
		}
		return nil, err
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Errors: problems}
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var problems []string

	if c.DocumentPath == "" {
		problems = append(problems, "THEMECHECK_DOCUMENT must not be empty")
	}
	if c.OutputDir == "" {
		problems = append(problems, "THEMECHECK_OUTPUT_DIR must not be empty")
	}
	switch c.Engine {
	case engine.KindPlaywright, engine.KindRod:
	default:
		problems = append(problems, fmt.Sprintf("THEMECHECK_ENGINE %q must be playwright or rod", c.Engine))
	}
	if c.Timeout <= 0 {
		problems = append(problems, "THEMECHECK_TIMEOUT must be positive")
	}
	if c.Settle < 0 {
		problems = append(problems, "THEMECHECK_SETTLE must not be negative")
	}
	if _, err := verify.ParseActivation(string(c.Activation)); err != nil {
		problems = append(problems, "THEMECHECK_ACTIVATION: "+errs.MessageOf(err))
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		problems = append(problems, "THEMECHECK_VIEWPORT_WIDTH and THEMECHECK_VIEWPORT_HEIGHT must be positive")
	}
	for env, v := range map[string]string{
		"THEMECHECK_THEME_ROOT":      c.ThemeRoot,
		"THEMECHECK_THEME_ATTRIBUTE": c.ThemeAttribute,
		"THEMECHECK_SETTINGS_BUTTON": c.SettingsButton,
		"THEMECHECK_SETTINGS_MODAL":  c.SettingsModal,
		"THEMECHECK_THEME_TOGGLE":    c.ThemeToggle,
	} {
		if v == "" {
			problems = append(problems, env+" must not be empty")
		}
	}

	// S3/Tigris: required only when publishing
	if c.Publish {
		if c.AWSBucketName == "" {
			problems = append(problems, "BUCKET_NAME is required with --publish")
		}
		if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			problems = append(problems, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
		}
	}

	if c.MCPRunsPerMinute < 0 {
		problems = append(problems, "THEMECHECK_MCP_RUNS_PER_MINUTE must not be negative")
	}
	if c.MCP && c.Install {
		problems = append(problems, "--mcp and --install are mutually exclusive")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Errors: problems}
	}
	return nil
}

// Plan returns the verification plan described by the configuration.
func (c *Config) Plan() verify.Plan {
	return verify.Plan{
		DocumentPath: c.DocumentPath,
		OutputDir:    c.OutputDir,
		Selectors: verify.Selectors{
			SettingsButton: c.SettingsButton,
			SettingsModal:  c.SettingsModal,
			ThemeToggle:    c.ThemeToggle,
			ThemeRoot:      c.ThemeRoot,
		},
		ThemeAttribute: c.ThemeAttribute,
		InitialLabel:   c.InitialLabel,
		ExpectedTheme:  c.ExpectedTheme,
		Settle:         c.Settle,
		Activation:     c.Activation,
	}
}

// EngineOptions returns the browser session options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Headless:       c.Headless,
		Timeout:        c.Timeout,
		ViewportWidth:  c.ViewportWidth,
		ViewportHeight: c.ViewportHeight,
	}
}

// LogSummary logs the effective configuration, with credentials redacted.
func (c *Config) LogSummary(logger *slog.Logger) {
	logger.Info("config_loaded",
		"document", c.DocumentPath,
		"output_dir", c.OutputDir,
		"engine", string(c.Engine),
		"headless", c.Headless,
		"rod_stealth", c.RodStealth,
		"activation", string(c.Activation),
		"settle", c.Settle.String(),
		"timeout", c.Timeout.String(),
		"theme_root", c.ThemeRoot,
		"report", c.Report,
		"publish", c.Publish,
	)
	if c.Publish {
		logger.Info("config_publish",
			"endpoint", c.AWSEndpointS3,
			"region", c.AWSRegion,
			"bucket", c.AWSBucketName,
			"prefix", c.PublishPrefix,
			"aws_access_key_id", logutil.RedactValue("aws_access_key_id", c.AWSAccessKeyID),
			"aws_secret_access_key", logutil.RedactValue("aws_secret_access_key", c.AWSSecretAccessKey),
		)
	}
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// The parse helpers return defaultValue when key is unset. A malformed value also falls
// back, and is recorded in problems so LoadConfig reports it.

func parseIntOrDefault(key string, defaultValue int, problems *[]string) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not an integer", key, value))
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool, problems *[]string) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not a boolean (true or false)", key, value))
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration, problems *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not a duration with a unit, e.g. 500ms or 2s", key, value))
		return defaultValue
	}
	return parsed
}

func pickString(set bool, flagValue, fallback string) string {
	if set {
		return strings.TrimSpace(flagValue)
	}
	return fallback
}
