package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/obs"
	"github.com/kuitang/themecheck/internal/report"
	"github.com/kuitang/themecheck/internal/verify"
)

// maxSettleMS is the largest settle_ms that still fits in a time.Duration.
const maxSettleMS = math.MaxInt64 / int64(time.Millisecond)

// LauncherFactory builds the engine for a tool call.
type LauncherFactory func(kind engine.Kind) (engine.Launcher, error)

// Handler implements MCP tool call handling.
type Handler struct {
	basePlan    verify.Plan
	baseEngine  engine.Kind
	engineOpts  engine.Options
	newLauncher LauncherFactory
	runnerOpts  []verify.Option
	limiter     *rate.Limiter
	perMinute   int

	// One browser run at a time: runs share the output directory and the host's browser.
	runMu sync.Mutex
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithLauncherFactory replaces engine.NewLauncher.
func WithLauncherFactory(f LauncherFactory) HandlerOption {
	return func(h *Handler) { h.newLauncher = f }
}

// WithRunnerOptions adds options to every verify.Runner the handler creates.
func WithRunnerOptions(opts ...verify.Option) HandlerOption {
	return func(h *Handler) { h.runnerOpts = append(h.runnerOpts, opts...) }
}

// WithRunLimit caps theme_verify at perMinute runs per minute, with bursts up to perMinute.
// Zero or negative disables the cap.
func WithRunLimit(perMinute int) HandlerOption {
	return func(h *Handler) {
		if perMinute <= 0 {
			h.limiter, h.perMinute = nil, 0
			return
		}
		h.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
		h.perMinute = perMinute
	}
}

// NewHandler creates a handler whose tool arguments override basePlan and baseEngine.
func NewHandler(basePlan verify.Plan, baseEngine engine.Kind, engineOpts engine.Options, opts ...HandlerOption) *Handler {
	h := &Handler{
		basePlan:    basePlan,
		baseEngine:  baseEngine,
		engineOpts:  engineOpts,
		newLauncher: engine.NewLauncher,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// createToolHandler returns a tool handler function for the given tool name.
func (h *Handler) createToolHandler(name string) func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		result, err := h.HandleToolCall(ctx, name, args)
		return result, nil, err
	}
}

// HandleToolCall routes tool calls to appropriate handlers.
func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{ToolCall: uuid.NewString()})
	start := time.Now()
	log := obs.From(ctx).With("pkg", "mcp", "tool", name)

	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case toolThemeVerify:
		result, err = h.handleThemeVerify(ctx, arguments)
	case toolThemePlan:
		result, err = h.handleThemePlan(arguments)
	default:
		result = newToolResultError(fmt.Sprintf("unknown tool: %s", name))
	}
	log.Info("tool_call", "is_error", result != nil && result.IsError, "dur_ms", obs.DurMS(time.Since(start)))
	return result, err
}

// verifyArgs are the theme_verify arguments. Pointer fields distinguish "absent" from zero.
type verifyArgs struct {
	DocumentPath string `json:"document_path,omitempty"`
	OutputDir    string `json:"output_dir,omitempty"`
	Activation   string `json:"activation,omitempty"`
	SettleMS     *int   `json:"settle_ms,omitempty"`
	ThemeRoot    string `json:"theme_root,omitempty"`
	Engine       string `json:"engine,omitempty"`
	Report       bool   `json:"report,omitempty"`
}

type toolErrorPayload struct {
	Code    string         `json:"code"`
	Step    string         `json:"step,omitempty"`
	Message string         `json:"message"`
	Result  *verify.Result `json:"result,omitempty"`
}

type verifyResponse struct {
	*verify.Result
	ReportMarkdown string `json:"report_markdown,omitempty"`
	ReportHTML     string `json:"report_html,omitempty"`
}

type planResponse struct {
	DocumentURL   string            `json:"document_url"`
	OutputDir     string            `json:"output_dir"`
	Artifacts     []string          `json:"artifacts"`
	Selectors     verify.Selectors  `json:"selectors"`
	Attribute     string            `json:"attribute"`
	Expected      string            `json:"expected_theme"`
	SettleMS      int64             `json:"settle_ms"`
	Activation    verify.Activation `json:"activation"`
	Engine        engine.Kind       `json:"engine"`
	EngineTimeout string            `json:"engine_timeout"`
}

func (h *Handler) handleThemePlan(args map[string]any) (*mcp.CallToolResult, error) {
	plan, kind, _, err := h.resolve(args)
	if err != nil {
		return toolError(err, nil), nil
	}
	if err := plan.Validate(); err != nil {
		return toolError(err, nil), nil
	}
	docURL, err := plan.DocumentURL()
	if err != nil {
		return toolError(err, nil), nil
	}
	initial, final := plan.ArtifactPaths()
	timeout := h.engineOpts.Timeout
	if timeout <= 0 {
		timeout = engine.DefaultTimeout
	}
	return newToolResultText(marshalToolJSON(planResponse{
		DocumentURL:   docURL,
		OutputDir:     plan.OutputDir,
		Artifacts:     []string{initial, final},
		Selectors:     plan.Selectors,
		Attribute:     plan.ThemeAttribute,
		Expected:      plan.ExpectedTheme,
		SettleMS:      plan.Settle.Milliseconds(),
		Activation:    plan.Activation,
		Engine:        kind,
		EngineTimeout: timeout.String(),
	})), nil
}

func (h *Handler) handleThemeVerify(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	plan, kind, withReport, err := h.resolve(args)
	if err != nil {
		return toolError(err, nil), nil
	}
	if h.limiter != nil && !h.limiter.Allow() {
		return toolError(errs.New(errs.Unavailable, fmt.Sprintf("theme_verify is limited to %d runs per minute; retry later", h.perMinute)), nil), nil
	}
	launcher, err := h.newLauncher(kind)
	if err != nil {
		return toolError(err, nil), nil
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()

	opts := append([]verify.Option{verify.WithEngineOptions(h.engineOpts)}, h.runnerOpts...)
	res, runErr := verify.NewRunner(plan, launcher, opts...).Run(ctx)

	resp := verifyResponse{Result: res}
	if withReport && res != nil {
		files, err := report.Write(plan.OutputDir, res, runErr)
		if err != nil {
			obs.From(ctx).With("pkg", "mcp").Warn("report_write_failed", "error", err.Error())
		} else {
			resp.ReportMarkdown, resp.ReportHTML = files.Markdown, files.HTML
		}
	}
	if runErr != nil {
		return toolError(runErr, res), nil
	}
	return newToolResultText(marshalToolJSON(resp)), nil
}

// resolve overlays tool arguments on the handler's base plan.
func (h *Handler) resolve(args map[string]any) (verify.Plan, engine.Kind, bool, error) {
	var in verifyArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return verify.Plan{}, "", false, err
	}

	plan := h.basePlan
	if s := strings.TrimSpace(in.DocumentPath); s != "" {
		plan.DocumentPath = s
	}
	if s := strings.TrimSpace(in.OutputDir); s != "" {
		plan.OutputDir = s
	}
	if s := strings.TrimSpace(in.ThemeRoot); s != "" {
		plan.Selectors.ThemeRoot = s
	}
	if in.Activation != "" {
		a, err := verify.ParseActivation(in.Activation)
		if err != nil {
			return verify.Plan{}, "", false, err
		}
		plan.Activation = a
	}
	if in.SettleMS != nil {
		if *in.SettleMS < 0 {
			return verify.Plan{}, "", false, errs.New(errs.InvalidArgument, "settle_ms must not be negative")
		}
		if int64(*in.SettleMS) > maxSettleMS {
			return verify.Plan{}, "", false, errs.New(errs.InvalidArgument, fmt.Sprintf("settle_ms must be at most %d", maxSettleMS))
		}
		plan.Settle = time.Duration(*in.SettleMS) * time.Millisecond
	}

	kind := h.baseEngine
	if in.Engine != "" {
		kind = engine.Kind(strings.ToLower(strings.TrimSpace(in.Engine)))
	}
	if kind == "" {
		kind = engine.KindPlaywright
	}
	switch kind {
	case engine.KindPlaywright, engine.KindRod:
	default:
		return verify.Plan{}, "", false, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown engine %q (want playwright or rod)", in.Engine))
	}
	return plan, kind, in.Report, nil
}

// decodeToolArgs decodes the raw argument map into dst, rejecting unknown fields.
func decodeToolArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "arguments are not valid JSON", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid arguments", err)
	}
	return nil
}

// toolError renders err as a JSON error payload with IsError set.
func toolError(err error, res *verify.Result) *mcp.CallToolResult {
	payload := toolErrorPayload{
		Code:    string(errs.CodeOf(err)),
		Message: err.Error(),
		Result:  res,
	}
	var stepErr *verify.StepError
	if errors.As(err, &stepErr) {
		payload.Step = stepErr.Step
	}
	return newToolResultError(marshalToolJSON(payload))
}

// newToolResultText creates a successful tool result with text content.
func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// newToolResultError creates a tool result indicating an error.
func newToolResultError(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: message},
		},
		IsError: true,
	}
}

func marshalToolJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response","detail":%q}`, err.Error())
	}
	return string(data)
}
