package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pgregory.net/rapid"

	"github.com/kuitang/themecheck/internal/engine"
	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/verify"
)

func toolResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("missing tool result content: %#v", result)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type: %T", result.Content[0])
	}
	return text.Text
}

func parseToolErrorPayload(t *testing.T, result *mcp.CallToolResult) toolErrorPayload {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected error result, got %s", toolResultText(t, result))
	}
	raw := toolResultText(t, result)
	var payload toolErrorPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("invalid tool error payload JSON: %v body=%q", err, raw)
	}
	return payload
}

// fakeFactory hands out a fresh theme-toggle page per call and records requested kinds.
type fakeFactory struct {
	mu      sync.Mutex
	kinds   []engine.Kind
	newPage func() *engine.FakePage
}

func (f *fakeFactory) launcher(kind engine.Kind) (engine.Launcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	page := engine.NewThemeTogglePage("dark")
	if f.newPage != nil {
		page = f.newPage()
	}
	return engine.NewFakeLauncher(page), nil
}

func noSleep(context.Context, time.Duration) error { return nil }

// newTestHandler returns a handler whose base plan points at a temp document.
func newTestHandler(t *testing.T, f *fakeFactory) (*Handler, verify.Plan) {
	t.Helper()
	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte("<html></html>"), 0644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	plan := verify.DefaultPlan()
	plan.DocumentPath = doc
	plan.OutputDir = filepath.Join(dir, "out")
	h := NewHandler(plan, engine.KindPlaywright, engine.Options{Headless: true},
		WithLauncherFactory(f.launcher),
		WithRunnerOptions(verify.WithSleep(noSleep)),
	)
	return h, plan
}

func TestThemeVerify_Success(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	h, plan := newTestHandler(t, f)

	result, err := h.HandleToolCall(context.Background(), toolThemeVerify, map[string]any{"report": true})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolResultText(t, result))
	}

	var resp struct {
		Passed         bool              `json:"passed"`
		FinalTheme     string            `json:"final_theme"`
		Artifacts      []verify.Artifact `json:"artifacts"`
		ReportMarkdown string            `json:"report_markdown"`
	}
	if err := json.Unmarshal([]byte(toolResultText(t, result)), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Passed || resp.FinalTheme != "light" || len(resp.Artifacts) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ReportMarkdown != filepath.Join(plan.OutputDir, "report.md") {
		t.Fatalf("report path mismatch: %q", resp.ReportMarkdown)
	}
	if _, err := os.Stat(resp.ReportMarkdown); err != nil {
		t.Fatalf("report not written: %v", err)
	}
}

func TestThemeVerify_AssertionFailurePayload(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{newPage: func() *engine.FakePage {
		page := engine.NewThemeTogglePage("dark")
		page.Set("#theme-toggle", &engine.FakeElement{Visible: true})
		return page
	}}
	h, _ := newTestHandler(t, f)

	result, err := h.HandleToolCall(context.Background(), toolThemeVerify, nil)
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	payload := parseToolErrorPayload(t, result)
	if payload.Code != string(errs.AssertionFailed) || payload.Step != verify.StepAssertTheme {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Result == nil || payload.Result.FinalTheme != "dark" || len(payload.Result.Artifacts) != 1 {
		t.Fatalf("payload should carry the partial result: %+v", payload.Result)
	}
}

func TestThemeVerify_ArgumentsOverridePlan(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	h, _ := newTestHandler(t, f)
	out := filepath.Join(t.TempDir(), "custom")

	result, err := h.HandleToolCall(context.Background(), toolThemeVerify, map[string]any{
		"output_dir": out,
		"activation": "click",
		"settle_ms":  float64(0),
		"engine":     "rod",
	})
	if err != nil || result.IsError {
		t.Fatalf("unexpected failure: err=%v body=%s", err, toolResultText(t, result))
	}
	if _, err := os.Stat(filepath.Join(out, "02_light_mode.png")); err != nil {
		t.Fatalf("artifact not written to override dir: %v", err)
	}
	if len(f.kinds) != 1 || f.kinds[0] != engine.KindRod {
		t.Fatalf("engine override not applied: %v", f.kinds)
	}
}

func TestThemeVerify_InvalidArguments(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeFactory{})

	for name, args := range map[string]map[string]any{
		"unknown field":      {"selector": "#x"},
		"bad activation":     {"activation": "hover"},
		"negative settle":    {"settle_ms": float64(-5)},
		"bad engine":         {"engine": "webkit"},
		"wrong type":         {"document_path": float64(3)},
		"missing document":   {"document_path": filepath.Join(t.TempDir(), "missing.html")},
		"fractional settle":  {"settle_ms": 1.5},
		"overflowing settle": {"settle_ms": float64(18446744073710)},
	} {
		result, err := h.HandleToolCall(context.Background(), toolThemeVerify, args)
		if err != nil {
			t.Fatalf("%s: HandleToolCall: %v", name, err)
		}
		payload := parseToolErrorPayload(t, result)
		want := string(errs.InvalidArgument)
		if name == "missing document" {
			want = string(errs.Navigation)
		}
		if payload.Code != want {
			t.Fatalf("%s: code=%q want %q (%s)", name, payload.Code, want, payload.Message)
		}
	}
}

func TestThemePlan_ReportsResolvedPlan(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	h, plan := newTestHandler(t, f)

	result, err := h.HandleToolCall(context.Background(), toolThemePlan, map[string]any{"theme_root": "html", "settle_ms": float64(250)})
	if err != nil || result.IsError {
		t.Fatalf("unexpected failure: err=%v", err)
	}
	var resp planResponse
	if err := json.Unmarshal([]byte(toolResultText(t, result)), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	initial, final := plan.ArtifactPaths()
	if resp.Selectors.ThemeRoot != "html" || resp.SettleMS != 250 || resp.Engine != engine.KindPlaywright {
		t.Fatalf("unexpected plan: %+v", resp)
	}
	if len(resp.Artifacts) != 2 || resp.Artifacts[0] != initial || resp.Artifacts[1] != final {
		t.Fatalf("artifact paths mismatch: %v", resp.Artifacts)
	}
	if resp.EngineTimeout != engine.DefaultTimeout.String() {
		t.Fatalf("timeout mismatch: %s", resp.EngineTimeout)
	}
	if len(f.kinds) != 0 {
		t.Fatal("theme_plan must not launch a browser")
	}
}

func TestHandleToolCall_UnknownTool(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeFactory{})
	result, err := h.HandleToolCall(context.Background(), "theme_reset", nil)
	if err != nil || !result.IsError {
		t.Fatalf("expected tool error for unknown tool, got err=%v result=%+v", err, result)
	}
}

func TestThemeVerify_ConcurrentCallsSerialize(t *testing.T) {
	t.Parallel()
	var active, maxActive int
	var mu sync.Mutex
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}
	f := &fakeFactory{}
	h, _ := newTestHandler(t, f)
	h.runnerOpts = append(h.runnerOpts, verify.WithSleep(sleep))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.HandleToolCall(context.Background(), toolThemeVerify, nil)
			if err != nil || result.IsError {
				t.Errorf("concurrent call failed: err=%v", err)
			}
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("runs overlapped: max concurrent=%d", maxActive)
	}
}

func TestThemeVerify_RunLimit(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	h, _ := newTestHandler(t, f)
	WithRunLimit(2)(h)

	for i := 0; i < 2; i++ {
		result, err := h.HandleToolCall(context.Background(), toolThemeVerify, nil)
		if err != nil || result.IsError {
			t.Fatalf("run %d should be allowed: err=%v", i+1, err)
		}
	}
	result, err := h.HandleToolCall(context.Background(), toolThemeVerify, nil)
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	payload := parseToolErrorPayload(t, result)
	if payload.Code != string(errs.Unavailable) {
		t.Fatalf("code=%q want %q", payload.Code, errs.Unavailable)
	}
	if len(f.kinds) != 2 {
		t.Fatalf("limited call must not launch a browser, launches=%d", len(f.kinds))
	}

	// theme_plan never launches, so it is not limited.
	result, err = h.HandleToolCall(context.Background(), toolThemePlan, nil)
	if err != nil || result.IsError {
		t.Fatalf("theme_plan should ignore the run limit: err=%v", err)
	}
}

func TestWithRunLimit_NonPositiveDisables(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeFactory{})
	WithRunLimit(0)(h)
	if h.limiter != nil {
		t.Fatal("zero limit should disable limiting")
	}
}

func testDecodeToolArgs_UnknownFieldsRejected(t *rapid.T) {
	key := rapid.StringMatching(`x_[a-z]{1,10}`).Draw(t, "key")
	var decoded verifyArgs
	err := decodeToolArgs(map[string]any{"document_path": "index.html", key: "unexpected"}, &decoded)
	if got := errs.CodeOf(err); got != errs.InvalidArgument {
		t.Fatalf("unexpected error code for field %q: got=%q want=%q", key, got, errs.InvalidArgument)
	}
}

func TestDecodeToolArgs_UnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testDecodeToolArgs_UnknownFieldsRejected)
}

func testDecodeToolArgs_SettleRoundTrips(t *rapid.T) {
	ms := rapid.IntRange(0, 60000).Draw(t, "settle_ms")
	var decoded verifyArgs
	if err := decodeToolArgs(map[string]any{"settle_ms": float64(ms)}, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SettleMS == nil || *decoded.SettleMS != ms {
		t.Fatalf("settle mismatch: got=%v want=%d", decoded.SettleMS, ms)
	}
}

func TestDecodeToolArgs_SettleRoundTrips(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testDecodeToolArgs_SettleRoundTrips)
}

func TestResolve_SettleUpperBound(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeFactory{})

	plan, _, _, err := h.resolve(map[string]any{"settle_ms": float64(maxSettleMS)})
	if err != nil {
		t.Fatalf("largest representable settle should be accepted: %v", err)
	}
	if plan.Settle <= 0 {
		t.Fatalf("settle wrapped: %v", plan.Settle)
	}

	_, _, _, err = h.resolve(map[string]any{"settle_ms": float64(maxSettleMS + 1000)})
	if got := errs.CodeOf(err); got != errs.InvalidArgument {
		t.Fatalf("code=%q want %q (%v)", got, errs.InvalidArgument, err)
	}
}

func TestToolDefinitions_SettleHasMaximum(t *testing.T) {
	t.Parallel()
	for _, tool := range ToolDefinitions() {
		schema := tool.InputSchema.(map[string]any)
		settle := schema["properties"].(map[string]any)["settle_ms"].(map[string]any)
		if settle["maximum"] != maxSettleMS {
			t.Fatalf("%s: settle_ms maximum=%v want %d", tool.Name, settle["maximum"], maxSettleMS)
		}
	}
}

func TestDecodeToolArgs_NilMapBehavesAsEmptyObject(t *testing.T) {
	t.Parallel()
	var decoded verifyArgs
	if err := decodeToolArgs(nil, &decoded); err != nil {
		t.Fatalf("decodeToolArgs(nil) failed: %v", err)
	}
	if decoded.SettleMS != nil || decoded.DocumentPath != "" {
		t.Fatalf("expected zero args, got %+v", decoded)
	}
}
