// Package engine abstracts the browser-automation backends used by the verification runner.
// A Launcher starts a browser Session; a Session hands out Pages; a Page exposes the handful of
// blocking actions the runner needs (navigate, click, wait, evaluate, expect, screenshot).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/themecheck/internal/errs"
)

// Kind names a backend.
type Kind string

const (
	KindPlaywright Kind = "playwright"
	KindRod        Kind = "rod"
)

// DefaultTimeout mirrors Playwright's default action timeout.
const DefaultTimeout = 30 * time.Second

// ErrAttributeMismatch is returned by ExpectAttribute when the attribute never reached the
// expected value before the timeout.
var ErrAttributeMismatch = errors.New("engine: attribute mismatch")

// ProgrammaticClickScript calls element.click() inside the page. It bypasses pointer simulation
// and actionability checks, so it also fires on inputs hidden behind a styled slider.
// Returns false when no element matches the selector.
const ProgrammaticClickScript = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) {
		return false;
	}
	el.click();
	return true;
}`

// attributeScript reports whether an element exists, whether it carries the attribute, and its value.
const attributeScript = `([selector, name]) => {
	const el = document.querySelector(selector);
	if (!el) {
		return { found: false, present: false, value: "" };
	}
	return { found: true, present: el.hasAttribute(name), value: el.getAttribute(name) || "" };
}`

// Options configure a browser session.
type Options struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 720
	}
	return o
}

func (o Options) timeoutMS() float64 {
	return float64(o.Timeout.Milliseconds())
}

// Launcher starts browser sessions.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, opts Options) (Session, error)
}

// Session is one running browser. Close must be safe to call on every exit path.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single loaded document.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, script string, arg any) (any, error)
	Attribute(ctx context.Context, selector, name string) (AttributeState, error)
	ExpectAttribute(ctx context.Context, selector, name, value string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// AttributeState is a point-in-time read of one attribute.
type AttributeState struct {
	Found   bool // element matched the selector
	Present bool // element carries the attribute
	Value   string
}

// NewLauncher returns the backend for kind.
func NewLauncher(kind Kind) (Launcher, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case KindPlaywright, "":
		return NewPlaywrightLauncher(nil), nil
	case KindRod:
		return NewRodLauncher(""), nil
	default:
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown engine %q (want playwright or rod)", kind))
	}
}

func parseAttributeState(v any) (AttributeState, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return AttributeState{}, fmt.Errorf("engine: unexpected attribute result %T", v)
	}
	state := AttributeState{}
	state.Found, _ = m["found"].(bool)
	state.Present, _ = m["present"].(bool)
	state.Value, _ = m["value"].(string)
	return state, nil
}

// checkContext returns a coded error when ctx is already done.
// Backends without native context support call it before every action.
func checkContext(ctx context.Context, action string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Internal, action+" cancelled", err)
	}
	return nil
}
