package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/kuitang/themecheck/internal/errs"
)

// FakeElement is one node of a FakePage.
type FakeElement struct {
	Visible bool
	Attrs   map[string]string
	OnClick func(p *FakePage)
}

// FakePage is an in-memory Page keyed by selector. It has no layout engine: simulated clicks
// require Visible, programmatic clicks (ProgrammaticClickScript) do not.
type FakePage struct {
	mu       sync.Mutex
	elements map[string]*FakeElement
	calls    []string
	url      string

	Width, Height int
	NavigateErr   error
	ScreenshotErr error
	// BlockWaits makes WaitVisible on an invisible element block until ctx is done,
	// the way a real engine sits out its timeout.
	BlockWaits bool
}

// NewFakePage creates an empty page.
func NewFakePage() *FakePage {
	return &FakePage{
		elements: make(map[string]*FakeElement),
		Width:    1280,
		Height:   720,
	}
}

// NewThemeTogglePage builds the settings-modal + theme-toggle app the runner verifies:
// clicking #settings-button shows #settings-modal; clicking #theme-toggle flips body[data-theme].
func NewThemeTogglePage(initialTheme string) *FakePage {
	p := NewFakePage()
	p.Set("html", &FakeElement{Visible: true})
	p.Set("body", &FakeElement{Visible: true, Attrs: map[string]string{"data-theme": initialTheme}})
	p.Set("#settings-button", &FakeElement{Visible: true, OnClick: func(p *FakePage) {
		if modal := p.elements["#settings-modal"]; modal != nil {
			modal.Visible = true
		}
	}})
	p.Set("#settings-modal", &FakeElement{})
	p.Set("#theme-toggle", &FakeElement{Visible: true, OnClick: func(p *FakePage) {
		body := p.elements["body"]
		if body == nil {
			return
		}
		if body.Attrs["data-theme"] == "dark" {
			body.Attrs["data-theme"] = "light"
		} else {
			body.Attrs["data-theme"] = "dark"
		}
	}})
	return p
}

// Set adds or replaces the element for selector.
func (p *FakePage) Set(selector string, el *FakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.Attrs == nil {
		el.Attrs = make(map[string]string)
	}
	p.elements[selector] = el
}

// Remove deletes the element for selector.
func (p *FakePage) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
}

// Calls returns the recorded action log ("navigate file:///...", "click #x", ...).
func (p *FakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// URL returns the last navigated URL.
func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FakePage) record(format string, args ...any) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := checkContext(ctx, "navigate"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("navigate %s", url)
	if p.NavigateErr != nil {
		return errs.Wrap(errs.Navigation, "navigate to "+url, p.NavigateErr)
	}
	p.url = url
	return nil
}

func (p *FakePage) Click(ctx context.Context, selector string) error {
	if err := checkContext(ctx, "click"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("click %s", selector)
	el := p.elements[selector]
	if el == nil || !el.Visible {
		return errs.Wrap(errs.SelectorTimeout, "click "+selector, errors.New("element not visible before timeout"))
	}
	if el.OnClick != nil {
		el.OnClick(p)
	}
	return nil
}

func (p *FakePage) WaitVisible(ctx context.Context, selector string) error {
	if err := checkContext(ctx, "wait"); err != nil {
		return err
	}
	p.mu.Lock()
	p.record("wait %s", selector)
	el := p.elements[selector]
	visible := el != nil && el.Visible
	block := p.BlockWaits
	p.mu.Unlock()
	if visible {
		return nil
	}
	if block {
		<-ctx.Done()
		return errs.Wrap(errs.Internal, "wait for "+selector+" cancelled", ctx.Err())
	}
	return errs.Wrap(errs.SelectorTimeout, "wait for "+selector+" to be visible", errors.New("timeout"))
}

func (p *FakePage) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if err := checkContext(ctx, "evaluate"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch script {
	case ProgrammaticClickScript:
		selector, _ := arg.(string)
		p.record("evaluate click %s", selector)
		el := p.elements[selector]
		if el == nil {
			return false, nil
		}
		if el.OnClick != nil {
			el.OnClick(p)
		}
		return true, nil
	case attributeScript:
		pair, _ := arg.([]string)
		if len(pair) != 2 {
			return nil, errs.New(errs.Internal, "attribute script wants [selector, name]")
		}
		state := p.attributeLocked(pair[0], pair[1])
		return map[string]any{"found": state.Found, "present": state.Present, "value": state.Value}, nil
	default:
		p.record("evaluate %s", script)
		return nil, nil
	}
}

func (p *FakePage) attributeLocked(selector, name string) AttributeState {
	el := p.elements[selector]
	if el == nil {
		return AttributeState{}
	}
	v, ok := el.Attrs[name]
	return AttributeState{Found: true, Present: ok, Value: v}
}

func (p *FakePage) Attribute(ctx context.Context, selector, name string) (AttributeState, error) {
	v, err := p.Evaluate(ctx, attributeScript, []string{selector, name})
	if err != nil {
		return AttributeState{}, err
	}
	return parseAttributeState(v)
}

func (p *FakePage) ExpectAttribute(ctx context.Context, selector, name, value string) error {
	if err := checkContext(ctx, "expect"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("expect %s[%s]=%s", selector, name, value)
	state := p.attributeLocked(selector, name)
	if !state.Present || state.Value != value {
		return fmt.Errorf("%w: %s[%s]", ErrAttributeMismatch, selector, name)
	}
	return nil
}

// Screenshot renders a flat PNG whose colour follows body[data-theme].
func (p *FakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := checkContext(ctx, "screenshot"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("screenshot")
	if p.ScreenshotErr != nil {
		return nil, errs.Wrap(errs.Internal, "screenshot", p.ScreenshotErr)
	}
	fill := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	if body := p.elements["body"]; body != nil && body.Attrs["data-theme"] == "dark" {
		fill = color.RGBA{R: 0x1a, G: 0x1a, B: 0x1a, A: 0xff}
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FakeLauncher hands out FakeSessions wrapping a single FakePage.
type FakeLauncher struct {
	mu sync.Mutex

	Page       *FakePage
	LaunchErr  error
	NewPageErr error
	CloseErr   error

	launches    int
	closes      int
	lastOptions Options
}

// NewFakeLauncher creates a launcher serving page.
func NewFakeLauncher(page *FakePage) *FakeLauncher {
	return &FakeLauncher{Page: page}
}

func (l *FakeLauncher) Name() string { return "fake" }

func (l *FakeLauncher) Launch(ctx context.Context, opts Options) (Session, error) {
	if err := checkContext(ctx, "launch"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LaunchErr != nil {
		return nil, errs.Wrap(errs.Unavailable, "launch fake browser", l.LaunchErr)
	}
	l.launches++
	l.lastOptions = opts.withDefaults()
	return &fakeSession{launcher: l}, nil
}

// Launches returns how many sessions were started.
func (l *FakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Closes returns how many sessions were closed.
func (l *FakeLauncher) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// LastOptions returns the options of the most recent launch after defaults were applied.
func (l *FakeLauncher) LastOptions() Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOptions
}

type fakeSession struct {
	launcher *FakeLauncher
	closed   bool
}

func (s *fakeSession) NewPage(ctx context.Context) (Page, error) {
	if err := checkContext(ctx, "new page"); err != nil {
		return nil, err
	}
	s.launcher.mu.Lock()
	defer s.launcher.mu.Unlock()
	if s.launcher.NewPageErr != nil {
		return nil, errs.Wrap(errs.Unavailable, "create page", s.launcher.NewPageErr)
	}
	if s.launcher.Page == nil {
		s.launcher.Page = NewFakePage()
	}
	return s.launcher.Page, nil
}

func (s *fakeSession) Close() error {
	s.launcher.mu.Lock()
	defer s.launcher.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.launcher.closes++
	return s.launcher.CloseErr
}
