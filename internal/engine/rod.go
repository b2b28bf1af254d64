package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/kuitang/themecheck/internal/errs"
)

// RodLauncher drives a local Chrome over CDP with go-rod.
type RodLauncher struct {
	bin     string
	stealth bool
}

// NewRodLauncher creates a launcher. An empty bin looks for an installed Chrome and
// falls back to rod's managed browser download.
func NewRodLauncher(bin string) *RodLauncher {
	return &RodLauncher{bin: bin}
}

func (l *RodLauncher) Name() string { return string(KindRod) }

// Stealth makes new pages hide the usual headless-Chrome fingerprints. Some pages gate
// their settings UI on those checks.
func (l *RodLauncher) Stealth(on bool) *RodLauncher {
	l.stealth = on
	return l
}

func (l *RodLauncher) Launch(ctx context.Context, opts Options) (Session, error) {
	if err := checkContext(ctx, "launch"); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	lnch := launcher.New().Context(ctx).Headless(opts.Headless)
	bin := l.bin
	if bin == "" {
		if found, ok := launcher.LookPath(); ok {
			bin = found
		}
	}
	if bin != "" {
		lnch = lnch.Bin(bin)
	}

	u, err := lnch.Launch()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "launch chrome", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		lnch.Kill()
		return nil, errs.Wrap(errs.Unavailable, "connect chrome", err)
	}
	return &rodSession{browser: b, lnch: lnch, opts: opts, stealth: l.stealth}, nil
}

type rodSession struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	opts    Options
	stealth bool
	closed  bool
}

func (s *rodSession) NewPage(ctx context.Context) (Page, error) {
	if err := checkContext(ctx, "new page"); err != nil {
		return nil, err
	}
	var (
		page *rod.Page
		err  error
	)
	if s.stealth {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create page", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.opts.ViewportWidth,
		Height:            s.opts.ViewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		_ = page.Close()
		return nil, errs.Wrap(errs.Internal, "set viewport", err)
	}
	return &rodPage{page: page, opts: s.opts}, nil
}

func (s *rodSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.browser.Close()
	s.lnch.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type rodPage struct {
	page *rod.Page
	opts Options
}

// bounded applies the engine timeout on top of ctx, matching Playwright's per-action default.
func (p *rodPage) bounded(ctx context.Context) (*rod.Page, context.CancelFunc) {
	tctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	return p.page.Context(tctx), cancel
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page, cancel := p.bounded(ctx)
	defer cancel()
	if err := page.Navigate(url); err != nil {
		return navigationError(ctx, err, "navigate to "+url)
	}
	if err := page.WaitLoad(); err != nil {
		return navigationError(ctx, err, "wait for load of "+url)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	page, cancel := p.bounded(ctx)
	defer cancel()
	el, err := page.Element(selector)
	if err != nil {
		return classifyRod(ctx, err, "click "+selector)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classifyRod(ctx, err, "click "+selector)
	}
	return nil
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string) error {
	page, cancel := p.bounded(ctx)
	defer cancel()
	el, err := page.Element(selector)
	if err != nil {
		return classifyRod(ctx, err, "wait for "+selector+" to be visible")
	}
	if err := el.WaitVisible(); err != nil {
		return classifyRod(ctx, err, "wait for "+selector+" to be visible")
	}
	return nil
}

func (p *rodPage) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	var args []any
	if arg != nil {
		args = append(args, arg)
	}
	page, cancel := p.bounded(ctx)
	defer cancel()
	res, err := page.Eval(script, args...)
	if err != nil {
		return nil, classifyRod(ctx, err, "evaluate script")
	}
	return res.Value.Val(), nil
}

func (p *rodPage) Attribute(ctx context.Context, selector, name string) (AttributeState, error) {
	v, err := p.Evaluate(ctx, attributeScript, []string{selector, name})
	if err != nil {
		return AttributeState{}, err
	}
	return parseAttributeState(v)
}

func (p *rodPage) ExpectAttribute(ctx context.Context, selector, name, value string) error {
	page, cancel := p.bounded(ctx)
	defer cancel()
	err := page.Wait(rod.Eval(`(selector, name, want) => {
		const el = document.querySelector(selector);
		return !!el && el.getAttribute(name) === want;
	}`, selector, name, value))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s[%s]: %v", ErrAttributeMismatch, selector, name, err)
	}
	return classifyRod(ctx, err, "expect "+selector+"["+name+"]")
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	page, cancel := p.bounded(ctx)
	defer cancel()
	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, classifyRod(ctx, err, "screenshot")
	}
	return data, nil
}

func navigationError(ctx context.Context, err error, action string) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.Internal, action+" cancelled", ctx.Err())
	}
	return errs.Wrap(errs.Navigation, action, err)
}

// classifyRod separates the per-action timeout (a selector never reached its state) from
// cancellation of the caller's context.
func classifyRod(ctx context.Context, err error, action string) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.Internal, action+" cancelled", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.SelectorTimeout, action, err)
	}
	// Zero-size or covered elements never become clickable; match playwright's actionability timeout.
	var invisible *rod.InvisibleShapeError
	var covered *rod.CoveredError
	if errors.As(err, &invisible) || errors.As(err, &covered) {
		return errs.Wrap(errs.SelectorTimeout, action, err)
	}
	return errs.Wrap(errs.Internal, action, err)
}
