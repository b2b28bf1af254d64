package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/themecheck/internal/errs"
)

// PlaywrightLauncher drives Chromium through playwright-go.
type PlaywrightLauncher struct {
	runOptions *playwright.RunOptions
}

// NewPlaywrightLauncher creates a launcher. A nil runOptions uses the driver defaults.
func NewPlaywrightLauncher(runOptions *playwright.RunOptions) *PlaywrightLauncher {
	return &PlaywrightLauncher{runOptions: runOptions}
}

func (l *PlaywrightLauncher) Name() string { return string(KindPlaywright) }

// Install downloads the Playwright driver and Chromium.
func (l *PlaywrightLauncher) Install() error {
	opts := &playwright.RunOptions{Browsers: []string{"chromium"}}
	if l.runOptions != nil {
		opts = l.runOptions
	}
	if err := playwright.Install(opts); err != nil {
		return errs.Wrap(errs.Unavailable, "install playwright", err)
	}
	return nil
}

func (l *PlaywrightLauncher) Launch(ctx context.Context, opts Options) (Session, error) {
	if err := checkContext(ctx, "launch"); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	var runOpts []*playwright.RunOptions
	if l.runOptions != nil {
		runOpts = append(runOpts, l.runOptions)
	}
	pw, err := playwright.Run(runOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "start playwright (run with --install first)", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "launch chromium", err)
	}
	return &playwrightSession{pw: pw, browser: browser, opts: opts}, nil
}

type playwrightSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
	closed  bool
}

func (s *playwrightSession) NewPage(ctx context.Context) (Page, error) {
	if err := checkContext(ctx, "new page"); err != nil {
		return nil, err
	}
	bctx, err := s.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  s.opts.ViewportWidth,
			Height: s.opts.ViewportHeight,
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create browser context", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, errs.Wrap(errs.Unavailable, "create page", err)
	}
	page.SetDefaultTimeout(s.opts.timeoutMS())
	page.SetDefaultNavigationTimeout(s.opts.timeoutMS())
	return &playwrightPage{page: page, opts: s.opts}, nil
}

func (s *playwrightSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var closeErr error
	if err := s.browser.Close(); err != nil {
		closeErr = fmt.Errorf("close browser: %w", err)
	}
	if err := s.pw.Stop(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("stop playwright: %w", err))
	}
	return closeErr
}

type playwrightPage struct {
	page playwright.Page
	opts Options
}

// interruptible runs fn, a blocking playwright call that takes no context. If ctx ends first
// the page is closed, which makes the pending call return; the cancellation is then reported
// in place of whatever fn returned.
func (p *playwrightPage) interruptible(ctx context.Context, action string, fn func() error) error {
	if err := checkContext(ctx, action); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = p.page.Close() })
	err := fn()
	stop()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errs.Wrap(errs.Internal, action+" cancelled", ctxErr)
	}
	return err
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	return p.interruptible(ctx, "navigate", func() error {
		_, err := p.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
		})
		if err != nil {
			return errs.Wrap(errs.Navigation, "navigate to "+url, err)
		}
		return nil
	})
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	return p.interruptible(ctx, "click", func() error {
		if err := p.page.Locator(selector).First().Click(); err != nil {
			return classifyPlaywright(err, "click "+selector)
		}
		return nil
	})
}

func (p *playwrightPage) WaitVisible(ctx context.Context, selector string) error {
	return p.interruptible(ctx, "wait", func() error {
		err := p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State: playwright.WaitForSelectorStateVisible,
		})
		if err != nil {
			return classifyPlaywright(err, "wait for "+selector+" to be visible")
		}
		return nil
	})
}

func (p *playwrightPage) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	var v any
	err := p.interruptible(ctx, "evaluate", func() error {
		var err error
		if arg == nil {
			v, err = p.page.Evaluate(script)
		} else {
			v, err = p.page.Evaluate(script, arg)
		}
		if err != nil {
			return classifyPlaywright(err, "evaluate script")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (p *playwrightPage) Attribute(ctx context.Context, selector, name string) (AttributeState, error) {
	v, err := p.Evaluate(ctx, attributeScript, []string{selector, name})
	if err != nil {
		return AttributeState{}, err
	}
	return parseAttributeState(v)
}

func (p *playwrightPage) ExpectAttribute(ctx context.Context, selector, name, value string) error {
	return p.interruptible(ctx, "expect", func() error {
		assertions := playwright.NewPlaywrightAssertions(p.opts.timeoutMS())
		err := assertions.Locator(p.page.Locator(selector).First()).ToHaveAttribute(name, value)
		if err != nil {
			return fmt.Errorf("%w: %s[%s]: %v", ErrAttributeMismatch, selector, name, err)
		}
		return nil
	})
}

func (p *playwrightPage) Screenshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := p.interruptible(ctx, "screenshot", func() error {
		var err error
		data, err = p.page.Screenshot(playwright.PageScreenshotOptions{
			Type: playwright.ScreenshotTypePng,
		})
		if err != nil {
			return classifyPlaywright(err, "screenshot")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func classifyPlaywright(err error, action string) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return errs.Wrap(errs.SelectorTimeout, action, err)
	}
	return errs.Wrap(errs.Internal, action, err)
}
