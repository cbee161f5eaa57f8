package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

func init() {
	registerEngine(EnginePlaywright, func(opts LaunchOptions) Launcher {
		return LauncherFunc(func(ctx context.Context) (Browser, error) {
			return launchPlaywright(ctx, opts)
		})
	})
}

type playwrightBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    LaunchOptions
}

func launchPlaywright(_ context.Context, opts LaunchOptions) (Browser, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
	}
	if opts.ExecPath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecPath)
	}
	if opts.StartTimeout > 0 {
		launchOpts.Timeout = playwright.Float(float64(opts.StartTimeout.Milliseconds()))
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &playwrightBrowser{
		pw:      pw,
		browser: browser,
		opts:    opts,
	}, nil
}

// NewPage opens every page in its own browser context so tabs do not share cookies
func (b *playwrightBrowser) NewPage(_ context.Context) (Page, error) {
	width, height := b.opts.windowSize()
	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  width,
			Height: height,
		},
	}
	if b.opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(b.opts.UserAgent)
	}

	bctx, err := b.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("failed to open a tab: %w", err)
	}

	return &playwrightPage{bctx: bctx, page: page}, nil
}

func (b *playwrightBrowser) Close() error {
	return errors.Join(b.browser.Close(), b.pw.Stop())
}

type playwrightPage struct {
	bctx playwright.BrowserContext
	page playwright.Page
}

// timeoutOf converts ctx deadline into playwright's millisecond timeouts
func timeoutOf(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutOf(ctx),
	})
	return err
}

func (p *playwrightPage) selector(loc Locator) (string, error) {
	if sel, ok := loc.CSS(); ok {
		return "css=" + sel, nil
	}
	if xpath, ok := loc.XPath(); ok {
		return "xpath=" + xpath, nil
	}
	return "", fmt.Errorf("%w: %v", ErrInvalidLocator, loc)
}

func (p *playwrightPage) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, err := p.selector(loc)
	if err != nil {
		return nil, err
	}

	locator := p.page.Locator(sel)
	count, err := locator.Count()
	if err != nil {
		return nil, err
	}

	result := make([]Element, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, &playwrightElement{locator: locator.Nth(i)})
	}
	return result, nil
}

func (p *playwrightPage) Find(ctx context.Context, loc Locator) (Element, error) {
	elements, err := p.FindAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchElement, loc)
	}
	return elements[0], nil
}

func (p *playwrightPage) URL(_ context.Context) (string, error) {
	return p.page.URL(), nil
}

func (p *playwrightPage) Title(_ context.Context) (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: timeoutOf(ctx),
	})
}

func (p *playwrightPage) Cookies(_ context.Context) ([]Cookie, error) {
	cookies, err := p.bctx.Cookies()
	if err != nil {
		return nil, err
	}

	result := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		result = append(result, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  fromEpochSeconds(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return result, nil
}

func (p *playwrightPage) SetCookies(_ context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	params := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		param := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			Secure:   playwright.Bool(c.Secure),
			HttpOnly: playwright.Bool(c.HTTPOnly),
		}
		if c.Path == "" {
			param.Path = playwright.String("/")
		}
		if !c.IsSession() {
			param.Expires = playwright.Float(epochSeconds(c.Expires))
		}
		params = append(params, param)
	}

	return p.bctx.AddCookies(params)
}

func (p *playwrightPage) Close() error {
	return errors.Join(p.page.Close(), p.bctx.Close())
}

type playwrightElement struct {
	locator playwright.Locator
}

func (e *playwrightElement) SendKeys(ctx context.Context, text string) error {
	return e.locator.PressSequentially(text, playwright.LocatorPressSequentiallyOptions{
		Timeout: timeoutOf(ctx),
	})
}

func (e *playwrightElement) Clear(ctx context.Context) error {
	return e.locator.Fill("", playwright.LocatorFillOptions{
		Timeout: timeoutOf(ctx),
	})
}

func (e *playwrightElement) Click(ctx context.Context) error {
	return e.locator.Click(playwright.LocatorClickOptions{
		Timeout: timeoutOf(ctx),
	})
}

func (e *playwrightElement) Text(ctx context.Context) (string, error) {
	return e.locator.InnerText(playwright.LocatorInnerTextOptions{
		Timeout: timeoutOf(ctx),
	})
}
