package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

func init() {
	registerEngine(EngineRod, func(opts LaunchOptions) Launcher {
		return LauncherFunc(func(ctx context.Context) (Browser, error) {
			return launchRod(ctx, opts)
		})
	})
}

type rodBrowser struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func launchRod(ctx context.Context, opts LaunchOptions) (Browser, error) {
	l := launcher.New().Headless(opts.Headless)
	if opts.ExecPath != "" {
		l = l.Bin(opts.ExecPath)
	}
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	width, height := opts.windowSize()
	l = l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", width, height))
	if opts.UserAgent != "" {
		l = l.Set(flags.Flag("user-agent"), opts.UserAgent)
	}
	for _, arg := range opts.Args {
		name, value := splitFlag(arg)
		if s, ok := value.(string); ok {
			l = l.Set(flags.Flag(name), s)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &rodBrowser{
		launcher: l,
		browser:  browser,
	}, nil
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to open a tab: %w", err)
	}

	return &rodPage{page: page}, nil
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	return err
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	page := p.page.Context(ctx)

	var (
		elements rod.Elements
		err      error
	)
	if sel, ok := loc.CSS(); ok {
		elements, err = page.Elements(sel)
	} else if xpath, ok := loc.XPath(); ok {
		elements, err = page.ElementsX(xpath)
	} else {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocator, loc)
	}
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	result := make([]Element, 0, len(elements))
	for _, el := range elements {
		result = append(result, &rodElement{el: el})
	}
	return result, nil
}

func (p *rodPage) Find(ctx context.Context, loc Locator) (Element, error) {
	elements, err := p.FindAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchElement, loc)
	}
	return elements[0], nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	cookies, err := p.page.Context(ctx).Cookies([]string{})
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
			Expires:  fromEpochSeconds(float64(c.Expires)),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return result, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.IsSession() {
			param.Expires = proto.TimeSinceEpoch(epochSeconds(c.Expires))
		}
		params = append(params, param)
	}

	return p.page.Context(ctx).SetCookies(params)
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) SendKeys(ctx context.Context, text string) error {
	return e.el.Context(ctx).Input(text)
}

func (e *rodElement) Clear(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input("")
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}
