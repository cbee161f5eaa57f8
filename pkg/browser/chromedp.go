package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

func init() {
	registerEngine(EngineChromedp, func(opts LaunchOptions) Launcher {
		return LauncherFunc(func(ctx context.Context) (Browser, error) {
			return launchChromedp(ctx, opts)
		})
	})
}

type chromedpBrowser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	closeOnce sync.Once
}

func launchChromedp(ctx context.Context, opts LaunchOptions) (Browser, error) {
	width, height := opts.windowSize()
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.WindowSize(width, height),
		chromedp.Flag("headless", opts.Headless),
	)
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	for _, arg := range opts.Args {
		name, value := splitFlag(arg)
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}

	// Browser lifetime is not bound to the launch request
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx := browserCtx
	if opts.StartTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(browserCtx, opts.StartTimeout)
		defer cancel()
	}
	// First Run on a context starts the browser process
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	return &chromedpBrowser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (b *chromedpBrowser) NewPage(ctx context.Context) (Page, error) {
	if b.browserCtx.Err() != nil {
		return nil, ErrBrowserNotReady
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	p := &chromedpPage{ctx: tabCtx, cancel: tabCancel}
	if err := p.run(ctx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open a tab: %w", err)
	}

	return p, nil
}

func (b *chromedpBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.browserCancel()
		b.allocCancel()
	})
	return nil
}

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions in the tab while honouring cancellation of the caller's ctx
func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromedpPage) query(loc Locator) (string, chromedp.QueryOption, error) {
	if sel, ok := loc.CSS(); ok {
		return sel, chromedp.ByQueryAll, nil
	}
	if xpath, ok := loc.XPath(); ok {
		return xpath, chromedp.BySearch, nil
	}
	return "", nil, fmt.Errorf("%w: %v", ErrInvalidLocator, loc)
}

func (p *chromedpPage) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	sel, by, err := p.query(loc)
	if err != nil {
		return nil, err
	}

	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}

	result := make([]Element, 0, len(nodes))
	for _, node := range nodes {
		result = append(result, &chromedpElement{page: p, node: node})
	}
	return result, nil
}

func (p *chromedpPage) Find(ctx context.Context, loc Locator) (Element, error) {
	elements, err := p.FindAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchElement, loc)
	}
	return elements[0], nil
}

func (p *chromedpPage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromedpPage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromedpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *chromedpPage) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
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
			HTTPOnly: c.HTTPOnly,
		})
	}
	return result, nil
}

func (p *chromedpPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.IsSession() {
			expires := cdp.TimeSinceEpoch(c.Expires)
			param.Expires = &expires
		}
		params = append(params, param)
	}

	return p.run(ctx, network.SetCookies(params))
}

func (p *chromedpPage) Close() error {
	p.cancel()
	return nil
}

type chromedpElement struct {
	page *chromedpPage
	node *cdp.Node
}

func (e *chromedpElement) ids() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

func (e *chromedpElement) SendKeys(ctx context.Context, text string) error {
	return e.page.run(ctx, chromedp.SendKeys(e.ids(), text, chromedp.ByNodeID))
}

func (e *chromedpElement) Clear(ctx context.Context) error {
	return e.page.run(ctx, chromedp.Clear(e.ids(), chromedp.ByNodeID))
}

func (e *chromedpElement) Click(ctx context.Context) error {
	return e.page.run(ctx, chromedp.Click(e.ids(), chromedp.ByNodeID, chromedp.NodeVisible))
}

func (e *chromedpElement) Text(ctx context.Context) (string, error) {
	var text string
	err := e.page.run(ctx, chromedp.Text(e.ids(), &text, chromedp.ByNodeID))
	return text, err
}
