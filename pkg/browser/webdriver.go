package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
)

const defaultWebDriverURL = "http://localhost:4444/wd/hub"

func init() {
	registerEngine(EngineWebDriver, func(opts LaunchOptions) Launcher {
		return LauncherFunc(func(ctx context.Context) (Browser, error) {
			return &webDriverBrowser{opts: opts}, nil
		})
	})
}

// webDriverBrowser talks to a remote WebDriver endpoint, such as chromedriver or a selenium grid.
// Each page is a separate WebDriver session.
type webDriverBrowser struct {
	opts LaunchOptions
}

func (b *webDriverBrowser) capabilities() selenium.Capabilities {
	caps := selenium.Capabilities{
		"browserName": "chrome",
	}

	width, height := b.opts.windowSize()
	args := []string{
		"--disable-dev-shm-usage",
		fmt.Sprintf("--window-size=%d,%d", width, height),
	}
	if b.opts.Headless {
		args = append(args, "--headless=new")
	}
	if b.opts.UserDataDir != "" {
		args = append(args, "--user-data-dir="+b.opts.UserDataDir)
	}
	if b.opts.UserAgent != "" {
		args = append(args, "--user-agent="+b.opts.UserAgent)
	}
	args = append(args, b.opts.Args...)

	chromeCaps := chrome.Capabilities{
		Args: args,
	}
	if b.opts.ExecPath != "" {
		chromeCaps.Path = b.opts.ExecPath
	}
	caps.AddChrome(chromeCaps)

	return caps
}

func (b *webDriverBrowser) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := b.opts.RemoteURL
	if url == "" {
		url = defaultWebDriverURL
	}

	wd, err := selenium.NewRemote(b.capabilities(), url)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdriver session at %q: %w", url, err)
	}

	return &webDriverPage{wd: wd}, nil
}

func (b *webDriverBrowser) Close() error {
	return nil
}

type webDriverPage struct {
	wd selenium.WebDriver
}

func byOf(loc Locator) (string, string, error) {
	switch loc.By {
	case ByID:
		return selenium.ByID, loc.Value, nil
	case ByCSS:
		return selenium.ByCSSSelector, loc.Value, nil
	case ByXPath:
		return selenium.ByXPATH, loc.Value, nil
	case ByName:
		return selenium.ByName, loc.Value, nil
	case ByClass:
		return selenium.ByClassName, loc.Value, nil
	case ByTag:
		return selenium.ByTagName, loc.Value, nil
	case ByLinkText:
		return selenium.ByLinkText, loc.Value, nil
	case ByPartialLinkText:
		return selenium.ByPartialLinkText, loc.Value, nil
	}
	return "", "", fmt.Errorf("%w: %v", ErrInvalidLocator, loc)
}

func (p *webDriverPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.wd.Get(url)
}

func (p *webDriverPage) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	by, value, err := byOf(loc)
	if err != nil {
		return nil, err
	}

	elements, err := p.wd.FindElements(by, value)
	if err != nil {
		return nil, err
	}

	result := make([]Element, 0, len(elements))
	for _, el := range elements {
		result = append(result, &webDriverElement{el: el})
	}
	return result, nil
}

func (p *webDriverPage) Find(ctx context.Context, loc Locator) (Element, error) {
	elements, err := p.FindAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchElement, loc)
	}
	return elements[0], nil
}

func (p *webDriverPage) URL(_ context.Context) (string, error) {
	return p.wd.CurrentURL()
}

func (p *webDriverPage) Title(_ context.Context) (string, error) {
	return p.wd.Title()
}

func (p *webDriverPage) Screenshot(_ context.Context) ([]byte, error) {
	return p.wd.Screenshot()
}

// WebDriver cookies carry no HttpOnly flag, so it is always false for this engine
func fromWebDriverCookie(c selenium.Cookie) Cookie {
	cookie := Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
		Path:   c.Path,
		Secure: c.Secure,
	}
	if c.Expiry > 0 {
		cookie.Expires = time.Unix(int64(c.Expiry), 0).UTC()
	}
	return cookie
}

func toWebDriverCookie(c Cookie) *selenium.Cookie {
	cookie := &selenium.Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
		Path:   c.Path,
		Secure: c.Secure,
	}
	if !c.IsSession() {
		cookie.Expiry = uint(c.Expires.Unix())
	}
	return cookie
}

func (p *webDriverPage) Cookies(_ context.Context) ([]Cookie, error) {
	cookies, err := p.wd.GetCookies()
	if err != nil {
		return nil, err
	}

	result := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		result = append(result, fromWebDriverCookie(c))
	}
	return result, nil
}

// SetCookies requires the page to be on the cookie's domain already
func (p *webDriverPage) SetCookies(_ context.Context, cookies []Cookie) error {
	for _, c := range cookies {
		cookie := toWebDriverCookie(c)
		if err := p.wd.AddCookie(cookie); err != nil {
			return fmt.Errorf("failed to set cookie %q: %w", c.Name, err)
		}
	}
	return nil
}

func (p *webDriverPage) Close() error {
	return p.wd.Quit()
}

type webDriverElement struct {
	el selenium.WebElement
}

func (e *webDriverElement) SendKeys(_ context.Context, text string) error {
	return e.el.SendKeys(text)
}

func (e *webDriverElement) Clear(_ context.Context) error {
	return e.el.Clear()
}

func (e *webDriverElement) Click(_ context.Context) error {
	return e.el.Click()
}

func (e *webDriverElement) Text(_ context.Context) (string, error) {
	return e.el.Text()
}
