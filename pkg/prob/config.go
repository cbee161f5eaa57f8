package prob

import (
	"context"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/pool"
)

type BrowserOptions struct {
	Engine browser.Engine        `help:"Browser engine to drive: chromedp, rod, playwright or webdriver" default:"chromedp" env:"VERDANDI_ENGINE"`
	Launch browser.LaunchOptions `embed:"" prefix:"launch."`

	ScreenshotOnFailure bool          `help:"Capture a screenshot when a step fails" default:"true" negatable:""`
	PollInterval        time.Duration `help:"Interval between element lookups while waiting" default:"250ms"`
}

type HttpOptions struct {
	CaptureResponseBody bool `help:"Keep response bodies in HAR artifacts"`
	CaptureRequestBody  bool `help:"Keep request bodies in HAR artifacts"`
	IgnoreRedirects     bool `help:"Do not follow HTTP redirects"`
}

// CookieJar keeps cookies between runs, keyed by domain and account
type CookieJar interface {
	Load(ctx context.Context, domain, account string) ([]browser.Cookie, bool, error)
	Save(ctx context.Context, domain, account string, cookies []browser.Cookie) (int, error)
	Invalidate(ctx context.Context, domain, account string) error
}

type RunOptions struct {
	Browser BrowserOptions `embed:"" prefix:"browser."`
	Http    HttpOptions    `embed:"" prefix:"http."`

	// Variables available to specs as ${NAME}
	Env map[string]string `kong:"-"`

	// Shared browser instances. When nil, browser probs launch their own browser.
	Pool *pool.Pool `kong:"-"`

	// Saved cookies. When nil, cookie login is skipped and cookies are not saved.
	Cookies CookieJar `kong:"-"`
}
