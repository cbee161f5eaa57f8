package browser

import (
	"context"
	"fmt"
	"time"
)

var (
	ErrNoSuchElement   = fmt.Errorf("no such element")
	ErrWaitTimeout     = fmt.Errorf("wait timed out")
	ErrUnknownEngine   = fmt.Errorf("unknown browser engine")
	ErrInvalidLocator  = fmt.Errorf("invalid locator")
	ErrBrowserNotReady = fmt.Errorf("browser is not running")
)

// Element is a handle to a DOM element that was present in the page when it was found
type Element interface {
	SendKeys(ctx context.Context, text string) error
	Clear(ctx context.Context) error
	Click(ctx context.Context) error
	Text(ctx context.Context) (string, error)
}

// Page is a single browser tab
type Page interface {
	Navigate(ctx context.Context, url string) error

	// Find returns the first element matching the locator, or ErrNoSuchElement
	Find(ctx context.Context, loc Locator) (Element, error)
	// FindAll returns all elements matching the locator, possibly none
	FindAll(ctx context.Context, loc Locator) ([]Element, error)

	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Screenshot returns a PNG image of the current viewport
	Screenshot(ctx context.Context) ([]byte, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error

	Close() error
}

// Browser is a running browser instance able to open tabs
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Launcher starts browsers of a particular engine
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

type LauncherFunc func(ctx context.Context) (Browser, error)

func (f LauncherFunc) Launch(ctx context.Context) (Browser, error) {
	return f(ctx)
}

// Cookie is an engine neutral HTTP cookie
type Cookie struct {
	Name     string    `json:"name" yaml:"name"`
	Value    string    `json:"value" yaml:"value"`
	Domain   string    `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path     string    `json:"path,omitempty" yaml:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty" yaml:"secure,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty" yaml:"httpOnly,omitempty"`
}

// IsSession is true for cookies without expiry
func (c Cookie) IsSession() bool {
	return c.Expires.IsZero()
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpochSeconds(sec float64) time.Time {
	// Browsers report session cookies with non-positive expiry
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}
