package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	driver "github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/script"
)

const (
	DefaultUsernameSelector = `input[name="username"], input[name="email"], #username, #email`
	DefaultPasswordSelector = `input[name="password"], #password`
	DefaultSubmitSelector   = `button[type="submit"], input[type="submit"], .login-btn`
	DefaultLoggedInSelector = `.user-menu, .logout, .profile, [data-user]`
	DefaultCaptchaSelector  = `img[src*="captcha"], .captcha, #captcha, img[alt*="captcha"]`

	DefaultLoginTimeout = 30 * time.Second
)

// Time allowed for saved cookies to show a logged in page
var cookieCheckTimeout = 5 * time.Second

var (
	ErrLoginFailed = fmt.Errorf("login failed")
	ErrCaptcha     = fmt.Errorf("login page requires a captcha")
)

// LoginMethod tells how a session was established
type LoginMethod string

const (
	LoginSkipped LoginMethod = ""
	LoginCookies LoginMethod = "cookies"
	LoginForm    LoginMethod = "form"
)

// LoginConfig describes a login form. Empty selectors use common defaults.
type LoginConfig struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	UsernameSelector string `json:"usernameSelector,omitempty" yaml:"usernameSelector,omitempty"`
	PasswordSelector string `json:"passwordSelector,omitempty" yaml:"passwordSelector,omitempty"`
	SubmitSelector   string `json:"submitSelector,omitempty" yaml:"submitSelector,omitempty"`
	LoggedInSelector string `json:"loggedInSelector,omitempty" yaml:"loggedInSelector,omitempty"`
	CaptchaSelector  string `json:"captchaSelector,omitempty" yaml:"captchaSelector,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c LoginConfig) withDefaults(domain string) LoginConfig {
	if c.URL == "" && domain != "" {
		c.URL = "https://" + domain + "/login"
	}
	c.UsernameSelector = orDefault(c.UsernameSelector, DefaultUsernameSelector)
	c.PasswordSelector = orDefault(c.PasswordSelector, DefaultPasswordSelector)
	c.SubmitSelector = orDefault(c.SubmitSelector, DefaultSubmitSelector)
	c.LoggedInSelector = orDefault(c.LoggedInSelector, DefaultLoggedInSelector)
	c.CaptchaSelector = orDefault(c.CaptchaSelector, DefaultCaptchaSelector)
	if c.Timeout <= 0 {
		c.Timeout = DefaultLoginTimeout
	}
	return c
}

// Expand resolves ${VAR} references in credentials and the login URL
func (c LoginConfig) Expand(lookup func(string) string) LoginConfig {
	c.URL = script.ExpandVars(c.URL, lookup)
	c.Username = script.ExpandVars(c.Username, lookup)
	c.Password = script.ExpandVars(c.Password, lookup)
	return c
}

type locators struct {
	username, password, submit, loggedIn, captcha driver.Locator
}

func (c LoginConfig) locators() (locators, error) {
	var result locators
	var err error
	parse := func(dst *driver.Locator, value string) {
		if err != nil {
			return
		}
		*dst, err = driver.ParseLocator(value)
	}

	parse(&result.username, c.UsernameSelector)
	parse(&result.password, c.PasswordSelector)
	parse(&result.submit, c.SubmitSelector)
	parse(&result.loggedIn, c.LoggedInSelector)
	parse(&result.captcha, c.CaptchaSelector)
	return result, err
}

type loginHandler struct {
	page    driver.Page
	jar     prob.CookieJar
	domain  string
	account string
	poll    time.Duration
	logger  log.Logger
}

func (h *loginHandler) wait(ctx context.Context, timeout time.Duration, cond driver.Condition) error {
	return driver.Wait(ctx, h.page, timeout, cond, driver.WithPollInterval(h.poll))
}

// leftPage is true once the browser moved away from the path of the login page
func leftPage(loginURL string) driver.Condition {
	loginPath := ""
	if u, err := url.Parse(loginURL); err == nil {
		loginPath = strings.TrimSuffix(u.Path, "/")
	}

	return func(ctx context.Context, page driver.Page) (bool, error) {
		current, err := page.URL(ctx)
		if err != nil {
			return false, err
		}
		u, err := url.Parse(current)
		if err != nil {
			return false, nil
		}
		return loginPath != "" && strings.TrimSuffix(u.Path, "/") != loginPath, nil
	}
}

// Login establishes a session: saved cookies are tried first, then the login form
func (h *loginHandler) Login(ctx context.Context, cfg LoginConfig) (LoginMethod, error) {
	cfg = cfg.withDefaults(h.domain)
	locs, err := cfg.locators()
	if err != nil {
		return LoginSkipped, err
	}

	if h.jar != nil && h.domain != "" {
		ok, err := h.cookieLogin(ctx, cfg, locs)
		if err != nil {
			return LoginSkipped, err
		}
		if ok {
			return LoginCookies, nil
		}
	}

	return LoginForm, h.formLogin(ctx, cfg, locs)
}

func (h *loginHandler) cookieLogin(ctx context.Context, cfg LoginConfig, locs locators) (bool, error) {
	cookies, ok, err := h.jar.Load(ctx, h.domain, h.account)
	if err != nil {
		level.Warn(h.logger).Log("msg", "failed to load saved cookies", "domain", h.domain, "err", err)
		return false, nil
	}
	if !ok {
		level.Debug(h.logger).Log("msg", "no saved cookies", "domain", h.domain, "account", h.account)
		return false, nil
	}

	if err := h.page.SetCookies(ctx, cookies); err != nil {
		return false, fmt.Errorf("failed to restore cookies: %w", err)
	}
	if err := h.page.Navigate(ctx, cfg.URL); err != nil {
		return false, err
	}

	err = h.wait(ctx, cookieCheckTimeout, driver.PresenceOf(locs.loggedIn))
	if err == nil {
		level.Info(h.logger).Log("msg", "logged in with saved cookies", "domain", h.domain, "count", len(cookies))
		return true, nil
	}
	if !errors.Is(err, driver.ErrWaitTimeout) {
		return false, err
	}

	level.Info(h.logger).Log("msg", "saved cookies did not log in", "domain", h.domain)
	if err := h.jar.Invalidate(ctx, h.domain, h.account); err != nil {
		level.Warn(h.logger).Log("msg", "failed to invalidate cookies", "domain", h.domain, "err", err)
	}
	return false, nil
}

func (h *loginHandler) formLogin(ctx context.Context, cfg LoginConfig, locs locators) error {
	if cfg.URL == "" {
		return fmt.Errorf("%w: no login page", ErrLoginFailed)
	}

	level.Info(h.logger).Log("msg", "logging in with form", "url", cfg.URL)
	if err := h.page.Navigate(ctx, cfg.URL); err != nil {
		return err
	}

	fill := func(loc driver.Locator, text string) error {
		el, err := driver.WaitForElement(ctx, h.page, loc, cfg.Timeout)
		if err != nil {
			return err
		}
		if err := el.Clear(ctx); err != nil {
			return err
		}
		return el.SendKeys(ctx, text)
	}

	if err := fill(locs.username, cfg.Username); err != nil {
		return fmt.Errorf("%w: username field: %w", ErrLoginFailed, err)
	}

	if captcha, err := h.page.FindAll(ctx, locs.captcha); err == nil && len(captcha) > 0 {
		return ErrCaptcha
	}

	if err := fill(locs.password, cfg.Password); err != nil {
		return fmt.Errorf("%w: password field: %w", ErrLoginFailed, err)
	}

	submit, err := h.page.Find(ctx, locs.submit)
	if err != nil {
		return fmt.Errorf("%w: submit button: %w", ErrLoginFailed, err)
	}
	if err := submit.Click(ctx); err != nil {
		return err
	}

	if err := h.wait(ctx, cfg.Timeout, driver.AnyOf(driver.PresenceOf(locs.loggedIn), leftPage(cfg.URL))); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	level.Info(h.logger).Log("msg", "logged in", "domain", h.domain, "account", h.account)
	return nil
}
