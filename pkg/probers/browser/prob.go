package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	driver "github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/pool"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/script"
)

const (
	Kind           = prob.Kind("browser")
	ScriptMimeType = "application/yaml"

	ScreenshotRelPrefix = "screenshot."
	CookiesRelType      = "cookies"
	pngMimeType         = "image/png"
)

var (
	ErrNoScript        = fmt.Errorf("browser prob has neither script nor source")
	ErrAmbiguousScript = fmt.Errorf("browser prob has both script and source")
)

// Spec of a browser prob: a script played in a real browser, optionally after logging in
type Spec struct {
	// Engine overrides the runner default when no browser pool is used
	Engine   driver.Engine `json:"engine,omitempty" yaml:"engine,omitempty"`
	Headless *bool         `json:"headless,omitempty" yaml:"headless,omitempty"`

	// Primary domain. Used to pick a pooled browser and to key saved cookies.
	Domain  string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Account string `json:"account,omitempty" yaml:"account,omitempty"`
	// Run in a dedicated browser instance
	Exclusive bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`

	Script *script.Script `json:"script,omitempty" yaml:"script,omitempty"`

	// Selenium-python or DOM javascript snippet converted into a script before the run
	Source   string          `json:"source,omitempty" yaml:"source,omitempty"`
	Language script.Language `json:"language,omitempty" yaml:"language,omitempty"`

	Login *LoginConfig `json:"login,omitempty" yaml:"login,omitempty"`
}

// Resolve returns the script to play, converting Source when needed
func (s *Spec) Resolve() (script.Script, []string, error) {
	switch {
	case s.Script != nil && s.Source != "":
		return script.Script{}, nil, ErrAmbiguousScript
	case s.Script != nil:
		return *s.Script, nil, s.Script.Validate()
	case s.Source == "":
		return script.Script{}, nil, ErrNoScript
	}

	lang := s.Language
	if lang == "" {
		lang = script.LanguagePython
	}
	conv, err := script.Convert(s.Source, lang)
	if err != nil {
		return script.Script{}, nil, err
	}
	return conv.Script, conv.Warnings, conv.Script.Validate()
}

func init() {
	moduleVersion := "devel"
	if bi, ok := debug.ReadBuildInfo(); ok {
		moduleVersion = strings.Trim(bi.Main.Version, "()")
	}

	// Ignore double registration error
	_ = prob.RegisterProbKind(
		Kind,
		&Spec{},
		prob.ProbRegistration{
			RunFunc:     RunScript,
			ContentType: ScriptMimeType,
			Version:     moduleVersion,
			Produce:     []string{ScreenshotRelPrefix + "before", ScreenshotRelPrefix + "after", ScreenshotRelPrefix + "failure", CookiesRelType},
		})
}

// newLauncher is replaced in tests
var newLauncher = driver.NewLauncher

type session struct {
	page    driver.Page
	release func() error
}

func openSession(ctx context.Context, spec *Spec, options prob.RunOptions, logger log.Logger) (session, error) {
	if options.Pool != nil {
		lease, err := options.Pool.Acquire(ctx, pool.Request{Domain: spec.Domain, Exclusive: spec.Exclusive})
		if err != nil {
			return session{}, fmt.Errorf("failed to acquire browser: %w", err)
		}
		level.Debug(logger).Log("msg", "acquired pooled browser", "instance", lease.InstanceID(), "tab", lease.TabID(), "exclusive", lease.Exclusive())
		return session{page: lease.Page(), release: lease.Release}, nil
	}

	engine := options.Browser.Engine
	if spec.Engine != "" {
		engine = spec.Engine
	}
	launchOpts := options.Browser.Launch
	if spec.Headless != nil {
		launchOpts.Headless = *spec.Headless
	}

	launcher, err := newLauncher(engine, launchOpts)
	if err != nil {
		return session{}, err
	}
	b, err := launcher.Launch(ctx)
	if err != nil {
		return session{}, fmt.Errorf("failed to launch %q: %w", engine, err)
	}
	page, err := b.NewPage(ctx)
	if err != nil {
		b.Close()
		return session{}, fmt.Errorf("failed to open page: %w", err)
	}
	level.Debug(logger).Log("msg", "launched browser", "engine", engine, "headless", launchOpts.Headless)

	return session{
		page: page,
		release: func() error {
			return errors.Join(page.Close(), b.Close())
		},
	}, nil
}

type stepMetrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

func newStepMetrics(registry *prometheus.Registry) *stepMetrics {
	m := &stepMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdandi_browser_step_duration_seconds",
			Help:    "Duration of browser script steps",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action", "result"}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verdandi_browser_steps_total",
			Help: "Number of browser script steps played",
		}, []string{"action", "result"}),
	}
	if registry != nil {
		registry.MustRegister(m.duration, m.total)
	}
	return m
}

func (m *stepMetrics) StepStarted(context.Context, int, script.Step) {}

func (m *stepMetrics) StepFinished(_ context.Context, _ int, step script.Step, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.duration.WithLabelValues(string(step.Action), result).Observe(took.Seconds())
	m.total.WithLabelValues(string(step.Action), result).Inc()
}

func stepLogger(logger log.Logger) script.Hook {
	return script.HookFuncs{
		Started: func(_ context.Context, index int, step script.Step) {
			level.Debug(logger).Log("msg", "step started", "step", index+1, "action", step.Action, "desc", step.String())
		},
		Finished: func(_ context.Context, index int, step script.Step, took time.Duration, err error) {
			if err != nil {
				level.Error(logger).Log("msg", "step failed", "step", index+1, "action", step.Action, "took", took, "err", err)
				return
			}
			level.Info(logger).Log("msg", "step done", "step", index+1, "action", step.Action, "took", took)
		},
	}
}

type artifacts []prob.Artifact

func (a *artifacts) screenshot(ctx context.Context, page driver.Page, name string, logger log.Logger) {
	data, err := page.Screenshot(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to take screenshot", "name", name, "err", err)
		return
	}
	a.add(name, data)
}

func (a *artifacts) add(name string, png []byte) {
	*a = append(*a, prob.Artifact{
		Rel:      ScreenshotRelPrefix + name,
		MimeType: pngMimeType,
		Content:  png,
	})
}

func cookiesArtifact(ctx context.Context, page driver.Page, spec *Spec) ([]driver.Cookie, *prob.Artifact, error) {
	jar, err := page.Cookies(ctx)
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	if err := cookies.EncodeJSON(&buf, []cookies.Bundle{{Domain: spec.Domain, Account: spec.Account, Cookies: jar}}); err != nil {
		return nil, nil, err
	}
	return jar, &prob.Artifact{
		Rel:      CookiesRelType,
		MimeType: "application/json",
		Content:  buf.Bytes(),
	}, nil
}

// RunScript plays a browser spec. Failures of the page or script are reported as a status, not an error.
func RunScript(ctx context.Context, probSpec any, config prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	spec, ok := probSpec.(*Spec)
	if !ok {
		return prob.RunFinishedError, nil, prob.UnexpectedSpec(probSpec, &Spec{})
	}

	s, warnings, err := spec.Resolve()
	if err != nil {
		level.Error(logger).Log("msg", "invalid script", "kind", Kind, "err", err)
		return prob.RunFinishedError, nil, nil
	}
	for _, w := range warnings {
		level.Warn(logger).Log("msg", "script conversion", "warning", w)
	}

	lookup := script.EnvLookup(config.Env)
	s = s.Expand(lookup)

	sess, err := openSession(ctx, spec, config, logger)
	if err != nil {
		level.Error(logger).Log("msg", "no browser", "err", err)
		return prob.RunFinishedError, nil, nil
	}
	defer func() {
		if err := sess.release(); err != nil {
			level.Warn(logger).Log("msg", "failed to release browser", "err", err)
		}
	}()

	var result artifacts
	if spec.Login != nil {
		login := &loginHandler{
			page:    sess.page,
			jar:     config.Cookies,
			domain:  spec.Domain,
			account: spec.Account,
			poll:    config.Browser.PollInterval,
			logger:  logger,
		}
		method, err := login.Login(ctx, spec.Login.Expand(lookup))
		if err != nil {
			level.Error(logger).Log("msg", "login failed", "method", method, "err", err)
			if config.Browser.ScreenshotOnFailure {
				result.screenshot(ctx, sess.page, "failure", logger)
			}
			return prob.RunFinishedFailed, result, nil
		}
	}

	result.screenshot(ctx, sess.page, "before", logger)

	player := script.NewPlayer(sess.page, script.Hooks{stepLogger(logger), newStepMetrics(registry)})
	player.PollInterval = config.Browser.PollInterval
	player.OnScreenshot = result.add

	level.Info(logger).Log("msg", "playing script", "name", s.Name, "steps", len(s.Steps))
	status := prob.RunFinishedSuccess
	if err := player.Play(ctx, s); err != nil {
		var stepErr *script.StepError
		if errors.As(err, &stepErr) {
			status = prob.RunFinishedFailed
		} else {
			status = prob.RunFinishedError
		}
		level.Error(logger).Log("msg", "script failed", "err", err)
		if config.Browser.ScreenshotOnFailure && ctx.Err() == nil {
			result.screenshot(ctx, sess.page, "failure", logger)
		}
	} else {
		result.screenshot(ctx, sess.page, "after", logger)
	}

	if spec.Domain == "" || ctx.Err() != nil {
		return status, result, nil
	}

	jar, artifact, err := cookiesArtifact(ctx, sess.page, spec)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to read cookies", "err", err)
		return status, result, nil
	}
	result = append(result, *artifact)

	if spec.Login != nil && config.Cookies != nil && status == prob.RunFinishedSuccess {
		saved, err := config.Cookies.Save(ctx, spec.Domain, spec.Account, jar)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to save cookies", "domain", spec.Domain, "err", err)
		} else {
			level.Debug(logger).Log("msg", "saved cookies", "domain", spec.Domain, "count", saved)
		}
	}

	return status, result, nil
}
