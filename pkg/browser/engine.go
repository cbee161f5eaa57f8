package browser

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Engine names a browser automation backend
type Engine string

const (
	EngineChromedp   Engine = "chromedp"
	EngineRod        Engine = "rod"
	EnginePlaywright Engine = "playwright"
	EngineWebDriver  Engine = "webdriver"

	DefaultEngine = EngineChromedp
)

// LaunchOptions configure a browser process regardless of the engine
type LaunchOptions struct {
	Headless     bool          `help:"Run browser without a window" default:"true" json:"headless" yaml:"headless"`
	WindowWidth  int           `help:"Browser window width" default:"1280" json:"windowWidth,omitempty" yaml:"windowWidth,omitempty"`
	WindowHeight int           `help:"Browser window height" default:"850" json:"windowHeight,omitempty" yaml:"windowHeight,omitempty"`
	UserDataDir  string        `help:"Browser profile directory" json:"userDataDir,omitempty" yaml:"userDataDir,omitempty"`
	ExecPath     string        `help:"Path to the browser binary" env:"CHROME_BIN" json:"execPath,omitempty" yaml:"execPath,omitempty"`
	RemoteURL    string        `help:"WebDriver endpoint, i.e. http://localhost:4444/wd/hub" env:"WEBDRIVER_URL" json:"remoteUrl,omitempty" yaml:"remoteUrl,omitempty"`
	UserAgent    string        `help:"Override browser user agent" json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	Args         []string      `help:"Extra browser command line flags" json:"args,omitempty" yaml:"args,omitempty"`
	StartTimeout time.Duration `help:"Time to wait for the browser to start" default:"30s" json:"startTimeout,omitempty" yaml:"startTimeout,omitempty"`
}

func (o LaunchOptions) windowSize() (int, int) {
	w, h := o.WindowWidth, o.WindowHeight
	if w <= 0 {
		w = 1280
	}
	if h <= 0 {
		h = 850
	}
	return w, h
}

type launcherFactory func(opts LaunchOptions) Launcher

var (
	enginesMu sync.RWMutex
	engines   = map[Engine]launcherFactory{}
)

func registerEngine(engine Engine, factory launcherFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	engines[engine] = factory
}

// NewLauncher selects a launcher by engine name. Empty name selects DefaultEngine.
func NewLauncher(engine Engine, opts LaunchOptions) (Launcher, error) {
	if engine == "" {
		engine = DefaultEngine
	}

	enginesMu.RLock()
	factory, ok := engines[engine]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}

	return factory(opts), nil
}

// Engines lists names of all known engines
func Engines() []Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()

	result := make([]Engine, 0, len(engines))
	for name := range engines {
		result = append(result, name)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
