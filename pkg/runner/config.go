package runner

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/wyrd"
	"golang.org/x/mod/semver"
)

const (
	LabelOS   = "runner.os"
	LabelArch = "runner.arch"

	// Browsers available:
	LabelChromeVersion      = "runner.chrome.version"
	LabelChromeVersionMajor = LabelChromeVersion + ".major"

	// Well-known labels used by runners:
	LabelBuildVersion = "runner.version"
	LabelEngines      = "runner.engines"
	LabelProbKinds    = "runner.kinds"
)

// Commands probed, in order, to find an installed chrome
var chromeCommands = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
}

var chromeVersionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)(?:\.\d+)?`)

type RunnerConfig struct {
	systemLabels wyrd.Labels `kong:"-"`
	CustomLabels wyrd.Labels `help:"Extra labels to identify this instance of the runner"`

	Timeout time.Duration   `help:"Maximum duration allotted for each run" default:"5m"`
	Metrics RegistryOptions `embed:"" prefix:"metrics."`

	Options prob.RunOptions `embed:""`
}

// ParseChromeVersion extracts a semantic version from the output of `chrome --version`
func ParseChromeVersion(out string) (string, bool) {
	m := chromeVersionRe.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}

	v := "v" + m[1] + "." + m[2] + "." + m[3]
	if !semver.IsValid(v) {
		return "", false
	}
	return v[1:], true
}

func chromeVersionOutput(ctx context.Context) (string, bool) {
	candidates := chromeCommands
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		candidates = append([]string{bin}, candidates...)
	}

	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
		if err == nil {
			return string(out), true
		}
	}
	return "", false
}

func GetChromeRuntimeLabels() wyrd.Labels {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, ok := chromeVersionOutput(ctx)
	if !ok {
		return wyrd.Labels{}
	}

	version, ok := ParseChromeVersion(out)
	if !ok {
		return wyrd.Labels{}
	}

	return wyrd.Labels{
		LabelChromeVersion:      version,
		LabelChromeVersionMajor: semver.Major("v" + version)[1:],
	}
}

func BuildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	return strings.Trim(bi.Main.Version, "()")
}

func GetRuntimeLabels() wyrd.Labels {
	engines := browser.Engines()
	names := make([]string, 0, len(engines))
	for _, e := range engines {
		names = append(names, string(e))
	}

	kinds := prob.Kinds()
	kindNames := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindNames = append(kindNames, string(k))
	}
	sort.Strings(kindNames)

	return wyrd.Labels{
		LabelArch:         runtime.GOARCH,
		LabelOS:           runtime.GOOS,
		LabelBuildVersion: BuildVersion(),
		LabelEngines:      strings.Join(names, "."),
		LabelProbKinds:    strings.Join(kindNames, "."),
	}
}

func (c *RunnerConfig) GetEffectiveLabels() wyrd.Labels {
	return wyrd.MergeLabels(
		c.systemLabels,
		c.CustomLabels,
	)
}

func NewDefaultConfig() RunnerConfig {
	return RunnerConfig{
		systemLabels: wyrd.MergeLabels(
			GetRuntimeLabels(),
			GetChromeRuntimeLabels(),
		),
	}
}
