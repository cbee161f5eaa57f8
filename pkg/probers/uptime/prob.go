package uptime

import (
	"context"
	"runtime/debug"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	bxconfig "github.com/prometheus/blackbox_exporter/config"
	"github.com/prometheus/blackbox_exporter/prober"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/prob"
)

const (
	Kind           = prob.Kind("uptime")
	ScriptMimeType = "application/yaml"
)

// Spec of an uptime check: a blackbox exporter HTTP probe of a single target
type Spec struct {
	Target string             `json:"target,omitempty" yaml:"target,omitempty"`
	HTTP   bxconfig.HTTPProbe `json:"http" yaml:"http"`
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
		},
	)
}

// module fills in what blackbox exporter defaults when reading its own config file
func (s *Spec) module() bxconfig.Module {
	probe := s.HTTP
	if probe.IPProtocol == "" {
		probe.IPProtocol = bxconfig.DefaultHTTPProbe.IPProtocol
		probe.IPProtocolFallback = true
	}
	return bxconfig.Module{Prober: "http", HTTP: probe}
}

func RunScript(ctx context.Context, probSpec any, config prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	spec, ok := probSpec.(*Spec)
	if !ok {
		return prob.RunFinishedError, nil, prob.UnexpectedSpec(probSpec, &Spec{})
	}

	if spec.Target == "" {
		return prob.RunFinishedError, nil, prob.ErrNoTarget
	}

	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	level.Debug(logger).Log("msg", "probing", "kind", Kind, "target", spec.Target)
	if success := prober.ProbeHTTP(ctx, spec.Target, spec.module(), registry, logger); !success {
		level.Info(logger).Log("msg", "target is down", "target", spec.Target)
		return prob.RunFinishedFailed, nil, nil
	}

	return prob.RunFinishedSuccess, nil, nil
}
