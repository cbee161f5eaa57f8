package grace

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogConfig is embedded into command configs to build the process logger
type LogConfig struct {
	LogLevel  string `help:"Minimal level of log records: debug, info, warn or error" default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat string `help:"Log output format: logfmt or json" default:"logfmt" enum:"logfmt,json" env:"LOG_FORMAT"`
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// NewLogger returns a leveled logger writing to stderr
func (c LogConfig) NewLogger() log.Logger {
	w := log.NewSyncWriter(os.Stderr)

	var logger log.Logger
	if c.LogFormat == "json" {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}

	logger = level.NewFilter(logger, levelOption(c.LogLevel))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
