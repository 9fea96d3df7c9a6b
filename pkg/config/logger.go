package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger builds a leveled go-kit logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (log.Logger, error) {
	allow, err := levelOption(cfg.Level)
	if err != nil {
		return nil, err
	}

	var logger log.Logger
	switch cfg.Format {
	case "", "logfmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("log.format %q must be logfmt or json", cfg.Format)
	}

	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func levelOption(name string) (level.Option, error) {
	switch strings.ToLower(name) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("log.level %q must be debug, info, warn or error", name)
}
