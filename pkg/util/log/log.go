package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the shared go-kit logger. Components take a logger through their
// constructors; this global exists for the few code paths that run before
// InitLogger.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the process logger from the configured format ("logfmt"
// or "json") and level, installs it as the global and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// UTC timestamps. Caller(5) lands on the line that called level.Info et al.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// The level filter goes last so filtered records pay no formatting cost.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
