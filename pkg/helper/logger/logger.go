package logger

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

// NewLogger returns a JSON logger on stdout filtered at logLevel.
func NewLogger(logLevel string) log.Logger {
	return New(os.Stdout, logLevel)
}

func New(w io.Writer, logLevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, allow(logLevel))

	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	return logger
}

func allow(logLevel string) level.Option {
	switch logLevel {
	case logLevelInfo:
		return level.AllowInfo()
	case logLevelWarn:
		return level.AllowWarn()
	case logLevelError:
		return level.AllowError()
	case logLevelDebug:
		return level.AllowDebug()
	default:
		return level.AllowDebug()
	}
}
