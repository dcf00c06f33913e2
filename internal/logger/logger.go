package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	// Global logger instance
	globalLogger *logrus.Logger
)

// Initialize sets up the global logger from LOG_LEVEL and LOG_FORMAT.
// Logs are written to stderr; stdout belongs to the operator-facing output.
func Initialize() *logrus.Logger {
	if globalLogger != nil {
		return globalLogger
	}

	globalLogger = New(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	return globalLogger
}

// New builds a logger writing to out. An empty format picks colored text
// when out is a terminal and JSON otherwise.
func New(out io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(parseLevel(level))

	switch strings.ToLower(format) {
	case "text":
		logger.SetFormatter(textFormatter(true))
	case "json":
		logger.SetFormatter(jsonFormatter())
	default:
		if isTerminal(out) {
			logger.SetFormatter(textFormatter(true))
		} else {
			logger.SetFormatter(jsonFormatter())
		}
	}

	logger.SetReportCaller(logger.IsLevelEnabled(logrus.DebugLevel))
	logger.SetOutput(out)

	return logger
}

// Get returns the global logger instance, initializing it if necessary
func Get() *logrus.Logger {
	if globalLogger == nil {
		return Initialize()
	}
	return globalLogger
}

// WithModule creates a new entry with module name
func WithModule(moduleName string) *logrus.Entry {
	return Get().WithField("module", moduleName)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func textFormatter(colors bool) *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		ForceColors:      colors,
		CallerPrettyfier: callerPrettyfier,
	}
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
		CallerPrettyfier: callerPrettyfier,
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Helper function for formatting caller information
func callerPrettyfier(f *runtime.Frame) (string, string) {
	filename := path.Base(f.File)
	return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
}
