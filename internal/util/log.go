// Package util provides the shared logger, traffic counters and small helpers.
package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

func logf(level pterm.LogLevel, format string, args []any) {
	l := &pterm.DefaultLogger
	if level < l.Level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	case pterm.LogLevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// Leveled printf-style helpers over the pterm default logger.

func LogDebug(format string, args ...any)   { logf(pterm.LogLevelDebug, format, args) }
func LogInfo(format string, args ...any)    { logf(pterm.LogLevelInfo, format, args) }
func LogSuccess(format string, args ...any) { logf(pterm.LogLevelInfo, "✓ "+format, args) }
func LogWarning(format string, args ...any) { logf(pterm.LogLevelWarn, format, args) }
func LogError(format string, args ...any)   { logf(pterm.LogLevelError, format, args) }

// SetLogOutput redirects log lines. The chat client sends them to stderr so
// they do not interleave with the conversation on stdout.
func SetLogOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Silence drops everything below error level. Tests use it to keep the
// router and session chatter out of the output.
func Silence() {
	pterm.DefaultLogger.Level = pterm.LogLevelError
}
