// ///////////////////////////////////////////////////////////////////////////
//
// # reladiff - efficient diffing of SQL tables, within and across databases
//
// This software is released under the MIT License:
// https://opensource.org/license/MIT
//
// ///////////////////////////////////////////////////////////////////////////

// Package logger wraps charmbracelet/log for the diff engine. Logs go to
// stderr so stdout stays reserved for diff records. The default level is
// Warn; the CLI raises it for -v/-d.
package logger

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

var (
	Log = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.WarnLevel,
	})
)

func SetLevel(level log.Level) {
	Log.SetLevel(level)
}

// WithRun returns a logger scoped to one diff run. Segment workers of
// concurrent runs interleave on stderr; the run field keeps their lines
// attributable.
func WithRun(runID string) *log.Logger {
	return Log.With("run", runID)
}

func Info(format string, args ...any) {
	Log.Infof(format, args...)
}

func Debug(format string, args ...any) {
	Log.Debugf(format, args...)
}

func Warn(format string, args ...any) {
	Log.Warnf(format, args...)
}

// Error logs the formatted message and returns it as an error, so call
// sites can log and propagate in one step.
func Error(format string, args ...any) error {
	Log.Errorf(format, args...)
	return fmt.Errorf(format, args...)
}
