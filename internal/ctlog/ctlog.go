// Package ctlog is the engine's single logging entry point.
//
// All components log through the package-level Logger rather than
// constructing their own, so a host binary can redirect or reconfigure
// output (level, JSON vs text) in one place.
package ctlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger. Replace it wholesale (e.g. in tests) by
// assigning a new *logrus.Logger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
}

// SetVerbose raises the log level to Debug, mirroring the C engine's
// CNDBG category tracing.
func SetVerbose(verbose bool) {
	if verbose {
		Logger.SetLevel(logrus.DebugLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}

// Debugf logs at debug level with a component field, standing in for the
// original's per-subsystem CNDBG(CT_LOG_*, ...) macros.
func Debugf(component, format string, args ...interface{}) {
	Logger.WithField("component", component).Debugf(format, args...)
}

// Warnf logs a recoverable condition (CWARN/CWARNX in the original): a
// warning that does not abort the process.
func Warnf(component, format string, args ...interface{}) {
	Logger.WithField("component", component).Warnf(format, args...)
}

// Infof logs a normal operator-visible line (CINFO).
func Infof(component, format string, args ...interface{}) {
	Logger.WithField("component", component).Infof(format, args...)
}

// Errorf logs an error that is being propagated, not swallowed.
func Errorf(component, format string, args ...interface{}) {
	Logger.WithField("component", component).Errorf(format, args...)
}
