// Package log implements simple logging with a focus on debug-level tracing.
// Logging is disabled by default; call SetLogger to enable it.
package log

var logger Interface = noopLogger{}

// Interface is the minimal logging surface this module needs from a host
// application's logger.
type Interface interface {
	// Debugf logs v using a format string.
	Debugf(format string, v ...interface{})
}

// SetLogger sets the logger used for debug tracing and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the configured logger, if any.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled reports whether a logger has been supplied via SetLogger.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, v ...interface{}) {
}
