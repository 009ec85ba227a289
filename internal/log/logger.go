// Package log implements structured logging on top of logrus with a
// pattern-based formatter and pluggable appenders.
package log

import "sync"

type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
}

var (
	mu     sync.Mutex
	logger Logger
)

// Init configures the global logger. The first configuration wins; later
// calls are ignored so libraries cannot reconfigure the session's logging.
func Init(cfg *LoggerConfig) error {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		return nil
	}
	l, err := newLogrusLogger(cfg)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// GetLogger returns the global logger, initializing it with defaults when
// Init has not been called (tests, library use).
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l, err := newLogrusLogger(defaultConfig())
		if err != nil {
			panic(err)
		}
		logger = l
	}
	return logger
}
