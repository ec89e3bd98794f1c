package nova

import (
	log15 "github.com/inconshreveable/log15"
)

// Logger provides structural logging interface.
type Logger interface {
	// Log a message at the given level with key/value pairs. The number of
	// fields must be multiple of two for a key and a value.
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Crit(msg string, fields ...interface{})

	// New returns a child logger with the given key/value pairs attached to
	// every subsequent log statement. Component constructors call
	// Log.New("namespace", namespace, "name", name, ...).
	New(fields ...interface{}) Logger
}

// Log is the package-level logger, the parent of all loggers used by the
// component packages. It discards everything until set up.
var Log Logger

func init() {
	// Discard handler when package is being loaded. You may set up the
	// exported Log later.
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())
	Log = &log15Logger{Logger: logger}
}

type log15Logger struct {
	log15.Logger
}

// NewLog15Logger adapts a log15.Logger to Logger.
func NewLog15Logger(logger log15.Logger) Logger {
	return &log15Logger{Logger: logger}
}

func (l *log15Logger) New(fields ...interface{}) Logger {
	return &log15Logger{Logger: l.Logger.New(fields...)}
}

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{}) {}
func (l *noopLogger) Info(msg string, fields ...interface{})  {}
func (l *noopLogger) Warn(msg string, fields ...interface{})  {}
func (l *noopLogger) Error(msg string, fields ...interface{}) {}
func (l *noopLogger) Crit(msg string, fields ...interface{})  {}
func (l *noopLogger) New(fields ...interface{}) Logger        { return l }
