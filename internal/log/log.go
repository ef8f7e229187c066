// Package log provides the process-wide structured logger.
package log

import (
	"sync"
)

// Logger is the logging surface used throughout the tester.
type Logger interface {
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

	IsDebugEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger = newLogrusAdapter(defaultConfig())
)

// GetLogger returns the current process logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger based on configuration. Safe to call
// once at startup, before any goroutines log.
func Init(cfg Config) error {
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = adapter
	mu.Unlock()
	return nil
}
