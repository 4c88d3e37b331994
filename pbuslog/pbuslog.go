// Package pbuslog is the internal debug-logging facility shared by the
// codec, fdl and dpslave packages. It is deliberately minimal: the core
// runs on bare-metal targets where a logging sink is a collaborator, not a
// dependency, so every component accepts the zero value (logging disabled,
// no allocation on the hot path) and only does real work once a caller
// opts in with SetProvider/LogMode.
package pbuslog

import (
	"log"
	"os"
	"sync/atomic"
)

// LogProvider are the four severities the core ever emits. A deployment is
// free to route these to syslog, a ring buffer, or a UART debug port.
type LogProvider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Log is an on/off-switchable logging handle. The zero value is valid and
// silent.
type Log struct {
	provider LogProvider
	has      uint32 // 1: enabled, 0: disabled
}

// New returns a Log backed by the standard library logger, writing to
// stdout with the given prefix. Logging starts disabled; call LogMode(true)
// to enable it.
func New(prefix string) Log {
	return Log{
		provider: defaultLogger{log.New(os.Stdout, prefix, log.LstdFlags)},
	}
}

// LogMode enables or disables log output.
func (l *Log) LogMode(enable bool) {
	if enable {
		atomic.StoreUint32(&l.has, 1)
	} else {
		atomic.StoreUint32(&l.has, 0)
	}
}

// SetProvider installs a custom sink. Passing nil is a no-op.
func (l *Log) SetProvider(p LogProvider) {
	if p != nil {
		l.provider = p
	}
}

func (l Log) enabled() bool {
	return atomic.LoadUint32(&l.has) == 1 && l.provider != nil
}

// Critical logs a CRITICAL level message.
func (l Log) Critical(format string, v ...interface{}) {
	if l.enabled() {
		l.provider.Critical(format, v...)
	}
}

// Error logs an ERROR level message.
func (l Log) Error(format string, v ...interface{}) {
	if l.enabled() {
		l.provider.Error(format, v...)
	}
}

// Warn logs a WARN level message.
func (l Log) Warn(format string, v ...interface{}) {
	if l.enabled() {
		l.provider.Warn(format, v...)
	}
}

// Debug logs a DEBUG level message.
func (l Log) Debug(format string, v ...interface{}) {
	if l.enabled() {
		l.provider.Debug(format, v...)
	}
}

type defaultLogger struct {
	*log.Logger
}

var _ LogProvider = (*defaultLogger)(nil)

func (d defaultLogger) Critical(format string, v ...interface{}) { d.Printf("[C]: "+format, v...) }
func (d defaultLogger) Error(format string, v ...interface{})    { d.Printf("[E]: "+format, v...) }
func (d defaultLogger) Warn(format string, v ...interface{})     { d.Printf("[W]: "+format, v...) }
func (d defaultLogger) Debug(format string, v ...interface{})    { d.Printf("[D]: "+format, v...) }
