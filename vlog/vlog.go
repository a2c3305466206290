// Package vlog is the structured-logging façade used across the reception
// and delivery pipeline. It mirrors the shape of the teacher's
// framework/log package (a named Logger carrying a field set, Debugf/
// Printf/Msg/Error helpers) but is backed directly by a zap.SugaredLogger
// instead of a hand-rolled Output writer, per this module's simplified
// ambient stack.
package vlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yonasBSD/vsmtpd/vsmtperrors"
)

// Logger writes structured log entries under a component name, with an
// optional fixed field set merged into every entry. It is a thin value
// wrapper: copying a Logger and changing its Name/Fields is the normal way
// to derive a sub-logger, same as the teacher's log.Logger.
type Logger struct {
	base   *zap.SugaredLogger
	name   string
	fields []interface{}
}

// New builds a Logger backed by sugar, a configured zap.SugaredLogger.
func New(sugar *zap.SugaredLogger, name string) Logger {
	return Logger{base: sugar, name: name}
}

// NewProduction builds a Logger writing JSON to stderr at the given level,
// suitable as the process-wide default.
func NewProduction(debug bool) (Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		return Logger{}, err
	}
	return Logger{base: z.Sugar(), name: ""}, nil
}

// Named returns a copy of l scoped to a sub-component, e.g.
// l.Named("queue").Named("deferred") logs under "queue.deferred".
func (l Logger) Named(name string) Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	l.name = name
	return l
}

// With returns a copy of l with additional key/value pairs merged into
// every subsequent entry.
func (l Logger) With(kv ...interface{}) Logger {
	l.fields = append(append([]interface{}{}, l.fields...), kv...)
	return l
}

func (l Logger) sugar() *zap.SugaredLogger {
	base := l.base
	if base == nil {
		base = fallback
	}
	if l.name != "" {
		base = base.Named(l.name)
	}
	if len(l.fields) != 0 {
		base = base.With(l.fields...)
	}
	return base
}

func (l Logger) Debugf(format string, args ...interface{}) { l.sugar().Debugf(format, args...) }
func (l Logger) Infof(format string, args ...interface{})  { l.sugar().Infof(format, args...) }
func (l Logger) Warnf(format string, args ...interface{})  { l.sugar().Warnf(format, args...) }

// Msg logs a structured event with key/value pairs, the teacher-style
// "name: msg {fields}" line shape reduced to zap's native field encoding.
func (l Logger) Msg(msg string, kv ...interface{}) {
	l.sugar().Infow(msg, kv...)
}

// Error logs err under msg, folding in any vsmtperrors.Fields attached to
// its chain alongside the caller-supplied key/value pairs.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	if err == nil {
		return
	}
	all := make([]interface{}, 0, len(kv)+4)
	for k, v := range vsmtperrors.Fields(err) {
		all = append(all, k, v)
	}
	all = append(all, kv...)
	all = append(all, "error", err)
	l.sugar().Errorw(msg, all...)
}

// Sync flushes any buffered log entries.
func (l Logger) Sync() error {
	return l.sugar().Sync()
}

// fallback is used by zero-value Loggers so a Logger can be used without
// explicit construction (mirrors the teacher's package-level DefaultLogger
// acting as a safety net).
var fallback = newFallback()

func newFallback() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewExample()
	}
	return z.Sugar()
}

// Default is the process-wide Logger used by packages that are not handed
// one explicitly (e.g. early startup before config parses).
var Default = Logger{}

func init() {
	if os.Getenv("VSMTPD_DEBUG") != "" {
		if l, err := NewProduction(true); err == nil {
			Default = l
		}
	}
}
