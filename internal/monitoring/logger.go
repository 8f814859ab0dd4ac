package monitoring

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var sugar atomic.Pointer[zap.SugaredLogger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	sugar.Store(l.Sugar())
}

// Logf is the package-level diagnostic logger. It defaults to the zap
// logger installed by Init but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	sugar.Load().Infof(format, v...)
}

// Warnf logs at warning level through the zap logger. It is muted together
// with Logf when SetLogger(nil) is called.
var Warnf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	sugar.Load().Warnf(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger
// and mute the structured loggers handed out by Named afterwards.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		Warnf = func(string, ...interface{}) {}
		sugar.Store(zap.NewNop().Sugar())
		return
	}
	Logf = f
	Warnf = f
}

// Init installs a zap production logger, or a development logger with
// human-readable output when dev is set.
func Init(dev bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	sugar.Store(l.Sugar())
	return nil
}

// Named returns a child logger for a component with structured fields.
func Named(component string, keysAndValues ...interface{}) *zap.SugaredLogger {
	return sugar.Load().Named(component).With(keysAndValues...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = sugar.Load().Sync()
}
