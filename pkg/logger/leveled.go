package logger

import "github.com/go-logr/logr"

// Leveled adapts a logr.Logger to the Error/Info/Debug/Warn logger accepted by retryablehttp clients.
// Debug output is emitted at V(1).
type Leveled struct {
	Log logr.Logger
}

func (l Leveled) Error(msg string, keysAndValues ...interface{}) {
	l.Log.Error(nil, msg, keysAndValues...)
}

func (l Leveled) Info(msg string, keysAndValues ...interface{}) {
	l.Log.Info(msg, keysAndValues...)
}

func (l Leveled) Debug(msg string, keysAndValues ...interface{}) {
	l.Log.V(1).Info(msg, keysAndValues...)
}

func (l Leveled) Warn(msg string, keysAndValues ...interface{}) {
	l.Log.Info(msg, keysAndValues...)
}
