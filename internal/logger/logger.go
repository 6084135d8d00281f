package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeySessionLoggerType struct{}

var contextKeySessionLogger = &contextKeySessionLoggerType{}

const (
	componentLoggerKey = "component"
	sessionLoggerKey   = "session"
)

// Init sets up the custom time formatter for all log statements. An unknown
// level falls back to info.
func Init(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Default returns a logger without any fields.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// Component returns a logger tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField(componentLoggerKey, name)
}

// ContextWithSession returns a context carrying a logger for the given
// client session.
func ContextWithSession(ctx context.Context, base *logrus.Entry, sessionID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if base == nil {
		base = Default()
	}
	rlog := base.WithField(sessionLoggerKey, sessionID)
	return context.WithValue(ctx, contextKeySessionLogger, rlog), rlog
}

// FromContext returns the logger stored in the context, or the default logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if rlog, ok := ctx.Value(contextKeySessionLogger).(*logrus.Entry); ok && rlog != nil {
			return rlog
		}
	}
	return Default()
}
