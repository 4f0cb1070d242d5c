package backend

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// badgerLogger routes badger output into the backend log. Badger info
// messages are chatty and land at debug level.
type badgerLogger struct {
	l *zap.Logger
}

func newBadgerLogger(base *zap.Logger, opts Options) badgerLogger {
	return badgerLogger{l: base.With(
		zap.String("path", opts.Path),
		zap.Bool("inMemory", opts.InMemory),
	)}
}

func badgerMessage(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(badgerMessage(format, args))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(badgerMessage(format, args))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(badgerMessage(format, args))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(badgerMessage(format, args))
}
