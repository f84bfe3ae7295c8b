package quic

import (
	"github.com/sirupsen/logrus"
)

// Log levels
const (
	LevelOff = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger logs QUIC transactions.
type Logger interface {
	Log(level int, format string, values ...interface{})
}

// LeveledLogger creates a logger that writes through logrus, dropping any
// message above the given level.
func LeveledLogger(level int) Logger {
	log := logrus.New()
	log.SetLevel(logrusLevel(level))
	return &leveledLogger{level: level, log: log}
}

func logrusLevel(level int) logrus.Level {
	switch level {
	case LevelError:
		return logrus.ErrorLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.PanicLevel // LevelOff: nothing is ever logged at this level.
	}
}

type leveledLogger struct {
	level int
	log   *logrus.Logger
}

func (l *leveledLogger) Log(level int, format string, values ...interface{}) {
	if level > l.level {
		return
	}
	l.log.Logf(logrusLevel(level), format, values...)
}
