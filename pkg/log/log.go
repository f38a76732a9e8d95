// Package log provides the logger injected into streams and control contexts.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

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

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

const (
	DefaultPattern = "%time [%level] %msg %field\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// Config selects level, layout and outputs of a logger.
type Config struct {
	Level   string
	Pattern string
	Time    string
	File    *FileAppenderOpt
}

// New builds a logger writing to stderr and, when configured, a rotating file.
func New(cfg Config) Logger {
	w := NewMultiWriter().Add(os.Stderr)
	if cfg.File != nil {
		w.AddFileAppender(*cfg.File)
	}
	return newLogger(cfg, w)
}

// NewWithWriter builds a logger writing to w only.
func NewWithWriter(cfg Config, w io.Writer) Logger {
	return newLogger(cfg, w)
}

// Default returns a stderr logger at info level.
func Default() Logger {
	return New(Config{Level: "info"})
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

// OrDefault returns l, or Default() when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}
