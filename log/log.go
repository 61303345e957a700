package log

import (
	stdlog "log"
	"os"
)

// Level represents a logging level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
)

var currentLevel = InfoLevel

// Logger interface for logging
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
	Fatalf(format string, v ...interface{})
}

var (
	Debug = &logger{level: DebugLevel, l: stdlog.New(os.Stderr, "[DEBUG] ", stdlog.LstdFlags|stdlog.Lshortfile)}
	Info  = &logger{level: InfoLevel, l: stdlog.New(os.Stderr, "[INFO] ", stdlog.LstdFlags|stdlog.Lshortfile)}
	Error = &logger{level: ErrorLevel, l: stdlog.New(os.Stderr, "[ERROR] ", stdlog.LstdFlags|stdlog.Lshortfile)}
)

type logger struct {
	prefix string
	level  Level
	l      *stdlog.Logger
}

// SetPrefix sets the prefix on the package-level loggers.
func SetPrefix(prefix string) {
	for _, logger := range []*logger{Debug, Info, Error} {
		logger.prefix = prefix
	}
}

// SetLevel sets the minimum level emitted by the package-level loggers.
func SetLevel(level string) {
	switch level {
	case "debug":
		currentLevel = DebugLevel
	case "info":
		currentLevel = InfoLevel
	case "error":
		currentLevel = ErrorLevel
	}
}

func (l *logger) shouldLog() bool {
	return l.level >= currentLevel
}

func (l *logger) Printf(format string, v ...interface{}) {
	if !l.shouldLog() {
		return
	}
	if l.prefix == "" {
		l.l.Printf(format, v...)
	} else {
		l.l.Printf(l.prefix+format, v...)
	}
}

func (l *logger) Println(v ...interface{}) {
	if !l.shouldLog() {
		return
	}
	if l.prefix == "" {
		l.l.Println(v...)
	} else {
		l.l.Println(append([]interface{}{l.prefix}, v...)...)
	}
}

func (l *logger) Fatalf(format string, v ...interface{}) {
	if l.prefix == "" {
		l.l.Fatalf(format, v...)
	} else {
		l.l.Fatalf(l.prefix+format, v...)
	}
}

var _ Logger = (*logger)(nil)
