package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func levelToString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// Engine and transport code depend on this interface so tests can inject
// a no-op or capturing implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type sink struct {
	mu    sync.Mutex
	out   *log.Logger
	level Level
}

type sinkLogger struct {
	component string
}

var (
	rootOnce sync.Once
	rootSink *sink
)

func root() *sink {
	rootOnce.Do(func() {
		rootSink = &sink{
			out:   log.New(os.Stderr, "", 0),
			level: INFO,
		}
	})
	return rootSink
}

// SetLevel sets the minimum level for the default sink.
func SetLevel(level Level) {
	r := root()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// SetOutput redirects the default sink, e.g. to a log file.
func SetOutput(w io.Writer) {
	r := root()
	r.mu.Lock()
	r.out = log.New(w, "", 0)
	r.mu.Unlock()
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &sinkLogger{component: component}
}

func (l *sinkLogger) log(level Level, format string, args ...any) {
	r := root()
	r.mu.Lock()
	min := r.level
	out := r.out
	r.mu.Unlock()
	if level < min || out == nil {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "RELAY"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	out.Printf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"),
		levelToString(level), component, file, line,
		fmt.Sprintf(format, args...))
}

func (l *sinkLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *sinkLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *sinkLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *sinkLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }
