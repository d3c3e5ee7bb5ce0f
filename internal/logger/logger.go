package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log severities; messages below the configured level are dropped.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

// ParseLevel maps a name such as "info" to a Level. Unknown names yield Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger is a leveled wrapper over the standard logger.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	prefix string
	out    *log.Logger
	closer io.Closer
}

// New writes to w only. Handy for tests and for tools that log to stderr.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		level: level,
		out:   log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// NewFile writes to stdout and to a rotating file named name inside dir.
func NewFile(dir, name string, level Level) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	l := New(io.MultiWriter(os.Stdout, file), level)
	l.closer = file
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, Error+1)
}

// Named returns a child logger sharing the output, tagging every line with name.
func (l *Logger) Named(name string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{level: l.level, prefix: prefix, out: l.out}
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Writer exposes the underlying writer so gin can share it.
func (l *Logger) Writer() io.Writer {
	return l.out.Writer()
}

// Close flushes and closes the rotating file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) log(level Level, msg string) {
	l.mu.RLock()
	current := l.level
	prefix := l.prefix
	l.mu.RUnlock()
	if level < current {
		return
	}
	if prefix != "" {
		msg = "[" + prefix + "] " + msg
	}
	_ = l.out.Output(3, fmt.Sprintf("%-5s %s", levelNames[level], msg))
}

func (l *Logger) Debug(msg string) { l.log(Debug, msg) }
func (l *Logger) Info(msg string)  { l.log(Info, msg) }
func (l *Logger) Warn(msg string)  { l.log(Warn, msg) }
func (l *Logger) Error(msg string) { l.log(Error, msg) }

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, fmt.Sprintf(format, args...)) }

// Fatalf logs at error level and exits.
func (l *Logger) Fatalf(format string, args ...any) {
	l.log(Error, fmt.Sprintf(format, args...))
	_ = l.Close()
	os.Exit(1)
}
