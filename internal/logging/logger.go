package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger is the plain text logger used for the "text" log format.
type Logger struct {
	logger *log.Logger
	out    io.Writer
	level  Level
	mu     sync.RWMutex
}

func NewLogger(prefix string, level string) *Logger {
	return NewLoggerWithWriter(os.Stderr, prefix, level)
}

func NewLoggerWithWriter(w io.Writer, prefix string, level string) *Logger {
	return &Logger{
		logger: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
		out:    w,
		level:  ParseLevel(level),
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) shouldLog(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) output(level Level, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	l.logger.Printf("[%s] %s", level, formatMessage(format, v))
}

func (l *Logger) Debug(format string, v ...interface{}) { l.output(DebugLevel, format, v...) }

func (l *Logger) Info(format string, v ...interface{}) { l.output(InfoLevel, format, v...) }

func (l *Logger) Warn(format string, v ...interface{}) { l.output(WarnLevel, format, v...) }

func (l *Logger) Error(format string, v ...interface{}) { l.output(ErrorLevel, format, v...) }

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.logger.Fatalf("[FATAL] %s", formatMessage(format, v))
}

// WithPrefix returns a logger writing to the same output with an extra prefix.
func (l *Logger) WithPrefix(extra string) *Logger {
	return &Logger{
		logger: log.New(l.out, l.logger.Prefix()+extra, l.logger.Flags()),
		out:    l.out,
		level:  l.GetLevel(),
	}
}

// formatMessage applies printf verbs when the message has them and appends
// any leftover args as key=value pairs.
func formatMessage(format string, args []interface{}) string {
	verbs := countVerbs(format)
	if verbs > len(args) {
		verbs = 0
	}
	msg := format
	if verbs > 0 {
		msg = fmt.Sprintf(format, args[:verbs]...)
	}
	rest := args[verbs:]
	if len(rest) == 0 {
		return msg
	}

	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(rest); i += 2 {
		if i+1 < len(rest) {
			fmt.Fprintf(&sb, " %v=%v", rest[i], rest[i+1])
		} else {
			fmt.Fprintf(&sb, " extra=%v", rest[i])
		}
	}
	return sb.String()
}

func countVerbs(format string) int {
	n := 0
	for i := 0; i < len(format)-1; i++ {
		if format[i] != '%' {
			continue
		}
		if format[i+1] == '%' {
			i++
			continue
		}
		n++
	}
	return n
}
