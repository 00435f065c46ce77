package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"
)

// StructuredLogger writes one JSON object per log entry.
type StructuredLogger struct {
	level      Level
	service    string
	version    string
	mu         *sync.RWMutex
	out        *lockedEncoder
	fields     map[string]interface{}
	timeFormat string
}

// lockedEncoder is shared by derived loggers so entries never interleave.
type lockedEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (e *lockedEncoder) encode(v interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(v)
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         string                 `json:"level"`
	Service       string                 `json:"service"`
	Version       string                 `json:"version,omitempty"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	Caller        string                 `json:"caller,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// NewStructuredLogger creates a structured logger writing to stderr.
func NewStructuredLogger(service, version, level string) *StructuredLogger {
	return NewStructuredLoggerWithWriter(os.Stderr, service, version, level)
}

// NewStructuredLoggerWithWriter creates a structured logger writing to w.
func NewStructuredLoggerWithWriter(w io.Writer, service, version, level string) *StructuredLogger {
	return &StructuredLogger{
		level:      ParseLevel(level),
		service:    service,
		version:    version,
		mu:         &sync.RWMutex{},
		out:        &lockedEncoder{enc: json.NewEncoder(w)},
		fields:     make(map[string]interface{}),
		timeFormat: time.RFC3339Nano,
	}
}

func (l *StructuredLogger) derive(extra map[string]interface{}) *StructuredLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &StructuredLogger{
		level:      l.level,
		service:    l.service,
		version:    l.version,
		mu:         &sync.RWMutex{},
		out:        l.out,
		fields:     fields,
		timeFormat: l.timeFormat,
	}
}

// WithContext returns a logger carrying the correlation and request IDs in ctx.
func (l *StructuredLogger) WithContext(ctx context.Context) ContextLogger {
	extra := make(map[string]interface{}, 2)
	if id, ok := CorrelationIDFromContext(ctx); ok {
		extra["correlation_id"] = id
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		extra["request_id"] = id
	}
	return l.derive(extra)
}

// WithFields returns a logger with additional fields.
func (l *StructuredLogger) WithFields(fields map[string]interface{}) ContextLogger {
	return l.derive(fields)
}

// WithField returns a logger with an additional field.
func (l *StructuredLogger) WithField(key string, value interface{}) ContextLogger {
	return l.derive(map[string]interface{}{key: value})
}

func (l *StructuredLogger) log(level Level, message string, args ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(l.timeFormat),
		Level:     level.String(),
		Service:   l.service,
		Version:   l.version,
		Message:   message,
	}

	// Leading args satisfy printf verbs, the rest are key/value pairs
	verbs := countVerbs(message)
	if verbs > len(args) {
		verbs = 0
	}
	if verbs > 0 {
		entry.Message = fmt.Sprintf(message, args[:verbs]...)
	}
	addArgsAsFields(&entry, args[verbs:])

	if _, file, line, ok := runtime.Caller(2); ok {
		entry.Caller = fmt.Sprintf("%s:%d", file, line)
	}

	l.mu.RLock()
	for k, v := range l.fields {
		switch k {
		case "correlation_id":
			entry.CorrelationID, _ = v.(string)
		case "request_id":
			entry.RequestID, _ = v.(string)
		default:
			if entry.Fields == nil {
				entry.Fields = make(map[string]interface{})
			}
			entry.Fields[k] = v
		}
	}
	l.mu.RUnlock()

	if err := l.out.encode(entry); err != nil {
		fmt.Fprintf(os.Stderr, "[%s] %s: %s (json encoding failed: %v)\n",
			entry.Timestamp, entry.Level, entry.Message, err)
	}
}

func addArgsAsFields(entry *LogEntry, args []interface{}) {
	if len(args) == 0 {
		return
	}
	if entry.Fields == nil {
		entry.Fields = make(map[string]interface{})
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		value := args[i+1]
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		entry.Fields[key] = value
	}
	if len(args)%2 == 1 {
		entry.Fields["extra"] = args[len(args)-1]
	}
}

func (l *StructuredLogger) Debug(message string, args ...interface{}) {
	l.log(DebugLevel, message, args...)
}

func (l *StructuredLogger) Info(message string, args ...interface{}) {
	l.log(InfoLevel, message, args...)
}

func (l *StructuredLogger) Warn(message string, args ...interface{}) {
	l.log(WarnLevel, message, args...)
}

func (l *StructuredLogger) Error(message string, args ...interface{}) {
	l.log(ErrorLevel, message, args...)
}

// Fatal logs at error level and exits.
func (l *StructuredLogger) Fatal(message string, args ...interface{}) {
	l.log(ErrorLevel, message, args...)
	os.Exit(1)
}

func (l *StructuredLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *StructuredLogger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *StructuredLogger) shouldLog(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}
