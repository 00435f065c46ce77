package logging

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// LoggerAdapter lets the text Logger satisfy ContextLogger. Fields are
// rendered as a sorted [k=v ...] suffix.
type LoggerAdapter struct {
	*Logger
	fields map[string]interface{}
}

func NewLoggerAdapter(logger *Logger) *LoggerAdapter {
	return &LoggerAdapter{
		Logger: logger,
		fields: make(map[string]interface{}),
	}
}

func (l *LoggerAdapter) with(extra map[string]interface{}) *LoggerAdapter {
	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &LoggerAdapter{Logger: l.Logger, fields: fields}
}

func (l *LoggerAdapter) WithContext(ctx context.Context) ContextLogger {
	extra := make(map[string]interface{}, 2)
	if id, ok := CorrelationIDFromContext(ctx); ok {
		extra["correlation_id"] = id
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		extra["request_id"] = id
	}
	return l.with(extra)
}

func (l *LoggerAdapter) WithField(key string, value interface{}) ContextLogger {
	return l.with(map[string]interface{}{key: value})
}

func (l *LoggerAdapter) WithFields(fields map[string]interface{}) ContextLogger {
	return l.with(fields)
}

func (l *LoggerAdapter) Debug(format string, args ...interface{}) {
	l.Logger.Debug(l.withSuffix(format, args))
}

func (l *LoggerAdapter) Info(format string, args ...interface{}) {
	l.Logger.Info(l.withSuffix(format, args))
}

func (l *LoggerAdapter) Warn(format string, args ...interface{}) {
	l.Logger.Warn(l.withSuffix(format, args))
}

func (l *LoggerAdapter) Error(format string, args ...interface{}) {
	l.Logger.Error(l.withSuffix(format, args))
}

func (l *LoggerAdapter) Fatal(format string, args ...interface{}) {
	l.Logger.Fatal(l.withSuffix(format, args))
}

// withSuffix formats the message up front; the result is passed on with no
// args so it is never reinterpreted as a format string.
func (l *LoggerAdapter) withSuffix(format string, args []interface{}) string {
	msg := formatMessage(format, args)
	if len(l.fields) == 0 {
		return msg
	}

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, l.fields[k]))
	}
	return fmt.Sprintf("%s [%s]", msg, strings.Join(parts, " "))
}
