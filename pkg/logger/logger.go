// Package logger provides component-scoped structured logging.
//
// Every call names the component that emits it ("capture", "release", "api"...)
// so log lines can be filtered per subsystem:
//
//	logger.InfoCF("capture", "Channel captured", map[string]interface{}{
//		"channel": channelID,
//	})
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel orders log severities.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a level name to a LogLevel. Unknown names are an error.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	current  = INFO
	base     = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
)

// SetLevel changes the minimum level that is written.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	current = level
	levelVar.Set(level.slogLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetOutput redirects log output. Tests use it to capture or silence logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), level.slogLevel(), message, attrs...)
}

// Debug logs at debug level without a component.
func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

// DebugC logs at debug level for a component.
func DebugC(component, message string) {
	logMessage(DEBUG, component, message, nil)
}

// DebugCF logs at debug level for a component with fields.
func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
