package observability

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// Level orders log severities. Entries below the logger's minimum are
// dropped before encoding.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes one JSON object per line to stdout.
type Logger struct {
	base *log.Logger
	min  Level
}

func NewLogger(min Level) *Logger {
	return &Logger{base: log.New(os.Stdout, "", 0), min: min}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.write(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(LevelError, message, fields)
}

func (l *Logger) write(level Level, message string, fields map[string]any) {
	if level < l.min {
		return
	}

	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"message":   message,
	}
	for k, v := range fields {
		payload[k] = v
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		l.base.Println(`{"level":"error","message":"failed to encode log"}`)
		return
	}

	l.base.Println(string(encoded))
}
