package persistence

import (
	"encoding/json"
	"log"
	"strings"
)

// Log levels understood by the default logger.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger receives diagnostics from codecs, the controller and datasources.
//
// Data errors in stored documents (unparsable dates, unknown enum values,
// unresolvable references) are reported here at WARN instead of failing the
// load, so fields should be treated as a machine-readable contract.
type Logger interface {
	Log(level string, msg string, fields map[string]any)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(level string, msg string, fields map[string]any)

// Log implements Logger.
func (f LoggerFunc) Log(level string, msg string, fields map[string]any) {
	if f != nil {
		f(level, msg, fields)
	}
}

// NopLogger discards everything.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(string, string, map[string]any) {}

type stdLogger struct {
	prefix   string
	minLevel int
}

// NewStdLogger returns a Logger printing one JSON object per line through the
// standard library log package. Entries below minLevel are dropped.
func NewStdLogger(prefix string, minLevel string) Logger {
	return &stdLogger{prefix: prefix, minLevel: levelRank(minLevel)}
}

func levelRank(level string) int {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return 0
	case LevelWarn, "WARNING":
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func (l *stdLogger) Log(level string, msg string, fields map[string]any) {
	if levelRank(level) < l.minLevel {
		return
	}
	payload := map[string]any{
		"level": level,
		"msg":   msg,
	}
	for k, v := range fields {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[%s] level=%s msg=%s fields=%v", l.prefix, level, msg, fields)
		return
	}
	log.Printf("[%s] %s", l.prefix, string(b))
}

func loggerOrDefault(l Logger) Logger {
	if l == nil {
		return NewStdLogger("persistence", LevelInfo)
	}
	return l
}
