package observability

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level orders log severities from most to least severe.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps a LOG_LEVEL value onto a Level. Unknown values fall back to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// StdLogger writes logfmt-style lines with a severity floor.
type StdLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	clock func() time.Time
}

// NewStdLogger creates a logger writing at or above the provided level.
func NewStdLogger(out io.Writer, level Level) *StdLogger {
	if out == nil {
		out = os.Stderr
	}
	return &StdLogger{out: out, level: level, clock: time.Now}
}

func (l *StdLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l *StdLogger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l *StdLogger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l *StdLogger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l *StdLogger) emit(level Level, msg string, fields []Field) {
	if level > l.level {
		return
	}
	var sb strings.Builder
	sb.WriteString(l.clock().UTC().Format(time.RFC3339Nano))
	sb.WriteString(" level=")
	sb.WriteString(level.String())
	sb.WriteString(" msg=")
	sb.WriteString(strconv.Quote(msg))
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(field.Key)
		sb.WriteString("=")
		sb.WriteString(formatValue(field.Value))
	}
	sb.WriteString("\n")
	l.mu.Lock()
	_, _ = io.WriteString(l.out, sb.String())
	l.mu.Unlock()
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		if strings.ContainsAny(v, " \t\"=") {
			return strconv.Quote(v)
		}
		if v == "" {
			return `""`
		}
		return v
	case error:
		return strconv.Quote(v.Error())
	case []string:
		return strconv.Quote(strings.Join(v, ","))
	default:
		return fmt.Sprintf("%v", v)
	}
}
