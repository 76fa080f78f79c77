package collector

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agenticcoder/execbridge/internal/invoker"
)

// Log levels produced by the collector.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogEntry is one normalized log line.
type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

var (
	bracketLine   = regexp.MustCompile(`^\[([A-Za-z]+)\]\s*(.*)$`)
	timestampLine = regexp.MustCompile(`^(\S+(?:[ T]\d{2}:\d{2}:\d{2}\S*)?)\s+\[([A-Za-z]+)\]\s*(.*)$`)
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseLogs extracts log entries from an invocation result. Entries come
// from the invoker's passthrough logs, structured stdout lines, and every
// stderr line. Entries without their own timestamp get the result's
// completion time, so the output depends only on the input.
func ParseLogs(res *invoker.Result) []LogEntry {
	if res == nil {
		return nil
	}
	fallback := res.CompletedAt
	var entries []LogEntry

	for _, raw := range res.Logs {
		if e, ok := fromMap(raw, fallback); ok {
			e.Context = withSource(e.Context, "agent")
			entries = append(entries, e)
		}
	}

	for _, line := range lines(res.Stdout) {
		if e, ok := structuredLine(line, fallback); ok {
			e.Context = withSource(e.Context, "stdout")
			entries = append(entries, e)
		}
	}

	for _, line := range lines(res.Stderr) {
		e, ok := structuredLine(line, fallback)
		if !ok {
			e = LogEntry{Level: InferLevel(line), Message: line, Timestamp: fallback}
		}
		e.Context = withSource(e.Context, "stderr")
		entries = append(entries, e)
	}
	return entries
}

// InferLevel guesses a level from keywords in an unstructured line.
func InferLevel(line string) string {
	l := strings.ToLower(line)
	switch {
	case containsAny(l, "error", "exception", "failed", "fatal"):
		return LevelError
	case containsAny(l, "warn", "deprecated"):
		return LevelWarn
	case containsAny(l, "debug", "trace"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// normalizeLevel maps level spellings onto the four collector levels.
func normalizeLevel(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return LevelDebug, true
	case "info", "notice":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "err", "fatal", "critical", "panic":
		return LevelError, true
	}
	return "", false
}

func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func structuredLine(line string, fallback time.Time) (LogEntry, bool) {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			if _, hasLevel := m["level"]; hasLevel {
				return fromMap(m, fallback)
			}
		}
		return LogEntry{}, false
	}

	if m := timestampLine.FindStringSubmatch(trimmed); m != nil {
		if level, ok := normalizeLevel(m[2]); ok {
			ts, ok := parseTimestamp(m[1])
			if !ok {
				ts = fallback
			}
			return LogEntry{Level: level, Message: m[3], Timestamp: ts}, true
		}
	}

	if m := bracketLine.FindStringSubmatch(trimmed); m != nil {
		if level, ok := normalizeLevel(m[1]); ok {
			return LogEntry{Level: level, Message: m[2], Timestamp: fallback}, true
		}
	}
	return LogEntry{}, false
}

// fromMap converts a JSON log object. It needs a message under "message"
// or "msg"; the remaining keys become context.
func fromMap(m map[string]any, fallback time.Time) (LogEntry, bool) {
	msg, ok := stringField(m, "message")
	if !ok {
		msg, ok = stringField(m, "msg")
	}
	if !ok {
		return LogEntry{}, false
	}

	level := LevelInfo
	if raw, ok := stringField(m, "level"); ok {
		if l, ok := normalizeLevel(raw); ok {
			level = l
		} else {
			level = InferLevel(raw)
		}
	}

	ts := fallback
	for _, key := range []string{"timestamp", "time", "ts"} {
		if raw, ok := stringField(m, key); ok {
			if parsed, ok := parseTimestamp(raw); ok {
				ts = parsed
				break
			}
		}
	}

	var ctx map[string]any
	for k, v := range m {
		switch k {
		case "message", "msg", "level", "timestamp", "time", "ts":
			continue
		}
		if ctx == nil {
			ctx = make(map[string]any)
		}
		ctx[k] = v
	}
	return LogEntry{Level: level, Message: msg, Timestamp: ts, Context: ctx}, true
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func withSource(ctx map[string]any, source string) map[string]any {
	if ctx == nil {
		ctx = make(map[string]any, 1)
	}
	if _, ok := ctx["source"]; !ok {
		ctx["source"] = source
	}
	return ctx
}
