// Package collector turns an invocation result into a persisted artifact,
// normalized logs and metrics.
//
// Collection is a pure function of the result and the execution context:
// collecting the same result twice writes the same files and returns an
// equal CollectedOutput.
package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/invoker"
	"github.com/agenticcoder/execbridge/pkg/secrets"
)

// File names written by Collect.
const (
	ArtifactFile  = "artifact.json"
	ExecutionLog  = "execution.log"
	StdoutFile    = "stdout.txt"
	StderrFile    = "stderr.txt"
	truncationFmt = "\n... [truncated: original size %d bytes]"
)

// Redactor scrubs secrets from persisted text. *secrets.Redactor
// satisfies it.
type Redactor interface {
	Redact(content string) (string, secrets.Report)
}

// Metrics summarizes one collection.
type Metrics struct {
	DurationMS        int64 `json:"duration_ms"`
	ExitCode          int   `json:"exit_code"`
	StdoutBytes       int   `json:"stdout_bytes"`
	StderrBytes       int   `json:"stderr_bytes"`
	LogCount          int   `json:"log_count"`
	ErrorCount        int   `json:"error_count"`
	WarnCount         int   `json:"warn_count"`
	Truncated         bool  `json:"truncated"`
	RedactedSecrets   int   `json:"redacted_secrets"`
	ArtifactSizeBytes int64 `json:"artifact_size_bytes"`
}

// CollectedOutput is everything recovered from one invocation.
type CollectedOutput struct {
	Artifact          any        `json:"artifact"`
	ArtifactPath      string     `json:"artifact_path,omitempty"`
	ArtifactSizeBytes int64      `json:"artifact_size_bytes"`
	Logs              []LogEntry `json:"logs"`
	Metrics           Metrics    `json:"metrics"`
	ValidationErrors  []string   `json:"validation_errors,omitempty"`
}

// Collector persists invocation output under an execution's directories.
type Collector struct {
	maxOutput int64
	required  []string
	redactor  Redactor
	logger    *zap.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithMaxOutputBytes caps persisted stdout and stderr when the execution
// context carries no limit of its own.
func WithMaxOutputBytes(n int64) Option {
	return func(c *Collector) { c.maxOutput = n }
}

// WithRequiredKeys enables the required-keys artifact check.
func WithRequiredKeys(keys ...string) Option {
	return func(c *Collector) { c.required = append([]string(nil), keys...) }
}

// WithRedactor scrubs secrets from persisted output and log messages.
func WithRedactor(r Redactor) Option {
	return func(c *Collector) { c.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect extracts and persists the output of res. It never panics and
// never returns an error: problems become error-level log entries.
func (c *Collector) Collect(res *invoker.Result, ec *execctx.Context) (out *CollectedOutput) {
	if res == nil {
		res = &invoker.Result{}
	}
	out = &CollectedOutput{Logs: []LogEntry{}}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("collector panic recovered", zap.Any("panic", r))
			out.Logs = append(out.Logs, LogEntry{
				Level:     LevelError,
				Message:   fmt.Sprintf("output collection panicked: %v", r),
				Timestamp: res.CompletedAt,
				Context:   map[string]any{"source": "collector"},
			})
			out.Metrics.LogCount = len(out.Logs)
		}
	}()

	stdout, stderr := res.Stdout, res.Stderr
	if c.redactor != nil {
		var so, se secrets.Report
		stdout, so = c.redactor.Redact(stdout)
		stderr, se = c.redactor.Redact(stderr)
		out.Metrics.RedactedSecrets = so.Count() + se.Count()
	}

	artifact, found := ArtifactFrom(res)
	switch {
	case found:
		out.Artifact = artifact
		out.ValidationErrors = ValidateSchema(artifact, c.required)
	case len(c.required) > 0:
		out.ValidationErrors = []string{
			"no artifact extracted; required fields not checked: " + strings.Join(c.required, ", "),
		}
	}

	scrubbed := *res
	scrubbed.Stdout, scrubbed.Stderr = stdout, stderr
	out.Logs = append(out.Logs, ParseLogs(&scrubbed)...)

	limit := c.limit(ec)
	stdoutText, cutOut := truncate(stdout, limit)
	stderrText, cutErr := truncate(stderr, limit)

	out.Metrics.DurationMS = res.DurationMS
	out.Metrics.ExitCode = res.ExitCode
	out.Metrics.StdoutBytes = len(res.Stdout)
	out.Metrics.StderrBytes = len(res.Stderr)
	out.Metrics.Truncated = cutOut || cutErr

	if ec != nil {
		if found {
			c.writeArtifact(out, ec.Paths.Artifacts, res.CompletedAt)
		}
		c.writeFile(out, filepath.Join(ec.Paths.Logs, StdoutFile), stdoutText, res.CompletedAt)
		c.writeFile(out, filepath.Join(ec.Paths.Logs, StderrFile), stderrText, res.CompletedAt)
		c.writeFile(out, filepath.Join(ec.Paths.Logs, ExecutionLog), formatLog(out.Logs), res.CompletedAt)
	}

	for _, e := range out.Logs {
		switch e.Level {
		case LevelError:
			out.Metrics.ErrorCount++
		case LevelWarn:
			out.Metrics.WarnCount++
		}
	}
	out.Metrics.LogCount = len(out.Logs)
	out.Metrics.ArtifactSizeBytes = out.ArtifactSizeBytes
	return out
}

// ValidateSchema reports every required key missing from artifact. It
// never fails; a non-object artifact is reported as a single error.
func ValidateSchema(artifact any, required []string) []string {
	if len(required) == 0 {
		return nil
	}
	obj, ok := artifact.(map[string]any)
	if !ok {
		return []string{"artifact is not a JSON object"}
	}
	var errs []string
	for _, key := range required {
		if _, present := obj[key]; !present {
			errs = append(errs, fmt.Sprintf("missing required field: %s", key))
		}
	}
	return errs
}

func (c *Collector) limit(ec *execctx.Context) int64 {
	if ec != nil && ec.Limits.MaxOutputBytes > 0 {
		return ec.Limits.MaxOutputBytes
	}
	if c.maxOutput > 0 {
		return c.maxOutput
	}
	return execctx.DefaultLimits().MaxOutputBytes
}

func (c *Collector) writeArtifact(out *CollectedOutput, dir string, ts time.Time) {
	data, err := json.MarshalIndent(out.Artifact, "", "  ")
	if err != nil {
		out.Logs = append(out.Logs, collectorError(fmt.Sprintf("encoding artifact: %v", err), ts))
		return
	}
	data = append(data, '\n')
	path := filepath.Join(dir, ArtifactFile)
	if c.write(out, path, data, ts) {
		out.ArtifactPath = path
		out.ArtifactSizeBytes = int64(len(data))
	}
}

func (c *Collector) writeFile(out *CollectedOutput, path, content string, ts time.Time) {
	c.write(out, path, []byte(content), ts)
}

func (c *Collector) write(out *CollectedOutput, path string, data []byte, ts time.Time) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Warn("creating output directory", zap.String("path", path), zap.Error(err))
		out.Logs = append(out.Logs, collectorError(fmt.Sprintf("creating %s: %v", filepath.Dir(path), err), ts))
		return false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Warn("writing output file", zap.String("path", path), zap.Error(err))
		out.Logs = append(out.Logs, collectorError(fmt.Sprintf("writing %s: %v", path, err), ts))
		return false
	}
	return true
}

func collectorError(msg string, ts time.Time) LogEntry {
	return LogEntry{
		Level:     LevelError,
		Message:   msg,
		Timestamp: ts,
		Context:   map[string]any{"source": "collector"},
	}
}

// truncate cuts s to at most limit bytes on a rune boundary and appends
// the truncation marker.
func truncate(s string, limit int64) (string, bool) {
	if limit <= 0 || int64(len(s)) <= limit {
		return s, false
	}
	cut := int(limit)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf(truncationFmt, len(s)), true
}

func formatLog(entries []LogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s [%s] %s\n",
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			strings.ToUpper(e.Level),
			e.Message)
	}
	return b.String()
}
