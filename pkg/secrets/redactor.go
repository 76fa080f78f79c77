package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Redaction describes one replaced secret. The secret itself is never
// stored.
type Redaction struct {
	RuleID      string `json:"rule_id"`
	Line        int    `json:"line"`
	OriginalLen int    `json:"original_len"`
	Preview     string `json:"preview"`
}

// Report summarizes a redaction pass.
type Report struct {
	Redactions []Redaction    `json:"redactions"`
	RuleCounts map[string]int `json:"rule_counts"`
}

// Count returns how many secrets were redacted.
func (r Report) Count() int {
	return len(r.Redactions)
}

// Redactor replaces detected secrets with [REDACTED:rule:preview] markers.
// The Gitleaks detector is built once; scans are serialized because the
// detector accumulates findings internally.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a redactor with the default Gitleaks rules plus the
// given allowlist (nil for none).
func NewRedactor(allowlist *Allowlist) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil && len(allowlist.Regexes) > 0 {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Redactor{detector: detector}, nil
}

// Redact returns content with every detected secret replaced.
func (r *Redactor) Redact(content string) (string, Report) {
	report := Report{RuleCounts: map[string]int{}}
	if r == nil || content == "" {
		return content, report
	}

	r.mu.Lock()
	findings := r.detector.DetectString(content)
	r.mu.Unlock()
	if len(findings) == 0 {
		return content, report
	}

	// Replace longer secrets first so a secret containing another is not
	// split by the shorter replacement.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	redacted := content
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		report.Redactions = append(report.Redactions, Redaction{
			RuleID:      f.RuleID,
			Line:        f.StartLine,
			OriginalLen: len(f.Secret),
			Preview:     preview(f.Secret, 4),
		})
		report.RuleCounts[f.RuleID]++

		if f.Secret == "" {
			continue
		}
		if _, done := seen[f.Secret]; done {
			continue
		}
		seen[f.Secret] = struct{}{}
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret, 4))
		redacted = strings.ReplaceAll(redacted, f.Secret, marker)
	}
	return redacted, report
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// applyAllowlist appends the patterns as a global Gitleaks allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "execbridge allowlist"}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
