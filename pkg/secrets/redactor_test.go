package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedactor(t *testing.T, allowlist *Allowlist) *Redactor {
	t.Helper()
	r, err := NewRedactor(allowlist)
	require.NoError(t, err)
	return r
}

func TestRedact_CleanOutput(t *testing.T) {
	r := newRedactor(t, nil)
	content := "step 1 done\n{\"plan\":{\"steps\":3}}\n"

	out, report := r.Redact(content)
	assert.Equal(t, content, out)
	assert.Zero(t, report.Count())
}

func TestRedact_Empty(t *testing.T) {
	out, report := newRedactor(t, nil).Redact("")
	assert.Empty(t, out)
	assert.Zero(t, report.Count())
}

func TestRedact_NilRedactor(t *testing.T) {
	var r *Redactor
	out, report := r.Redact("anything")
	assert.Equal(t, "anything", out)
	assert.Zero(t, report.Count())
}

func TestRedact_SecretInAgentLog(t *testing.T) {
	r := newRedactor(t, nil)
	secret := "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"
	content := "connecting with key\nexport OPENAI_API_KEY=\"" + secret + "\"\ndone\n"

	out, report := r.Redact(content)
	if report.Count() == 0 {
		t.Skip("Gitleaks did not detect this pattern; rule set changed")
	}

	assert.NotContains(t, out, secret)
	first := report.Redactions[0]
	assert.Contains(t, out, "[REDACTED:"+first.RuleID+":"+first.Preview+"]")
	assert.True(t, strings.HasPrefix(out, "connecting with key\n"))
	assert.True(t, strings.HasSuffix(out, "done\n"))
	assert.Equal(t, len(secret), first.OriginalLen)
	assert.Equal(t, 1, report.RuleCounts[first.RuleID])
}

func TestRedact_AllowlistSuppresses(t *testing.T) {
	secret := "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"
	content := "export OPENAI_API_KEY=\"" + secret + "\""

	_, baseline := newRedactor(t, nil).Redact(content)
	if baseline.Count() == 0 {
		t.Skip("Gitleaks did not detect this pattern; rule set changed")
	}

	out, report := newRedactor(t, &Allowlist{Regexes: []string{`sk-proj-abcdef`}}).Redact(content)
	assert.Zero(t, report.Count())
	assert.Equal(t, content, out)
}

func TestNewRedactor_InvalidAllowlist(t *testing.T) {
	_, err := NewRedactor(&Allowlist{Regexes: []string{"("}})
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()
	project := ProjectAllowlist(dir)
	require.NoError(t, os.WriteFile(project, []byte("[allowlist]\nregexes = ['''DEMO_[A-Z]+''']\n"), 0o600))
	user := filepath.Join(dir, "user.toml")
	require.NoError(t, os.WriteFile(user, []byte("[allowlist]\nregexes = ['''example\\.com''']\n"), 0o600))

	a, err := LoadAllowlist(project, "", filepath.Join(dir, "missing.toml"), user)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEMO_[A-Z]+", `example\.com`}, a.Regexes)
}

func TestLoadAllowlist_Errors(t *testing.T) {
	dir := t.TempDir()

	badTOML := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badTOML, []byte("[allowlist\n"), 0o600))
	_, err := LoadAllowlist(badTOML)
	assert.ErrorIs(t, err, ErrInvalidTOML)

	badRegex := filepath.Join(dir, "regex.toml")
	require.NoError(t, os.WriteFile(badRegex, []byte("[allowlist]\nregexes = ['''(''']\n"), 0o600))
	_, err = LoadAllowlist(badRegex)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestAllowlist_MergeNil(t *testing.T) {
	var a *Allowlist
	merged := a.Merge(&Allowlist{Regexes: []string{"x"}})
	assert.Equal(t, []string{"x"}, merged.Regexes)
}
