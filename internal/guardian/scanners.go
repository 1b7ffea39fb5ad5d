// Package guardian is the security and policy interceptor. It watches
// the message bus for secrets, injection attempts, and budget overruns,
// blocking critical traffic and flagging the rest, and offers deeper
// audits on demand.
package guardian

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity levels, ordered.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var severityRank = map[string]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// MaxSeverity returns the highest severity among findings, or "" for none.
func MaxSeverity(findings []Finding) string {
	max := ""
	for _, f := range findings {
		if max == "" || severityRank[f.Severity] > severityRank[max] {
			max = f.Severity
		}
	}
	return max
}

// Finding is one scanner hit.
type Finding struct {
	Rule     string
	Severity string
	Detail   string
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Rule, f.Detail)
}

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"openai-style key", regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`)},
	{"openrouter key", regexp.MustCompile(`sk-or-[a-zA-Z0-9-]{20,}`)},
	{"anthropic key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`)},
	{"github token", regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`)},
	{"github oauth token", regexp.MustCompile(`gho_[A-Za-z0-9]{36}`)},
	{"github fine-grained token", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`)},
	{"gitlab token", regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`)},
	{"slack token", regexp.MustCompile(`xox[boaprs]-[A-Za-z0-9-]{10,}`)},
	{"aws access key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"private key block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"credentialed connection string", regexp.MustCompile(`(postgres|postgresql|mysql|mongodb)://[^:/\s]+:[^@/\s]+@`)},
	{"hardcoded credential", regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key)\s*[:=]\s*["'][^"']{8,}["']`)},
}

// ScanSecrets reports leaked credentials. Every hit is critical.
func ScanSecrets(text string) []Finding {
	var out []Finding
	for _, p := range secretPatterns {
		if match := p.re.FindString(text); match != "" {
			out = append(out, Finding{
				Rule:     p.name,
				Severity: SeverityCritical,
				Detail:   "matched " + redact(match),
			})
		}
	}
	return out
}

// redact keeps only enough of the match to locate it.
func redact(s string) string {
	if len(s) <= 8 {
		return s[:len(s)/2] + "…"
	}
	return s[:8] + "…"
}

var injectionPatterns = []secretPattern{
	{"instruction override", regexp.MustCompile(`(?i)ignore (all )?previous instructions`)},
	{"instruction override", regexp.MustCompile(`(?i)disregard (all )?(your|previous) instructions`)},
	{"role hijack", regexp.MustCompile(`(?i)you are now a`)},
	{"system prompt injection", regexp.MustCompile(`(?i)new system prompt`)},
	{"system marker injection", regexp.MustCompile(`\bSYSTEM:`)},
	{"template marker injection", regexp.MustCompile(`\[INST\]`)},
	{"chat template injection", regexp.MustCompile(`<\|im_start\|>`)},
}

// ScanInjection reports prompt-injection attempts. Hits are high.
func ScanInjection(text string) []Finding {
	var out []Finding
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			out = append(out, Finding{
				Rule:     p.name,
				Severity: SeverityHigh,
				Detail:   "prompt-injection pattern present",
			})
		}
	}
	return out
}

var sqlInjectionPatterns = []secretPattern{
	{"string-built SQL", regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE)[^;{}]*["']\s*\+`)},
	{"string-built SQL", regexp.MustCompile(`(?i)\+\s*["']\s*(WHERE|AND|OR)\b`)},
	{"formatted SQL", regexp.MustCompile(`(?i)Sprintf\([^)]*(SELECT|INSERT|UPDATE|DELETE)[^)]*%[sv]`)},
	{"tautology probe", regexp.MustCompile(`(?i)'\s*OR\s*'1'\s*=\s*'1`)},
}

// ScanSQLInjection reports SQL built by string concatenation. Hits are
// high.
func ScanSQLInjection(code string) []Finding {
	var out []Finding
	for _, p := range sqlInjectionPatterns {
		if p.re.MatchString(code) {
			out = append(out, Finding{
				Rule:     p.name,
				Severity: SeverityHigh,
				Detail:   "query assembled from unparameterized input",
			})
		}
	}
	return out
}

var pathTraversalPattern = regexp.MustCompile(`(?i)(open|readfile|readdir|create|remove)\w*\([^)]*\.\./`)

// ScanPathTraversal reports "../" reaching file operations. Hits are
// high.
func ScanPathTraversal(code string) []Finding {
	if pathTraversalPattern.MatchString(code) {
		return []Finding{{
			Rule:     "path traversal",
			Severity: SeverityHigh,
			Detail:   "relative parent path flows into a file operation",
		}}
	}
	return nil
}

// ScanAll runs every static scanner over the text.
func ScanAll(text string) []Finding {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Finding
	out = append(out, ScanSecrets(text)...)
	out = append(out, ScanInjection(text)...)
	out = append(out, ScanSQLInjection(text)...)
	out = append(out, ScanPathTraversal(text)...)
	return out
}
