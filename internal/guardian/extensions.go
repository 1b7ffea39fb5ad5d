package guardian

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"atelier/internal/llm"
	"atelier/internal/logging"
)

// =============================================================================
// DEEP LLM REVIEW
// =============================================================================

// LLMReviewer performs the deep security review of builder artifacts
// through the LLM client.
type LLMReviewer struct {
	client *llm.Client
	model  string
}

// NewLLMReviewer builds a reviewer on the given model.
func NewLLMReviewer(client *llm.Client, model string) *LLMReviewer {
	return &LLMReviewer{client: client, model: model}
}

const reviewSystem = `You are a security reviewer. Examine the submitted code or artifact
for vulnerabilities: injection, unsafe deserialization, secrets handling,
unvalidated input reaching dangerous sinks. Respond with JSON only:
{"findings": [{"rule": "...", "severity": "critical|high|medium|low|info", "detail": "..."}]}
An empty findings array means the artifact is clean.`

// Review asks the model for findings. A failed call is an error, not a
// verdict: the caller decides how to degrade.
func (r *LLMReviewer) Review(ctx context.Context, content string) ([]Finding, error) {
	var parsed struct {
		Findings []struct {
			Rule     string `json:"rule"`
			Severity string `json:"severity"`
			Detail   string `json:"detail"`
		} `json:"findings"`
	}
	resp := r.client.GenerateJSON(ctx, llm.Request{
		Agent:  "guardian",
		Model:  r.model,
		System: reviewSystem,
		Messages: []llm.Message{
			{Role: "user", Content: "Review this artifact:\n\n" + content},
		},
		Temperature: 0.0,
	}, &parsed)
	if resp.Err {
		return nil, fmt.Errorf("deep review call failed: %s", resp.Message)
	}

	out := make([]Finding, 0, len(parsed.Findings))
	for _, f := range parsed.Findings {
		severity := strings.ToLower(f.Severity)
		if _, ok := severityRank[severity]; !ok {
			severity = SeverityInfo
		}
		out = append(out, Finding{Rule: f.Rule, Severity: severity, Detail: f.Detail})
	}
	return out, nil
}

// =============================================================================
// BREAKING-CHANGE DETECTION
// =============================================================================

var declPattern = regexp.MustCompile(`^\s*(func|type|const|var)\s+[A-Z]\w*`)

// DetectBreakingChanges compares two versions of a source file and flags
// exported declarations that disappeared. Line-level only: a rename and
// a removal look the same.
func DetectBreakingChanges(before, after string) []Finding {
	afterDecls := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(after))
	for scanner.Scan() {
		if decl := declPattern.FindString(scanner.Text()); decl != "" {
			afterDecls[strings.TrimSpace(decl)] = true
		}
	}

	var out []Finding
	scanner = bufio.NewScanner(strings.NewReader(before))
	for scanner.Scan() {
		decl := declPattern.FindString(scanner.Text())
		if decl == "" {
			continue
		}
		decl = strings.TrimSpace(decl)
		if !afterDecls[decl] {
			out = append(out, Finding{
				Rule:     "breaking change",
				Severity: SeverityHigh,
				Detail:   fmt.Sprintf("exported declaration removed: %s", decl),
			})
		}
	}
	return out
}

// =============================================================================
// CONVENTION ENFORCEMENT
// =============================================================================

// ConventionRule is one enforceable style or policy rule.
type ConventionRule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Message  string `yaml:"message"`
	Severity string `yaml:"severity"`

	re *regexp.Regexp
}

// LoadConventionRules reads rules from the GUARDIAN_CONVENTION_RULES env
// var (semicolon-separated "pattern=message" pairs) or, failing that,
// from the YAML file at path. No rules anywhere is fine.
func LoadConventionRules(path string) []ConventionRule {
	if raw := os.Getenv("GUARDIAN_CONVENTION_RULES"); raw != "" {
		return parseEnvRules(raw)
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rules []ConventionRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		logging.GuardianWarn("bad convention rules file %s: %v", path, err)
		return nil
	}
	return compileRules(rules)
}

func parseEnvRules(raw string) []ConventionRule {
	var rules []ConventionRule
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, message := entry, "convention violation"
		if idx := strings.Index(entry, "="); idx > 0 {
			pattern, message = entry[:idx], entry[idx+1:]
		}
		rules = append(rules, ConventionRule{Name: pattern, Pattern: pattern, Message: message, Severity: SeverityMedium})
	}
	return compileRules(rules)
}

func compileRules(rules []ConventionRule) []ConventionRule {
	out := rules[:0]
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			logging.GuardianWarn("skipping convention rule %q: %v", r.Pattern, err)
			continue
		}
		r.re = re
		if r.Severity == "" {
			r.Severity = SeverityMedium
		}
		if r.Message == "" {
			r.Message = "convention violation"
		}
		out = append(out, r)
	}
	return out
}

// CheckConventions applies the rules to code.
func CheckConventions(code string, rules []ConventionRule) []Finding {
	var out []Finding
	for _, r := range rules {
		if r.re != nil && r.re.MatchString(code) {
			out = append(out, Finding{Rule: "convention: " + r.Name, Severity: r.Severity, Detail: r.Message})
		}
	}
	return out
}

// =============================================================================
// ROLLBACK RECOMMENDATION
// =============================================================================

const rollbackBlockThreshold = 3

// RecommendRollback looks at recent intercept events and suggests
// reverting when the same task keeps getting blocked.
func RecommendRollback(events []Event, taskID string) (bool, string) {
	blocks := 0
	for _, e := range events {
		if e.TaskID == taskID && e.Verdict == VerdictBlock {
			blocks++
		}
	}
	if blocks >= rollbackBlockThreshold {
		return true, fmt.Sprintf("task %s was blocked %d times recently; recommend rolling back its commits and re-planning", taskID, blocks)
	}
	return false, ""
}
