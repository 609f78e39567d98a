// Package risk classifies planned tool calls by blast radius and decides
// which user gate, if any, must pass before execution.
package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/voicewire/voicewire/pkg/models"
)

// Verb classes, matched against the leading verb of a tool name.
var (
	safeVerbs   = wordSet("list", "get", "read", "view", "search", "find")
	createVerbs = wordSet("create", "add", "new", "post", "send", "schedule")
	updateVerbs = wordSet("update", "edit", "modify", "change", "move", "rename")
	deleteVerbs = wordSet("delete", "remove", "cancel", "clear", "purge", "wipe")
	notifyVerbs = wordSet("send", "post", "message", "email")
)

// bulkWords in the query text signal fan-out over many objects.
var bulkWords = []string{"all", "every", "bulk", "multiple"}

// Patterns for secret material in parameter values.
var (
	longRunPattern  = regexp.MustCompile(`[A-Za-z0-9]{32,}`)
	cardLikePattern = regexp.MustCompile(`\b\d{13,16}\b`)
)

// fanOutThreshold is the count/ids size above which a step is HIGH risk.
const fanOutThreshold = 5

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Assessor applies the ordered rule table. Stateless and safe for concurrent
// use.
type Assessor struct{}

// NewAssessor creates a risk assessor.
func NewAssessor() *Assessor {
	return &Assessor{}
}

// Assess classifies one planned step in the context of the raw query text.
// The result level is the maximum of all contributing rules.
func (a *Assessor) Assess(query string, step *models.PlanStep) *models.RiskAssessment {
	assessment := &models.RiskAssessment{Level: models.RiskSafe}
	verb := leadingVerb(step.Tool)

	switch {
	case deleteVerbs[verb]:
		assessment.Destructive = true
		raise(assessment, models.RiskMedium, fmt.Sprintf("%s is destructive", step.Tool))
	case updateVerbs[verb]:
		raise(assessment, models.RiskMedium, fmt.Sprintf("%s modifies existing data", step.Tool))
	case createVerbs[verb]:
		raise(assessment, models.RiskLow, fmt.Sprintf("%s creates new data", step.Tool))
	case safeVerbs[verb]:
		// read-only baseline
	}

	lowered := strings.ToLower(query)
	for _, word := range bulkWords {
		if containsWord(lowered, word) {
			raise(assessment, models.RiskHigh, fmt.Sprintf("query requests %q (bulk operation)", word))
			break
		}
	}

	if n, ok := fanOutSize(step.Params); ok && n > fanOutThreshold {
		raise(assessment, models.RiskHigh, fmt.Sprintf("operation targets %d items", n))
	}

	if hasRecipients(step.Params) || notifyVerbs[verb] {
		raise(assessment, models.RiskLow, "sends external notifications")
	}

	if reason, found := secretMaterial(step.Params); found {
		raise(assessment, models.RiskMedium, reason)
	}

	return assessment
}

// AssessPlan classifies every step and returns the per-step assessments plus
// the overall maximum.
func (a *Assessor) AssessPlan(query string, steps []*models.PlanStep) ([]*models.RiskAssessment, *models.RiskAssessment) {
	overall := &models.RiskAssessment{Level: models.RiskSafe}
	out := make([]*models.RiskAssessment, len(steps))
	for i, step := range steps {
		out[i] = a.Assess(query, step)
		if out[i].Level > overall.Level {
			overall.Level = out[i].Level
		}
		if out[i].Destructive {
			overall.Destructive = true
		}
		overall.Reasons = append(overall.Reasons, out[i].Reasons...)
	}
	return out, overall
}

// Satisfies reports whether a user response passes the gate for the given
// level: "confirm" or "yes" for MEDIUM, the literal "APPROVED" for HIGH.
func Satisfies(level models.RiskLevel, response string) bool {
	trimmed := strings.TrimSpace(response)
	if level >= models.RiskHigh {
		return trimmed == "APPROVED"
	}
	if trimmed == "APPROVED" {
		return true
	}
	folded := strings.ToLower(trimmed)
	return folded == "confirm" || folded == "yes"
}

// Summary renders the human-readable explanation for a confirmation prompt.
func Summary(assessment *models.RiskAssessment) string {
	if len(assessment.Reasons) == 0 {
		return fmt.Sprintf("This action is rated %s.", assessment.Level)
	}
	return fmt.Sprintf("This action is rated %s: %s.", assessment.Level, strings.Join(assessment.Reasons, "; "))
}

func raise(assessment *models.RiskAssessment, level models.RiskLevel, reason string) {
	if level > assessment.Level {
		assessment.Level = level
	}
	assessment.Reasons = append(assessment.Reasons, reason)
}

// leadingVerb extracts the first word of a snake- or kebab-case tool name.
func leadingVerb(tool string) string {
	lowered := strings.ToLower(tool)
	for i, r := range lowered {
		if r == '_' || r == '-' || r == '.' {
			return lowered[:i]
		}
	}
	return lowered
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// fanOutSize reads the explicit target cardinality from params: a numeric
// "count" or the length of an "ids" array.
func fanOutSize(params map[string]any) (int, bool) {
	if params == nil {
		return 0, false
	}
	if raw, ok := params["count"]; ok {
		switch v := raw.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	if raw, ok := params["ids"]; ok {
		if arr, ok := raw.([]any); ok {
			return len(arr), true
		}
		if arr, ok := raw.([]string); ok {
			return len(arr), true
		}
	}
	return 0, false
}

func hasRecipients(params map[string]any) bool {
	for key := range params {
		lowered := strings.ToLower(key)
		if strings.Contains(lowered, "attendee") || strings.Contains(lowered, "recipient") {
			return true
		}
	}
	return false
}

// secretMaterial scans string parameter values, recursively, for patterns
// that look like credentials or card numbers.
func secretMaterial(params map[string]any) (string, bool) {
	return scanValues(params)
}

func scanValues(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		if strings.Contains(strings.ToLower(v), "password") {
			return "parameter mentions a password", true
		}
		if cardLikePattern.MatchString(v) {
			return "parameter contains a card-like number sequence", true
		}
		if longRunPattern.MatchString(v) {
			return "parameter contains what looks like a credential", true
		}
	case map[string]any:
		for _, inner := range v {
			if reason, found := scanValues(inner); found {
				return reason, true
			}
		}
	case []any:
		for _, inner := range v {
			if reason, found := scanValues(inner); found {
				return reason, true
			}
		}
	}
	return "", false
}
