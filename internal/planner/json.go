package planner

import (
	"encoding/json"
	"strings"
)

// decodeStrict parses an LLM reply that is supposed to be a single JSON
// object. Code fences and surrounding prose are tolerated; anything else is
// an error.
func decodeStrict(reply string, out any) error {
	cleaned := strings.TrimSpace(reply)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if i := strings.LastIndex(cleaned, "```"); i >= 0 {
			cleaned = cleaned[:i]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	// tolerate a sentence before or after the object
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		cleaned = cleaned[start : end+1]
	}

	return json.Unmarshal([]byte(cleaned), out)
}
