// Package orchestrator runs planned tool calls against connected providers,
// gating risky steps on user confirmation and streaming progress back to the
// caller.
package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

// Template references produced by the planner:
//
//	{{results[0].events}}        array or scalar from an earlier step
//	{{results[1].data.items[2]}} dot and bracket paths
//	_currentItem.id              field of the item under iteration
var templatePattern = regexp.MustCompile(`^\{\{\s*results\[(\d+)\]\.?(.*?)\s*\}\}$`)

const currentItemPrefix = "_currentItem."

// resolveParams returns a copy of params with every template reference
// replaced by its value. Unresolvable references resolve to nil and are
// passed through so the tool's own validation reports the gap.
func resolveParams(params map[string]any, results []any, currentItem any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		out[key] = resolveValue(value, results, currentItem)
	}
	return out
}

func resolveValue(value any, results []any, currentItem any) any {
	switch v := value.(type) {
	case string:
		if resolved, ok := resolveReference(v, results, currentItem); ok {
			return resolved
		}
		return v
	case map[string]any:
		return resolveParams(v, results, currentItem)
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = resolveValue(inner, results, currentItem)
		}
		return out
	default:
		return value
	}
}

// resolveReference resolves a string that is entirely a template reference.
// Strings with embedded references stay literal.
func resolveReference(s string, results []any, currentItem any) (any, bool) {
	if strings.HasPrefix(s, currentItemPrefix) {
		return lookupPath(currentItem, s[len(currentItemPrefix):]), true
	}
	m := templatePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil || idx < 0 || idx >= len(results) {
		return nil, true
	}
	if m[2] == "" {
		return results[idx], true
	}
	return lookupPath(results[idx], m[2]), true
}

// lookupPath walks a dot path with optional [N] indexing into decoded JSON.
// Any miss yields nil.
func lookupPath(root any, path string) any {
	current := root
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			continue
		}
		name, indexes := splitIndexes(segment)
		if name != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			current, ok = obj[name]
			if !ok {
				return nil
			}
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil
			}
			current = arr[idx]
		}
	}
	return current
}

// splitIndexes separates "items[0][1]" into "items" and [0, 1].
func splitIndexes(segment string) (string, []int) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, nil
	}
	name := segment[:open]
	var indexes []int
	rest := segment[open:]
	for strings.HasPrefix(rest, "[") {
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return name, indexes
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return name, indexes
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return name, indexes
}
