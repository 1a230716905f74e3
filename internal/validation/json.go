package validation

import "strings"

// ExtractJSON pulls the first balanced JSON object out of a model reply,
// tolerating markdown code fences and leading or trailing prose.
func ExtractJSON(content string) string {
	trimmed := stripCodeFences(content)
	if trimmed == "" {
		return trimmed
	}
	if obj, ok := extractObject(trimmed); ok {
		return obj
	}
	return trimmed
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimLeft(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// extractObject scans for the first '{' and returns the text up to its
// matching '}', skipping braces inside string literals.
func extractObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString, escaped := false, false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start, depth = i, 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// Preview truncates s to at most n runes, marking the cut with "…".
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
