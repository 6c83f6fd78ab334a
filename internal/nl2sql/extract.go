package nl2sql

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencePattern       = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\n?(.*?)(?:```|$)")
	leadingWordPattern = regexp.MustCompile(`^(?i:select|with|explain|insert|update|delete|drop|alter|truncate|create|grant|revoke|merge|call|execute|copy|vacuum)\b`)
)

// Extract returns the first SQL candidate found in raw backend output and
// any assumptions the backend listed. Candidates are tried in order:
//
//  1. a JSON object with a string "sql" key;
//  2. the first fenced code block;
//  3. the first line starting with SELECT, WITH or EXPLAIN, extended over
//     the following non-blank lines until one ends with a semicolon.
//     Lines starting with a mutating keyword count too, so such replies
//     reach the guard and are rejected rather than reported as missing.
//
// Later candidates are ignored, so a reply that explains itself with
// SQL-like prose before the real answer yields the prose. An empty string
// means nothing usable was found.
func Extract(raw string) (string, []string) {
	if sql, assumptions, ok := extractJSON(raw); ok {
		return sql, assumptions
	}
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql, nil
		}
	}
	return extractKeywordLine(raw), nil
}

func extractJSON(raw string) (string, []string, bool) {
	obj, ok := decodeObject(strings.TrimSpace(raw))
	if !ok {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return "", nil, false
		}
		if obj, ok = decodeObject(raw[start : end+1]); !ok {
			return "", nil, false
		}
	}
	value, ok := obj["sql"].(string)
	if !ok {
		return "", nil, false
	}
	var assumptions []string
	if list, ok := obj["assumptions"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				assumptions = append(assumptions, s)
				continue
			}
			assumptions = append(assumptions, fmt.Sprint(item))
		}
	}
	return strings.TrimSpace(value), assumptions, true
}

func decodeObject(text string) (map[string]any, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func extractKeywordLine(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !leadingWordPattern.MatchString(trimmed) {
			continue
		}
		statement := []string{trimmed}
		for j := i + 1; j < len(lines) && !strings.HasSuffix(statement[len(statement)-1], ";"); j++ {
			next := strings.TrimSpace(lines[j])
			if next == "" {
				break
			}
			statement = append(statement, next)
		}
		return strings.Join(statement, "\n")
	}
	return ""
}
