// Package json decodes JSON objects emitted by language models.
//
// Models do not always emit clean JSON for tool-call arguments: objects come
// wrapped in markdown fences, surrounded by commentary, or encoded a second
// time as a JSON string. Decode tolerates those shapes and nothing else.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode extracts a JSON object from raw model output and unmarshals it into T.
func Decode[T any](raw string) (T, error) {
	var result T
	obj, err := Extract(raw)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}

// Extract returns the JSON object contained in raw.
//
// Limitations:
// - Only handles JSON objects, not arrays
// - Uses first '{' and last '}' for embedded objects
func Extract(raw string) (string, error) {
	text := stripFences(raw)

	// Doubly encoded: "{\"topic\": \"...\"}"
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err == nil {
			text = strings.TrimSpace(inner)
		}
	}

	if isObject(text) {
		return text, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		candidate := text[start : end+1]
		if isObject(candidate) {
			return candidate, nil
		}
	}

	preview := raw
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

func isObject(s string) bool {
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil && v != nil
}

// stripFences removes markdown code block markers (```json ... ```).
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimPrefix(trimmed, "json")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	return strings.TrimSpace(trimmed)
}
