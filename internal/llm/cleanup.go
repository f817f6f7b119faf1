package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		t = strings.TrimPrefix(t, "```")
	}
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return strings.TrimSpace(t)
}

// ExtractJSON returns the outermost JSON object or array embedded in a model
// response, skipping leading prose and code fences.
func ExtractJSON(text string) (string, bool) {
	t := StripFences(text)
	start := strings.IndexAny(t, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if t[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(t, closer)
	if end <= start {
		return "", false
	}
	return t[start : end+1], true
}

// DecodeJSON extracts and unmarshals the JSON payload of a model response.
func DecodeJSON(text string, v any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return fmt.Errorf("no JSON payload in model output")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// CleanProse trims fences and common chat preambles from free-text output.
func CleanProse(text string) string {
	t := StripFences(text)
	lower := strings.ToLower(t)
	for _, p := range []string{"sure, here", "sure! here", "here is", "here's", "certainly"} {
		if strings.HasPrefix(lower, p) {
			if nl := strings.IndexByte(t, '\n'); nl >= 0 {
				t = strings.TrimSpace(t[nl+1:])
			}
			break
		}
	}
	return t
}
