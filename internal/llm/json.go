package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ExtractJSON returns the JSON object inside an LLM response, handling
// markdown code fences and surrounding prose. It returns "" if no object is
// present.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		if endIdx < 1 {
			endIdx = 1
		}
		text = strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// ParseJSONResponse parses a JSON response from an LLM, handling markdown code blocks.
func ParseJSONResponse(text string) map[string]any {
	obj := ExtractJSON(text)
	if obj == "" {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		slog.Debug("failed to parse LLM response as JSON", "error", err)
		return nil
	}

	return result
}
