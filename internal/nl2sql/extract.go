package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"
)

type extractionStrategy struct {
	name    string
	extract func(payload map[string]json.RawMessage) string
}

// Order matters: the first strategy yielding non-empty text wins.
var extractionStrategies = []extractionStrategy{
	{name: "candidates", extract: fromCandidates},
	{name: "output", extract: fromOutput},
	{name: "response.text", extract: fromResponseText},
}

type textPart struct {
	Text string `json:"text"`
}

func extractText(raw []byte) (string, string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", fmt.Errorf("decode generation response: %w", err)
	}
	for _, strategy := range extractionStrategies {
		if text := strings.TrimSpace(strategy.extract(payload)); text != "" {
			return text, strategy.name, nil
		}
	}
	return "", "", fmt.Errorf("generation response contained no text")
}

func fromCandidates(payload map[string]json.RawMessage) string {
	var candidates []struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(payload["candidates"], &candidates); err != nil || len(candidates) == 0 {
		return ""
	}
	content := candidates[0].Content

	var parts []textPart
	if err := json.Unmarshal(content, &parts); err != nil {
		var wrapped struct {
			Parts []textPart `json:"parts"`
		}
		if err := json.Unmarshal(content, &wrapped); err != nil {
			return ""
		}
		parts = wrapped.Parts
	}

	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func fromOutput(payload map[string]json.RawMessage) string {
	var output string
	if err := json.Unmarshal(payload["output"], &output); err != nil {
		return ""
	}
	return output
}

func fromResponseText(payload map[string]json.RawMessage) string {
	var response textPart
	if err := json.Unmarshal(payload["response"], &response); err != nil {
		return ""
	}
	return response.Text
}
