package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// StripCodeFence removes a Markdown code fence around the answer, with or
// without a language tag. Text before the opening fence is dropped.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		// drop the language tag line
		if tag := strings.TrimSpace(rest[:nl]); !strings.ContainsAny(tag, "{[") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// DecodeJSON strips code fences and unmarshals the answer into v. Answers
// that are not valid JSON (trailing commas, single quotes, truncation) are
// repaired once before giving up.
func DecodeJSON(answer string, v interface{}) error {
	text := StripCodeFence(answer)
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("failed to parse llm json: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("failed to parse llm json: %w", err)
	}
	return nil
}
