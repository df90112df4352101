package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// resultSchemaJSON is the contract the agent's final output must satisfy.
// The agent may wrap it in prose or a fenced code block; extraction
// happens before validation.
const resultSchemaJSON = `{
	"type": "object",
	"required": ["issue", "outcome", "summary"],
	"properties": {
		"issue": {"type": "integer", "minimum": 1},
		"outcome": {"type": "string", "enum": ["completed", "blocked", "skipped"]},
		"summary": {"type": "string", "minLength": 1, "maxLength": 4000},
		"pr_url": {"type": "string"}
	}
}`

// Result is the agent's structured verdict for one issue.
type Result struct {
	Issue   int    `json:"issue"`
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
	PRURL   string `json:"pr_url,omitempty"`
}

// ResultValidator validates agent output against the result schema.
type ResultValidator struct {
	schema *jsonschema.Schema
}

// NewResultValidator compiles the result schema.
func NewResultValidator() (*ResultValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &ResultValidator{schema: compiled}, nil
}

// Parse extracts the JSON verdict from the agent's raw output and
// validates it. The agent usually emits prose around the JSON; only the
// embedded object counts.
func (v *ResultValidator) Parse(output string) (*Result, error) {
	jsonStr := extractJSON(output)
	if jsonStr == "" {
		return nil, fmt.Errorf("agent output contains no JSON verdict")
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON in agent output: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("agent result failed schema validation: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("decode agent result: %w", err)
	}
	return &result, nil
}

// extractJSON finds a JSON object or array in the agent output.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: find first { or [ and match closing.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of
// the string, tracking string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
