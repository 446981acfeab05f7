package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrMalformedAction reports a model reply that names no usable action.
var ErrMalformedAction = errors.New("malformed action")

// Action is the next step the model asked for.
type Action struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Thought    string         `json:"thought,omitempty"`
}

// rawAction accepts the key spellings models commonly produce.
type rawAction struct {
	Name       string         `json:"name"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
	Args       map[string]any `json:"args"`
	Thought    string         `json:"thought"`
}

// ParseAction extracts the action object from a model reply. The object may
// be wrapped in a fenced code block or surrounded by prose; damaged JSON is
// repaired before giving up.
func ParseAction(content string) (Action, error) {
	candidate := extractJSONObject(content)
	if candidate == "" {
		return Action{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedAction)
	}

	var raw rawAction
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
		}
		raw = rawAction{}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
		}
	}

	action := Action{Thought: strings.TrimSpace(raw.Thought)}
	for _, name := range []string{raw.Name, raw.Tool, raw.Action} {
		if name = strings.TrimSpace(name); name != "" {
			action.Name = name
			break
		}
	}
	if action.Name == "" {
		return Action{}, fmt.Errorf("%w: missing action name", ErrMalformedAction)
	}
	for _, params := range []map[string]any{raw.Parameters, raw.Arguments, raw.Args} {
		if params != nil {
			action.Parameters = params
			break
		}
	}
	if action.Parameters == nil {
		action.Parameters = map[string]any{}
	}
	return action, nil
}

// extractJSONObject returns the text from the first '{' to its matching
// closing brace, preferring the inside of a fenced block. An unterminated
// object is returned as-is so it can be repaired.
func extractJSONObject(content string) string {
	text := strings.TrimSpace(content)
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		if strings.Contains(body, "{") {
			text = strings.TrimSpace(body)
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
