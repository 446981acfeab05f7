package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StringArg fetches a string-like argument, returning "" when the key is
// absent or nil.
func StringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	value, ok := args[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// IntArg parses an integer-ish argument. Model output decodes numbers as
// float64 and sometimes quotes them.
func IntArg(args map[string]any, key string) (int, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// StringSliceArg coalesces array-like arguments into a trimmed slice of
// strings, handling both []any and singular string inputs.
func StringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key]
	if !ok {
		return nil
	}
	switch typed := raw.(type) {
	case []string:
		return typed
	case []any:
		var result []string
		for _, item := range typed {
			if str := strings.TrimSpace(fmt.Sprint(item)); str != "" {
				result = append(result, str)
			}
		}
		return result
	case string:
		if trimmed := strings.TrimSpace(typed); trimmed != "" {
			return []string{trimmed}
		}
	}
	return nil
}

// ValidateArguments checks args against the schema's required fields,
// declared types and enums. Unknown arguments are tolerated.
func ValidateArguments(schema ParameterSchema, args map[string]any) error {
	for _, name := range schema.Required {
		value, ok := args[name]
		if !ok || value == nil {
			return fmt.Errorf("missing required argument %q", name)
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("argument %q cannot be empty", name)
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok || value == nil {
			continue
		}
		if !matchesType(prop.Type, value) {
			return fmt.Errorf("argument %q must be of type %s", name, prop.Type)
		}
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, value) {
			return fmt.Errorf("argument %q has unsupported value %v", name, value)
		}
	}
	return nil
}

func matchesType(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer", "number":
		switch value.(type) {
		case int, int64, float64, json.Number:
			return true
		case string:
			_, err := strconv.ParseFloat(strings.TrimSpace(value.(string)), 64)
			return err == nil
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

func inEnum(enum []any, value any) bool {
	for _, allowed := range enum {
		if fmt.Sprint(allowed) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}
