// Package template resolves {{path}} placeholders in action configuration.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dukex/psaflow/pkg/payload"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Substitute returns a copy of config with every string rendered against data.
// Nested maps and lists are walked; non-string leaves are copied as they are.
func Substitute(config map[string]any, data map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(config))
	for key, value := range config {
		out[key] = substituteValue(value, data)
	}

	return out
}

func substituteValue(value any, data map[string]any) any {
	switch typed := value.(type) {
	case string:
		return Render(typed, data)
	case map[string]any:
		return Substitute(typed, data)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = substituteValue(item, data)
		}

		return out
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = Render(item, data)
		}

		return out
	default:
		return value
	}
}

// Render resolves the placeholders in input. When input is exactly one
// placeholder the resolved value keeps its type; otherwise values are
// stringified in place. Unresolved placeholders render as "".
func Render(input string, data map[string]any) any {
	if !strings.Contains(input, "{{") {
		return input
	}

	if match := placeholderPattern.FindStringSubmatchIndex(input); match != nil && match[0] == 0 && match[1] == len(input) {
		value, found := payload.Lookup(data, input[match[2]:match[3]])
		if !found {
			return ""
		}

		return value
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(token string) string {
		path := placeholderPattern.FindStringSubmatch(token)[1]

		value, found := payload.Lookup(data, path)
		if !found {
			return ""
		}

		return Stringify(value)
	})
}

// Stringify formats a resolved value for embedding in a larger string.
func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return fmt.Sprint(typed)
	case fmt.Stringer:
		return typed.String()
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}

	return string(encoded)
}
