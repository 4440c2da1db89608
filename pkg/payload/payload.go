// Package payload resolves dot paths such as "payload.client.email" or
// "steps[0].output.id" inside decoded JSON-like documents.
package payload

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned by Parse for syntactically broken paths.
var ErrInvalidPath = errors.New("invalid path")

// Segment is one step of a path: a map key or a slice index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Parse splits a path into segments. "a.b[2].c" yields a, b, [2], c.
func Parse(path string) ([]Segment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	var segments []Segment

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}

		key, rest, bracket := strings.Cut(part, "[")
		if key != "" {
			segments = append(segments, Segment{Key: key})
		}

		if !bracket {
			if strings.Contains(part, "]") {
				return nil, fmt.Errorf("%w: unbalanced bracket in %q", ErrInvalidPath, path)
			}

			continue
		}

		for _, idx := range strings.Split("["+rest, "[")[1:] {
			raw, ok := strings.CutSuffix(idx, "]")
			if !ok {
				return nil, fmt.Errorf("%w: unbalanced bracket in %q", ErrInvalidPath, path)
			}

			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, raw, path)
			}

			segments = append(segments, Segment{Index: n, IsIndex: true})
		}
	}

	return segments, nil
}

// Lookup resolves path in data. found is false when any segment is missing;
// a present key holding nil yields (nil, true).
func Lookup(data any, path string) (value any, found bool) {
	segments, err := Parse(path)
	if err != nil {
		return nil, false
	}

	current := data

	for _, segment := range segments {
		next, ok := step(current, segment)
		if !ok {
			return nil, false
		}

		current = next
	}

	return current, true
}

func step(current any, segment Segment) (any, bool) {
	if segment.IsIndex {
		switch typed := current.(type) {
		case []any:
			if segment.Index >= len(typed) {
				return nil, false
			}

			return typed[segment.Index], true
		case []map[string]any:
			if segment.Index >= len(typed) {
				return nil, false
			}

			return typed[segment.Index], true
		}

		v := reflect.ValueOf(current)
		if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) || segment.Index >= v.Len() {
			return nil, false
		}

		return v.Index(segment.Index).Interface(), true
	}

	switch typed := current.(type) {
	case map[string]any:
		value, ok := typed[segment.Key]

		return value, ok
	case map[string]string:
		value, ok := typed[segment.Key]

		return value, ok
	}

	v := reflect.ValueOf(current)
	if !v.IsValid() || v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, false
	}

	value := v.MapIndex(reflect.ValueOf(segment.Key).Convert(v.Type().Key()))
	if !value.IsValid() {
		return nil, false
	}

	return value.Interface(), true
}
