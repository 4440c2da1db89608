package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/payload"
)

var ErrExpectedList = errors.New("value must be a list")

// DefaultOperators returns a fresh copy of the built-in operator table.
func DefaultOperators() map[models.ConditionOperator]OperatorFunc {
	return map[models.ConditionOperator]OperatorFunc{
		models.OperatorEquals:             opEquals,
		models.OperatorNotEquals:          negate(opEquals),
		models.OperatorGreaterThan:        compare(func(a, b float64) bool { return a > b }),
		models.OperatorGreaterThanOrEqual: compare(func(a, b float64) bool { return a >= b }),
		models.OperatorLessThan:           compare(func(a, b float64) bool { return a < b }),
		models.OperatorLessThanOrEqual:    compare(func(a, b float64) bool { return a <= b }),
		models.OperatorContains:           opContains,
		models.OperatorNotContains:        opNotContains,
		models.OperatorStartsWith:         stringMatch(strings.HasPrefix),
		models.OperatorEndsWith:           stringMatch(strings.HasSuffix),
		models.OperatorIn:                 opIn,
		models.OperatorNotIn:              negate(opIn),
		models.OperatorExists:             opExists,
		models.OperatorNotExists:          negate(opExists),
		models.OperatorIsEmpty:            opIsEmpty,
		models.OperatorIsNotEmpty:         negate(opIsEmpty),
		models.OperatorChanged:            opChanged,
	}
}

func negate(fn OperatorFunc) OperatorFunc {
	return func(in Input) (bool, error) {
		matched, err := fn(in)
		if err != nil {
			return false, err
		}

		return !matched, nil
	}
}

func opEquals(in Input) (bool, error) {
	if !in.Found {
		return false, nil
	}

	return Equal(in.Actual, in.Expected), nil
}

func opExists(in Input) (bool, error) {
	return in.Found && in.Actual != nil, nil
}

func compare(cmp func(a, b float64) bool) OperatorFunc {
	return func(in Input) (bool, error) {
		a, ok := ToNumber(in.Actual)
		if !ok {
			return false, nil
		}

		b, ok := ToNumber(in.Expected)
		if !ok {
			return false, nil
		}

		return cmp(a, b), nil
	}
}

// contains reports ok=false when the operands cannot be compared at all.
func contains(in Input) (matched bool, ok bool) {
	if !in.Found || in.Actual == nil {
		return false, false
	}

	if s, isString := in.Actual.(string); isString {
		sub, isString := in.Expected.(string)
		if !isString {
			return false, false
		}

		return strings.Contains(strings.ToLower(s), strings.ToLower(sub)), true
	}

	items, isList := asList(in.Actual)
	if !isList {
		return false, false
	}

	for _, item := range items {
		if Equal(item, in.Expected) {
			return true, true
		}
	}

	return false, true
}

func opContains(in Input) (bool, error) {
	matched, _ := contains(in)

	return matched, nil
}

func opNotContains(in Input) (bool, error) {
	matched, ok := contains(in)

	return ok && !matched, nil
}

func stringMatch(fn func(s, affix string) bool) OperatorFunc {
	return func(in Input) (bool, error) {
		s, ok := in.Actual.(string)
		if !ok {
			return false, nil
		}

		affix, ok := in.Expected.(string)
		if !ok {
			return false, nil
		}

		return fn(strings.ToLower(s), strings.ToLower(affix)), nil
	}
}

func opIn(in Input) (bool, error) {
	items, ok := asList(in.Expected)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrExpectedList, in.Expected)
	}

	if !in.Found {
		return false, nil
	}

	for _, item := range items {
		if Equal(in.Actual, item) {
			return true, nil
		}
	}

	return false, nil
}

func opIsEmpty(in Input) (bool, error) {
	if !in.Found || in.Actual == nil {
		return true, nil
	}

	if s, ok := in.Actual.(string); ok {
		return strings.TrimSpace(s) == "", nil
	}

	v := reflect.ValueOf(in.Actual)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return v.Len() == 0, nil
	default:
		return false, nil
	}
}

// opChanged compares the field with its previous value. Expected may name the
// path of the previous value; by default "payload.status" is compared with
// "payload.previousStatus".
func opChanged(in Input) (bool, error) {
	previousPath, _ := in.Expected.(string)
	if previousPath == "" {
		previousPath = PreviousPath(in.Field)
	}

	previous, found := payload.Lookup(in.Data, previousPath)
	if !in.Found && !found {
		return false, nil
	}

	if in.Found != found {
		return true, nil
	}

	return !Equal(in.Actual, previous), nil
}

// PreviousPath derives "a.previousB" from "a.b".
func PreviousPath(field string) string {
	prefix, last := "", field
	if i := strings.LastIndex(field, "."); i >= 0 {
		prefix, last = field[:i+1], field[i+1:]
	}

	if last == "" {
		return prefix + "previous"
	}

	runes := []rune(last)
	runes[0] = unicode.ToUpper(runes[0])

	return prefix + "previous" + string(runes)
}

// Equal is deep equality with numeric normalisation, so 1 and 1.0 are equal.
// Strings are never coerced to numbers.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	if n, ok := number(v); ok {
		return n
	}

	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalize(item)
		}

		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalize(item)
		}

		return out
	}

	if items, ok := asList(v); ok {
		return normalize(items)
	}

	return v
}

// ToNumber coerces numbers and numeric strings to float64.
func ToNumber(v any) (float64, bool) {
	if n, ok := number(v); ok {
		return n, true
	}

	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}

		return f, true
	}

	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

func asList(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}

	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}

	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}

	return items, true
}
