package persistence

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is a JSON object as decoded by encoding/json.
type Record = map[string]any

// Wire keys.
const (
	// FieldRootClass tags top level records handed to Datasource.Put.
	FieldRootClass = "__classname"
	// FieldClass tags embedded values and reference stubs.
	FieldClass = "$$classname"
	// FieldID holds the identifier.
	FieldID = "uuid"
	// fieldAltID is accepted in place of FieldID when reading stubs.
	fieldAltID = "id"
)

// DateLayout is the textual encoding of KindDate values.
const DateLayout = time.RFC3339Nano

func asRecord(v any) (Record, bool) {
	switch r := v.(type) {
	case map[string]any:
		return r, true
	default:
		return nil, false
	}
}

// classTag returns the type tag of an embedded value or stub, falling back to
// the root tag.
func classTag(rec Record) string {
	if s, ok := rec[FieldClass].(string); ok && s != "" {
		return s
	}
	s, _ := rec[FieldRootClass].(string)
	return s
}

func stubID(rec Record) string {
	if s, ok := rec[FieldID].(string); ok && s != "" {
		return s
	}
	s, _ := rec[fieldAltID].(string)
	return s
}

// CloneRecord returns a deep copy of rec, converting through JSON.
func CloneRecord(rec Record) (Record, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// The As* helpers convert values handed to property setters, which are
// already converted to the property's kind but may be nil.

// AsString returns v as a string, "" for nil or other types.
func AsString(v any) string {
	s, _ := v.(string)
	return s
}

// AsInt returns v as an int64, 0 for nil or other types.
func AsInt(v any) int64 {
	n, _ := toInt(v)
	return n
}

// AsFloat returns v as a float64, 0 for nil or other types.
func AsFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}

// AsBool returns v as a bool, false for nil or other types.
func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// AsTime returns v as a time.Time, the zero time for nil or other types.
func AsTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

// AsList returns v as a *List, nil for nil or other types.
func AsList(v any) *List {
	l, _ := v.(*List)
	return l
}

// AsSlice returns v as a []any, nil for nil or other types.
func AsSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// AsObject returns v as a T, the zero T for nil or other types.
func AsObject[T Object](v any) T {
	o, _ := v.(T)
	return o
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt(float64(n))
	case json.Number:
		return toInt(string(n))
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toInt(f)
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func jsonScalar(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
