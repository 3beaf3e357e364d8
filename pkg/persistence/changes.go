package persistence

import (
	"encoding/json"
	"fmt"
)

// ChangeType names the kind of a captured property change.
type ChangeType string

const (
	// ChangeSetValue replaces a scalar value.
	ChangeSetValue ChangeType = "setValue"
	// ChangeArray adds and removes elements of a sequence.
	ChangeArray ChangeType = "arrayChange"
	// ChangeArrayReplace replaces a whole sequence.
	ChangeArrayReplace ChangeType = "arrayReplace"
)

// ArrayDelta is one element level change of a sequence, in JSON form.
type ArrayDelta struct {
	Added   []any `json:"added,omitempty"`
	Removed []any `json:"removed,omitempty"`
}

// ChangeStore accumulates the changes of one object. For any property it
// holds either a replacement value or a list of deltas, never both.
type ChangeStore struct {
	SetValue    map[string]any          `json:"setValue,omitempty"`
	ArrayChange map[string][]ArrayDelta `json:"arrayChange,omitempty"`
}

// Record adds a change. An arrayChange clears any pending value for the
// property and a setValue or arrayReplace clears its pending deltas.
func (s *ChangeStore) Record(property string, changeType ChangeType, value any) error {
	switch changeType {
	case ChangeArray:
		deltas, err := toDeltas(value)
		if err != nil {
			return err
		}
		if s.ArrayChange == nil {
			s.ArrayChange = make(map[string][]ArrayDelta)
		}
		s.ArrayChange[property] = append(s.ArrayChange[property], deltas...)
		delete(s.SetValue, property)
	case ChangeSetValue, ChangeArrayReplace:
		if s.SetValue == nil {
			s.SetValue = make(map[string]any)
		}
		s.SetValue[property] = value
		delete(s.ArrayChange, property)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChangeType, changeType)
	}
	return nil
}

// IsEmpty reports whether nothing was recorded.
func (s *ChangeStore) IsEmpty() bool {
	return s == nil || (len(s.SetValue) == 0 && len(s.ArrayChange) == 0)
}

// Clone copies the maps of s. Values are JSON and shared.
func (s *ChangeStore) Clone() *ChangeStore {
	out := &ChangeStore{}
	if s == nil {
		return out
	}
	if s.SetValue != nil {
		out.SetValue = make(map[string]any, len(s.SetValue))
		for k, v := range s.SetValue {
			out.SetValue[k] = v
		}
	}
	if s.ArrayChange != nil {
		out.ArrayChange = make(map[string][]ArrayDelta, len(s.ArrayChange))
		for k, v := range s.ArrayChange {
			out.ArrayChange[k] = append([]ArrayDelta(nil), v...)
		}
	}
	return out
}

// toDeltas accepts an ArrayDelta, a slice of them, or their decoded JSON.
func toDeltas(value any) ([]ArrayDelta, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case ArrayDelta:
		return []ArrayDelta{v}, nil
	case *ArrayDelta:
		return []ArrayDelta{*v}, nil
	case []ArrayDelta:
		return v, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("persistence: array change: %w", err)
	}
	if len(b) > 0 && b[0] == '[' {
		var out []ArrayDelta
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("persistence: array change: %w", err)
		}
		return out, nil
	}
	var d ArrayDelta
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("persistence: array change: %w", err)
	}
	return []ArrayDelta{d}, nil
}
