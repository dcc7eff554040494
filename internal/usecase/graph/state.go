package graph

import "maps"

// State is the keyed value passed between nodes.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)
	return out
}

// Merge writes every key of update into s.
func (s State) Merge(update State) {
	maps.Copy(s, update)
}

// String returns s[key] if it is a string, else "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int returns s[key] as an int, accepting JSON-decoded floats. It returns def
// when the key is missing or not numeric.
func (s State) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns s[key] if it is a bool, else false.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Map returns s[key] if it is a map, else nil.
func (s State) Map(key string) map[string]any {
	switch v := s[key].(type) {
	case map[string]any:
		return v
	case State:
		return v
	}
	return nil
}
