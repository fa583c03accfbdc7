package answers

import (
	"reflect"

	"github.com/pitabwire/stepwise/model"
)

// Change describes the effect of a mutation.
type Change struct {
	Path     string
	Field    string
	Previous any
	Current  any
	// Changed is false when the new value equals the previous one.
	Changed bool
	// Cleared lists the descendant fields whose answers were removed,
	// parents first.
	Cleared []string
}

// Store is the answer map of one instance. It is not safe for concurrent use;
// the engine serializes mutations per instance.
type Store struct {
	graph  *Graph
	values map[string]any
}

// New wraps values. The map is used in place; pass a copy to keep the
// original untouched.
func New(graph *Graph, values map[string]any) *Store {
	if values == nil {
		values = make(map[string]any)
	}
	return &Store{graph: graph, values: values}
}

// Get returns the answer at path.
func (s *Store) Get(path string) (any, bool) {
	field, sub := SplitPath(path)
	v, ok := s.values[field]
	if !ok || sub == "" {
		return v, ok
	}
	m, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	sv, ok := m[sub]
	return sv, ok
}

// Filled reports whether the field at path holds a non-empty answer.
func (s *Store) Filled(path string) bool {
	v, ok := s.Get(path)
	return ok && !model.IsEmpty(v)
}

// Set writes v at path. An empty value clears the path. Writing a different
// value to a top-level field clears its descendants; writing the same value
// changes nothing.
func (s *Store) Set(path string, v any) Change {
	v = Normalize(v)
	if model.IsEmpty(v) {
		return s.Clear(path)
	}

	field, sub := SplitPath(path)
	prev, _ := s.Get(path)
	ch := Change{Path: path, Field: field, Previous: prev, Current: v}
	if Equal(prev, v) {
		return ch
	}
	ch.Changed = true

	if sub != "" {
		m, _ := s.values[field].(map[string]any)
		next := make(map[string]any, len(m)+1)
		for k, mv := range m {
			next[k] = mv
		}
		next[sub] = v
		s.values[field] = next
		return ch
	}

	s.values[field] = v
	ch.Cleared = s.clearDescendants(field)
	return ch
}

// Clear removes the answer at path and, for a top-level field, all of its
// descendants.
func (s *Store) Clear(path string) Change {
	field, sub := SplitPath(path)
	prev, had := s.Get(path)
	ch := Change{Path: path, Field: field, Previous: prev, Changed: had}

	if sub != "" {
		if m, ok := s.values[field].(map[string]any); ok && had {
			next := make(map[string]any, len(m))
			for k, mv := range m {
				if k != sub {
					next[k] = mv
				}
			}
			if len(next) == 0 {
				delete(s.values, field)
			} else {
				s.values[field] = next
			}
		}
		return ch
	}

	delete(s.values, field)
	ch.Cleared = s.clearDescendants(field)
	if len(ch.Cleared) > 0 {
		ch.Changed = true
	}
	return ch
}

// Values returns a shallow copy of the answer map.
func (s *Store) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Store) clearDescendants(field string) []string {
	var cleared []string
	for _, id := range s.graph.Descendants(field) {
		if _, ok := s.values[id]; ok {
			delete(s.values, id)
			cleared = append(cleared, id)
		}
	}
	return cleared
}

// Normalize converts decoded JSON shapes the engine does not distinguish:
// []string becomes []any and map[string]string becomes map[string]any.
func Normalize(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}
	return v
}

// Equal compares two answers. Scalars compare by their string form so 5 and
// 5.0 are the same answer.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case []any, map[string]any:
		return reflect.DeepEqual(a, b)
	}
	switch b.(type) {
	case []any, map[string]any:
		return false
	}
	return model.ValueString(a) == model.ValueString(b)
}
