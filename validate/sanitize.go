package validate

import (
	"math"
	"reflect"
	"strings"
)

// Sanitize returns a generic copy of v with every leaf that the extended mode
// cannot carry removed: struct fields are omitted, slice elements and map
// values become nil, map entries with unusable keys are dropped and cycles
// are cut. Structs become map[string]any keyed by field name.
//
// Sanitize is a one-shot fallback; callers validate the result again.
func Sanitize(v any) any {
	s := &sanitizer{ancestors: map[visit]bool{}}
	out, _ := s.copy(reflect.ValueOf(v))
	return out
}

type sanitizer struct {
	ancestors map[visit]bool
}

// copy returns the sanitized value and false if rv must be dropped.
func (s *sanitizer) copy(rv reflect.Value) (any, bool) {
	if !rv.IsValid() {
		return nil, true
	}
	t := rv.Type()
	if special(t) || (t.Kind() == reflect.Pointer && special(t.Elem())) {
		return rv.Interface(), true
	}
	if t.Implements(errorType) {
		if t.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, true
		}
		return rv.Interface(), true
	}

	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Interface(), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return rv.Interface(), true
	case reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		return s.copy(rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true
		}
		var out any
		ok := s.guard(rv, func() { out, _ = s.copy(rv.Elem()) })
		return out, ok
	case reflect.Slice:
		if rv.IsNil() {
			return nil, true
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), true
		}
		var out []any
		ok := s.guard(rv, func() { out = s.elems(rv) })
		return out, ok
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), true
		}
		return s.elems(rv), true
	case reflect.Map:
		if rv.IsNil() {
			return nil, true
		}
		var out any
		ok := s.guard(rv, func() { out = s.entries(rv) })
		return out, ok
	case reflect.Struct:
		return s.fields(rv), true
	}
	// Functions, channels, unsafe pointers and complex numbers.
	return nil, false
}

// guard runs fn with rv marked as an ancestor; it reports false for a cycle.
func (s *sanitizer) guard(rv reflect.Value, fn func()) bool {
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		fn()
		return true
	}
	v := visit{rv.Pointer(), rv.Type()}
	if s.ancestors[v] {
		return false
	}
	s.ancestors[v] = true
	defer delete(s.ancestors, v)
	fn()
	return true
}

func (s *sanitizer) elems(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i], _ = s.copy(rv.Index(i))
	}
	return out
}

func (s *sanitizer) entries(rv reflect.Value) any {
	iter := rv.MapRange()
	if rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		for iter.Next() {
			out[iter.Key().String()], _ = s.copy(iter.Value())
		}
		return out
	}
	out := make(map[any]any, rv.Len())
	for iter.Next() {
		k, ok := s.copy(iter.Key())
		if !ok || k == nil || !reflect.TypeOf(k).Comparable() {
			continue
		}
		out[k], _ = s.copy(iter.Value())
	}
	return out
}

func (s *sanitizer) fields(rv reflect.Value) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if v, ok := s.copy(rv.Field(i)); ok {
			out[name] = v
		}
	}
	return out
}
