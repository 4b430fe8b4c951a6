// Package validate checks values against the type universe of a serialization
// mode before they cross the process boundary.
//
// Basic mode admits nil, booleans, finite numbers, strings, slices and arrays,
// string-keyed maps and structs with exported fields, recursively. Extended
// mode additionally admits byte slices and arrays, maps with any serializable
// comparable key, time.Time, big.Int, *regexp.Regexp and error values.
// Functions, channels, unsafe pointers and complex numbers are never admitted,
// except that a top-level function argument may be routed through the
// callback path.
package validate

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"strconv"
	"time"

	"procxy/codec"
	"procxy/errors"
)

// Reasons reported by SerializabilityError.
const (
	ReasonFunction        = "is a function"
	ReasonChannel         = "is a channel"
	ReasonUnsafePointer   = "is an unsafe pointer"
	ReasonComplex         = "is a complex number"
	ReasonUnexportedOnly  = "has unexported fields only"
	ReasonCircular        = "contains a circular reference"
	ReasonNonFinite       = "is a non-finite number"
	ReasonNonStringKey    = "has a non-string map key"
	reasonNonWhitelisted  = "is an instance of a non-whitelisted type "
	reasonUnsupportedKind = "has an unsupported kind "
)

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	timeType   = reflect.TypeOf(time.Time{})
	bigIntType = reflect.TypeOf(big.Int{})
	regexpType = reflect.TypeOf(regexp.Regexp{})
)

// Options controls a validation pass.
type Options struct {
	Mode codec.Mode

	// AllowCallbacks admits function values at the top level of an argument
	// list. The caller is expected to replace them with callback references.
	AllowCallbacks bool
}

// Validate checks v against mode. The root of reported paths is "value".
func Validate(v any, mode codec.Mode) error {
	return check("value", v, Options{Mode: mode})
}

// Args checks an argument list. Paths are reported as args[i]...
func Args(args []any, opts Options) error {
	for i, a := range args {
		if err := check(fmt.Sprintf("args[%d]", i), a, opts); err != nil {
			return err
		}
	}
	return nil
}

func check(root string, v any, opts Options) error {
	if opts.Mode == "" {
		opts.Mode = codec.ModeBasic
	}
	rv := reflect.ValueOf(v)
	if opts.AllowCallbacks && rv.Kind() == reflect.Func {
		return nil
	}
	w := &walker{mode: opts.Mode, ancestors: map[visit]bool{}}
	if path, reason, ok := w.walk(root, rv); !ok {
		return &errors.SerializabilityError{Mode: string(opts.Mode), Path: path, Reason: reason}
	}
	return nil
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type walker struct {
	mode      codec.Mode
	ancestors map[visit]bool
}

func (w *walker) extended() bool { return w.mode == codec.ModeExtended }

func nonWhitelisted(t reflect.Type) string {
	return reasonNonWhitelisted + t.String()
}

// special reports whether t is one of the extended-mode value types.
func special(t reflect.Type) bool {
	switch t {
	case timeType, bigIntType, regexpType:
		return true
	}
	return false
}

// walk returns the path and reason of the first offending value, and ok=false
// if one was found.
func (w *walker) walk(path string, rv reflect.Value) (string, string, bool) {
	if !rv.IsValid() {
		return "", "", true
	}
	t := rv.Type()

	if special(t) {
		if w.extended() {
			return "", "", true
		}
		return path, nonWhitelisted(t), false
	}
	if t.Kind() == reflect.Pointer && special(t.Elem()) {
		if w.extended() || rv.IsNil() {
			return "", "", true
		}
		return path, nonWhitelisted(t), false
	}
	if t.Implements(errorType) && !(t.Kind() == reflect.Pointer && rv.IsNil()) {
		if w.extended() {
			return "", "", true
		}
		return path, nonWhitelisted(t), false
	}

	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return "", "", true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return path, ReasonNonFinite, false
		}
		return "", "", true
	case reflect.Complex64, reflect.Complex128:
		return path, ReasonComplex, false
	case reflect.Func:
		return path, ReasonFunction, false
	case reflect.Chan:
		return path, ReasonChannel, false
	case reflect.UnsafePointer:
		return path, ReasonUnsafePointer, false
	case reflect.Interface:
		if rv.IsNil() {
			return "", "", true
		}
		return w.walk(path, rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return "", "", true
		}
		return w.enter(path, rv, func() (string, string, bool) { return w.walk(path, rv.Elem()) })
	case reflect.Slice:
		if rv.IsNil() {
			return "", "", true
		}
		if t.Elem().Kind() == reflect.Uint8 {
			if w.extended() {
				return "", "", true
			}
			return path, nonWhitelisted(t), false
		}
		return w.enter(path, rv, func() (string, string, bool) { return w.elems(path, rv) })
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 && t.Len() > 0 {
			if w.extended() {
				return "", "", true
			}
			return path, nonWhitelisted(t), false
		}
		return w.elems(path, rv)
	case reflect.Map:
		if rv.IsNil() {
			return "", "", true
		}
		return w.enter(path, rv, func() (string, string, bool) { return w.mapEntries(path, rv) })
	case reflect.Struct:
		return w.fields(path, rv)
	}
	return path, reasonUnsupportedKind + rv.Kind().String(), false
}

// enter tracks rv as an ancestor while fn runs so that a reference back to it
// is reported as a cycle.
func (w *walker) enter(path string, rv reflect.Value, fn func() (string, string, bool)) (string, string, bool) {
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return fn()
	}
	v := visit{rv.Pointer(), rv.Type()}
	if w.ancestors[v] {
		return path, ReasonCircular, false
	}
	w.ancestors[v] = true
	defer delete(w.ancestors, v)
	return fn()
}

func (w *walker) elems(path string, rv reflect.Value) (string, string, bool) {
	for i := 0; i < rv.Len(); i++ {
		if p, r, ok := w.walk(path+"["+strconv.Itoa(i)+"]", rv.Index(i)); !ok {
			return p, r, false
		}
	}
	return "", "", true
}

func (w *walker) mapEntries(path string, rv reflect.Value) (string, string, bool) {
	stringKeys := rv.Type().Key().Kind() == reflect.String
	if !stringKeys && !w.extended() {
		return path, ReasonNonStringKey, false
	}
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key()
		sub := path + "[" + keyText(key) + "]"
		if !stringKeys {
			if p, r, ok := w.walk(sub+"<key>", key); !ok {
				return p, r, false
			}
		}
		if p, r, ok := w.walk(sub, iter.Value()); !ok {
			return p, r, false
		}
	}
	return "", "", true
}

func keyText(key reflect.Value) string {
	for key.Kind() == reflect.Interface && !key.IsNil() {
		key = key.Elem()
	}
	if key.Kind() == reflect.String {
		return strconv.Quote(key.String())
	}
	if key.IsValid() && key.CanInterface() {
		return fmt.Sprint(key.Interface())
	}
	return "?"
}

func (w *walker) fields(path string, rv reflect.Value) (string, string, bool) {
	t := rv.Type()
	exported := 0
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		exported++
		if f.Tag.Get("json") == "-" {
			continue
		}
		if p, r, ok := w.walk(path+"."+f.Name, rv.Field(i)); !ok {
			return p, r, false
		}
	}
	if exported == 0 && t.NumField() > 0 {
		return path, ReasonUnexportedOnly, false
	}
	return "", "", true
}
