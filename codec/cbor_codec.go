package codec

import (
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"procxy/errors"
	"procxy/message"
)

// CBOR tag numbers for values without a native CBOR type.
const (
	tagObject = 27 // [typeName, fields...]
	tagRegexp = 35
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
}

// CBORCodec carries the extended-mode universe. Values are lowered to a
// generic tree before encoding so that regular expressions and errors travel
// as tagged items, and decoded interface slots are raised back to their Go
// types.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(toWire(reflect.ValueOf(v), map[uintptr]bool{}))
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return err
	}
	raiseInto(reflect.ValueOf(v))
	return nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	timeType   = reflect.TypeOf(time.Time{})
	bigIntType = reflect.TypeOf(big.Int{})
	regexpType = reflect.TypeOf(regexp.Regexp{})
)

// toWire lowers rv to values the CBOR encoder handles natively.
func toWire(rv reflect.Value, seen map[uintptr]bool) any {
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	t := rv.Type()
	if t.Implements(errorType) && !(t.Kind() == reflect.Pointer && rv.IsNil()) {
		return errorTag(rv.Interface().(error))
	}
	switch t {
	case timeType, bigIntType:
		return rv.Interface()
	case reflect.PointerTo(bigIntType):
		if rv.IsNil() {
			return nil
		}
		return rv.Interface()
	case reflect.PointerTo(regexpType):
		if rv.IsNil() {
			return nil
		}
		return cbor.Tag{Number: tagRegexp, Content: rv.Interface().(*regexp.Regexp).String()}
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		if seen[rv.Pointer()] {
			return nil
		}
		seen[rv.Pointer()] = true
		defer delete(seen, rv.Pointer())
		return toWire(rv.Elem(), seen)
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitEmpty, skip := fieldName(f)
			if skip {
				continue
			}
			fv := rv.Field(i)
			if omitEmpty && fv.IsZero() {
				continue
			}
			out[name] = toWire(fv, seen)
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return rv.Bytes()
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = toWire(rv.Index(i), seen)
		}
		return out
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return b
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = toWire(rv.Index(i), seen)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if t.Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = toWire(iter.Value(), seen)
			}
			return out
		}
		out := make(map[any]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := toWire(iter.Key(), seen)
			if k != nil && !reflect.TypeOf(k).Comparable() {
				k = fmt.Sprint(k)
			}
			out[k] = toWire(iter.Value(), seen)
		}
		return out
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil
	}
	return rv.Interface()
}

func errorTag(err error) cbor.Tag {
	info := errors.ToInfo(err)
	return cbor.Tag{Number: tagObject, Content: []any{"Error", info.Name, info.Message, info.Stack, info.Code}}
}

// fieldName applies the cbor, then json, struct tag conventions.
func fieldName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := f.Tag.Lookup("cbor")
	if !ok {
		tag = f.Tag.Get("json")
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

// raiseInto walks a decoded destination and raises every interface slot.
func raiseInto(rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Pointer:
		if !rv.IsNil() {
			raiseInto(rv.Elem())
		}
	case reflect.Interface:
		if !rv.IsNil() && rv.CanSet() {
			if raised := raise(rv.Interface()); raised != nil {
				rv.Set(reflect.ValueOf(raised))
			}
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if rv.Type().Field(i).IsExported() {
				raiseInto(rv.Field(i))
			}
		}
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < rv.Len(); i++ {
			raiseInto(rv.Index(i))
		}
	case reflect.Map:
		if rv.Type().Elem().Kind() != reflect.Interface {
			return
		}
		iter := rv.MapRange()
		for iter.Next() {
			if iter.Value().IsNil() {
				continue
			}
			if raised := raise(iter.Value().Interface()); raised != nil {
				rv.SetMapIndex(iter.Key(), reflect.ValueOf(raised))
			}
		}
	}
}

// raise turns a generic decoded value back into its Go representation.
func raise(v any) any {
	switch t := v.(type) {
	case cbor.Tag:
		return raiseTag(t)
	case big.Int:
		return &t
	case []any:
		for i := range t {
			t[i] = raise(t[i])
		}
		return t
	case map[any]any:
		allStrings := true
		for k := range t {
			if _, ok := k.(string); !ok {
				allStrings = false
				break
			}
		}
		if allStrings {
			out := make(map[string]any, len(t))
			for k, val := range t {
				out[k.(string)] = raise(val)
			}
			return out
		}
		out := make(map[any]any, len(t))
		for k, val := range t {
			out[k] = raise(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = raise(val)
		}
		return t
	}
	return v
}

func raiseTag(t cbor.Tag) any {
	switch t.Number {
	case tagRegexp:
		if src, ok := t.Content.(string); ok {
			if re, err := regexp.Compile(src); err == nil {
				return re
			}
		}
	case tagObject:
		fields, ok := t.Content.([]any)
		if ok && len(fields) == 5 && fields[0] == "Error" {
			info := &message.ErrorInfo{}
			info.Name, _ = fields[1].(string)
			info.Message, _ = fields[2].(string)
			info.Stack, _ = fields[3].(string)
			info.Code, _ = fields[4].(string)
			return errors.FromInfo(info)
		}
	case 0:
		if s, ok := t.Content.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts
			}
		}
	case 1:
		switch n := t.Content.(type) {
		case uint64:
			return time.Unix(int64(n), 0)
		case int64:
			return time.Unix(n, 0)
		case float64:
			sec := int64(n)
			return time.Unix(sec, int64((n-float64(sec))*1e9))
		}
	case 2, 3:
		if b, ok := t.Content.([]byte); ok {
			n := new(big.Int).SetBytes(b)
			if t.Number == 3 {
				n.Add(n, big.NewInt(1)).Neg(n)
			}
			return n
		}
	}
	t.Content = raise(t.Content)
	return t
}
