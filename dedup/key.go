// Package dedup coordinates worker creation so that identical creation
// requests share one worker.
//
// A creation request is reduced to a Key, a digest of the class name, the
// module path, the isolation options and the constructor arguments. Cache
// returns a live instance for a key, joins a creation already in flight for
// it, or starts a new one.
package dedup

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"procxy/errors"
)

// Isolation holds the creation options that change worker identity. Timeout
// and retry count are deliberately absent.
type Isolation struct {
	Env            map[string]string `json:"env,omitempty"`
	Dir            string            `json:"dir,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Mode           string            `json:"mode"`
	SupportHandles bool              `json:"supportHandles"`
	Sanitize       bool              `json:"sanitize"`
}

// Key returns h(className):h(modulePath):h(isolation):h(args).
func Key(className, modulePath string, iso Isolation, args []any) string {
	return strings.Join([]string{
		digest(className),
		digest(modulePath),
		digest(Canonical(iso)),
		digest(Canonical(args)),
	}, ":")
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Canonical renders v as stable text: map keys and struct fields sorted,
// time.Time as RFC 3339, regular expressions as /src/, errors as
// Error(name: message), sets as sorted lists, byte slices as base64 and
// cycles as "[Circular]".
func Canonical(v any) string {
	c := &canonicalizer{seen: map[uintptr]bool{}}
	data, err := json.Marshal(c.tree(reflect.ValueOf(v)))
	if err != nil {
		// The tree only holds JSON-safe values.
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}

const (
	circularMarker = "[Circular]"
	functionMarker = "[Function]"
)

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	timeType   = reflect.TypeOf(time.Time{})
	bigIntType = reflect.TypeOf(big.Int{})
)

type canonicalizer struct {
	seen map[uintptr]bool
}

func (c *canonicalizer) tree(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		return c.tree(rv.Elem())
	}
	t := rv.Type()

	switch {
	case t == timeType:
		return rv.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
	case t == bigIntType:
		n := rv.Interface().(big.Int)
		return "bigint:" + n.String()
	case t.Kind() == reflect.Pointer && t.Elem() == bigIntType && !rv.IsNil():
		return "bigint:" + rv.Interface().(*big.Int).String()
	case t == reflect.TypeOf(&regexp.Regexp{}) && !rv.IsNil():
		return "/" + rv.Interface().(*regexp.Regexp).String() + "/"
	case t.Implements(errorType) && !(t.Kind() == reflect.Pointer && rv.IsNil()):
		info := errors.ToInfo(rv.Interface().(error))
		return fmt.Sprintf("Error(%s: %s)", info.Name, info.Message)
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
		return f
	case reflect.Func:
		return functionMarker
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return c.guard(rv, func() any { return c.tree(rv.Elem()) })
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes())
		}
		return c.guard(rv, func() any { return c.list(rv) })
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return base64.StdEncoding.EncodeToString(b)
		}
		return c.list(rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		return c.guard(rv, func() any { return c.mapTree(rv) })
	case reflect.Struct:
		return c.structTree(rv)
	}
	return "[" + rv.Kind().String() + "]"
}

func (c *canonicalizer) guard(rv reflect.Value, fn func() any) any {
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return fn()
	}
	ptr := rv.Pointer()
	if c.seen[ptr] {
		return circularMarker
	}
	c.seen[ptr] = true
	defer delete(c.seen, ptr)
	return fn()
}

func (c *canonicalizer) list(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = c.tree(rv.Index(i))
	}
	return out
}

func (c *canonicalizer) mapTree(rv reflect.Value) any {
	t := rv.Type()
	if t.Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = c.tree(iter.Value())
		}
		return out
	}

	type entry struct {
		key  string
		pair []any
	}
	set := t.Elem().Kind() == reflect.Struct && t.Elem().NumField() == 0
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := c.tree(iter.Key())
		kb, _ := json.Marshal(k)
		e := entry{key: string(kb)}
		if set {
			e.pair = []any{k}
		} else {
			e.pair = []any{k, c.tree(iter.Value())}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := make([]any, len(entries))
	for i, e := range entries {
		if set {
			out[i] = e.pair[0]
		} else {
			out[i] = e.pair
		}
	}
	if set {
		return map[string]any{"set": out}
	}
	return map[string]any{"map": out}
}

func (c *canonicalizer) structTree(rv reflect.Value) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := rv.Field(i)
		if strings.Contains(opts, "omitempty") && empty(fv) {
			continue
		}
		out[name] = c.tree(fv)
	}
	return out
}

func empty(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.String, reflect.Array:
		return rv.Len() == 0
	}
	return rv.IsZero()
}
