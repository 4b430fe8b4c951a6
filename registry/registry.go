// Package registry maps class names to constructors inside a worker
// executable.
//
// A constructor is any function returning a pointer, optionally followed by
// an error:
//
//	registry.Register("Calculator", func(start int) *Calculator { ... })
//	registry.Register("Store", func(path string, opts StoreOptions) (*Store, error) { ... })
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"procxy/codec"
	"procxy/errors"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Class is a registered constructor.
type Class struct {
	Name string
	ctor reflect.Value
}

// Type returns the type of the instances the class constructs.
func (c *Class) Type() reflect.Type {
	return c.ctor.Type().Out(0)
}

// New converts args to the constructor's parameter types with cdc and calls it.
func (c *Class) New(cdc codec.Codec, args []any) (any, error) {
	ft := c.ctor.Type()
	types, err := ArgTypes(ft, 0, len(args))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, err)
	}
	in := make([]reflect.Value, len(types))
	for i, t := range types {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		v, err := codec.Convert(cdc, arg, t)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("%s argument %d", c.Name, i), err.Error())
		}
		in[i] = v
	}
	out := c.ctor.Call(in)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	if out[0].IsNil() {
		return nil, fmt.Errorf("%s: constructor returned nil", c.Name)
	}
	return out[0].Interface(), nil
}

// ArgTypes returns the parameter types that n arguments bind to, skipping
// the first skip parameters. Missing trailing arguments bind to zero values;
// surplus arguments are an error unless ft is variadic.
func ArgTypes(ft reflect.Type, skip, n int) ([]reflect.Type, error) {
	fixed := ft.NumIn() - skip
	if ft.IsVariadic() {
		fixed--
	}
	if n > fixed && !ft.IsVariadic() {
		return nil, fmt.Errorf("too many arguments: got %d, want at most %d", n, fixed)
	}
	count := fixed
	if n > count {
		count = n
	}
	types := make([]reflect.Type, count)
	for i := range types {
		if i < fixed {
			types[i] = ft.In(skip + i)
		} else {
			types[i] = ft.In(ft.NumIn() - 1).Elem()
		}
	}
	return types, nil
}

// Registry holds classes by name.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{classes: make(map[string]*Class)}
}

// Register adds a constructor under name.
func (r *Registry) Register(name string, ctor any) error {
	if name == "" {
		return fmt.Errorf("registry: empty class name")
	}
	v := reflect.ValueOf(ctor)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Errorf("registry: constructor for %s must be a function, got %T", name, ctor)
	}
	t := v.Type()
	switch {
	case t.NumOut() == 0 || t.NumOut() > 2:
		return fmt.Errorf("registry: constructor for %s must return (*T) or (*T, error)", name)
	case t.Out(0).Kind() != reflect.Pointer:
		return fmt.Errorf("registry: constructor for %s must return a pointer, got %s", name, t.Out(0))
	case t.NumOut() == 2 && t.Out(1) != errorType:
		return fmt.Errorf("registry: second result of %s constructor must be error", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.classes[name]; dup {
		return fmt.Errorf("registry: class %s already registered", name)
	}
	r.classes[name] = &Class{Name: name, ctor: v}
	return nil
}

// MustRegister is Register that panics on error, for use in init functions.
func (r *Registry) MustRegister(name string, ctor any) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Lookup returns the class registered as name.
func (r *Registry) Lookup(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Names returns the registered class names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the registry served by worker.Main.
var Default = New()

// Register adds a constructor to Default.
func Register(name string, ctor any) error { return Default.Register(name, ctor) }

// MustRegister adds a constructor to Default and panics on error.
func MustRegister(name string, ctor any) { Default.MustRegister(name, ctor) }
