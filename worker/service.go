package worker

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"procxy/codec"
	"procxy/dedup"
	"procxy/errors"
	"procxy/validate"
)

// PropertySource lets a class expose tracked properties beyond its exported
// fields. The returned map is read before and after every call.
type PropertySource interface {
	TrackedProperties() map[string]any
}

// HandleReceiver accepts live handles sent with Proxy.SendHandle. h is an
// *os.File, net.Conn or net.Listener depending on kind.
type HandleReceiver interface {
	ReceiveHandle(kind string, h any) error
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	emitterType = reflect.TypeOf(EventEmitter{})
)

// reserved methods are part of the worker protocol, not the class surface.
var reserved = map[string]bool{
	"On": true, "Once": true, "Emit": true, "ListenerCount": true,
	"DisposeContext": true, "Dispose": true, "Close": true,
	"ReceiveHandle": true, "TrackedProperties": true,
	"Lock": true, "Unlock": true, "TryLock": true,
	"RLock": true, "RUnlock": true, "TryRLock": true, "RLocker": true,
}

type methodType struct {
	method reflect.Method
	ctxArg bool // first parameter after the receiver is a context.Context
	errOut bool // last result is an error
}

// service is the reflective view of one instance.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
	fields map[string][]int

	locker sync.Locker // the instance, when it guards itself
	mu     sync.Mutex  // held by the running call of an exclusive instance
}

func newService(name string, rcvr any) *service {
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    reflect.TypeOf(rcvr),
		method: make(map[string]*methodType),
		fields: make(map[string][]int),
	}
	if l, ok := rcvr.(sync.Locker); ok {
		s.locker = l
	}
	s.registerMethods()
	s.registerFields()
	return s
}

// registerMethods scans the exported methods of the instance.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		if reserved[m.Name] {
			continue
		}
		mt := &methodType{method: m}
		ft := m.Type
		if ft.NumIn() > 1 && ft.In(1) == contextType {
			mt.ctxArg = true
		}
		if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
			mt.errOut = true
		}
		s.method[m.Name] = mt
	}
}

// registerFields records the exported, non-function fields of the instance.
// Fields tagged procxy:"-" are skipped.
func (s *service) registerFields() {
	t := s.typ
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Tag.Get("procxy") == "-" || f.Type == emitterType {
			continue
		}
		if f.Anonymous {
			continue
		}
		switch f.Type.Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			continue
		}
		if _, isMethod := s.method[f.Name]; isMethod {
			continue
		}
		s.fields[f.Name] = f.Index
	}
}

// lookup resolves member to a method, or a MemberError.
func (s *service) lookup(member string) (*methodType, error) {
	if m, ok := s.method[member]; ok {
		return m, nil
	}
	if _, ok := s.fields[member]; ok {
		return nil, errors.NewNotCallable(s.name, member)
	}
	if src, ok := s.rcvr.Interface().(PropertySource); ok {
		if _, ok := src.TrackedProperties()[member]; ok {
			return nil, errors.NewNotCallable(s.name, member)
		}
	}
	return nil, errors.NewMissingMember(s.name, member)
}

// call invokes m with already converted arguments and folds its results into
// a value and an error.
func (s *service) call(m *methodType, args []reflect.Value) (any, error) {
	in := append([]reflect.Value{s.rcvr}, args...)
	out := m.method.Func.Call(in)
	if m.errOut {
		last := out[len(out)-1]
		out = out[:len(out)-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	values := make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, nil
}

// fieldValue reads a field, treating a nil embedded pointer on the path as
// absent.
func (s *service) fieldValue(index []int) (reflect.Value, bool) {
	v := s.rcvr
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	f, err := v.FieldByIndexErr(index)
	if err != nil {
		return reflect.Value{}, false
	}
	return f, true
}

// candidates returns every property the instance currently exposes.
func (s *service) candidates() map[string]any {
	props := make(map[string]any, len(s.fields))
	for name, index := range s.fields {
		if f, ok := s.fieldValue(index); ok {
			props[name] = f.Interface()
		}
	}
	if src, ok := s.rcvr.Interface().(PropertySource); ok {
		for name, v := range src.TrackedProperties() {
			props[name] = v
		}
	}
	return props
}

// property returns a detached copy of the current value of name, or nil if it
// is unknown or not serializable under mode. The caller guards the instance.
func (s *service) property(name string, mode codec.Mode) any {
	v := s.candidates()[name]
	if validate.Validate(v, mode) != nil {
		return nil
	}
	return validate.Sanitize(v)
}

type propState struct {
	canon string
	value any
}

// snapshot captures the properties that are serializable under mode. A name
// becomes tracked the first time its value is serializable. Values are
// detached copies, so they can be encoded after the instance is released.
// The caller guards the instance.
func (s *service) snapshot(mode codec.Mode) map[string]propState {
	snap := make(map[string]propState)
	for name, v := range s.candidates() {
		if validate.Validate(v, mode) != nil {
			continue
		}
		snap[name] = propState{canon: dedup.Canonical(v), value: validate.Sanitize(v)}
	}
	return snap
}

// changes lists the tracked properties whose value differs between before
// and after, sorted by name.
func changes(before, after map[string]propState) []string {
	var names []string
	for name, a := range after {
		if b, ok := before[name]; !ok || b.canon != a.canon {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
