// Package message defines the messages exchanged between a parent session and
// its worker process.
//
// Message is a tagged union: Type selects the variant and only the fields that
// variant documents are populated. The codec layer serializes it and the
// protocol layer wraps it in a frame.
//
//	parent → worker: init, call, dispose, event_subscribe, event_unsubscribe,
//	                 callback_result, callback_error, property_get, handle
//	worker → parent: init_success, init_failure, result, error,
//	                 dispose_complete, event, callback_invoke, property_result,
//	                 property_set, handle_ack
package message

// Type is the discriminator of a Message.
type Type string

const (
	TypeInit             Type = "init"
	TypeCall             Type = "call"
	TypeResult           Type = "result"
	TypeError            Type = "error"
	TypeInitSuccess      Type = "init_success"
	TypeInitFailure      Type = "init_failure"
	TypeDispose          Type = "dispose"
	TypeDisposeComplete  Type = "dispose_complete"
	TypeEventSubscribe   Type = "event_subscribe"
	TypeEventUnsubscribe Type = "event_unsubscribe"
	TypeEvent            Type = "event"
	TypeCallbackInvoke   Type = "callback_invoke"
	TypeCallbackResult   Type = "callback_result"
	TypeCallbackError    Type = "callback_error"
	TypePropertyGet      Type = "property_get"
	TypePropertyResult   Type = "property_result"
	TypePropertySet      Type = "property_set"
	TypeHandle           Type = "handle"
	TypeHandleAck        Type = "handle_ack"
)

// kinds fixes the frame kind byte of every type. Order is part of the wire
// format: append only.
var kinds = []Type{
	TypeInit,
	TypeCall,
	TypeResult,
	TypeError,
	TypeInitSuccess,
	TypeInitFailure,
	TypeDispose,
	TypeDisposeComplete,
	TypeEventSubscribe,
	TypeEventUnsubscribe,
	TypeEvent,
	TypeCallbackInvoke,
	TypeCallbackResult,
	TypeCallbackError,
	TypePropertyGet,
	TypePropertyResult,
	TypePropertySet,
	TypeHandle,
	TypeHandleAck,
}

// Kind returns the frame kind byte for t, and false if t is unknown.
func (t Type) Kind() (byte, bool) {
	for i, k := range kinds {
		if k == t {
			return byte(i), true
		}
	}
	return 0, false
}

// TypeOfKind is the inverse of Type.Kind.
func TypeOfKind(kind byte) (Type, bool) {
	if int(kind) >= len(kinds) {
		return "", false
	}
	return kinds[kind], true
}

// IsRequest reports whether t carries a correlation id that expects a reply.
func (t Type) IsRequest() bool {
	return t == TypeCall || t == TypeCallbackInvoke || t == TypePropertyGet
}

// IsResponse reports whether t echoes the correlation id of a request.
func (t Type) IsResponse() bool {
	switch t {
	case TypeResult, TypeError, TypeCallbackResult, TypeCallbackError, TypePropertyResult:
		return true
	}
	return false
}

// ErrorInfo is the canonical cross-process representation of a thrown error.
type ErrorInfo struct {
	Name    string `json:"name" cbor:"name"`
	Message string `json:"message" cbor:"message"`
	Stack   string `json:"stack,omitempty" cbor:"stack,omitempty"`
	Code    string `json:"code,omitempty" cbor:"code,omitempty"`
	// Class names the class a MemberError refers to.
	Class string `json:"class,omitempty" cbor:"class,omitempty"`
}

// Message carries one protocol message.
type Message struct {
	Type Type   `json:"type" cbor:"type"`
	ID   uint32 `json:"id,omitempty" cbor:"id,omitempty"`

	// init
	ModulePath string `json:"modulePath,omitempty" cbor:"modulePath,omitempty"`
	ClassName  string `json:"className,omitempty" cbor:"className,omitempty"`
	Mode       string `json:"mode,omitempty" cbor:"mode,omitempty"`
	// TimeoutMS is the parent's per-request timeout; it bounds callback
	// round trips on the worker.
	TimeoutMS int64 `json:"timeoutMs,omitempty" cbor:"timeoutMs,omitempty"`

	// call, callback_invoke, property_get, event, event_subscribe,
	// event_unsubscribe, property_set
	Member     string `json:"member,omitempty" cbor:"member,omitempty"`
	Name       string `json:"name,omitempty" cbor:"name,omitempty"`
	CallbackID string `json:"callbackId,omitempty" cbor:"callbackId,omitempty"`
	Args       []any  `json:"args,omitempty" cbor:"args,omitempty"`

	// result, callback_result, property_result, property_set
	Value any `json:"value,omitempty" cbor:"value,omitempty"`

	// error, init_failure, callback_error, dispose_complete, handle_ack
	Error *ErrorInfo `json:"error,omitempty" cbor:"error,omitempty"`

	// handle, handle_ack
	HandleID string `json:"handleId,omitempty" cbor:"handleId,omitempty"`
	Kind     string `json:"kind,omitempty" cbor:"kind,omitempty"`
	Received bool   `json:"received,omitempty" cbor:"received,omitempty"`
}

// CallbackKey is the single key of the object that stands in for a function
// argument on the wire.
const CallbackKey = "$callback"

// CallbackRef returns the wire stand-in for the callback registered as token.
func CallbackRef(token string) map[string]any {
	return map[string]any{CallbackKey: token}
}

// CallbackToken extracts the token from a decoded callback stand-in.
func CallbackToken(v any) (string, bool) {
	switch m := v.(type) {
	case map[string]any:
		if len(m) != 1 {
			return "", false
		}
		tok, ok := m[CallbackKey].(string)
		return tok, ok
	case map[any]any:
		if len(m) != 1 {
			return "", false
		}
		tok, ok := m[CallbackKey].(string)
		return tok, ok
	}
	return "", false
}

// Handle kinds carried by TypeHandle.
const (
	HandleFile         = "file"
	HandleTCPConn      = "tcp"
	HandleUnixConn     = "unix"
	HandleTCPListener  = "tcp_listener"
	HandleUnixListener = "unix_listener"
)
