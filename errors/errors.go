// Package errors defines the error taxonomy shared by the parent and worker
// sides of procxy, and the conversions between Go errors and the ErrorInfo
// records that cross the process boundary.
//
// # Error Types
//
//   - ValidationError: bad creation options or arguments, raised before spawn
//   - SerializabilityError: a value failed the active mode's structural check
//   - ResolutionError: the class or module could not be located
//   - TimeoutError: a call exceeded timeout×(retries+1)
//   - CrashError: the worker exited while work was outstanding
//   - MemberError: the target member is missing or not invocable
//   - RemoteError: the invoked method, disposal hook or callback failed
//   - HandleTransferError: a handle could not be delivered
//
// # Usage
//
//	var crash *errors.CrashError
//	if errors.As(err, &crash) { ... }
//
//	if errors.Is(err, errors.ErrTerminated) { ... }
package errors

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"procxy/message"
)

// Re-export standard library functions so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors.
var (
	// ErrTerminated is returned by any operation attempted on a terminated session.
	ErrTerminated = New("procxy: session terminated")
	// ErrUnsupportedHandle indicates a value that cannot be passed as a live handle.
	ErrUnsupportedHandle = New("procxy: unsupported handle type")
	// ErrHandlesDisabled indicates SendHandle on a proxy created without handle support.
	ErrHandlesDisabled = New("procxy: handle support is disabled")
	// ErrUnknownCallback indicates a callback_invoke for a token that is not registered.
	ErrUnknownCallback = New("procxy: unknown callback")
)

// Names used in ErrorInfo.Name for errors whose kind survives the wire.
const (
	NameMemberError          = "MemberError"
	NameValidationError      = "ValidationError"
	NameSerializabilityError = "SerializabilityError"
	NameResolutionError      = "ResolutionError"
	NameHandleTransferError  = "HandleTransferError"
)

// ValidationError reports a bad creation option or argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("procxy: invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// SerializabilityError reports the first value that fails the active mode's
// structural check.
type SerializabilityError struct {
	Mode   string
	Path   string
	Reason string
}

func (e *SerializabilityError) Error() string {
	return fmt.Sprintf("procxy: value at %s %s (mode %s)", e.Path, e.Reason, e.Mode)
}

// ResolutionError reports that a class reference could not be resolved to a
// module path and class name.
type ResolutionError struct {
	Class string
	Path  string
	Err   error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("procxy: cannot resolve class %q", e.Class)
	if e.Path != "" {
		msg += fmt.Sprintf(" in %s", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TimeoutError reports a call that did not complete within
// timeout×attempts.
type TimeoutError struct {
	Member   string
	Timeout  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("procxy: call to %q timed out after %s (%d attempts)", e.Member, e.Timeout, e.Attempts)
}

// CrashError reports that the worker process exited or was killed while an
// operation was outstanding.
type CrashError struct {
	Code   int
	Signal string
	Reason string
}

func (e *CrashError) Error() string {
	var b strings.Builder
	b.WriteString("procxy: worker process crashed")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	switch {
	case e.Signal != "":
		fmt.Fprintf(&b, " (terminated by signal %s)", e.Signal)
	case e.Code >= 0:
		fmt.Fprintf(&b, " (exit code %d)", e.Code)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrTerminated) match crash rejections.
func (e *CrashError) Is(target error) bool { return target == ErrTerminated }

// MemberError reports a member that is missing or not invocable. It is
// delivered as a normal error response, never as a crash.
type MemberError struct {
	Class  string
	Member string
	Reason string
}

func (e *MemberError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("Method '%s' does not exist on %s", e.Member, e.Class)
}

// NewMissingMember reports a member that does not exist on class.
func NewMissingMember(class, member string) *MemberError {
	return &MemberError{
		Class:  class,
		Member: member,
		Reason: fmt.Sprintf("Method '%s' does not exist on %s", member, class),
	}
}

// NewNotCallable reports a member that exists but is not a method.
func NewNotCallable(class, member string) *MemberError {
	return &MemberError{
		Class:  class,
		Member: member,
		Reason: fmt.Sprintf("'%s' is not a function on %s", member, class),
	}
}

// RemoteError is an error thrown on the other side of the boundary,
// reconstructed from its ErrorInfo.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// HandleTransferError reports a handle that could not be delivered.
type HandleTransferError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *HandleTransferError) Error() string {
	msg := "procxy: handle transfer failed"
	if e.Kind != "" {
		msg += " (" + e.Kind + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandleTransferError) Unwrap() error { return e.Err }

// IsCrash reports whether err is a crash-kind rejection.
func IsCrash(err error) bool {
	var crash *CrashError
	return As(err, &crash)
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return As(err, &timeout)
}

// Crash builds a CrashError from a process state. A nil state means the exit
// status is unknown.
func Crash(reason string, state *os.ProcessState) *CrashError {
	e := &CrashError{Code: -1, Reason: reason}
	if state == nil {
		return e
	}
	e.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		e.Signal = ws.Signal().String()
	}
	return e
}

// ToInfo converts err into its wire representation.
func ToInfo(err error) *message.ErrorInfo {
	if err == nil {
		return nil
	}
	var (
		remote *RemoteError
		member *MemberError
		valid  *ValidationError
		ser    *SerializabilityError
		res    *ResolutionError
		handle *HandleTransferError
	)
	switch {
	case As(err, &remote):
		return &message.ErrorInfo{Name: remote.Name, Message: remote.Message, Stack: remote.Stack, Code: remote.Code}
	case As(err, &member):
		return &message.ErrorInfo{Name: NameMemberError, Message: member.Error(), Code: member.Member, Class: member.Class}
	case As(err, &valid):
		return &message.ErrorInfo{Name: NameValidationError, Message: valid.Reason, Code: valid.Field}
	case As(err, &ser):
		return &message.ErrorInfo{Name: NameSerializabilityError, Message: err.Error(), Code: ser.Path}
	case As(err, &res):
		return &message.ErrorInfo{Name: NameResolutionError, Message: err.Error()}
	case As(err, &handle):
		return &message.ErrorInfo{Name: NameHandleTransferError, Message: err.Error(), Code: handle.Kind}
	}
	info := &message.ErrorInfo{Name: typeName(err), Message: err.Error()}
	var coder interface{ Code() string }
	if As(err, &coder) {
		info.Code = coder.Code()
	}
	var stacker interface{ Stack() string }
	if As(err, &stacker) {
		info.Stack = stacker.Stack()
	}
	return info
}

// FromInfo reconstructs an error from its wire representation.
func FromInfo(info *message.ErrorInfo) error {
	if info == nil {
		return nil
	}
	switch info.Name {
	case NameMemberError:
		return &MemberError{Class: info.Class, Member: info.Code, Reason: info.Message}
	case NameValidationError:
		return &ValidationError{Field: info.Code, Reason: info.Message}
	case NameHandleTransferError:
		return &HandleTransferError{Kind: info.Code, Reason: info.Message}
	}
	return &RemoteError{Name: info.Name, Message: info.Message, Stack: info.Stack, Code: info.Code}
}

// WithStack attaches a captured stack to err so ToInfo forwards it.
func WithStack(err error, stack string) error {
	return &stackError{err: err, stack: stack}
}

type stackError struct {
	err   error
	stack string
}

func (e *stackError) Error() string { return e.err.Error() }
func (e *stackError) Unwrap() error { return e.err }
func (e *stackError) Stack() string { return e.stack }

// typeName names an error by its concrete type, falling back to "Error" for
// the anonymous types produced by errors.New and fmt.Errorf.
func typeName(err error) string {
	if s, ok := err.(*stackError); ok {
		return typeName(s.err)
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || !isExported(name) {
		return "Error"
	}
	return name
}

func isExported(name string) bool {
	return name[0] >= 'A' && name[0] <= 'Z'
}
