package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseRegister Phase = "register" // op registration
	PhaseDecode   Phase = "decode"   // guest value to Go
	PhaseEncode   Phase = "encode"   // Go value to guest
	PhaseDispatch Phase = "dispatch" // op lookup and invocation
	PhaseResource Phase = "resource" // resource table
	PhasePermit   Phase = "permit"   // permission checks
	PhaseBroker   Phase = "broker"   // permission broker protocol
	PhaseJoin     Phase = "join"     // spawned unit completion
	PhaseRuntime  Phase = "runtime"  // event loop and teardown
	PhaseOp       Phase = "op"       // op body
)

// Kind categorizes the error
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindTypeMismatch     Kind = "type_mismatch"
	KindInvalidData      Kind = "invalid_data"
	KindAlreadyExists    Kind = "already_exists"
	KindUnsupported      Kind = "unsupported"
	KindBadResource      Kind = "bad_resource"
	KindInterrupted      Kind = "interrupted"
	KindTimedOut         Kind = "timed_out"
	KindBusy             Kind = "busy"
	KindIO               Kind = "io"
	KindBrokerProtocol   Kind = "broker_protocol"
	KindJoin             Kind = "join"
	KindRegistration     Kind = "registration"
)

// Stable class names seen by guest code. These never change once published.
const (
	ClassNotFound         = "NotFound"
	ClassPermissionDenied = "PermissionDenied"
	ClassTypeError        = "TypeError"
	ClassInvalidData      = "InvalidData"
	ClassAlreadyExists    = "AlreadyExists"
	ClassUnsupported      = "Unsupported"
	ClassBadResource      = "BadResource"
	ClassInterrupted      = "Interrupted"
	ClassTimedOut         = "TimedOut"
	ClassBusy             = "Busy"
	ClassIO               = "IoError"
	ClassBrokerProtocol   = "BrokerProtocolError"
	ClassJoin             = "JoinError"
	ClassGeneric          = "Error"
)

var kindClasses = map[Kind]string{
	KindNotFound:         ClassNotFound,
	KindPermissionDenied: ClassPermissionDenied,
	KindTypeMismatch:     ClassTypeError,
	KindInvalidData:      ClassInvalidData,
	KindAlreadyExists:    ClassAlreadyExists,
	KindUnsupported:      ClassUnsupported,
	KindBadResource:      ClassBadResource,
	KindInterrupted:      ClassInterrupted,
	KindTimedOut:         ClassTimedOut,
	KindBusy:             ClassBusy,
	KindIO:               ClassIO,
	KindBrokerProtocol:   ClassBrokerProtocol,
	KindJoin:             ClassJoin,
	KindRegistration:     ClassGeneric,
}

// Class returns the stable guest-facing class name for the kind.
func (k Kind) Class() string {
	if c, ok := kindClasses[k]; ok {
		return c
	}
	return ClassGeneric
}

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Message is the human readable text handed to the guest. It leaves out the
// phase/kind prefix, which the guest already receives as the class name.
func (e *Error) Message() string {
	switch {
	case e.Detail != "" && e.Cause != nil:
		return e.Detail + ": " + e.Cause.Error()
	case e.Detail != "":
		return e.Detail
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return strings.ReplaceAll(string(e.Kind), "_", " ")
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the op name the error belongs to
func (b *Builder) Op(name string) *Builder {
	b.err.Op = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// BadResource creates the lookup error for an unknown or closed resource handle
func BadResource(handle uint32) *Error {
	return &Error{
		Phase:  PhaseResource,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("bad resource id %d", handle),
		Value:  handle,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Detail: fmt.Sprintf("expected %s, got %s", want, got),
	}
}

// InvalidArgument creates a type error for malformed op arguments
func InvalidArgument(op string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindTypeMismatch,
		Op:     op,
		Detail: "invalid argument",
		Cause:  cause,
	}
}

// PermissionDenied creates a permission denied error
func PermissionDenied(detail string) *Error {
	return &Error{
		Phase:  PhasePermit,
		Kind:   KindPermissionDenied,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Registration creates a registration error
func Registration(name string, detail string) *Error {
	return &Error{
		Phase:  PhaseRegister,
		Kind:   KindRegistration,
		Op:     name,
		Detail: detail,
	}
}

// BrokerProtocol creates a fatal broker protocol error
func BrokerProtocol(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseBroker,
		Kind:   KindBrokerProtocol,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// ClassOf maps any error onto its stable class name.
// Structured errors use their kind; well-known stdlib errors are recognised
// through errors.Is/As; everything else is "Error".
func ClassOf(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind.Class()
	}

	var classed interface{ ErrorClass() string }
	if stderrors.As(err, &classed) {
		return classed.ErrorClass()
	}

	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return ClassNotFound
	case stderrors.Is(err, fs.ErrPermission):
		return ClassPermissionDenied
	case stderrors.Is(err, fs.ErrExist):
		return ClassAlreadyExists
	case stderrors.Is(err, os.ErrDeadlineExceeded), stderrors.Is(err, context.DeadlineExceeded):
		return ClassTimedOut
	case stderrors.Is(err, context.Canceled):
		return ClassInterrupted
	case stderrors.Is(err, net.ErrClosed), stderrors.Is(err, fs.ErrClosed):
		return ClassBadResource
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errnoClass(errno)
	}

	var pathErr *fs.PathError
	var netErr *net.OpError
	if stderrors.As(err, &pathErr) || stderrors.As(err, &netErr) {
		return ClassIO
	}

	return ClassGeneric
}

// MessageOf returns the guest-facing message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}

func errnoClass(errno syscall.Errno) string {
	switch errno {
	case syscall.ENOENT:
		return ClassNotFound
	case syscall.EACCES, syscall.EPERM:
		return ClassPermissionDenied
	case syscall.EEXIST:
		return ClassAlreadyExists
	case syscall.EINTR:
		return ClassInterrupted
	case syscall.ETIMEDOUT:
		return ClassTimedOut
	case syscall.EBADF:
		return ClassBadResource
	case syscall.EBUSY, syscall.EAGAIN:
		return ClassBusy
	case syscall.ENOSYS, syscall.ENOTSUP:
		return ClassUnsupported
	default:
		return ClassIO
	}
}
