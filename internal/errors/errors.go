// Package errors defines the error taxonomy shared by the grid client.
// Every failure surfaced to callers carries a Kind so that retry and
// reporting policy can be decided without string matching.
package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
)

// Error is the structured error returned by grid operations.
type Error struct {
	// Path is the logical grid path involved, if any.
	Path Path
	// Op is the operation being performed, usually the method name.
	Op string
	// Kind classifies the failure.
	Kind Kind
	// Reason refines Negotiation failures.
	Reason Reason
	// Err is the underlying error.
	Err error
}

var _ error = (*Error)(nil)

// Separator joins nested errors in Error output.
var Separator = ":\n\t"

// Path is a logical grid path such as /zone/home/alice/file.
type Path string

// Kind describes the class of a failure.
type Kind uint8

const (
	Other       Kind = iota // Unclassified error. This value is not printed in the error message.
	Invalid                 // Invalid argument or local configuration.
	Negotiation             // Connection negotiation or authentication failed.
	Transport               // Socket failure, timeout or broken session.
	Integrity               // Checksum mismatch, decryption padding failure.
	NotFound                // Grid path does not exist.
	Protocol                // Malformed or unexpected message from the remote end.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Invalid:
		return "invalid argument"
	case Negotiation:
		return "negotiation failed"
	case Transport:
		return "transport error"
	case Integrity:
		return "integrity check failed"
	case NotFound:
		return "path not found"
	case Protocol:
		return "protocol error"
	}
	return "unknown error kind"
}

// Reason is the reason code attached to a failed negotiation.
type Reason string

const (
	PolicyMismatch     Reason = "policy-mismatch"
	CredentialRejected Reason = "credential-rejected"
	ProtocolError      Reason = "protocol-error"
	TransportError     Reason = "transport-error"
)

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning:
//
//	errors.Path
//		The grid path being operated on.
//	string
//		The operation being performed.
//	errors.Kind
//		The class of error.
//	errors.Reason
//		The negotiation reason code.
//	error
//		The underlying error that triggered this one.
//
// If the underlying error is an *Error and the Kind is unset, the Kind
// is inherited from it.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Path:
			e.Path = arg
		case string:
			e.Op = arg
		case Kind:
			e.Kind = arg
		case Reason:
			e.Reason = arg
		case *Error:
			inner := *arg
			e.Err = &inner
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			slog.Default().Error("errors.E: bad call", "file", file, "line", line, "args", fmt.Sprint(args...))
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}

	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if prev.Path == e.Path {
		prev.Path = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	if e.Reason == "" {
		e.Reason = prev.Reason
	}
	if prev.Reason == e.Reason {
		prev.Reason = ""
	}
	return e
}

func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) isZero() bool {
	return e.Path == "" && e.Op == "" && e.Kind == Other && e.Reason == "" && e.Err == nil
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Path != "" {
		b.WriteString(string(e.Path))
	}
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(e.Op)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Reason != "" {
		pad(b, " ")
		b.WriteString("(")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Err != nil {
		if prev, ok := e.Err.(*Error); ok {
			if !prev.isZero() {
				pad(b, Separator)
				b.WriteString(prev.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Str returns an error that formats as the given text.
func Str(text string) error {
	return &errorString{text}
}

type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

// Errorf is equivalent to fmt.Errorf without the %w verb.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given Kind.
// If err is nil then Is returns false.
func Is(kind Kind, err error) bool {
	return KindOf(err) == kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// Other when there is none.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return Other
		}
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	return Other
}

// ReasonOf returns the negotiation reason code carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return ""
		}
		if e.Reason != "" {
			return e.Reason
		}
		err = e.Err
	}
	return ""
}

// Match compares its two error arguments. It can be used to check
// for expected errors in tests. Both arguments must have underlying
// type *Error or Match will return false. Otherwise it returns true
// iff every non-zero element of the first error is equal to the
// corresponding element of the second.
func Match(err1, err2 error) bool {
	e1, ok := err1.(*Error)
	if !ok {
		return false
	}
	e2, ok := err2.(*Error)
	if !ok {
		return false
	}
	if e1.Path != "" && e2.Path != e1.Path {
		return false
	}
	if e1.Op != "" && e2.Op != e1.Op {
		return false
	}
	if e1.Kind != Other && e2.Kind != e1.Kind {
		return false
	}
	if e1.Reason != "" && e2.Reason != e1.Reason {
		return false
	}
	if e1.Err != nil {
		if _, ok := e1.Err.(*Error); ok {
			return Match(e1.Err, e2.Err)
		}
		if e2.Err == nil || e2.Err.Error() != e1.Err.Error() {
			return false
		}
	}
	return true
}
