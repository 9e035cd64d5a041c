package message

import (
	"errors"
	"fmt"
)

// Kind classifies a failed remote call.
type Kind string

const (
	KindDecode                 Kind = "DecodeError"            // malformed or incompatible envelope
	KindUnknownClass           Kind = "UnknownClass"           // accessor resolution named an unknown class
	KindAccessorFailed         Kind = "AccessorFailed"         // accessor missing, failed or returned nothing
	KindNotFound               Kind = "NotFound"               // no object registered under the name
	KindTargetInvocationFailed Kind = "TargetInvocationFailed" // method missing, bad arguments, error or panic
	KindTimeout                Kind = "Timeout"
	KindCancelled              Kind = "Cancelled"
	KindConnectionLost         Kind = "ConnectionLost"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrDecode                 = &Error{Kind: KindDecode}
	ErrUnknownClass           = &Error{Kind: KindUnknownClass}
	ErrAccessorFailed         = &Error{Kind: KindAccessorFailed}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrTargetInvocationFailed = &Error{Kind: KindTargetInvocationFailed}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrCancelled              = &Error{Kind: KindCancelled}
	ErrConnectionLost         = &Error{Kind: KindConnectionLost}
)

// Error is a classified remote call failure. Service-side failures travel back in error
// envelopes and are re-raised on the caller as *Error with the same Kind and Message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches on Kind. A target without a message matches every message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Errorf creates an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return ""
}

func asError(err error, target **Error) bool {
	return err != nil && errors.As(err, target)
}
