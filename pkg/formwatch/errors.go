package formwatch

import (
	"errors"
	"fmt"
)

// Kind classifies operational failures.
type Kind string

const (
	KindNotSetUp               Kind = "not_set_up"
	KindInvalidCredential      Kind = "invalid_credential"
	KindFormNotFound           Kind = "form_not_found"
	KindPermissionDenied       Kind = "permission_denied"
	KindDestinationGone        Kind = "destination_gone"
	KindInvalidTimestampFilter Kind = "invalid_timestamp_filter"
	KindTransientTransport     Kind = "transient_transport"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotSetUp               = &Error{Kind: KindNotSetUp}
	ErrInvalidCredential      = &Error{Kind: KindInvalidCredential}
	ErrFormNotFound           = &Error{Kind: KindFormNotFound}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrDestinationGone        = &Error{Kind: KindDestinationGone}
	ErrInvalidTimestampFilter = &Error{Kind: KindInvalidTimestampFilter}
	ErrTransientTransport     = &Error{Kind: KindTransientTransport}
)

// Error is a classified failure with the watch context needed to act on it.
type Error struct {
	Kind        Kind
	FormID      string
	Destination string
	Err         error
}

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.FormID != "" {
		msg += fmt.Sprintf(" (form %s", e.FormID)
		if e.Destination != "" {
			msg += ", destination " + e.Destination
		}
		msg += ")"
	} else if e.Destination != "" {
		msg += fmt.Sprintf(" (destination %s)", e.Destination)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithWatch attaches form and destination context, preserving the kind.
// Unclassified errors are treated as transient.
func WithWatch(err error, formID, destination string) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindTransientTransport
	}
	return &Error{Kind: kind, FormID: formID, Destination: destination, Err: err}
}
