// Package failure classifies client-side errors into the kinds a user is
// allowed to see and maps each kind to copy with an actionable recovery.
// Technical detail stays in the wrapped error for logs.
package failure

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Unexpected Kind = iota
	TransportUnavailable
	InvitationExpired
	InvitationCancelled
	InvitationUnknown
	AccessDeniedInProgress
	NotFound
	SubmissionRejected
	ConversionFailed
	Unauthorized
	Conflict
	Timeout
)

var kindNames = map[Kind]string{
	Unexpected:             "unexpected",
	TransportUnavailable:   "transport_unavailable",
	InvitationExpired:      "invitation_expired",
	InvitationCancelled:    "invitation_cancelled",
	InvitationUnknown:      "invitation_unknown",
	AccessDeniedInProgress: "access_denied_in_progress",
	NotFound:               "not_found",
	SubmissionRejected:     "submission_rejected",
	ConversionFailed:       "conversion_failed",
	Unauthorized:           "unauthorized",
	Conflict:               "conflict",
	Timeout:                "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure. Op names the operation that failed, Reason
// carries a server reason code when there is one.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err,
// &failure.Error{Kind: failure.NotFound}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func WithReason(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, Unexpected when
// there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unexpected
}

// ReasonOf returns the reason code of the first *Error in err's chain.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
