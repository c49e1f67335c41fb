package entities

import (
	"errors"
	"fmt"
)

var ErrStoreEntityNotFound = errors.New("store resource not found")

// ErrorKind groups court failures by how a caller should react to them.
type ErrorKind string

const (
	KindAccess       ErrorKind = "access"
	KindSubscription ErrorKind = "subscription"
	KindValidation   ErrorKind = "validation"
	KindResource     ErrorKind = "resource"
	KindTemporal     ErrorKind = "temporal"
	KindLookup       ErrorKind = "lookup"
	KindConfig       ErrorKind = "config"
)

// Error is a typed court failure. Every value is a package level sentinel, compare with errors.Is and
// extract the kind and code with errors.As.
type Error struct {
	Kind ErrorKind
	Code string
}

func (e *Error) Error() string {
	return fmt.Sprintf("court: %s", e.Code)
}

var (
	ErrSenderNotController     = &Error{Kind: KindAccess, Code: "SenderNotController"}
	ErrSubscriptionNotUpToDate = &Error{Kind: KindSubscription, Code: "SubscriptionNotUpToDate"}
	ErrInvalidRulingOptions    = &Error{Kind: KindValidation, Code: "InvalidRulingOptions"}
	ErrInvalidRuling           = &Error{Kind: KindValidation, Code: "InvalidRuling"}
	ErrInvalidRoundDraft       = &Error{Kind: KindValidation, Code: "InvalidRoundDraft"}
	ErrInvalidStateTransition  = &Error{Kind: KindValidation, Code: "InvalidStateTransition"}
	ErrRoundAlreadySettled     = &Error{Kind: KindValidation, Code: "RoundAlreadySettled"}
	ErrDepositFailed           = &Error{Kind: KindResource, Code: "DepositFailed"}
	ErrDepositOverflow         = &Error{Kind: KindResource, Code: "DepositOverflow"}
	ErrTooManyTransitions      = &Error{Kind: KindTemporal, Code: "TooManyTransitions"}
	ErrTermNotReached          = &Error{Kind: KindTemporal, Code: "TermNotReached"}
	ErrDisputeDoesNotExist     = &Error{Kind: KindLookup, Code: "DisputeDoesNotExist"}
	ErrRoundDoesNotExist       = &Error{Kind: KindLookup, Code: "RoundDoesNotExist"}
	ErrInvalidConfig           = &Error{Kind: KindConfig, Code: "InvalidConfig"}
)

// KindOf returns the kind of a typed court failure, or an empty kind for any other error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
