// Package apperr defines the caller-visible error taxonomy. Every error carries
// a stable machine-readable code and the HTTP status the router answers with.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a classified failure. Two Errors match under errors.Is when their
// codes are equal, so a wrapped instance still matches its sentinel.
type Error struct {
	Code   string
	Status int
	Msg    string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels. Use New/Wrap to attach a message instead of returning these directly.
var (
	ErrInvalidCoordinates = &Error{Code: "INVALID_COORDINATES", Status: http.StatusBadRequest, Msg: "invalid coordinates"}
	ErrInvalidCart        = &Error{Code: "INVALID_CART", Status: http.StatusBadRequest, Msg: "invalid cart"}
	ErrTrialAlreadyUsed   = &Error{Code: "TRIAL_ALREADY_USED", Status: http.StatusConflict, Msg: "trial already used"}
	ErrQuoteChanged       = &Error{Code: "QUOTE_CHANGED", Status: http.StatusConflict, Msg: "quote changed"}
	ErrRetryLimitExceeded = &Error{Code: "RETRY_LIMIT_EXCEEDED", Status: http.StatusConflict, Msg: "retry limit exceeded"}
	ErrInvalidSignature   = &Error{Code: "INVALID_SIGNATURE", Status: http.StatusBadRequest, Msg: "invalid signature"}
	ErrDuplicatePayment   = &Error{Code: "DUPLICATE_PAYMENT", Status: http.StatusConflict, Msg: "duplicate payment"}
	ErrInvalidTransition  = &Error{Code: "INVALID_TRANSITION", Status: http.StatusConflict, Msg: "invalid transition"}
	ErrGatewayUnavailable = &Error{Code: "GATEWAY_UNAVAILABLE", Status: http.StatusServiceUnavailable, Msg: "payment gateway unavailable"}

	ErrNotFound     = &Error{Code: "NOT_FOUND", Status: http.StatusNotFound, Msg: "not found"}
	ErrUnauthorized = &Error{Code: "UNAUTHORIZED", Status: http.StatusUnauthorized, Msg: "unauthorized"}
	ErrForbidden    = &Error{Code: "FORBIDDEN", Status: http.StatusForbidden, Msg: "forbidden"}
	ErrInvalidState = &Error{Code: "INVALID_STATE", Status: http.StatusConflict, Msg: "invalid state"}
	ErrBadRequest   = &Error{Code: "BAD_REQUEST", Status: http.StatusBadRequest, Msg: "bad request"}
	ErrInternal     = &Error{Code: "INTERNAL", Status: http.StatusInternalServerError, Msg: "internal error"}
)

// New returns a copy of kind with a specific message.
func New(kind *Error, format string, args ...any) *Error {
	return &Error{Code: kind.Code, Status: kind.Status, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of kind with a message and an underlying cause. The
// cause stays reachable through errors.Is / errors.As.
func Wrap(kind *Error, cause error, format string, args ...any) *Error {
	return &Error{Code: kind.Code, Status: kind.Status, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// From classifies any error. Unclassified errors become INTERNAL with a
// generic message; the original is kept as the cause for server-side logs.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrInternal.Code, Status: ErrInternal.Status, Msg: ErrInternal.Msg, cause: err}
}

// Public is the message safe to show a client. Server errors never leak detail.
func (e *Error) Public() string {
	if e.Status >= http.StatusInternalServerError {
		if e.Code == ErrGatewayUnavailable.Code {
			return ErrGatewayUnavailable.Msg
		}
		return ErrInternal.Msg
	}
	return e.Msg
}
