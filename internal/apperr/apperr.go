// Package apperr defines the error taxonomy shared by the ledger client, the
// fetcher, the asset ledger and the escrow orchestrator.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are stable and exposed over HTTP.
type Code string

const (
	CodeInsufficientFunds  Code = "insufficient_funds"
	CodeInvalidTransaction Code = "invalid_transaction"
	CodeNetwork            Code = "network_error"
	CodeSecurityViolation  Code = "security_violation"
	CodeInvalidResponse    Code = "invalid_response"
	CodeUnauthorized       Code = "unauthorized_access"
	CodeInvalidPackage     Code = "invalid_package"
	CodeInvalidRequest     Code = "invalid_request"
	CodeRateLimited        Code = "rate_limited"
	CodeNotInitialized     Code = "not_initialized"
	CodeAlreadyInitialized Code = "already_initialized"
)

// Error is a classified failure. Temporary is set by the layer that observed
// the failure and is the only input to retry decisions.
type Error struct {
	Code      Code
	Detail    string
	Temporary bool
	Err       error
}

var (
	ErrInsufficientFunds  = &Error{Code: CodeInsufficientFunds}
	ErrInvalidTransaction = &Error{Code: CodeInvalidTransaction}
	ErrNetwork            = &Error{Code: CodeNetwork}
	ErrSecurityViolation  = &Error{Code: CodeSecurityViolation}
	ErrInvalidResponse    = &Error{Code: CodeInvalidResponse}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized}
	ErrInvalidPackage     = &Error{Code: CodeInvalidPackage}
	ErrInvalidRequest     = &Error{Code: CodeInvalidRequest}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrNotInitialized     = &Error{Code: CodeNotInitialized}
	ErrAlreadyInitialized = &Error{Code: CodeAlreadyInitialized}
)

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can test against
// the package sentinels regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a terminal error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Temporary returns a retryable error with the given code.
func Temporary(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Temporary: true}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(code Code, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Detail: detail, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTemporary reports whether err's chain holds a temporary *Error.
func IsTemporary(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}
