package monitor

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed baseline check.
type ErrorCode string

// Baseline check error codes.
const (
	CodeFetchFailed        ErrorCode = "FETCH_FAILED"
	CodeInvalidStatus      ErrorCode = "INVALID_STATUS"
	CodeUnsupportedContent ErrorCode = "UNSUPPORTED_CONTENT"
	CodeTooLarge           ErrorCode = "HTML_TOO_LARGE"
	CodeSelectorRequired   ErrorCode = "SELECTOR_REQUIRED"
	CodeSelectorInvalid    ErrorCode = "SELECTOR_INVALID"
	CodeSelectorNotFound   ErrorCode = "SELECTOR_NOT_FOUND"
)

// CheckError is returned by the fetcher and the normalizer.
type CheckError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewCheckError builds a CheckError with an optional cause.
func NewCheckError(code ErrorCode, msg string, cause error) *CheckError {
	return &CheckError{Code: code, Message: msg, Err: cause}
}

func (e *CheckError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *CheckError) Unwrap() error {
	return e.Err
}

// Is matches any CheckError with the same code, so sentinels work with errors.Is.
func (e *CheckError) Is(target error) bool {
	var t *CheckError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks against CheckError codes.
var (
	ErrFetchFailed        = &CheckError{Code: CodeFetchFailed}
	ErrInvalidStatus      = &CheckError{Code: CodeInvalidStatus}
	ErrUnsupportedContent = &CheckError{Code: CodeUnsupportedContent}
	ErrTooLarge           = &CheckError{Code: CodeTooLarge}
	ErrSelectorRequired   = &CheckError{Code: CodeSelectorRequired}
	ErrSelectorInvalid    = &CheckError{Code: CodeSelectorInvalid}
	ErrSelectorNotFound   = &CheckError{Code: CodeSelectorNotFound}
)

// Storage errors.
var (
	// ErrNotFound reports a missing monitor or row.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost reports that a job row no longer carries the caller's lease token.
	ErrLeaseLost = errors.New("lease lost")
	// ErrJobLeased reports that a run-now request hit a job currently held by a worker.
	ErrJobLeased = errors.New("job is currently leased")
)

// CodeOf returns the CheckError code carried by err, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// StatusError builds the InvalidStatus error for an HTTP status code.
func StatusError(status int) *CheckError {
	return NewCheckError(
		CodeInvalidStatus,
		fmt.Sprintf("the page responded with status %d", status),
		nil,
	)
}
