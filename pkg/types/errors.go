package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
)

// ErrorKind is the closed set of scan failure categories.
type ErrorKind string

const (
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindImage      ErrorKind = "image"
	ErrorKindStorage    ErrorKind = "storage"
	ErrorKindAPI        ErrorKind = "api"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// ErrScanCancelled is returned when a scan was superseded or cancelled
// while it was in flight.
var ErrScanCancelled = &ScanError{Kind: ErrorKindUnknown, Message: "scan was cancelled", cancelled: true}

// ScanError is the structured failure handed to callers of the scan
// pipeline. Retryable tells whether the same input may succeed later.
type ScanError struct {
	Kind       ErrorKind
	StatusCode int // only for ErrorKindAPI
	Message    string
	Err        error

	cancelled bool
}

// Error implements the error interface
func (e *ScanError) Error() string {
	msg := e.Message
	if e.Kind == ErrorKindAPI && e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap implements error unwrapping
func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is matches ErrScanCancelled against any cancelled ScanError.
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	return ok && t.cancelled && e.cancelled
}

// Retryable reports whether the failure is transient.
func (e *ScanError) Retryable() bool {
	if e.cancelled {
		return false
	}
	switch e.Kind {
	case ErrorKindNetwork, ErrorKindStorage, ErrorKindUnknown:
		return true
	case ErrorKindAPI:
		return RetryableStatus(e.StatusCode)
	default:
		return false
	}
}

// RetryableStatus reports whether an HTTP status from the analysis API is
// worth retrying later.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

func NewNetworkError(message string, err error) *ScanError {
	return &ScanError{Kind: ErrorKindNetwork, Message: message, Err: err}
}

func NewImageError(message string, err error) *ScanError {
	return &ScanError{Kind: ErrorKindImage, Message: message, Err: err}
}

func NewPermissionError(message string, err error) *ScanError {
	return &ScanError{Kind: ErrorKindPermission, Message: message, Err: err}
}

func NewStorageError(message string, err error) *ScanError {
	return &ScanError{Kind: ErrorKindStorage, Message: message, Err: err}
}

func NewAPIError(statusCode int, message string, err error) *ScanError {
	return &ScanError{Kind: ErrorKindAPI, StatusCode: statusCode, Message: message, Err: err}
}

// Classify maps an arbitrary error onto a ScanError. Errors that cannot be
// recognised become ErrorKindUnknown, which is retryable.
func Classify(err error) *ScanError {
	if err == nil {
		return nil
	}

	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkError("request timed out", err)
	}
	if errors.Is(err, os.ErrPermission) {
		return NewPermissionError("permission denied", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewNetworkError("network unreachable", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewNetworkError("request failed", err)
	}

	return &ScanError{Kind: ErrorKindUnknown, Message: "unexpected failure", Err: err}
}

// IsRetryable is shorthand for Classify(err).Retryable().
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}
