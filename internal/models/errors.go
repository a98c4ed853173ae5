package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind buckets failures by how the pipeline must react to them,
// independent of which component produced them.
type ErrorKind string

const (
	ErrKindNetwork       ErrorKind = "network"
	ErrKindRateLimit     ErrorKind = "rate_limit"
	ErrKindServer        ErrorKind = "server"
	ErrKindValidation    ErrorKind = "validation"
	ErrKindNotFound      ErrorKind = "status_not_found"
	ErrKindEditForbidden ErrorKind = "edit_not_allowed"
	ErrKindAdapter       ErrorKind = "adapter"
	ErrKindTransient     ErrorKind = "transient"
	ErrKindConfig        ErrorKind = "config"
	ErrKindState         ErrorKind = "state"
)

// KindError attaches an ErrorKind to an underlying error. RetryAfter is a
// hint from the remote side (429 Retry-After), zero when absent.
type KindError struct {
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Errorf wraps a formatted message with a kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewRateLimitError carries the server's Retry-After hint.
func NewRateLimitError(err error, retryAfter time.Duration) error {
	return &KindError{Kind: ErrKindRateLimit, Err: err, RetryAfter: retryAfter}
}

// KindOf extracts the kind of an error, defaulting to network for plain
// errors so unclassified remote failures stay retryable.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindNetwork
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ke *KindError
	return errors.As(err, &ke) && ke.Kind == kind
}

// IsTransient reports whether the failure must not count against a source's
// error budget (upstream maintenance windows and the like).
func IsTransient(err error) bool {
	return IsKind(err, ErrKindTransient)
}

// IsRetryable reports whether the stage may retry the operation within its
// own budget.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindNetwork, ErrKindRateLimit, ErrKindServer, ErrKindTransient:
		return true
	}
	return false
}

// RetryAfterOf returns the server-provided retry hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.RetryAfter
	}
	return 0
}
