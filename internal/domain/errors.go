package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEntityNotFound    = errors.New("entity not found")
	ErrSourceUnavailable = errors.New("whitelist source unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrUploadFailed      = errors.New("object upload failed")
	ErrBackendNotFound   = errors.New("backend not found")
)

// VerificationError means an identifier could not be confirmed to exist.
type VerificationError struct {
	Kind EntityKind
	ID   string
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("existence check failed for %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// RateLimitExceededError blocks the request; infrastructure errors do not.
type RateLimitExceededError struct {
	Dimension  string // org | user
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %s (limit %d, retry after %s)",
		e.Dimension, e.Key, e.Limit, e.RetryAfter)
}

// BackendError is a transport or protocol failure talking to a backend.
type BackendError struct {
	BackendID string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.BackendID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// AuthorizationError lists the whitelist dimensions a request failed.
type AuthorizationError struct {
	Dimensions []string
	Reason     string
}

func (e *AuthorizationError) Error() string {
	if e.Reason != "" {
		return "unauthorized: " + e.Reason
	}
	return fmt.Sprintf("unauthorized: %v", e.Dimensions)
}
