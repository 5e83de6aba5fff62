// Package provider classifies failures from external model services
// (parsing, embedding, reranking, generation) into a small set of kinds
// that drive retry and fallback decisions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure class of a provider call.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindMalformed Kind = "malformed"
)

// Error is a typed provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err into an *Error. statusCode is the HTTP status when one
// was received, or 0 for transport-level failures.
func Classify(name string, statusCode int, err error) *Error {
	if err == nil {
		err = fmt.Errorf("unexpected status %d", statusCode)
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: name, Kind: kindOf(statusCode, err), StatusCode: statusCode, Err: err}
}

// Malformed reports a response that arrived but could not be used.
func Malformed(name string, err error) *Error {
	return &Error{Provider: name, Kind: KindMalformed, Err: err}
}

func kindOf(statusCode int, err error) Kind {
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return KindTransient
	case statusCode == http.StatusRequestTimeout:
		return KindTimeout
	case statusCode >= 400:
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransient
}

// IsRetryable reports whether a failed call may succeed when repeated.
// Caller cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind != KindPermanent
	}
	return true
}

// IsPermanent reports whether err is a non-retryable provider rejection.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}
