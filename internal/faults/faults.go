// SPDX-License-Identifier: MIT

// Package faults defines the failure taxonomy shared by the pipeline engine,
// the encoder dispatcher and the external adapters. Handlers return a *Fault
// and the caller decides retry/fail/continue from its Kind.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and accounting decisions.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindTimeout          Kind = "timeout"
	KindRateLimited      Kind = "rate_limited"
	KindUnavailable      Kind = "unavailable"
	KindPermanent        Kind = "permanent"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInvalid          Kind = "invalid"
	KindCapacityRejected Kind = "capacity_rejected"
	KindStalled          Kind = "stalled"
	KindValidation       Kind = "validation"
	KindCancelled        Kind = "cancelled"
)

// Fault is a classified error with an optional retry hint.
type Fault struct {
	Kind         Kind
	Msg          string
	RetryAfterMs int64
	Err          error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a fault of the given kind.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Wrap builds a fault of the given kind around err.
func Wrap(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// Newf builds a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, classifying plain errors conservatively.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindTransientNetwork
}

// Retryable reports whether a failure of this kind should be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindTimeout, KindRateLimited, KindUnavailable,
		KindCapacityRejected, KindStalled:
		return true
	}
	return false
}

// CountsAsAttempt reports whether the failure consumes one of the bounded
// retry attempts. Only capacity rejections are free; a stall counts here, and
// the dispatcher's stall sweep itself makes a no-progress stall a free requeue.
func CountsAsAttempt(err error) bool {
	switch KindOf(err) {
	case KindCapacityRejected:
		return false
	}
	return true
}

// FromHTTPStatus classifies an HTTP response status.
func FromHTTPStatus(status int, msg string) *Fault {
	switch {
	case status == http.StatusTooManyRequests:
		return New(KindRateLimited, msg)
	case status == http.StatusNotFound:
		return New(KindNotFound, msg)
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return New(KindForbidden, msg)
	case status == http.StatusServiceUnavailable:
		return New(KindUnavailable, msg)
	case status >= 500:
		return New(KindUnavailable, msg)
	case status >= 400:
		return New(KindInvalid, msg)
	}
	return nil
}
