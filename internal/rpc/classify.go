// SPDX-License-Identifier: MPL-2.0

package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

const (
	// Fatal failures are surfaced immediately and never retried.
	Fatal Class = iota
	// Transient failures are retried while the retry budget lasts.
	Transient
	// Cancellation means the caller stopped the call; it always wins over retries.
	Cancellation
)

type (
	// Class is the retry classification of a failed call.
	Class int

	// transientError lets a transport mark an error retryable explicitly.
	transientError interface {
		Transient() bool
	}

	// markedError is the error returned by MarkTransient.
	markedError struct {
		err error
	}
)

// String returns the class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Cancellation:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classify sorts err into Transient, Cancellation or Fatal. Context errors are
// always Cancellation. Errors that implement Transient() bool decide for
// themselves; network errors, connection resets and truncated reads are
// Transient. Everything else is Fatal.
func Classify(err error) Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancellation
	}

	var te transientError
	if errors.As(err, &te) {
		if te.Transient() {
			return Transient
		}
		return Fatal
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Transient
	}
	return Fatal
}

// MarkTransient wraps err so Classify reports it as Transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err}
}

func (e *markedError) Error() string { return e.err.Error() }

func (e *markedError) Unwrap() error { return e.err }

func (e *markedError) Transient() bool { return true }
