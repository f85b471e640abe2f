// Package failure classifies pipeline errors so the scheduler can decide
// between retrying, failing a record and aborting a pass.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind is the category of a pipeline failure.
type Kind int

const (
	// Internal covers queue and storage errors. They abort the current pass.
	Internal Kind = iota
	// Transport is a network error, timeout or 5xx from the inference service.
	Transport
	// RateLimited is an explicit throttling response (HTTP 429).
	RateLimited
	// Malformed means the inference response could not be parsed.
	Malformed
	// FileNotFound means the snapshot image is missing on disk.
	FileNotFound
	// Rejected is a non-retryable 4xx from the inference service.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case RateLimited:
		return "rate_limited"
	case Malformed:
		return "malformed"
	case FileNotFound:
		return "file_not_found"
	case Rejected:
		return "rejected"
	default:
		return "internal"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a shorthand for New(kind, op, fmt.Errorf(format, args...)).
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Explicitly tagged errors win; otherwise well-known
// standard library errors are mapped and anything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, os.ErrNotExist) {
		return FileNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transport
	}
	return Internal
}

// FromStatus maps a non-2xx HTTP status from an upstream service to a
// classified error. body is included in the message, truncated.
func FromStatus(op string, status int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	err := fmt.Errorf("unexpected status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return New(RateLimited, op, err)
	case status == http.StatusRequestTimeout || status >= 500:
		return New(Transport, op, err)
	default:
		return New(Rejected, op, err)
	}
}

// Retryable reports whether a failure of kind k may succeed on a later attempt.
func Retryable(k Kind) bool {
	return k == Transport || k == RateLimited
}

// Permanent reports whether err should fail the record without retrying.
// Internal errors are neither retryable nor permanent.
func Permanent(err error) bool {
	switch KindOf(err) {
	case Malformed, FileNotFound, Rejected:
		return true
	}
	return false
}
