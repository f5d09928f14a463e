// Package errs provides structured error types and helpers for the broker.
package errs

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// Code identifies a broker error category.
type Code string

const (
	// CodeNetwork indicates a transient network transport failure.
	CodeNetwork Code = "network"
	// CodeExchange indicates an exchange-side rejection or non-2xx response.
	CodeExchange Code = "exchange_error"
	// CodeInvalid indicates invalid input provided by a renderer or caller.
	CodeInvalid Code = "invalid_request"
	// CodeRateLimited indicates the request exceeded local or remote rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeCancelled indicates the operation was cancelled by its context.
	CodeCancelled Code = "cancelled"
	// CodeUnavailable indicates a required resource is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the broker stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	RawMsg    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw exchange error body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the broker error code from err, or empty when untyped.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// transientFragments are substrings of error text that identify recoverable
// network failures across platforms and client libraries.
var transientFragments = []string{
	"connection reset",
	"econnreset",
	"timed out",
	"timeout",
	"etimedout",
	"connection refused",
	"econnrefused",
	"no such host",
	"enotfound",
	"eai_again",
	"socket disconnected",
	"socket hang up",
	"broken pipe",
	"tls handshake",
	"network",
}

// IsTransient reports whether err represents a recoverable network failure
// that callers may retry with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var envelope *E
	if errors.As(err, &envelope) {
		switch envelope.Code {
		case CodeNetwork:
			return true
		case CodeExchange, CodeInvalid, CodeCancelled:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(text, fragment) {
			return true
		}
	}
	return false
}
