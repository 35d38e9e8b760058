package errx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the reason a completion exchange failed. Exactly one kind is
// assigned per failure and it only selects the text shown to the user.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoConnectivity
	KindTimeout
	KindServerError
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindNoConnectivity:
		return "no_connectivity"
	case KindTimeout:
		return "timeout"
	case KindServerError:
		return "server_error"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

const unknownDetail = "Unknown error"

// CompletionError is a classified failure of the remote completion endpoint.
type CompletionError struct {
	Kind   Kind
	Code   int    // HTTP status, set for KindServerError
	Detail string // best-effort description, used by KindUnknown
	Err    error
}

// Message returns the banner text presented to the user.
func (e *CompletionError) Message() string {
	switch e.Kind {
	case KindNoConnectivity:
		return "No internet connection. Please check your network."
	case KindTimeout:
		return "Request timed out. Please try again."
	case KindServerError:
		return fmt.Sprintf("Server error (%d). Please try again later.", e.Code)
	case KindMalformedResponse:
		return "Response parsing error. Please try again."
	default:
		return "Connection error: " + e.detail()
	}
}

func (e *CompletionError) detail() string {
	if d := strings.TrimSpace(e.Detail); d != "" {
		return d
	}
	if e.Err != nil {
		if d := strings.TrimSpace(e.Err.Error()); d != "" {
			return d
		}
	}
	return unknownDetail
}

// Error implements the error interface.
func (e *CompletionError) Error() string {
	var b strings.Builder
	b.WriteString("completion ")
	b.WriteString(e.Kind.String())
	if e.Kind == KindServerError {
		fmt.Fprintf(&b, " (status %d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Unwrap exposes the transport error.
func (e *CompletionError) Unwrap() error {
	return e.Err
}

// NewServerError classifies a non-success HTTP status. body is kept as detail.
func NewServerError(code int, body string) *CompletionError {
	return &CompletionError{Kind: KindServerError, Code: code, Detail: body}
}

// NewMalformedResponse classifies a body that does not decode into the
// expected completion shape.
func NewMalformedResponse(err error) *CompletionError {
	return &CompletionError{Kind: KindMalformedResponse, Err: err}
}

// Classify maps any error raised while talking to the completion endpoint
// to a CompletionError. Already classified errors are returned unchanged.
// A nil error yields nil.
func Classify(err error) *CompletionError {
	if err == nil {
		return nil
	}

	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}

	// host resolution failures count as connectivity even when the
	// resolver itself timed out
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &CompletionError{Kind: KindNoConnectivity, Err: err}
	}

	if isTimeout(err) {
		return &CompletionError{Kind: KindTimeout, Err: err}
	}

	if isUnreachable(err) {
		return &CompletionError{Kind: KindNoConnectivity, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &CompletionError{Kind: KindMalformedResponse, Err: err}
	}

	return &CompletionError{Kind: KindUnknown, Detail: err.Error(), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
