package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies why an analysis did not produce advice.
type Kind int

const (
	KindProviderFailure Kind = iota
	KindCircuitOpen
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindCircuitOpen:
		return "circuit_open"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "provider_failure"
	}
}

// Sentinels matched by AnalysisError.Is.
var (
	ErrCircuitOpen     = errors.New("circuit open")
	ErrRateLimited     = errors.New("rate limited")
	ErrProviderFailure = errors.New("provider failure")
)

// AnalysisError is returned by Client.Analyze.
type AnalysisError struct {
	Kind       Kind
	Provider   string
	StatusCode int // HTTP status when the provider answered, 0 otherwise
	Err        error
}

func (e *AnalysisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("analyze via %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("analyze via %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *AnalysisError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrProviderFailure:
		return e.Kind == KindProviderFailure
	}
	return false
}

// StatusError is how providers report a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("provider returned status %d", e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth an immediate retry: timeouts,
// dropped connections, 429 and 5xx. Other 4xx responses are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	// Some transports only surface these as text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout")
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
