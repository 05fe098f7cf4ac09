package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a provider failure for fallback decisions.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindTimeout
	KindRateLimited
	KindQuotaExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "generic"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider Provider
	Message  string
	Err      error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, provider Provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error chain, KindGeneric if untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// KindForStatus maps an HTTP status code to an error kind. The message-based
// classifier decides for codes with no direct mapping.
func KindForStatus(code int) (ErrorKind, bool) {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimited, true
	case http.StatusPaymentRequired:
		return KindQuotaExceeded, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout, true
	}
	return KindGeneric, false
}

// KindForMessage classifies an error by its text. Quota/billing language wins
// over rate/limit language because quota errors commonly also mention limits.
func KindForMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return KindQuotaExceeded
	case strings.Contains(lower, "rate") || strings.Contains(lower, "limit"):
		return KindRateLimited
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return KindTimeout
	default:
		return KindGeneric
	}
}

// Classify wraps an arbitrary failure from a backend call into an *Error,
// preserving an existing classification when one is present.
func Classify(provider Provider, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindForMessage(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: provider, Message: err.Error(), Err: err}
}
