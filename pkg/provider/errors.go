package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindRateLimited    ErrorKind = "rate_limited"
	KindMalformed      ErrorKind = "malformed"
	KindUnavailable    ErrorKind = "unavailable"
	KindAuthentication ErrorKind = "authentication"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContentPolicy  ErrorKind = "content_policy"
	KindUnknown        ErrorKind = "unknown"
)

// FailureReason maps the kind onto the reason carried by ResponseFailed.
func (k ErrorKind) FailureReason() agent.FailureReason {
	switch k {
	case KindTimeout:
		return agent.FailureTimeout
	case KindRateLimited:
		return agent.FailureRateLimited
	case KindMalformed:
		return agent.FailureMalformed
	case KindUnavailable:
		return agent.FailureUnavailable
	case KindAuthentication:
		return agent.FailureAuthentication
	case KindInvalidRequest:
		return agent.FailureInvalidRequest
	case KindContentPolicy:
		return agent.FailureContentPolicy
	}
	return agent.FailureUnknown
}

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause with a kind classified from it.
func NewError(providerName string, cause error) *Error {
	var pe *Error
	if errors.As(cause, &pe) {
		return pe
	}
	return &Error{Kind: Classify(cause), Provider: providerName, Cause: cause}
}

// Malformed reports a response that could not be understood.
func Malformed(providerName, format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Provider: providerName, Message: fmt.Sprintf(format, args...)}
}

// Classify returns the kind of err.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		pe      *Error
		netErr  net.Error
		synErr  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
		opErr   *net.OpError
	)
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.As(err, &synErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return KindMalformed
	case errors.As(err, &opErr), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return KindUnavailable
	}
	return KindUnknown
}

// FromStatus builds an Error for a non-2xx HTTP response.
func FromStatus(providerName string, resp *http.Response, body []byte) *Error {
	e := &Error{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(truncate(string(body), 512)),
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = KindAuthentication
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
		e.Kind = KindInvalidRequest
	case code >= 500:
		e.Kind = KindUnavailable
	default:
		e.Kind = KindUnknown
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var ErrNoCapableProvider = errors.New("no capable provider")

// NoCapableProviderError reports that routing found no provider whose
// capabilities satisfy the requirements.
type NoCapableProviderError struct {
	Required   capability.Requirements
	Considered []string
}

func (e *NoCapableProviderError) Error() string {
	return fmt.Sprintf("no capable provider for %s (min context %d) among %d providers",
		e.Required.Capabilities, e.Required.MinContextLength, len(e.Considered))
}

func (e *NoCapableProviderError) Is(target error) bool { return target == ErrNoCapableProvider }

// Code lets agent.Code map routing failures onto a wire code.
func (e *NoCapableProviderError) Code() agent.ErrorCode { return agent.CodeNoCapableProvider }
