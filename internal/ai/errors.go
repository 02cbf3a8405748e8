package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies upstream completion failures
type Kind string

const (
	KindTimeout               Kind = "timeout"
	KindConnectionUnavailable Kind = "connection_unavailable"
	KindRateLimited           Kind = "rate_limited"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindMalformedResponse     Kind = "malformed_upstream_response"
	KindUpstream              Kind = "upstream"
)

var (
	ErrTimeout               = errors.New("completion service timed out")
	ErrConnectionUnavailable = errors.New("completion service unavailable")
	ErrRateLimited           = errors.New("completion service rate limit exceeded")
	ErrAuthenticationFailed  = errors.New("completion service authentication failed")
	ErrMalformedResponse     = errors.New("malformed completion response")
	ErrUpstream              = errors.New("completion service error")
)

var kindSentinels = map[Kind]error{
	KindTimeout:               ErrTimeout,
	KindConnectionUnavailable: ErrConnectionUnavailable,
	KindRateLimited:           ErrRateLimited,
	KindAuthenticationFailed:  ErrAuthenticationFailed,
	KindMalformedResponse:     ErrMalformedResponse,
	KindUpstream:              ErrUpstream,
}

// UpstreamError is returned by Completer implementations
type UpstreamError struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("ai %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	return target != nil && kindSentinels[e.Kind] == target
}

// Retryable reports whether the caller may try again later
func (e *UpstreamError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindConnectionUnavailable:
		return true
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an *UpstreamError
func KindOf(err error) Kind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable upstream failure
func IsRetryable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Retryable()
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthenticationFailed
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable:
		return KindConnectionUnavailable
	default:
		return KindUpstream
	}
}

// transportKind classifies errors that never produced an HTTP status
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionUnavailable
	}
	return KindConnectionUnavailable
}

func malformed(op string, err error) *UpstreamError {
	return &UpstreamError{Kind: KindMalformedResponse, Op: op, Err: err}
}
