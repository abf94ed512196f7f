package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	KindNoCredentials   ErrorKind = "no-credentials"
	KindOffline         ErrorKind = "offline"
	KindRateLimited     ErrorKind = "rate-limited"
	KindNetwork         ErrorKind = "network"
	KindInvalidResponse ErrorKind = "invalid-response"
	KindContextTooLarge ErrorKind = "context-too-large"
	KindContentFiltered ErrorKind = "content-filtered"
	KindInvalidRequest  ErrorKind = "invalid-request"
	KindUnknown         ErrorKind = "unknown"
)

// Retryable reports whether the same backend may be tried again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// Error wraps provider errors with classification metadata.
type Error struct {
	Kind    ErrorKind
	Status  int
	Backend string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "backend error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("backend error (kind=%s status=%d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("backend error (kind=%s)", e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a classified error.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// StatusError builds an error from an HTTP status and classifies it.
func StatusError(status int, err error) *Error {
	e := &Error{Status: status, Err: err}
	e.Kind = classifyStatus(status, messageOf(err))
	return e
}

// Classify maps any error returned by a backend onto the error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var backendErr *Error
	if errors.As(err, &backendErr) {
		if backendErr.Kind != "" {
			return backendErr.Kind
		}
		if backendErr.Status != 0 {
			return classifyStatus(backendErr.Status, messageOf(backendErr.Err))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return classifyMessage(messageOf(err))
}

func classifyStatus(status int, msg string) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindNoCredentials
	case status == 429:
		return KindRateLimited
	case status == 413:
		return KindContextTooLarge
	case status == 400 || status == 422:
		if kind := classifyMessage(msg); kind == KindContextTooLarge || kind == KindContentFiltered {
			return kind
		}
		return KindInvalidRequest
	case status == 408 || status == 529:
		return KindNetwork
	case status >= 500 && status <= 599:
		return KindNetwork
	}
	return classifyMessage(msg)
}

func classifyMessage(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	switch {
	case msg == "":
		return KindUnknown
	case containsAny(msg, "api key", "unauthorized", "permission denied", "invalid_api_key", "authentication"):
		return KindNoCredentials
	case containsAny(msg, "rate limit", "rate_limit", "quota", "resource_exhausted", "too many requests", "overloaded"):
		return KindRateLimited
	case containsAny(msg, "context length", "context_length", "too many tokens", "maximum context", "prompt is too long", "request too large"):
		return KindContextTooLarge
	case containsAny(msg, "safety", "content filter", "content_filter", "blocked", "content policy"):
		return KindContentFiltered
	case containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "no such host", "eof"):
		return KindNetwork
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func messageOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
