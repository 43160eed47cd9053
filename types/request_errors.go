package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNetwork             = errors.New("network error")
	ErrTimeout             = errors.New("timeout error")
	ErrHTTPClient          = errors.New("http client error")
	ErrHTTPServer          = errors.New("http server error")
	ErrBatchPartialFailure = errors.New("batch partial failure")
	ErrRetryExhausted      = errors.New("retry exhausted")
)

type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindHTTPClient
	KindHTTPServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindHTTPClient:
		return "http_client"
	case KindHTTPServer:
		return "http_server"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	case KindHTTPClient:
		return ErrHTTPClient
	default:
		return ErrHTTPServer
	}
}

// RequestError is the outcome of one failed attempt. Status is zero for
// network and timeout failures.
type RequestError struct {
	Kind      ErrorKind
	Method    string
	URL       string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Method != "" || e.URL != "" {
		b.WriteString(" (")
		b.WriteString(e.Method)
		b.WriteByte(' ')
		b.WriteString(e.URL)
		b.WriteByte(')')
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

func (e *RequestError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether another attempt could change the outcome.
func (e *RequestError) Retryable() bool {
	return e.Kind != KindHTTPClient
}

func NewNetworkError(method, url string, cause error) *RequestError {
	return &RequestError{Kind: KindNetwork, Method: method, URL: url, Cause: cause}
}

func NewTimeoutError(method, url string, cause error) *RequestError {
	return &RequestError{Kind: KindTimeout, Method: method, URL: url, Cause: cause}
}

// NewStatusError classifies a non-2xx status. Statuses below 500 are client errors.
func NewStatusError(method, url string, status int, message string) *RequestError {
	kind := KindHTTPServer
	if status >= 400 && status < 500 {
		kind = KindHTTPClient
	}
	return &RequestError{Kind: kind, Method: method, URL: url, Status: status, Message: message}
}

type BatchItemError struct {
	ID      string
	Index   int
	Message string
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("batch item %d (%s) failed: %s", e.Index, e.ID, e.Message)
}

func (e *BatchItemError) Unwrap() error {
	return ErrBatchPartialFailure
}

type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

// IsRetryable treats unknown errors as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}

	return !errors.Is(err, ErrBatchPartialFailure)
}
