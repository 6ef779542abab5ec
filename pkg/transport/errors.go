package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents quota exhaustion (429 or exhausted bucket headers).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection level failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAbort represents caller or timeout cancellation.
	ErrorClassAbort ErrorClass = "abort"
)

// AbortError is returned when the caller's context or the per-call timeout
// fired before or during the exchange.
type AbortError struct {
	Method string
	URL    string
	Cause  error
}

func (e *AbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s aborted: %v", e.Method, e.URL, e.Cause)
	}
	return fmt.Sprintf("%s %s aborted", e.Method, e.URL)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// NetworkError wraps a transport level failure that was not a cancellation.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError carries everything known about a non-2xx response.
type HTTPError struct {
	Method        string
	URL           string
	StatusCode    int
	Header        http.Header
	RequestHeader http.Header

	// Body is the decoded JSON document when the response declared a JSON
	// content type, otherwise the raw text.
	Body    any
	RawBody []byte
}

func (e *HTTPError) message() string {
	switch b := e.Body.(type) {
	case string:
		return b
	case nil:
		return http.StatusText(e.StatusCode)
	default:
		return string(e.RawBody)
	}
}

// ClientError is returned for 4xx responses.
type ClientError struct {
	HTTPError
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s %s: client error (status %d): %s",
		e.Method, e.URL, e.StatusCode, e.message())
}

// ServiceError is returned for 5xx responses.
type ServiceError struct {
	HTTPError
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: service error (status %d): %s",
		e.Method, e.URL, e.StatusCode, e.message())
}

// BodyTooLargeError is returned when a response body exceeds the
// transport's MaxBodyBytes. The body is discarded rather than truncated.
type BodyTooLargeError struct {
	Method     string
	URL        string
	StatusCode int
	Limit      int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("%s %s: response body exceeds %d bytes (status %d)",
		e.Method, e.URL, e.Limit, e.StatusCode)
}

// AsHTTPError extracts the response details from a ClientError or ServiceError.
func AsHTTPError(err error) (*HTTPError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return &ce.HTTPError, true
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return &se.HTTPError, true
	}
	return nil, false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if he, ok := AsHTTPError(err); ok {
		return he.StatusCode
	}
	return 0
}

// IsAbort reports whether err is the result of a cancellation.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// Classify maps an error returned by Execute onto an ErrorClass.
func Classify(err error) ErrorClass {
	var (
		ae *AbortError
		ne *NetworkError
		ce *ClientError
		se *ServiceError
		le *BodyTooLargeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return ErrorClassAbort
	case errors.As(err, &le):
		// the same request yields the same body; not worth retrying
		return ErrorClassClient
	case errors.As(err, &ce):
		if ce.StatusCode == http.StatusTooManyRequests {
			return ErrorClassRateLimit
		}
		return ErrorClassClient
	case errors.As(err, &se):
		return ErrorClassServer
	case errors.As(err, &ne):
		return ErrorClassNetwork
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassAbort
	default:
		return ErrorClassNetwork
	}
}
