package client

import (
	"context"
	"errors"

	"github.com/Sternrassler/gateway-client/pkg/transport"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	// The last attempt's error stays in the chain for errors.As.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorHook is consulted after a failed attempt that the rate limit
// coordinator did not handle. Returning true asks for one more attempt;
// the hook is called at most once per request. A non-nil error replaces
// the attempt's error.
type ErrorHook func(ctx context.Context, err error, attempt int) (bool, error)

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass transport.ErrorClass) bool {
	switch errorClass {
	case transport.ErrorClassClient:
		// 4xx errors are only recovered through the error hook
		return false
	case transport.ErrorClassServer:
		return true
	case transport.ErrorClassNetwork:
		return true
	case transport.ErrorClassAbort:
		// the caller gave up, never retried here
		return false
	default:
		// rate limit conditions are owned by the coordinator
		return false
	}
}
