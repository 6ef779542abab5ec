package ratelimit

import (
	"fmt"
	"strings"
)

// QuotaExhaustedError is returned when a hard quota bucket (for example the
// daily app quota) reports nothing remaining. It is not retryable.
type QuotaExhaustedError struct {
	Bucket string
	Err    error
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("hard quota %q exhausted: %v", e.Bucket, e.Err)
}

func (e *QuotaExhaustedError) Unwrap() error {
	return e.Err
}

// AmbiguousRateLimitError is returned when more than one bucket is exhausted
// at once, so there is no single wait target.
type AmbiguousRateLimitError struct {
	Buckets []string
	Err     error
}

func (e *AmbiguousRateLimitError) Error() string {
	return fmt.Sprintf("multiple rate limit buckets exhausted (%s): %v",
		strings.Join(e.Buckets, ", "), e.Err)
}

func (e *AmbiguousRateLimitError) Unwrap() error {
	return e.Err
}

// RateLimitExceededError is returned once a request has waited out the same
// condition more times than the coordinator allows.
type RateLimitExceededError struct {
	Bucket   string
	Attempts int
	Err      error
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit %q still exceeded after %d attempts: %v",
		e.Bucket, e.Attempts, e.Err)
}

func (e *RateLimitExceededError) Unwrap() error {
	return e.Err
}
