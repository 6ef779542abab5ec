// Package ratelimit coordinates backoff waits for vendor quota buckets.
// It reads the x-ratelimit-<bucket>-remaining and x-ratelimit-<bucket>-reset
// response headers and makes concurrent callers that hit the same exhausted
// bucket share one wait instead of scheduling their own.
package ratelimit

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	headerPrefix    = "x-ratelimit-"
	remainingSuffix = "-remaining"
	resetSuffix     = "-reset"
)

// Bucket is a quota counter observed on a single response. It is derived
// per request and never persisted.
type Bucket struct {
	Name string

	// Remaining is nil when the response did not report it.
	Remaining *int

	// Reset is the delay until the bucket rolls over, nil when absent.
	Reset *time.Duration
}

// Exhausted returns true if the bucket reported nothing remaining.
func (b Bucket) Exhausted() bool {
	return b.Remaining != nil && *b.Remaining <= 0
}

// ParseBuckets scans headers case-insensitively and groups the
// remaining/reset pairs by bucket name. Results are sorted by name.
// Values that do not parse are treated as absent.
func ParseBuckets(headers http.Header) []Bucket {
	byName := make(map[string]*Bucket)
	get := func(name string) *Bucket {
		b, ok := byName[name]
		if !ok {
			b = &Bucket{Name: name}
			byName[name] = b
		}
		return b
	}

	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(key)
		if !strings.HasPrefix(lower, headerPrefix) {
			continue
		}
		rest := strings.TrimPrefix(lower, headerPrefix)
		value := strings.TrimSpace(values[0])

		switch {
		case strings.HasSuffix(rest, remainingSuffix):
			name := strings.TrimSuffix(rest, remainingSuffix)
			if name == "" {
				continue
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			get(name).Remaining = &n
		case strings.HasSuffix(rest, resetSuffix):
			name := strings.TrimSuffix(rest, resetSuffix)
			if name == "" {
				continue
			}
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs < 0 {
				continue
			}
			d := time.Duration(secs * float64(time.Second))
			get(name).Reset = &d
		}
	}

	buckets := make([]Bucket, 0, len(byName))
	for _, b := range byName {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(headers http.Header) *time.Duration {
	v := strings.TrimSpace(headers.Get("Retry-After"))
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs * float64(time.Second))
	return &d
}
