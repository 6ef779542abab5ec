package ratelimit

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultBucket names the wait used for a 429 that carries no bucket headers.
const DefaultBucket = "default"

// Prometheus metrics for rate limit coordination.
var (
	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ratelimit_waits_total",
		Help: "Rate limit waits by bucket and role (leader started the timer, follower joined it)",
	}, []string{"bucket", "role"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_ratelimit_wait_seconds",
		Help:    "Duration of rate limit waits by bucket",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"bucket"})

	rateLimitFatalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ratelimit_fatal_total",
		Help: "Rate limit conditions that could not be waited out, by reason",
	}, []string{"reason"})
)

// Config holds coordinator configuration.
type Config struct {
	// HardQuotaBuckets are bucket names whose exhaustion is fatal rather
	// than waited out.
	HardQuotaBuckets []string

	// MinWait is the floor applied to every wait, so zero or sub-second
	// resets never turn into a busy retry.
	MinWait time.Duration

	// MaxAttempts bounds how many times one request may wait.
	MaxAttempts int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		HardQuotaBuckets: []string{"app-day"},
		MinWait:          time.Second,
		MaxAttempts:      5,
	}
}

// Coordinator decides whether a failed attempt is a rate limit condition
// and, if so, blocks until the bucket has plausibly rolled over. One
// Coordinator belongs to one logical client; waits are shared per bucket
// name among that client's concurrent callers.
type Coordinator struct {
	cfg    Config
	hard   map[string]struct{}
	waits  singleflight.Group
	logger zerolog.Logger

	pending atomic.Int64
	started atomic.Int64
}

// NewCoordinator creates a coordinator. Zero fields in cfg take their
// defaults.
func NewCoordinator(cfg Config, logger zerolog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.HardQuotaBuckets == nil {
		cfg.HardQuotaBuckets = def.HardQuotaBuckets
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = def.MinWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	hard := make(map[string]struct{}, len(cfg.HardQuotaBuckets))
	for _, name := range cfg.HardQuotaBuckets {
		hard[name] = struct{}{}
	}

	return &Coordinator{
		cfg:    cfg,
		hard:   hard,
		logger: logger,
	}
}

// OnError inspects the error of a failed attempt. attempt counts from 1.
// A nil return means the caller should re-issue the request now; any other
// error ends the retry loop. Errors that are not rate limit conditions
// are returned unchanged.
func (c *Coordinator) OnError(ctx context.Context, err error, attempt int) error {
	he, ok := transport.AsHTTPError(err)
	if !ok || he.StatusCode < 400 || he.StatusCode >= 500 {
		return err
	}

	var exhausted []Bucket
	for _, b := range ParseBuckets(he.Header) {
		if !b.Exhausted() {
			continue
		}
		if _, isHard := c.hard[b.Name]; isHard {
			rateLimitFatalTotal.WithLabelValues("hard_quota").Inc()
			c.logger.Error().
				Str("bucket", b.Name).
				Str("url", he.URL).
				Msg("Hard quota exhausted - not retrying")
			return &QuotaExhaustedError{Bucket: b.Name, Err: err}
		}
		exhausted = append(exhausted, b)
	}

	var target Bucket
	switch {
	case len(exhausted) > 1:
		names := make([]string, len(exhausted))
		for i, b := range exhausted {
			names[i] = b.Name
		}
		rateLimitFatalTotal.WithLabelValues("ambiguous").Inc()
		c.logger.Error().
			Strs("buckets", names).
			Str("url", he.URL).
			Msg("Multiple rate limit buckets exhausted")
		return &AmbiguousRateLimitError{Buckets: names, Err: err}
	case len(exhausted) == 1:
		target = exhausted[0]
	case he.StatusCode == http.StatusTooManyRequests:
		target = Bucket{Name: DefaultBucket, Reset: retryAfter(he.Header)}
	default:
		return err
	}

	if attempt >= c.cfg.MaxAttempts {
		rateLimitFatalTotal.WithLabelValues("attempts").Inc()
		return &RateLimitExceededError{Bucket: target.Name, Attempts: attempt, Err: err}
	}

	if werr := c.Wait(ctx, target.Name, c.waitDuration(target)); werr != nil {
		return &transport.AbortError{Method: he.Method, URL: he.URL, Cause: werr}
	}
	return nil
}

// Wait blocks until the wait registered for bucket finishes. The first
// caller for a bucket starts a timer of duration d; callers arriving while
// it runs join that timer and their d is ignored. A caller whose ctx ends
// first returns ctx.Err() while the timer keeps serving the others.
func (c *Coordinator) Wait(ctx context.Context, bucket string, d time.Duration) error {
	leader := false
	ch := c.waits.DoChan(bucket, func() (any, error) {
		leader = true
		c.started.Add(1)
		c.pending.Add(1)
		defer c.pending.Add(-1)

		c.logger.Warn().
			Str("bucket", bucket).
			Dur("wait", d).
			Msg("Rate limit exhausted - waiting for reset")

		start := time.Now()
		timer := time.NewTimer(d)
		defer timer.Stop()
		<-timer.C
		rateLimitWaitSeconds.WithLabelValues(bucket).Observe(time.Since(start).Seconds())
		return nil, nil
	})

	select {
	case <-ch:
		role := "follower"
		if leader {
			role = "leader"
		}
		rateLimitWaitsTotal.WithLabelValues(bucket, role).Inc()
		return nil
	case <-ctx.Done():
		c.logger.Debug().Str("bucket", bucket).Msg("Caller abandoned rate limit wait")
		return ctx.Err()
	}
}

// Pending returns the number of waits currently outstanding.
func (c *Coordinator) Pending() int {
	return int(c.pending.Load())
}

// WaitsStarted returns how many wait timers this coordinator has created.
func (c *Coordinator) WaitsStarted() int64 {
	return c.started.Load()
}

func (c *Coordinator) waitDuration(b Bucket) time.Duration {
	if b.Reset == nil || *b.Reset < c.cfg.MinWait {
		return c.cfg.MinWait
	}
	return *b.Reset
}
