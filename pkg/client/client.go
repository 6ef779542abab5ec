// Package client provides the service group client: it composes the
// transport, the rate limit coordinator and the pagination fetcher, and
// adds retries plus a pluggable error recovery hook.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/logging"
	"github.com/Sternrassler/gateway-client/pkg/pagination"
	"github.com/Sternrassler/gateway-client/pkg/ratelimit"
	"github.com/Sternrassler/gateway-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for client operations.
var (
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total failed attempts by error class",
	}, []string{"class"})

	hookRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_error_hook_total",
		Help: "Error hook invocations by outcome (retry, surface)",
	}, []string{"outcome"})
)

// Client is the service group client for one base endpoint.
type Client struct {
	httpClient  *http.Client
	transport   *transport.Transport
	coordinator *ratelimit.Coordinator
	limiter     *rate.Limiter
	header      http.Header
	baseURL     *url.URL
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the root every relative path is resolved against (REQUIRED).
	BaseURL string

	// User-Agent header (REQUIRED)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// DefaultHeaders are sent on every request.
	DefaultHeaders http.Header

	// HeaderProducer supplies authentication headers per request.
	HeaderProducer transport.HeaderProducer

	// ErrorHook gets one chance per request to recover from an error,
	// for example re-authorizing on 401.
	ErrorHook ErrorHook

	// Proactive pacing. RequestsPerSecond <= 0 disables it.
	RequestsPerSecond float64
	Burst             int

	// RateLimit configures the reactive quota coordinator.
	RateLimit ratelimit.Config

	// Retry overrides the per error class retry policy when MaxAttempts > 0.
	Retry RetryConfig

	// Timeout is the default per-attempt timeout.
	Timeout time.Duration

	// HTTPClient performs the exchanges (default: a new http.Client).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:           baseURL,
		UserAgent:         userAgent,
		RequestsPerSecond: 10,
		Burst:             5,
		RateLimit:         ratelimit.DefaultConfig(),
		Timeout:           30 * time.Second,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if cfg.RequestsPerSecond > 0 && cfg.Burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1 when pacing is enabled (got %d)", cfg.Burst)
	}

	logger := logging.NewLogger("gateway-client")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	header := cfg.DefaultHeaders.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("User-Agent", cfg.UserAgent)
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	return &Client{
		httpClient: httpClient,
		transport: transport.New(transport.Config{
			HTTPClient:     httpClient,
			DefaultHeader:  header,
			HeaderProducer: cfg.HeaderProducer,
			Logger:         &logger,
		}),
		coordinator: ratelimit.NewCoordinator(cfg.RateLimit, logger),
		limiter:     limiter,
		header:      header,
		baseURL:     base,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs a request with pacing, rate limit coordination, the error
// hook and retries. A request that exhausts all recovery returns the last
// attempt's error with method, URL, status and body preserved.
func (c *Client) Do(ctx context.Context, d transport.Descriptor) (*transport.Response, error) {
	resolved, err := c.resolve(d.URL)
	if err != nil {
		return nil, err
	}
	d.URL = resolved
	if d.Method == "" {
		d.Method = http.MethodGet
	}
	if d.Timeout == 0 {
		d.Timeout = c.config.Timeout
	}

	var (
		hookUsed     bool
		rateAttempts int
		backoffs     = make(map[transport.ErrorClass]*backoff)
	)

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &transport.AbortError{Method: d.Method, URL: d.URL, Cause: err}
			}
		}

		resp, err := c.transport.Execute(ctx, d)
		if err == nil {
			if attempt > 1 {
				c.logger.Info().
					Str("method", d.Method).
					Str("url", d.URL).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		class := transport.Classify(err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		if class == transport.ErrorClassAbort {
			return nil, err
		}

		// Step 1: quota exhaustion is waited out by the coordinator
		rlErr := c.coordinator.OnError(ctx, err, rateAttempts+1)
		if rlErr == nil {
			rateAttempts++
			continue
		}
		if rlErr != err {
			return nil, rlErr
		}

		// Step 2: one recovery attempt through the hook
		if c.config.ErrorHook != nil && !hookUsed {
			retry, herr := c.config.ErrorHook(ctx, err, attempt)
			if retry {
				hookUsed = true
				hookRecoveriesTotal.WithLabelValues("retry").Inc()
				continue
			}
			if herr != nil && herr != err {
				hookRecoveriesTotal.WithLabelValues("surface").Inc()
				return nil, herr
			}
		}

		// Step 3: transient failures are retried with backoff
		if !shouldRetry(class) {
			c.logger.Warn().
				Err(err).
				Str("method", d.Method).
				Str("url", d.URL).
				Str("error_class", string(class)).
				Msg("Request failed")
			return nil, err
		}

		b, ok := backoffs[class]
		if !ok {
			b = newBackoff(c.retryConfig(class))
			backoffs[class] = b
		}
		delay, ok := b.step()
		if !ok {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			c.logger.Warn().
				Str("error_class", string(class)).
				Int("max_attempts", b.config.MaxAttempts).
				Str("url", d.URL).
				Msg("Retry attempts exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, b.attempts, err)
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())
		c.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if serr := sleep(ctx, delay); serr != nil {
			c.logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, &transport.AbortError{Method: d.Method, URL: d.URL, Cause: serr}
		}
	}
}

func (c *Client) retryConfig(class transport.ErrorClass) RetryConfig {
	if c.config.Retry.MaxAttempts > 0 {
		return c.config.Retry
	}
	return RetryConfigForErrorClass(class)
}

// resolve turns a path into an absolute URL under the base URL. Absolute
// URLs, such as pagination cursors, pass through unchanged.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	return c.baseURL.ResolveReference(&url.URL{
		Path:     strings.TrimPrefix(u.Path, "/"),
		RawQuery: u.RawQuery,
	}).String(), nil
}

// RequestOption customizes a single request.
type RequestOption func(*transport.Descriptor)

// WithHeader sets a per-call header, overriding defaults and auth headers.
func WithHeader(key, value string) RequestOption {
	return func(d *transport.Descriptor) {
		*d = d.WithHeader(key, value)
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(d *transport.Descriptor) {
		d.Timeout = timeout
	}
}

// WithQuery appends query parameters to the request URL.
func WithQuery(params url.Values) RequestOption {
	return func(d *transport.Descriptor) {
		if len(params) == 0 {
			return
		}
		sep := "?"
		if strings.Contains(d.URL, "?") {
			sep = "&"
		}
		d.URL += sep + params.Encode()
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any, opts []RequestOption) (*transport.Response, error) {
	d := transport.Descriptor{Method: method, URL: path}
	if body != nil {
		encoded, err := encodeBody(body)
		if err != nil {
			return nil, err
		}
		d.Body = encoded
		d = d.WithHeader("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(&d)
	}
	return c.Do(ctx, d)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return bytes.TrimRight(buf.Bytes(), "\n"), nil
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.request(ctx, http.MethodGet, path, nil, opts)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*transport.Response, error) {
	return c.request(ctx, http.MethodPost, path, body, opts)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*transport.Response, error) {
	return c.request(ctx, http.MethodPut, path, body, opts)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*transport.Response, error) {
	return c.request(ctx, http.MethodPatch, path, body, opts)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.request(ctx, http.MethodDelete, path, nil, opts)
}

// GetPage fetches one pagination page. It implements pagination.PageGetter.
func (c *Client) GetPage(ctx context.Context, pageURL string, timeout time.Duration) ([]byte, error) {
	resp, err := c.Do(ctx, transport.Descriptor{
		Method:  http.MethodGet,
		URL:     pageURL,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetJSON performs a GET request and decodes the JSON response into T.
func GetJSON[T any](ctx context.Context, c *Client, path string, opts ...RequestOption) (T, error) {
	var v T
	resp, err := c.Get(ctx, path, opts...)
	if err != nil {
		return v, err
	}
	if err := resp.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// GetAll follows the pagination cursor starting at path and returns every
// item, or the first opts.Limit of them. validate may be nil.
func GetAll[T any](ctx context.Context, c *Client, path string, opts pagination.Options, validate func(T) error) ([]T, error) {
	first, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return pagination.NewFetcher[T](c, validate).WithLogger(c.logger).Fetch(ctx, first, opts)
}

// Pending reports how many rate limit waits are outstanding.
func (c *Client) Pending() int {
	return c.coordinator.Pending()
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
	c.transport = transport.New(transport.Config{
		HTTPClient:     client,
		DefaultHeader:  c.header,
		HeaderProducer: c.config.HeaderProducer,
		Logger:         &c.logger,
	})
}

var _ pagination.PageGetter = (*Client)(nil)

// IsRetryExhausted reports whether err is the result of exhausted retries.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}
