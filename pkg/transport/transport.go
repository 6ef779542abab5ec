// Package transport issues single HTTP exchanges against the remote service.
// It layers headers, composes the per-call timeout with the caller's context,
// and classifies failures into typed errors. No retry logic lives here.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds how much of a response body is buffered.
const DefaultMaxBodyBytes = 32 << 20

// Prometheus metrics for single exchanges.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total HTTP exchanges by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "HTTP exchange duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})
)

// HeaderProducer returns the authentication headers for the next request.
// An empty result means the request goes out unauthenticated.
type HeaderProducer func(ctx context.Context) (http.Header, error)

// Descriptor describes one attempt. Retries derive a new Descriptor from the
// previous one rather than mutating it.
type Descriptor struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout bounds the whole exchange including body read. Zero means no
	// per-call timeout beyond the caller's context.
	Timeout time.Duration
}

// WithHeader returns a copy of d with key set to value.
func (d Descriptor) WithHeader(key, value string) Descriptor {
	h := d.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(key, value)
	d.Header = h
	return d
}

// Response is a fully buffered 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Config holds the transport configuration.
type Config struct {
	// HTTPClient performs the exchange (default: a client without timeout;
	// timeouts come from Descriptor.Timeout and the context).
	HTTPClient *http.Client

	// DefaultHeader is sent on every request and may be overridden by the
	// header producer or per-call headers.
	DefaultHeader http.Header

	// HeaderProducer supplies authentication headers.
	HeaderProducer HeaderProducer

	// MaxBodyBytes limits buffered response bodies.
	MaxBodyBytes int64

	Logger *zerolog.Logger
}

// Transport executes Descriptors.
type Transport struct {
	httpClient    *http.Client
	defaultHeader http.Header
	producer      HeaderProducer
	maxBodyBytes  int64
	logger        zerolog.Logger
}

// New creates a transport.
func New(cfg Config) *Transport {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := logging.NewLogger("transport")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		httpClient:    httpClient,
		defaultHeader: cfg.DefaultHeader.Clone(),
		producer:      cfg.HeaderProducer,
		maxBodyBytes:  maxBody,
		logger:        logger,
	}
}

// Execute performs one exchange. Non-2xx responses are returned as
// *ClientError or *ServiceError, cancellations as *AbortError and
// connection failures as *NetworkError.
func (t *Transport) Execute(ctx context.Context, d Descriptor) (*Response, error) {
	if d.Method == "" {
		d.Method = http.MethodGet
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return nil, &AbortError{Method: d.Method, URL: d.URL, Cause: err}
	}

	header, err := t.buildHeader(ctx, d)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if d.Body != nil {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = header

	t.logger.Debug().
		Str("method", d.Method).
		Str("url", d.URL).
		Msg("Executing request")

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(d.Method).Observe(time.Since(start).Seconds())
	}()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			requestsTotal.WithLabelValues(d.Method, "aborted").Inc()
			return nil, &AbortError{Method: d.Method, URL: d.URL, Cause: err}
		}
		requestsTotal.WithLabelValues(d.Method, "network_error").Inc()
		t.logger.Warn().Err(err).Str("url", d.URL).Msg("HTTP request failed")
		return nil, &NetworkError{Method: d.Method, URL: d.URL, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			requestsTotal.WithLabelValues(d.Method, "aborted").Inc()
			return nil, &AbortError{Method: d.Method, URL: d.URL, Cause: err}
		}
		requestsTotal.WithLabelValues(d.Method, "network_error").Inc()
		return nil, &NetworkError{Method: d.Method, URL: d.URL, Err: fmt.Errorf("read response body: %w", err)}
	}
	if int64(len(raw)) > t.maxBodyBytes {
		requestsTotal.WithLabelValues(d.Method, "too_large").Inc()
		t.logger.Warn().
			Str("url", d.URL).
			Int("status_code", resp.StatusCode).
			Int64("limit", t.maxBodyBytes).
			Msg("Response body too large")
		return nil, &BodyTooLargeError{Method: d.Method, URL: d.URL, StatusCode: resp.StatusCode, Limit: t.maxBodyBytes}
	}
	requestsTotal.WithLabelValues(d.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
	}

	httpErr := HTTPError{
		Method:        d.Method,
		URL:           d.URL,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		RequestHeader: redact(header),
		Body:          parseBody(resp.Header.Get("Content-Type"), raw),
		RawBody:       raw,
	}

	t.logger.Debug().
		Str("method", d.Method).
		Str("url", d.URL).
		Int("status", resp.StatusCode).
		Msg("Request returned error status")

	if resp.StatusCode >= 500 {
		return nil, &ServiceError{HTTPError: httpErr}
	}
	return nil, &ClientError{HTTPError: httpErr}
}

// buildHeader layers default headers, the producer's output and per-call
// headers. Later layers overwrite same-named keys.
func (t *Transport) buildHeader(ctx context.Context, d Descriptor) (http.Header, error) {
	merged := t.defaultHeader.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	if t.producer != nil {
		auth, err := t.producer(ctx)
		if err != nil {
			return nil, fmt.Errorf("produce auth headers: %w", err)
		}
		overlay(merged, auth)
	}
	overlay(merged, d.Header)
	return merged, nil
}

func overlay(dst, src http.Header) {
	for key, values := range src {
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
}

// parseBody decodes JSON bodies when the content type says so and falls back
// to raw text otherwise.
func parseBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// redact hides credentials in headers kept for diagnostics.
func redact(h http.Header) http.Header {
	out := h.Clone()
	if out.Get("Authorization") != "" {
		out.Set("Authorization", "[redacted]")
	}
	return out
}
