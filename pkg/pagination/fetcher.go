package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/logging"
	"github.com/Sternrassler/gateway-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gateway_pagination_pages_total",
	Help: "Total number of pages fetched while following cursors",
})

var (
	// ErrCursorLoop is returned when a __next cursor points at a page that
	// was already fetched in the same run.
	ErrCursorLoop = errors.New("pagination cursor loop")

	// ErrMalformedPage is returned when a response is not a pagination envelope.
	ErrMalformedPage = errors.New("malformed page")
)

// PageGetter fetches the raw body of one page. timeout is the remaining
// budget for this page, zero meaning none.
type PageGetter interface {
	GetPage(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// Envelope is the response body shape of paginated endpoints.
type Envelope[T any] struct {
	Data    []T     `json:"Data"`
	Count   *int    `json:"__count,omitempty"`
	Next    *string `json:"__next,omitempty"`
	MaxRows *int    `json:"MaxRows,omitempty"`
}

// Options controls a single Fetch.
type Options struct {
	// Limit caps the number of returned items. Nil means no limit.
	Limit *int

	// Timeout is the budget for all pages together.
	Timeout time.Duration
}

// Limit returns a pointer suitable for Options.Limit.
func Limit(n int) *int {
	return &n
}

// ValidationError identifies the item that failed shape validation.
type ValidationError struct {
	URL   string
	Index int
	Item  json.RawMessage
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("page %s: item %d invalid: %v (item: %s)", e.URL, e.Index, e.Err, truncate(e.Item, 200))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Fetcher follows cursors and assembles a typed result set.
type Fetcher[T any] struct {
	getter   PageGetter
	validate func(T) error
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher. validate may be nil.
func NewFetcher[T any](getter PageGetter, validate func(T) error) *Fetcher[T] {
	return &Fetcher[T]{
		getter:   getter,
		validate: validate,
		logger:   logging.NewLogger("pagination"),
	}
}

// WithLogger returns a copy of the fetcher logging to logger.
func (f *Fetcher[T]) WithLogger(logger zerolog.Logger) *Fetcher[T] {
	cp := *f
	cp.logger = logger
	return &cp
}

// Fetch returns every item reachable from firstURL in cursor order, or the
// first opts.Limit of them.
func (f *Fetcher[T]) Fetch(ctx context.Context, firstURL string, opts Options) ([]T, error) {
	if opts.Limit != nil && *opts.Limit <= 0 {
		return []T{}, nil
	}

	start := time.Now()
	var (
		results []T
		pages   int
		seen    = make(map[string]struct{})
		next    = firstURL
	)

	for {
		if _, dup := seen[next]; dup {
			return nil, fmt.Errorf("%w: %s", ErrCursorLoop, next)
		}
		seen[next] = struct{}{}

		var remaining time.Duration
		if opts.Timeout > 0 {
			remaining = opts.Timeout - time.Since(start)
			if remaining <= 0 {
				return nil, &transport.AbortError{
					Method: "GET",
					URL:    next,
					Cause:  context.DeadlineExceeded,
				}
			}
		}

		page, err := f.fetchPage(ctx, next, remaining)
		if err != nil {
			return nil, err
		}
		pages++
		pagesFetchedTotal.Inc()

		if opts.Limit != nil {
			want := *opts.Limit - len(results)
			if len(page.Data) >= want {
				results = append(results, page.Data[:want]...)
				break
			}
		}
		results = append(results, page.Data...)

		if page.Next == nil || *page.Next == "" {
			break
		}
		next = *page.Next
	}

	f.logger.Debug().
		Str("url", firstURL).
		Int("pages", pages).
		Int("items", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Pagination complete")

	if results == nil {
		results = []T{}
	}
	return results, nil
}

func (f *Fetcher[T]) fetchPage(ctx context.Context, url string, timeout time.Duration) (*Envelope[T], error) {
	body, err := f.getter.GetPage(ctx, url, timeout)
	if err != nil {
		return nil, err
	}

	var raw Envelope[json.RawMessage]
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrMalformedPage, url, err)
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("%w at %s: missing Data array", ErrMalformedPage, url)
	}

	page := &Envelope[T]{
		Data:    make([]T, 0, len(raw.Data)),
		Count:   raw.Count,
		Next:    raw.Next,
		MaxRows: raw.MaxRows,
	}
	for i, item := range raw.Data {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, &ValidationError{URL: url, Index: i, Item: item, Err: err}
		}
		if f.validate != nil {
			if err := f.validate(v); err != nil {
				return nil, &ValidationError{URL: url, Index: i, Item: item, Err: err}
			}
		}
		page.Data = append(page.Data, v)
	}
	return page, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
