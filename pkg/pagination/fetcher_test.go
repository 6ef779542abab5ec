package pagination

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/transport"
)

// fakeGetter serves canned page bodies by URL and records every call.
type fakeGetter struct {
	mu       sync.Mutex
	pages    map[string]string
	calls    []string
	timeouts []time.Duration
	delay    time.Duration
	err      error
}

func (g *fakeGetter) GetPage(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, url)
	g.timeouts = append(g.timeouts, timeout)
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	body, ok := g.pages[url]
	if !ok {
		return nil, fmt.Errorf("unexpected url %s", url)
	}
	return []byte(body), nil
}

func twoPages() *fakeGetter {
	return &fakeGetter{pages: map[string]string{
		"u1": `{"Data":["a","b","c"],"__count":5,"__next":"u2","MaxRows":3}`,
		"u2": `{"Data":["d","e"],"__count":5}`,
	}}
}

func TestFetch_AllPages(t *testing.T) {
	g := twoPages()
	got, err := NewFetcher[string](g, nil).Fetch(context.Background(), "u1", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if want := []string{"a", "b", "c", "d", "e"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Fetch() = %v, want %v", got, want)
	}
	if want := []string{"u1", "u2"}; !reflect.DeepEqual(g.calls, want) {
		t.Errorf("calls = %v, want %v", g.calls, want)
	}
}

func TestFetch_Limit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		want      []string
		wantCalls int
	}{
		{name: "zero limit", limit: 0, want: []string{}, wantCalls: 0},
		{name: "negative limit", limit: -3, want: []string{}, wantCalls: 0},
		{name: "within first page", limit: 2, want: []string{"a", "b"}, wantCalls: 1},
		{name: "exactly first page", limit: 3, want: []string{"a", "b", "c"}, wantCalls: 1},
		{name: "into second page", limit: 4, want: []string{"a", "b", "c", "d"}, wantCalls: 2},
		{name: "beyond total", limit: 10, want: []string{"a", "b", "c", "d", "e"}, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := twoPages()
			got, err := NewFetcher[string](g, nil).Fetch(context.Background(), "u1", Options{Limit: Limit(tt.limit)})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Fetch() = %v, want %v", got, tt.want)
			}
			if len(g.calls) != tt.wantCalls {
				t.Errorf("calls = %d (%v), want %d", len(g.calls), g.calls, tt.wantCalls)
			}
		})
	}
}

func TestFetch_ManyPagesInCursorOrder(t *testing.T) {
	g := &fakeGetter{pages: map[string]string{}}
	const pageCount = 7
	var want []int
	for p := 0; p < pageCount; p++ {
		next := fmt.Sprintf(`,"__next":"p%d"`, p+1)
		if p == pageCount-1 {
			next = ""
		}
		g.pages[fmt.Sprintf("p%d", p)] = fmt.Sprintf(`{"Data":[%d,%d]%s}`, p*2, p*2+1, next)
		want = append(want, p*2, p*2+1)
	}

	got, err := NewFetcher[int](g, nil).Fetch(context.Background(), "p0", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Fetch() = %v, want %v", got, want)
	}
	if len(g.calls) != pageCount {
		t.Errorf("calls = %d, want %d", len(g.calls), pageCount)
	}
}

func TestFetch_EmptyResult(t *testing.T) {
	g := &fakeGetter{pages: map[string]string{"u1": `{"Data":[]}`}}
	got, err := NewFetcher[string](g, nil).Fetch(context.Background(), "u1", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Fetch() = %#v, want empty non-nil slice", got)
	}
}

func TestFetch_ValidationDiscardsPartialResults(t *testing.T) {
	type item struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	g := &fakeGetter{pages: map[string]string{
		"u1": `{"Data":[{"id":1,"name":"one"}],"__next":"u2"}`,
		"u2": `{"Data":[{"id":2,"name":"two"},{"id":3}]}`,
	}}
	errNoName := errors.New("name is required")

	got, err := NewFetcher[item](g, func(it item) error {
		if it.Name == "" {
			return errNoName
		}
		return nil
	}).Fetch(context.Background(), "u1", Options{})

	if got != nil {
		t.Errorf("Fetch() returned partial results %v", got)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.URL != "u2" || ve.Index != 1 {
		t.Errorf("ValidationError = %s index %d, want u2 index 1", ve.URL, ve.Index)
	}
	if !errors.Is(err, errNoName) {
		t.Error("ValidationError should wrap the validator error")
	}
}

func TestFetch_DecodeFailureIsValidationError(t *testing.T) {
	g := &fakeGetter{pages: map[string]string{"u1": `{"Data":[1,"two"]}`}}
	_, err := NewFetcher[int](g, nil).Fetch(context.Background(), "u1", Options{})

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Index != 1 {
		t.Fatalf("error = %v, want validation error at index 1", err)
	}
}

func TestFetch_MalformedPage(t *testing.T) {
	tests := map[string]string{
		"not json":     `<html>`,
		"missing data": `{"__count":0}`,
		"null data":    `{"Data":null}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			g := &fakeGetter{pages: map[string]string{"u1": body}}
			_, err := NewFetcher[int](g, nil).Fetch(context.Background(), "u1", Options{})
			if !errors.Is(err, ErrMalformedPage) {
				t.Errorf("error = %v, want ErrMalformedPage", err)
			}
		})
	}
}

func TestFetch_CursorLoop(t *testing.T) {
	g := &fakeGetter{pages: map[string]string{
		"u1": `{"Data":[1],"__next":"u2"}`,
		"u2": `{"Data":[2],"__next":"u1"}`,
	}}
	_, err := NewFetcher[int](g, nil).Fetch(context.Background(), "u1", Options{})
	if !errors.Is(err, ErrCursorLoop) {
		t.Fatalf("error = %v, want ErrCursorLoop", err)
	}
	if len(g.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(g.calls))
	}
}

func TestFetch_PropagatesGetterError(t *testing.T) {
	want := &transport.ServiceError{HTTPError: transport.HTTPError{StatusCode: 503}}
	g := &fakeGetter{err: want}

	_, err := NewFetcher[int](g, nil).Fetch(context.Background(), "u1", Options{})
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want the getter's error", err)
	}
}

func TestFetch_TimeoutBudgetShrinks(t *testing.T) {
	g := twoPages()
	g.delay = 30 * time.Millisecond

	_, err := NewFetcher[string](g, nil).Fetch(context.Background(), "u1", Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(g.timeouts) != 2 {
		t.Fatalf("timeouts recorded = %d, want 2", len(g.timeouts))
	}
	if g.timeouts[0] > 5*time.Second || g.timeouts[0] <= 0 {
		t.Errorf("first page timeout = %v", g.timeouts[0])
	}
	if g.timeouts[1] >= g.timeouts[0]-25*time.Millisecond {
		t.Errorf("second page timeout %v not reduced by elapsed time from %v", g.timeouts[1], g.timeouts[0])
	}
}

func TestFetch_TimeoutBudgetExhausted(t *testing.T) {
	g := twoPages()
	g.delay = 60 * time.Millisecond

	_, err := NewFetcher[string](g, nil).Fetch(context.Background(), "u1", Options{Timeout: 50 * time.Millisecond})
	if !transport.IsAbort(err) {
		t.Fatalf("error = %v, want abort once the budget is spent", err)
	}
	if len(g.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(g.calls))
	}
}
