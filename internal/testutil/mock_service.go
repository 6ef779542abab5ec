// Package testutil provides testing utilities for the gateway client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockService is a configurable mock of the remote service: plain
// endpoints, paginated endpoints, quota headers and the OAuth token
// endpoint.
type MockService struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockService creates a new mock server.
func NewMockService() *MockService {
	mock := &MockService{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockService) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockService) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockService) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockService) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence answers successive requests to path with the given
// responses; the last one repeats once the sequence is used up.
func (m *MockService) SetSequence(path string, resps ...MockResponse) {
	var (
		mu sync.Mutex
		n  int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(n, len(resps)-1)]
		n++
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetPages serves a paginated endpoint at path. Page i (0-based) is
// requested as path?page=i and links to the next page through __next.
func (m *MockService) SetPages(path string, pages ...[]any) {
	total := 0
	for _, p := range pages {
		total += len(p)
	}

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if v := r.URL.Query().Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n >= len(pages) {
				http.Error(w, "no such page", http.StatusNotFound)
				return
			}
			idx = n
		}

		envelope := map[string]any{
			"Data":    pages[idx],
			"__count": total,
			"MaxRows": len(pages[0]),
		}
		if idx+1 < len(pages) {
			envelope["__next"] = fmt.Sprintf("%s%s?page=%d", m.server.URL, path, idx+1)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(envelope)
	})
}

// SetTokenEndpoint serves an OAuth token endpoint at /token that answers
// every grant with the given tokens.
func (m *MockService) SetTokenEndpoint(accessToken, refreshToken string, expiresIn, refreshExpiresIn int) {
	m.SetHandler("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":             accessToken,
			"token_type":               "Bearer",
			"expires_in":               expiresIn,
			"refresh_token":            refreshToken,
			"refresh_token_expires_in": refreshExpiresIn,
			"base_uri":                 nil,
		})
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockService) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockService) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockService) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader.Clone()
}

// defaultHandler answers unknown paths with a healthy JSON body.
func (m *MockService) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Ratelimit-App-Minute-Remaining", "100")
	w.Header().Set("X-Ratelimit-App-Minute-Reset", "60")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewHealthyResponse creates a standard 200 OK JSON response.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-Ratelimit-App-Minute-Remaining": "100",
			"X-Ratelimit-App-Minute-Reset":     "60",
			"Content-Type":                     "application/json; charset=utf-8",
		},
	}
}

// NewBucketExhaustedResponse creates a 429 whose headers report bucket as
// exhausted, resetting after reset seconds.
func NewBucketExhaustedResponse(bucket string, reset int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"X-Ratelimit-" + bucket + "-Remaining": "0",
			"X-Ratelimit-" + bucket + "-Reset":     strconv.Itoa(reset),
			"Content-Type":                         "application/json; charset=utf-8",
		},
	}
}

// NewDailyQuotaResponse creates a 429 reporting the daily app quota as spent.
func NewDailyQuotaResponse() MockResponse {
	resp := NewBucketExhaustedResponse("App-Day", 3600)
	resp.Headers["X-Ratelimit-App-Minute-Remaining"] = "50"
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "invalid_token"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewBearerHandler answers with data when the request carries the given
// bearer token and with 401 otherwise.
func NewBearerHandler(token, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeResponse(w, NewUnauthorizedResponse())
			return
		}
		writeResponse(w, NewHealthyResponse(data))
	}
}
