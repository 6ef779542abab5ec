package integration

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/gateway-client/internal/testutil"
	"github.com/Sternrassler/gateway-client/pkg/client"
	"github.com/Sternrassler/gateway-client/pkg/oauth"
	"github.com/Sternrassler/gateway-client/pkg/pagination"
	"github.com/Sternrassler/gateway-client/pkg/ratelimit"
	"github.com/Sternrassler/gateway-client/pkg/session"
	"github.com/Sternrassler/gateway-client/pkg/transport"
)

// browser plays the user: it follows the authorization URL's redirect_uri
// with a code and the state it was given.
func browser(ctx context.Context, authURL string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	redirect, err := url.Parse(u.Query().Get("redirect_uri"))
	if err != nil {
		return err
	}
	redirect.RawQuery = url.Values{
		"code":  {"code-123"},
		"state": {u.Query().Get("state")},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, redirect.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type stack struct {
	mock    *testutil.MockService
	store   *session.FileStore
	manager *oauth.Manager
	client  *client.Client
}

func setupStack(t *testing.T) *stack {
	t.Helper()

	mock := testutil.NewMockService()
	t.Cleanup(mock.Close)
	mock.SetTokenEndpoint("access-1", "refresh-1", 3600, 7200)

	store := session.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))

	manager, err := oauth.New(oauth.Config{
		AppKey:           "app-key",
		AppSecret:        "app-secret",
		AuthBaseURL:      mock.URL(),
		RedirectHost:     "127.0.0.1",
		Store:            store,
		Present:          browser,
		AuthorizeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("oauth.New() error = %v", err)
	}

	cfg := client.DefaultConfig(mock.URL()+"/api", "IntegrationTest/1.0 (test@example.com)")
	cfg.RequestsPerSecond = 0
	cfg.HeaderProducer = manager.HeaderProducer()
	cfg.ErrorHook = manager.ReauthorizeHook()
	cfg.RateLimit.MinWait = 100 * time.Millisecond
	cfg.Retry = client.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return &stack{mock: mock, store: store, manager: manager, client: c}
}

// TestFullRequestFlow covers 401 → authorize → retry → paginated fetch.
func TestFullRequestFlow(t *testing.T) {
	s := setupStack(t)
	s.mock.SetHandler("/api/me", testutil.NewBearerHandler("access-1", `{"id": 42}`))
	s.mock.SetPages("/api/orders",
		[]any{map[string]any{"id": 1}, map[string]any{"id": 2}},
		[]any{map[string]any{"id": 3}},
	)

	ctx := context.Background()

	type me struct {
		ID int `json:"id"`
	}
	got, err := client.GetJSON[me](ctx, s.client, "/me")
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.ID != 42 {
		t.Errorf("ID = %d, want 42", got.ID)
	}
	if s.manager.State() != oauth.StateAuthorized {
		t.Errorf("State() = %s, want authorized", s.manager.State())
	}

	persisted, err := s.store.Load(ctx, "app-key")
	if err != nil || persisted == nil {
		t.Fatalf("Load() = %v, %v, want persisted session", persisted, err)
	}
	if persisted.AccessToken != "access-1" {
		t.Errorf("persisted AccessToken = %q", persisted.AccessToken)
	}
	if want := persisted.AccessTokenExpiresAt.Add(3600 * time.Second); !persisted.RefreshTokenExpiresAt.Equal(want) {
		t.Errorf("RefreshTokenExpiresAt = %v, want %v", persisted.RefreshTokenExpiresAt, want)
	}

	type order struct {
		ID int `json:"id"`
	}
	orders, err := client.GetAll[order](ctx, s.client, "/orders", pagination.Options{}, nil)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(orders) != 3 || orders[2].ID != 3 {
		t.Errorf("GetAll() = %+v", orders)
	}
	if header := s.mock.GetLastRequestHeader().Get("Authorization"); header != "Bearer access-1" {
		t.Errorf("Authorization = %q, want bearer token", header)
	}
}

// TestSessionSurvivesRestart checks that a second manager on the same
// store reuses the persisted session without a new authorization.
func TestSessionSurvivesRestart(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	ok, err := s.manager.Authorize(ctx)
	if err != nil || !ok {
		t.Fatalf("Authorize() = %v, %v", ok, err)
	}

	restarted, err := oauth.New(oauth.Config{
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		AuthBaseURL: s.mock.URL(),
		Store:       s.store,
		Present: func(ctx context.Context, authURL string) error {
			return errors.New("should not prompt")
		},
	})
	if err != nil {
		t.Fatalf("oauth.New() error = %v", err)
	}

	token, ok, err := restarted.AccessToken(ctx)
	if err != nil || !ok {
		t.Fatalf("AccessToken() = %q, %v, %v", token, ok, err)
	}
	if token != "access-1" {
		t.Errorf("AccessToken() = %q, want access-1", token)
	}
	if got := s.mock.GetPathCount("/token"); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
}

// TestRateLimitThenServerErrorRecovery walks one request through a quota
// wait and a transient 5xx before it succeeds.
func TestRateLimitThenServerErrorRecovery(t *testing.T) {
	s := setupStack(t)
	s.mock.SetSequence("/api/reports",
		testutil.NewBucketExhaustedResponse("App-Minute", 0),
		testutil.NewServerErrorResponse(),
		testutil.NewHealthyResponse(`{"ok": true}`),
	)

	start := time.Now()
	resp, err := s.client.Get(context.Background(), "/reports")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the minimum quota wait", elapsed)
	}
	if got := s.mock.GetPathCount("/api/reports"); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

// TestAmbiguousRateLimitSurfaces checks that two exhausted buckets at
// once are not waited on.
func TestAmbiguousRateLimitSurfaces(t *testing.T) {
	s := setupStack(t)
	s.mock.SetResponse("/api/reports", testutil.MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers: map[string]string{
			"X-Ratelimit-App-Minute-Remaining":    "0",
			"X-Ratelimit-App-Minute-Reset":        "10",
			"X-Ratelimit-Member-Minute-Remaining": "0",
			"X-Ratelimit-Member-Minute-Reset":     "20",
		},
	})

	_, err := s.client.Get(context.Background(), "/reports")

	var ae *ratelimit.AmbiguousRateLimitError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want *ratelimit.AmbiguousRateLimitError", err)
	}
	if transport.StatusCode(err) != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429 preserved", transport.StatusCode(err))
	}
}
