//go:build integration

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/gateway-client/internal/testutil"
	"github.com/Sternrassler/gateway-client/pkg/oauth"
	"github.com/Sternrassler/gateway-client/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

// TestIntegration_SessionFromRedisRefreshedOn401 runs the full stack: the
// persisted session in Redis carries a token the service rejects, the
// error hook refreshes it and the retried request succeeds.
func TestIntegration_SessionFromRedisRefreshedOn401(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetTokenEndpoint("fresh-token", "refresh-2", 3600, 86400)
	mock.SetHandler("/v1/profile", testutil.NewBearerHandler("fresh-token", `{"name":"integration"}`))

	ctx := context.Background()
	store := session.NewRedisStore(redisClient, "gateway:test:session")
	now := time.Now()
	if err := store.Save(ctx, "app-key", session.Session{
		AccessToken:           "revoked-token",
		AccessTokenExpiresAt:  now.Add(time.Hour),
		RefreshToken:          "refresh-1",
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	manager, err := oauth.New(oauth.Config{
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		AuthBaseURL: mock.URL(),
		Store:       store,
		Present: func(ctx context.Context, authURL string) error {
			t.Errorf("unexpected authorization prompt: %s", authURL)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("oauth.New() error = %v", err)
	}

	cfg := DefaultConfig(mock.URL()+"/v1", "TestApp/1.0.0 (integration@test.com)")
	cfg.HeaderProducer = manager.HeaderProducer()
	cfg.ErrorHook = manager.ReauthorizeHook()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	var profile struct {
		Name string `json:"name"`
	}
	resp, err := c.Get(ctx, "/profile")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := resp.Decode(&profile); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if profile.Name != "integration" {
		t.Errorf("Name = %q, want integration", profile.Name)
	}

	persisted, err := store.Load(ctx, "app-key")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persisted == nil || persisted.AccessToken != "fresh-token" || persisted.RefreshToken != "refresh-2" {
		t.Errorf("persisted session = %+v, want refreshed tokens", persisted)
	}
	if got := mock.GetPathCount("/token"); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
}

// TestIntegration_SharedWaitRealTiming checks with real vendor timings
// that five callers hitting the same bucket with a 2s reset resume
// together after one wait.
func TestIntegration_SharedWaitRealTiming(t *testing.T) {
	const callers = 5

	var (
		mu      sync.Mutex
		arrived int
		release = make(chan struct{})
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrived++
		n := arrived
		if n == callers {
			close(release)
		}
		mu.Unlock()

		if n <= callers {
			<-release
			w.Header().Set("X-Ratelimit-Member-Second-Remaining", "0")
			w.Header().Set("X-Ratelimit-Member-Second-Reset", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL, "TestApp/1.0.0 (integration@test.com)")
	cfg.RequestsPerSecond = 0
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	resumed := make([]time.Duration, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "/items"); err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			resumed[i] = time.Since(start)
		}(i)
	}
	wg.Wait()

	if got := c.coordinator.WaitsStarted(); got != 1 {
		t.Errorf("wait timers = %d, want 1", got)
	}
	for i, d := range resumed {
		if d < 2*time.Second || d > 3*time.Second {
			t.Errorf("caller %d resumed after %v, want within the single 2s window", i, d)
		}
	}
}
