package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/client"
	"github.com/Sternrassler/gateway-client/pkg/metrics"
	"github.com/Sternrassler/gateway-client/pkg/oauth"
	"github.com/Sternrassler/gateway-client/pkg/ratelimit"
	"github.com/Sternrassler/gateway-client/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// maxProxyBody bounds request bodies forwarded upstream.
const maxProxyBody = 10 << 20

// sessionState is the part of the session manager the readiness check needs.
type sessionState interface {
	State() oauth.State
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the authenticated proxy with /health, /ready and /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if s.BaseURL == "" {
				return fmt.Errorf("base url is required (%s_BASE_URL)", envPrefix)
			}
			return serve(cmd.Context(), s)
		},
	}

	cmd.Flags().String("port", "8080", "listen port")
	cmd.Flags().Float64("requests-per-second", 10, "proactive request pacing (0 disables)")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("requests_per_second", cmd.Flags().Lookup("requests-per-second"))
	return cmd
}

func serve(ctx context.Context, s settings) error {
	manager, redisClient, cleanup, err := newManagerWithRedis(ctx, s)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	log.Info().Str("session_state", string(manager.State())).Msg("Session store loaded")

	apiClient, err := client.New(s.clientConfig(manager))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer apiClient.Close()

	refreshDone := manager.StartAutoRefresh(ctx, s.RefreshLead)

	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           newRouter(apiClient, manager, redisClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("base_url", s.BaseURL).
			Str("user_agent", s.UserAgent).
			Msg("Starting gateway proxy")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down gateway proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	<-refreshDone
	return nil
}

func newRouter(apiClient *client.Client, sessions sessionState, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(sessions, redisClient))
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/api/*", http.StripPrefix("/api", proxyHandler(apiClient)))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready once a session is usable and the session
// store, if it is Redis, answers.
func readyHandler(sessions sessionState, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		switch state := sessions.State(); state {
		case oauth.StateAuthorized, oauth.StateRefreshing:
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "OK")
		default:
			http.Error(w, fmt.Sprintf("session %s", state), http.StatusServiceUnavailable)
		}
	}
}

// proxyHandler forwards the request path and query to the remote API
// through the client and copies the answer back.
func proxyHandler(apiClient *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}

		target := strings.TrimPrefix(r.URL.Path, "/")
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		d := transport.Descriptor{Method: r.Method, URL: target}
		if len(body) > 0 {
			d.Body = body
			if ct := r.Header.Get("Content-Type"); ct != "" {
				d = d.WithHeader("Content-Type", ct)
			}
		}

		resp, err := apiClient.Do(r.Context(), d)
		if err != nil {
			writeError(w, err)
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(resp.Body); err != nil {
			log.Warn().Err(err).Msg("Failed to write response")
		}
	}
}

// writeError maps client errors onto proxy responses. Upstream 4xx are
// passed through; everything else is a gateway failure.
func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= 500 {
		log.Warn().Err(err).Int("status", status).Msg("Proxy request failed")
	}
	contentType := "text/plain; charset=utf-8"
	var ce *transport.ClientError
	if errors.As(err, &ce) && status == ce.StatusCode && ce.Header.Get("Content-Type") != "" {
		contentType = ce.Header.Get("Content-Type")
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

func errorResponse(err error) (int, []byte) {
	var (
		ce *transport.ClientError
		qe *ratelimit.QuotaExhaustedError
		ae *ratelimit.AmbiguousRateLimitError
		re *ratelimit.RateLimitExceededError
	)
	switch {
	case errors.As(err, &qe), errors.As(err, &ae), errors.As(err, &re):
		return http.StatusTooManyRequests, []byte(err.Error())
	case errors.As(err, &ce):
		if len(ce.RawBody) > 0 {
			return ce.StatusCode, ce.RawBody
		}
		return ce.StatusCode, []byte(http.StatusText(ce.StatusCode))
	case transport.IsAbort(err):
		return http.StatusGatewayTimeout, []byte(err.Error())
	default:
		return http.StatusBadGateway, []byte(fmt.Sprintf("upstream request failed: %v", err))
	}
}
