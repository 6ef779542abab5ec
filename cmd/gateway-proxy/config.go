package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/client"
	"github.com/Sternrassler/gateway-client/pkg/logging"
	"github.com/Sternrassler/gateway-client/pkg/oauth"
	"github.com/Sternrassler/gateway-client/pkg/ratelimit"
	"github.com/Sternrassler/gateway-client/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

// settings is the flattened proxy configuration read through viper from
// flags, GATEWAY_* environment variables and an optional config file.
type settings struct {
	BaseURL   string
	UserAgent string

	AppKey       string
	AppSecret    string
	AuthBaseURL  string
	RedirectHost string
	RedirectPort int
	Identity     string

	SessionFile string
	RedisURL    string

	Port              string
	RequestsPerSecond float64
	Burst             int
	HardQuotaBuckets  []string
	RefreshLead       time.Duration
	AuthorizeTimeout  time.Duration

	LogLevel  string
	LogPretty bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_agent", "gateway-proxy/0.1.0")
	v.SetDefault("redirect_host", "localhost")
	v.SetDefault("redirect_port", 3000)
	v.SetDefault("session_file", "sessions.json")
	v.SetDefault("port", "8080")
	v.SetDefault("requests_per_second", 10.0)
	v.SetDefault("burst", 5)
	v.SetDefault("hard_quota_buckets", []string{"app-day"})
	v.SetDefault("refresh_lead", 5*time.Minute)
	v.SetDefault("authorize_timeout", 5*time.Minute)
	v.SetDefault("log_level", string(logging.LevelInfo))
}

// newViper returns a viper instance bound to the GATEWAY_ environment.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		BaseURL:           v.GetString("base_url"),
		UserAgent:         v.GetString("user_agent"),
		AppKey:            v.GetString("app_key"),
		AppSecret:         v.GetString("app_secret"),
		AuthBaseURL:       v.GetString("auth_base_url"),
		RedirectHost:      v.GetString("redirect_host"),
		RedirectPort:      v.GetInt("redirect_port"),
		Identity:          v.GetString("identity"),
		SessionFile:       v.GetString("session_file"),
		RedisURL:          v.GetString("redis_url"),
		Port:              v.GetString("port"),
		RequestsPerSecond: v.GetFloat64("requests_per_second"),
		Burst:             v.GetInt("burst"),
		HardQuotaBuckets:  v.GetStringSlice("hard_quota_buckets"),
		RefreshLead:       v.GetDuration("refresh_lead"),
		AuthorizeTimeout:  v.GetDuration("authorize_timeout"),
		LogLevel:          v.GetString("log_level"),
		LogPretty:         v.GetBool("log_pretty"),
	}

	if s.AppKey == "" || s.AppSecret == "" {
		return s, fmt.Errorf("app key and secret are required (%s_APP_KEY, %s_APP_SECRET)", envPrefix, envPrefix)
	}
	if s.AuthBaseURL == "" {
		return s, fmt.Errorf("auth base url is required (%s_AUTH_BASE_URL)", envPrefix)
	}
	return s, nil
}

// sessionStore picks Redis when a URL is configured and the session file
// otherwise. The Redis client, when used, is returned for health checks
// and must be closed by the caller.
func (s settings) sessionStore(ctx context.Context) (session.Store, *redis.Client, error) {
	if s.RedisURL == "" {
		return session.NewFileStore(s.SessionFile), nil, nil
	}

	opts, err := redis.ParseURL(s.RedisURL)
	if err != nil {
		// plain host:port
		opts = &redis.Options{Addr: s.RedisURL}
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", s.RedisURL, err)
	}
	return session.NewRedisStore(redisClient, ""), redisClient, nil
}

func (s settings) oauthConfig(store session.Store) oauth.Config {
	cfg := oauth.DefaultConfig(s.AppKey, s.AppSecret, s.AuthBaseURL)
	cfg.RedirectHost = s.RedirectHost
	cfg.RedirectPort = s.RedirectPort
	cfg.Identity = s.Identity
	cfg.Store = store
	cfg.AuthorizeTimeout = s.AuthorizeTimeout
	return cfg
}

func (s settings) clientConfig(manager *oauth.Manager) client.Config {
	cfg := client.DefaultConfig(s.BaseURL, s.UserAgent)
	cfg.RequestsPerSecond = s.RequestsPerSecond
	cfg.Burst = s.Burst
	cfg.RateLimit = ratelimit.DefaultConfig()
	cfg.RateLimit.HardQuotaBuckets = s.HardQuotaBuckets
	if manager != nil {
		cfg.HeaderProducer = manager.HeaderProducer()
		cfg.ErrorHook = manager.ReauthorizeHook()
	}
	return cfg
}
