// Package oauth manages the OAuth2 authorization-code session used to
// authenticate requests: the browser redirect with a local callback
// listener, CSRF validation, refresh-token exchange, access-token expiry
// tracking and optional persistence across restarts.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/session"
	"github.com/rs/zerolog"
)

// Config holds the session manager configuration.
type Config struct {
	// AppKey and AppSecret are the OAuth client credentials (REQUIRED).
	AppKey    string
	AppSecret string

	// AuthBaseURL hosts the /authorize and /token endpoints (REQUIRED).
	AuthBaseURL string

	// Local redirect listener. Port 0 picks a free port.
	RedirectHost string
	RedirectPort int
	RedirectPath string

	// Store persists sessions across restarts. Nil disables persistence.
	Store session.Store

	// Identity keys the session inside Store (default: AppKey).
	Identity string

	// Present shows the authorization URL to the user (default: open the
	// system browser).
	Present func(ctx context.Context, authURL string) error

	// AuthorizeTimeout bounds the wait for the browser callback. Zero means
	// wait until the context ends.
	AuthorizeTimeout time.Duration

	// RequestTimeout bounds each token endpoint exchange.
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// DefaultConfig returns a configuration with the listener and timeout
// defaults filled in.
func DefaultConfig(appKey, appSecret, authBaseURL string) Config {
	return Config{
		AppKey:           appKey,
		AppSecret:        appSecret,
		AuthBaseURL:      authBaseURL,
		RedirectHost:     "localhost",
		RedirectPort:     3000,
		RedirectPath:     "/callback",
		AuthorizeTimeout: 5 * time.Minute,
		RequestTimeout:   30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.RedirectHost == "" {
		c.RedirectHost = "localhost"
	}
	if c.RedirectPath == "" {
		c.RedirectPath = "/callback"
	}
	if !strings.HasPrefix(c.RedirectPath, "/") {
		c.RedirectPath = "/" + c.RedirectPath
	}
	if c.Identity == "" {
		c.Identity = c.AppKey
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Present == nil {
		c.Present = OpenBrowser
	}
	c.AuthBaseURL = strings.TrimRight(c.AuthBaseURL, "/")
}

func (c *Config) validate() error {
	if c.AppKey == "" {
		return errors.New("app key is required")
	}
	if c.AppSecret == "" {
		return errors.New("app secret is required")
	}
	if c.AuthBaseURL == "" {
		return errors.New("auth base url is required")
	}
	if c.RedirectPort < 0 || c.RedirectPort > 65535 {
		return errors.New("redirect port must be between 0 and 65535")
	}
	return nil
}
