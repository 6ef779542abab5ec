package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/logging"
	"github.com/Sternrassler/gateway-client/pkg/session"
	"github.com/Sternrassler/gateway-client/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle position of the managed session.
type State string

const (
	StateNoSession   State = "no_session"
	StateAuthorizing State = "authorizing"
	StateAuthorized  State = "authorized"
	StateRefreshing  State = "refreshing"
	StateExpired     State = "expired"
)

// Manager owns the session for one (client, identity) pair.
type Manager struct {
	cfg       Config
	transport *transport.Transport
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	current *session.Session
	loaded  bool
	state   State
	// generation counts installed sessions.
	generation uint64

	// authMu serializes authorization attempts; they share a listener port.
	authMu  sync.Mutex
	refresh singleflight.Group
}

// New creates a session manager. Missing credentials or auth URL are
// configuration errors.
func New(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	logger := logging.NewLogger("oauth")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Manager{
		cfg: cfg,
		transport: transport.New(transport.Config{
			HTTPClient: cfg.HTTPClient,
			Logger:     &logger,
		}),
		logger: logger,
		now:    time.Now,
		state:  StateNoSession,
	}, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current session, if any.
func (m *Manager) Session() (session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return session.Session{}, false
	}
	return *m.current, true
}

// Load reads the persisted session, if any, so State and background
// refresh see it before the first request. Later calls are no-ops.
func (m *Manager) Load(ctx context.Context) error {
	return m.ensureLoaded(ctx)
}

// AccessToken returns the cached access token. The persisted session is
// loaded on first use. An expired access token is dropped and reported as
// absent; AccessToken never refreshes.
func (m *Manager) AccessToken(ctx context.Context) (string, bool, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", false, nil
	}
	if m.current.AccessExpired(m.now()) {
		m.logger.Debug().Msg("Access token expired - dropping cached session")
		m.current = nil
		m.state = StateExpired
		return "", false, nil
	}
	return m.current.AccessToken, true, nil
}

// HeaderProducer returns a transport header producer sending the bearer
// token whenever one is available.
func (m *Manager) HeaderProducer() transport.HeaderProducer {
	return func(ctx context.Context) (http.Header, error) {
		token, ok, err := m.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return http.Header{}, nil
		}
		return http.Header{"Authorization": {"Bearer " + token}}, nil
	}
}

// ReauthorizeHook returns an error hook for the service client. On a 401
// it refreshes the session, falling back to a full authorization, and asks
// for a retry when either succeeds. Other errors are returned unchanged.
func (m *Manager) ReauthorizeHook() func(ctx context.Context, err error, attempt int) (bool, error) {
	return func(ctx context.Context, err error, attempt int) (bool, error) {
		if transport.StatusCode(err) != http.StatusUnauthorized {
			return false, err
		}

		since := m.currentGeneration()

		// A request sent before any session existed only needs a retry once
		// another caller has installed one.
		if !sentCredentials(err) && m.renewedSince(0) {
			m.logger.Debug().Int("attempt", attempt).Msg("Session installed meanwhile - retrying")
			return true, nil
		}

		m.logger.Info().Int("attempt", attempt).Msg("Request unauthorized - renewing session")
		refreshed, rerr := m.Refresh(ctx)
		if rerr != nil {
			return false, rerr
		}
		if refreshed {
			return true, nil
		}

		authorized, aerr := m.authorize(ctx, since)
		if aerr != nil {
			return false, aerr
		}
		if !authorized {
			return false, err
		}
		return true, nil
	}
}

func sentCredentials(err error) bool {
	he, ok := transport.AsHTTPError(err)
	return ok && he.RequestHeader.Get("Authorization") != ""
}

// Authorize runs the authorization-code flow. It returns false without an
// error when ctx ends or AuthorizeTimeout passes before the callback
// arrives. A forged callback returns ErrCSRFMismatch.
func (m *Manager) Authorize(ctx context.Context) (bool, error) {
	return m.authorize(ctx, noGeneration)
}

// noGeneration makes authorize run the flow unconditionally.
const noGeneration = ^uint64(0)

// authorize runs the flow unless a usable session newer than generation
// since was installed while the caller waited for authMu.
func (m *Manager) authorize(ctx context.Context, since uint64) (bool, error) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	if ctx.Err() != nil {
		return false, nil
	}
	if since != noGeneration && m.renewedSince(since) {
		m.logger.Debug().Msg("Session renewed by a concurrent caller - skipping authorization")
		return true, nil
	}

	prev := m.setState(StateAuthorizing)
	ok := false
	defer func() {
		if !ok {
			m.restoreState(prev)
		}
	}()

	csrf := uuid.NewString()
	cb, err := startCallbackServer(m.cfg.RedirectHost, m.cfg.RedirectPort, m.cfg.RedirectPath, csrf)
	if err != nil {
		return false, err
	}
	defer cb.Close()

	authURL, err := m.authorizationURL(cb.RedirectURI(), csrf)
	if err != nil {
		return false, err
	}

	waitCtx := ctx
	if m.cfg.AuthorizeTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.AuthorizeTimeout)
		defer cancel()
	}

	if err := m.cfg.Present(waitCtx, authURL); err != nil {
		return false, fmt.Errorf("present authorization url: %w", err)
	}

	m.logger.Info().Str("redirect_uri", cb.RedirectURI()).Msg("Waiting for authorization callback")

	code, err := cb.Wait(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && !errors.Is(err, ErrCSRFMismatch) {
			m.logger.Warn().Err(err).Msg("Authorization cancelled before callback")
			return false, nil
		}
		if errors.Is(err, ErrCSRFMismatch) {
			m.logger.Error().Msg("Authorization callback failed CSRF validation")
		}
		return false, err
	}
	// Release the port before the exchange.
	cb.Close()

	sess, err := m.exchange(ctx, grantAuthorizationCode, url.Values{"code": {code}})
	if err != nil {
		return false, fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := m.install(ctx, sess); err != nil {
		return false, err
	}

	ok = true
	m.logger.Info().
		Time("access_expires_at", sess.AccessTokenExpiresAt).
		Time("refresh_expires_at", sess.RefreshTokenExpiresAt).
		Msg("Authorization complete")
	return true, nil
}

// Refresh exchanges the refresh token for a new session. It returns false
// without an error when there is nothing to refresh, ctx is already done,
// the refresh window has passed, or the token endpoint answers 401 or the
// exchange is aborted. Concurrent calls share one exchange.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return false, err
	}

	// The exchange is shared, so it must not end with the first caller.
	// RequestTimeout still bounds it; each caller leaves on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := m.refresh.DoChan("refresh", func() (any, error) {
		return m.doRefresh(shared)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, nil
	}
}

func (m *Manager) doRefresh(ctx context.Context) (bool, error) {
	cur, err := m.refreshCandidate(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, nil
	}

	if cur.RefreshExpired(m.now()) {
		m.logger.Info().Time("refresh_expires_at", cur.RefreshTokenExpiresAt).Msg("Refresh token expired")
		m.expire(ctx)
		return false, nil
	}

	prev := m.setState(StateRefreshing)
	sess, err := m.exchange(ctx, grantRefreshToken, url.Values{"refresh_token": {cur.RefreshToken}})
	if err != nil {
		if transport.StatusCode(err) == http.StatusUnauthorized {
			m.logger.Warn().Err(err).Msg("Refresh token rejected")
			m.expire(ctx)
			return false, nil
		}
		m.restoreState(prev)
		if transport.IsAbort(err) {
			m.logger.Warn().Err(err).Msg("Refresh aborted")
			return false, nil
		}
		return false, fmt.Errorf("refresh session: %w", err)
	}

	if err := m.install(ctx, sess); err != nil {
		m.restoreState(prev)
		return false, err
	}
	m.logger.Debug().Time("access_expires_at", sess.AccessTokenExpiresAt).Msg("Session refreshed")
	return true, nil
}

// refreshCandidate returns the session to refresh: the cached one, or the
// persisted one when the cache was dropped after access token expiry.
func (m *Manager) refreshCandidate(ctx context.Context) (*session.Session, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != nil || m.cfg.Store == nil {
		return cur, nil
	}

	stored, err := m.cfg.Store.Load(ctx, m.cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return stored, nil
}

// Logout drops the session and removes it from the store.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.loaded = true
	m.state = StateNoSession
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.Delete(ctx, m.cfg.Identity); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return nil
}

// StartAutoRefresh refreshes the session lead before each access token
// expiry until ctx ends. It returns a channel closed when the loop stops.
func (m *Manager) StartAutoRefresh(ctx context.Context, lead time.Duration) <-chan struct{} {
	done := make(chan struct{})
	const idle = time.Minute

	go func() {
		defer close(done)
		if err := m.ensureLoaded(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Could not load persisted session for background refresh")
		}
		for {
			wait := idle
			if s, ok := m.Session(); ok {
				wait = s.AccessTokenExpiresAt.Add(-lead).Sub(m.now())
				if wait < 0 {
					wait = 0
				}
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if _, ok := m.Session(); !ok {
				continue
			}
			refreshed, err := m.Refresh(ctx)
			switch {
			case err != nil:
				m.logger.Error().Err(err).Msg("Background refresh failed")
			case !refreshed:
				m.logger.Warn().Msg("Background refresh did not renew the session")
			}
			// Back off while a still-valid session cannot be renewed.
			if err != nil || !refreshed {
				select {
				case <-ctx.Done():
					return
				case <-time.After(idle):
				}
			}
		}
	}()
	return done
}

func (m *Manager) authorizationURL(redirectURI, csrf string) (string, error) {
	state, err := encodeState(csrf)
	if err != nil {
		return "", err
	}
	conf := oauth2.Config{
		ClientID:    m.cfg.AppKey,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.cfg.AuthBaseURL + "/authorize",
			TokenURL:  m.cfg.AuthBaseURL + "/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	return conf.AuthCodeURL(state), nil
}

// ensureLoaded reads the persisted session once.
func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	var stored *session.Session
	if m.cfg.Store != nil {
		var err error
		stored, err = m.cfg.Store.Load(ctx, m.cfg.Identity)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	m.loaded = true
	if stored != nil && m.current == nil {
		m.current = stored
		m.state = StateAuthorized
		m.generation++
		m.logger.Debug().Str("identity", m.cfg.Identity).Msg("Loaded persisted session")
	}
	return nil
}

// install persists sess if a store is configured and swaps it in.
func (m *Manager) install(ctx context.Context, sess session.Session) error {
	if m.cfg.Store != nil {
		if err := m.cfg.Store.Save(ctx, m.cfg.Identity, sess); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.current = &sess
	m.loaded = true
	m.state = StateAuthorized
	m.generation++
	m.mu.Unlock()
	return nil
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// renewedSince reports whether a session was installed after generation
// since and its access token is still valid.
func (m *Manager) renewedSince(since uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation > since && m.current != nil && !m.current.AccessExpired(m.now())
}

func (m *Manager) expire(ctx context.Context) {
	m.mu.Lock()
	m.current = nil
	m.loaded = true
	m.state = StateExpired
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.Delete(ctx, m.cfg.Identity); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to delete expired session")
		}
	}
}

func (m *Manager) setState(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s
	return prev
}

func (m *Manager) restoreState(prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthorizing || m.state == StateRefreshing {
		m.state = prev
	}
}
