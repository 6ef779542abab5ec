package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const successPage = `<!DOCTYPE html>
<html>
<head><title>Authorized</title></head>
<body>
<h1>Authorization complete</h1>
<p>You can close this window and return to the application.</p>
</body>
</html>`

const failurePage = `<!DOCTYPE html>
<html>
<head><title>Authorization failed</title></head>
<body>
<h1>Authorization failed</h1>
<p>%s</p>
</body>
</html>`

type stateParam struct {
	CSRFToken string `json:"csrfToken"`
}

// encodeState packs the CSRF token into the authorization state parameter.
func encodeState(csrfToken string) (string, error) {
	raw, err := json.Marshal(stateParam{CSRFToken: csrfToken})
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decodeState returns the CSRF token carried by state.
func decodeState(state string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(state); err != nil {
			return "", fmt.Errorf("decode state: %w", err)
		}
	}
	var p stateParam
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode state: %w", err)
	}
	return p.CSRFToken, nil
}

type callbackResult struct {
	code string
	err  error
}

// callbackServer is the local redirect listener for one authorization
// attempt. It accepts the first callback and ignores later ones.
type callbackServer struct {
	expectedCSRF string
	host         string
	path         string
	listener     net.Listener
	server       *http.Server
	resultCh     chan callbackResult
	resultOnce   sync.Once
	closeOnce    sync.Once
}

func startCallbackServer(host string, port int, path, expectedCSRF string) (*callbackServer, error) {
	if expectedCSRF == "" {
		return nil, errors.New("expected csrf token is required")
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen callback server: %w", err)
	}

	cb := &callbackServer{
		expectedCSRF: expectedCSRF,
		host:         host,
		path:         path,
		listener:     listener,
		resultCh:     make(chan callbackResult, 1),
	}

	r := chi.NewRouter()
	r.Get(path, cb.handleCallback)
	cb.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if serveErr := cb.server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			cb.trySendResult(callbackResult{err: serveErr})
		}
	}()

	return cb, nil
}

// RedirectURI is the URI the authorization server redirects the browser to.
func (c *callbackServer) RedirectURI() string {
	port := 0
	if tcpAddr, ok := c.listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(c.host, strconv.Itoa(port)), c.path)
}

// Wait blocks until a callback arrives or ctx ends.
func (c *callbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case result := <-c.resultCh:
		return result.code, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close shuts the listener down, letting an in-progress response finish.
func (c *callbackServer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			closeErr = c.server.Close()
		}
	})
	return closeErr
}

func (c *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if oauthError := q.Get("error"); oauthError != "" {
		if description := q.Get("error_description"); description != "" {
			oauthError = oauthError + ": " + description
		}
		c.respond(w, http.StatusBadRequest, fmt.Sprintf(failurePage, "The authorization server reported an error."))
		c.trySendResult(callbackResult{err: fmt.Errorf("%w: %s", ErrAuthorizationDenied, oauthError)})
		return
	}

	csrf, err := decodeState(q.Get("state"))
	if err != nil || csrf != c.expectedCSRF {
		c.respond(w, http.StatusBadRequest, fmt.Sprintf(failurePage, "The request could not be verified."))
		c.trySendResult(callbackResult{err: ErrCSRFMismatch})
		return
	}

	code := q.Get("code")
	if code == "" {
		c.respond(w, http.StatusBadRequest, fmt.Sprintf(failurePage, "No authorization code was received."))
		c.trySendResult(callbackResult{err: errors.New("missing authorization code")})
		return
	}

	c.respond(w, http.StatusOK, successPage)
	c.trySendResult(callbackResult{code: code})
}

func (c *callbackServer) respond(w http.ResponseWriter, status int, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(page))
}

func (c *callbackServer) trySendResult(result callbackResult) {
	c.resultOnce.Do(func() {
		c.resultCh <- result
	})
}
