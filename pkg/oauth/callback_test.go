package oauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	state, err := encodeState("csrf-123")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"csrfToken":"csrf-123"}`, string(raw))

	got, err := decodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "csrf-123", got)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	for _, state := range []string{"", "!!!", base64.StdEncoding.EncodeToString([]byte("not json"))} {
		_, err := decodeState(state)
		assert.Error(t, err, "state %q", state)
	}
}

func startTestCallback(t *testing.T) *callbackServer {
	t.Helper()
	cb, err := startCallbackServer("127.0.0.1", 0, "/callback", "expected")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cb.Close() })
	return cb
}

func callbackGet(t *testing.T, cb *callbackServer, q url.Values) *http.Response {
	t.Helper()
	resp, err := http.Get(cb.RedirectURI() + "?" + q.Encode())
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCallbackAcceptsValidCode(t *testing.T) {
	cb := startTestCallback(t)
	state, err := encodeState("expected")
	require.NoError(t, err)

	resp := callbackGet(t, cb, url.Values{"code": {"abc"}, "state": {state}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := cb.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestCallbackRejections(t *testing.T) {
	valid, err := encodeState("expected")
	require.NoError(t, err)
	forged, err := encodeState("other")
	require.NoError(t, err)

	tests := []struct {
		name    string
		query   url.Values
		wantErr error
	}{
		{name: "forged state", query: url.Values{"code": {"abc"}, "state": {forged}}, wantErr: ErrCSRFMismatch},
		{name: "missing state", query: url.Values{"code": {"abc"}}, wantErr: ErrCSRFMismatch},
		{name: "provider error", query: url.Values{"error": {"access_denied"}, "state": {valid}}, wantErr: ErrAuthorizationDenied},
		{name: "missing code", query: url.Values{"state": {valid}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := startTestCallback(t)
			resp := callbackGet(t, cb, tt.query)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := cb.Wait(ctx)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCallbackUnknownPath(t *testing.T) {
	cb := startTestCallback(t)
	u, err := url.Parse(cb.RedirectURI())
	require.NoError(t, err)
	u.Path = "/other"

	resp, err := http.Get(u.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
