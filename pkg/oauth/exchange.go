package oauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/gateway-client/pkg/session"
	"github.com/Sternrassler/gateway-client/pkg/transport"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_oauth_exchanges_total",
	Help: "Token endpoint exchanges by grant type and result",
}, []string{"grant", "result"})

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// tokenResponse is the token endpoint's JSON answer.
type tokenResponse struct {
	AccessToken           string  `json:"access_token"`
	TokenType             string  `json:"token_type"`
	ExpiresIn             int64   `json:"expires_in"`
	RefreshToken          string  `json:"refresh_token"`
	RefreshTokenExpiresIn int64   `json:"refresh_token_expires_in"`
	BaseURI               *string `json:"base_uri"`
}

// exchange calls the token endpoint with the given grant parameters and
// turns the answer into a Session.
func (m *Manager) exchange(ctx context.Context, grant string, params url.Values) (session.Session, error) {
	q := url.Values{}
	q.Set("grant_type", grant)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(m.cfg.AppKey + ":" + m.cfg.AppSecret))
	resp, err := m.transport.Execute(ctx, transport.Descriptor{
		Method: http.MethodPost,
		URL:    m.cfg.AuthBaseURL + "/token?" + q.Encode(),
		Header: http.Header{
			"Authorization": {"Basic " + credentials},
			"Content-Type":  {"application/x-www-form-urlencoded"},
			"Accept":        {"application/json"},
		},
		Timeout: m.cfg.RequestTimeout,
	})
	if err != nil {
		exchangesTotal.WithLabelValues(grant, string(transport.Classify(err))).Inc()
		return session.Session{}, err
	}

	var tok tokenResponse
	if err := resp.Decode(&tok); err != nil {
		exchangesTotal.WithLabelValues(grant, "invalid").Inc()
		return session.Session{}, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		exchangesTotal.WithLabelValues(grant, "invalid").Inc()
		return session.Session{}, fmt.Errorf("%w: missing access_token or refresh_token", ErrInvalidTokenResponse)
	}

	exchangesTotal.WithLabelValues(grant, "ok").Inc()
	return sessionFromToken(tok, m.now()), nil
}

// sessionFromToken derives expiry instants. The access token expiry comes
// from its exp claim when it is a JWT, otherwise from expires_in; the
// refresh token outlives it by the difference of the two lifetimes.
func sessionFromToken(tok tokenResponse, now time.Time) session.Session {
	accessExp, ok := jwtExpiry(tok.AccessToken)
	if !ok {
		accessExp = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	refreshExp := accessExp.Add(time.Duration(tok.RefreshTokenExpiresIn-tok.ExpiresIn) * time.Second)

	return session.Session{
		AccessToken:           tok.AccessToken,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          tok.RefreshToken,
		RefreshTokenExpiresAt: refreshExp,
	}
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// came straight from the token endpoint over TLS.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
