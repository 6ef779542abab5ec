// Package session defines the OAuth session value and its persistence.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the persisted timestamp format (ISO-8601, millisecond
// precision, UTC).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Session is an access/refresh token pair with their expiry instants.
// Sessions are values: a refresh produces a new Session, it never mutates
// the current one.
type Session struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// AccessExpired returns true once now is past the access token expiry.
func (s Session) AccessExpired(now time.Time) bool {
	return now.After(s.AccessTokenExpiresAt)
}

// RefreshExpired returns true once now is past the refresh token expiry.
// An expired refresh token means the session is gone.
func (s Session) RefreshExpired(now time.Time) bool {
	return now.After(s.RefreshTokenExpiresAt)
}

// Store persists sessions keyed by identity (for example the app key).
type Store interface {
	// Load returns nil and no error when no session exists for identity.
	Load(ctx context.Context, identity string) (*Session, error)
	Save(ctx context.Context, identity string, s Session) error
	Delete(ctx context.Context, identity string) error
}

type record struct {
	AccessToken           string `json:"accessToken"`
	AccessTokenExpiresAt  string `json:"accessTokenExpiresAt"`
	RefreshToken          string `json:"refreshToken"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt"`
}

// MarshalJSON encodes the persisted representation.
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		AccessToken:           s.AccessToken,
		AccessTokenExpiresAt:  s.AccessTokenExpiresAt.UTC().Format(TimeFormat),
		RefreshToken:          s.RefreshToken,
		RefreshTokenExpiresAt: s.RefreshTokenExpiresAt.UTC().Format(TimeFormat),
	})
}

// UnmarshalJSON decodes the persisted representation.
func (s *Session) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	accessExp, err := time.Parse(time.RFC3339Nano, r.AccessTokenExpiresAt)
	if err != nil {
		return fmt.Errorf("parse accessTokenExpiresAt: %w", err)
	}
	refreshExp, err := time.Parse(time.RFC3339Nano, r.RefreshTokenExpiresAt)
	if err != nil {
		return fmt.Errorf("parse refreshTokenExpiresAt: %w", err)
	}
	*s = Session{
		AccessToken:           r.AccessToken,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          r.RefreshToken,
		RefreshTokenExpiresAt: refreshExp,
	}
	return nil
}
