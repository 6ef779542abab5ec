package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys.
const DefaultRedisPrefix = "gateway:session"

// StoreErrors tracks session store operation errors by backend and operation.
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_session_store_errors_total",
		Help: "Total number of session store operation errors",
	},
	[]string{"backend", "operation"}, // "redis"; "load", "save", "delete"
)

// RedisStore keeps sessions in Redis, one key per identity, expiring with
// the refresh token.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis backed store. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

// Key returns the Redis key used for identity.
func (s *RedisStore) Key(identity string) string {
	return s.prefix + ":" + identity
}

// Load returns the session for identity, or nil if none is stored.
func (s *RedisStore) Load(ctx context.Context, identity string) (*Session, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	data, err := s.redis.Get(ctx, s.Key(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		StoreErrors.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		StoreErrors.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("decode session %q: %w", identity, err)
	}
	return &sess, nil
}

// Save stores sess with a TTL ending at its refresh token expiry. A session
// whose refresh token already expired is deleted instead.
func (s *RedisStore) Save(ctx context.Context, identity string, sess Session) error {
	if err := validIdentity(identity); err != nil {
		return err
	}

	ttl := time.Until(sess.RefreshTokenExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, identity)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		StoreErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("encode session %q: %w", identity, err)
	}

	if err := s.redis.Set(ctx, s.Key(identity), data, ttl).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the session for identity.
func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := s.redis.Del(ctx, s.Key(identity)).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
