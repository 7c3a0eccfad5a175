package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionPrefix = "session:"

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisSession struct {
	UserID  string    `json:"userId"`
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	IsAdmin bool      `json:"isAdmin"`
	Expires time.Time `json:"expires"`
}

// RedisSessionResolver looks up opaque session tokens stored under "session:<token>".
type RedisSessionResolver struct {
	client redisGetter
	now    func() time.Time
}

// NewRedisSessionResolver wraps a go-redis client.
func NewRedisSessionResolver(client redisGetter) *RedisSessionResolver {
	return &RedisSessionResolver{client: client, now: time.Now}
}

// SessionKey returns the Redis key holding token's session.
func SessionKey(token string) string {
	return redisSessionPrefix + token
}

// Resolve loads and decodes the session, rejecting expired entries.
func (r *RedisSessionResolver) Resolve(ctx context.Context, token string) (Session, error) {
	raw, err := r.client.Get(ctx, SessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, fmt.Errorf("%w: unknown token", ErrInvalidSession)
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Session{}, fmt.Errorf("%w: decode: %v", ErrInvalidSession, err)
	}
	if stored.UserID == "" {
		return Session{}, fmt.Errorf("%w: missing user", ErrInvalidSession)
	}
	if !stored.Expires.IsZero() && !stored.Expires.After(r.now()) {
		return Session{}, fmt.Errorf("%w: expired", ErrInvalidSession)
	}
	return Session{
		UserID:  stored.UserID,
		Email:   stored.Email,
		Name:    stored.Name,
		IsAdmin: stored.IsAdmin,
	}, nil
}
