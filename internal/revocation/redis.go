package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"befunny.io/auth/internal/auth"
)

const keyPrefix = "revoked:"

var _ auth.RevocationCache = (*Redis)(nil)

// Redis keeps revoked token ids as expiring keys.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) (*Redis, error) {
	if client == nil {
		return nil, errors.New("revocation: redis client is required")
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Revoke(ctx context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return errors.New("revocation: token id is required")
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, keyPrefix+id, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
	}
	return n > 0, nil
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
