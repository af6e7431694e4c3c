// Package redis mirrors which users are online into a Redis set so that the
// appointment backend can show availability. The relay only ever writes to
// it; the hub's in-memory registry stays authoritative.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/telehealth-signaling/config"
)

const (
	// OnlineKey is the set of user names with a live signaling connection.
	OnlineKey = "signaling:online"
	onlineTTL = 24 * time.Hour
)

// Presence writes online/offline transitions to Redis.
type Presence struct {
	client *redis.Client
}

// Connect initializes the Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Presence{client: client}, nil
}

// Online marks user as connected.
func (p *Presence) Online(ctx context.Context, user string) error {
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, OnlineKey, user)
	pipe.Expire(ctx, OnlineKey, onlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark %q online: %w", user, err)
	}
	return nil
}

// Offline marks user as gone.
func (p *Presence) Offline(ctx context.Context, user string) error {
	if err := p.client.SRem(ctx, OnlineKey, user).Err(); err != nil {
		return fmt.Errorf("mark %q offline: %w", user, err)
	}
	return nil
}

// Close closes the Redis connection
func (p *Presence) Close() error {
	return p.client.Close()
}
