package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// NewRedisClient parses url, connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Redis is a Locker using SET NX with an owner token and a compare-and-delete
// release script.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	script *redis.Script
}

func NewRedis(client *redis.Client, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Redis{
		client: client,
		prefix: "healthsecure:lock:",
		ttl:    ttl,
		wait:   wait,
		script: redis.NewScript(releaseScript),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	fullKey := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryEvery):
		}
	}

	return func(ctx context.Context) error {
		res, err := r.script.Run(ctx, r.client, []string{fullKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if res == 0 {
			return ErrNotOwner
		}
		return nil
	}, nil
}
