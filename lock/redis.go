package lock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tune the Redis locker.
type RedisOptions struct {
	Prefix string        // key prefix, default "kpi:lock:"
	TTL    time.Duration // lease length, default 2m
	Retry  time.Duration // poll interval while contended, default 100ms
	Logger *logrus.Entry
}

// Redis is a Locker shared by every process pointed at the same Redis.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, opts RedisOptions) (*Redis, error) {
	o, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, opts), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "kpi:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.Retry <= 0 {
		opts.Retry = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = logrus.NewEntry(l)
	}
	return &Redis{client: client, opts: opts}
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Acquire implements Locker. The lease expires after TTL even if the
// holder dies without releasing.
func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	name := r.opts.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.opts.Retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("redis setnx %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{name}, token).Err(); err != nil && err != redis.Nil {
				r.opts.Logger.WithError(err).WithField("key", name).Warn("release lock")
			}
		})
	}, nil
}
