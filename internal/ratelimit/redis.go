package ratelimit

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisBackend constructs a Redis backed fixed-window counter shared across API replicas.
func NewRedisBackend(addr, password string, db int, logger *slog.Logger) (Backend, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisBackend{
		client:  client,
		logger:  logger,
		prefix:  "launchpad:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (rb *redisBackend) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rb.timeout)
	defer cancel()

	redisKey := rb.prefix + key
	// INCR and EXPIRE NX run in one transaction so concurrent requests never leave a
	// counter without a TTL.
	var incr *redis.IntCmd
	_, err := rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		rb.logRedisError("incr", err)
		return Decision{Allowed: true}
	}
	counter := incr.Val()
	ttl, err := rb.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return Decision{
		Allowed:   int(counter) <= limit,
		Count:     int(counter),
		WindowEnd: time.Now().Add(ttl),
	}
}

func (rb *redisBackend) Close() {
	if rb.client != nil {
		_ = rb.client.Close()
	}
}

func (rb *redisBackend) logRedisError(op string, err error) {
	if rb.logger == nil {
		return
	}
	rb.logger.Error("redis rate limiter error", "op", op, "error", err)
}
