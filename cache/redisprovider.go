package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// RedisProviderOptions configures a RedisProvider, mirroring
// gomind/core/redis_client.go's RedisClientOptions (URL + namespace).
type RedisProviderOptions struct {
	RedisURL  string
	Namespace string
	Logger    core.Logger
}

// RedisProvider is a Provider backed by a Redis instance: cache()
// writes use SET with optional TTL, get/exists use GET/EXISTS,
// invalidateByPrefix uses SCAN+DEL (spec.md §6 Provider SPI).
type RedisProvider struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisProvider connects to Redis and verifies reachability with a
// bounded-timeout PING, per gomind/core/redis_client.go's connection
// test.
func NewRedisProvider(opts RedisProviderOptions) (*RedisProvider, error) {
	if opts.RedisURL == "" {
		return nil, core.NewFrameworkError("cache.NewRedisProvider", core.KindConfiguration, core.ErrInvalidConfiguration)
	}
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, core.NewFrameworkError("cache.NewRedisProvider", core.KindConfiguration, fmt.Errorf("invalid redis url: %w", err))
	}
	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.Transient("cache.NewRedisProvider", fmt.Errorf("connecting to redis: %w", err))
	}

	logger := opts.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisProvider{client: client, namespace: opts.Namespace, logger: logger}, nil
}

func (p *RedisProvider) formatKey(key string) string {
	if p.namespace == "" {
		return key
	}
	return p.namespace + ":" + key
}

func (p *RedisProvider) Type() string                            { return "cache" }
func (p *RedisProvider) Supports(item interface{}) bool           { return true }
func (p *RedisProvider) SupportsThreadContext() bool              { return true }
func (p *RedisProvider) ThreadSafety() pipeline.ThreadSafety      { return pipeline.Safe }
func (p *RedisProvider) Backend() string                          { return "redis" }

func (p *RedisProvider) Healthy(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisProvider) Cache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	err := p.client.Set(ctx, p.formatKey(key), value, ttl).Err()
	if err != nil {
		return classifyRedisErr("cache.RedisProvider.Cache", err)
	}
	return nil
}

func (p *RedisProvider) Get(ctx context.Context, key string) (interface{}, bool, error) {
	val, err := p.client.Get(ctx, p.formatKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyRedisErr("cache.RedisProvider.Get", err)
	}
	return val, true, nil
}

func (p *RedisProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, p.formatKey(key)).Result()
	if err != nil {
		return false, classifyRedisErr("cache.RedisProvider.Exists", err)
	}
	return n > 0, nil
}

func (p *RedisProvider) Invalidate(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, p.formatKey(key)).Err(); err != nil {
		return classifyRedisErr("cache.RedisProvider.Invalidate", err)
	}
	return nil
}

func (p *RedisProvider) InvalidateByPrefix(ctx context.Context, prefix string) error {
	full := p.formatKey(prefix)
	iter := p.client.Scan(ctx, 0, full+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return classifyRedisErr("cache.RedisProvider.InvalidateByPrefix", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return classifyRedisErr("cache.RedisProvider.InvalidateByPrefix", err)
	}
	return nil
}

func classifyRedisErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.NewFrameworkError(op, core.KindCancelled, err)
	}
	return core.Transient(op, err)
}
