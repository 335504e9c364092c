package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// RedisProviderOptions configures a RedisProvider.
type RedisProviderOptions struct {
	RedisURL  string
	Namespace string
	Logger    core.Logger
}

// RedisProvider is a Provider that persists entities as Redis hashes
// keyed by the entity's RowKey(), detecting duplicates with an EXISTS
// check before HSET (spec.md §4.6/§6), grounded on gomind/core/redis_client.go's client
// construction and error-handling idiom.
type RedisProvider struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// Entity is the minimal shape a RedisProvider can persist: something
// that can name its own row key and serialize itself to a field map.
type Entity interface {
	RowKey() string
	Fields() map[string]interface{}
}

func NewRedisProvider(opts RedisProviderOptions) (*RedisProvider, error) {
	if opts.RedisURL == "" {
		return nil, core.NewFrameworkError("persistence.NewRedisProvider", core.KindConfiguration, core.ErrInvalidConfiguration)
	}
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, core.NewFrameworkError("persistence.NewRedisProvider", core.KindConfiguration, fmt.Errorf("invalid redis url: %w", err))
	}
	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.Transient("persistence.NewRedisProvider", fmt.Errorf("connecting to redis: %w", err))
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

func (p *RedisProvider) Type() string                       { return "persistence" }
func (p *RedisProvider) Supports(item interface{}) bool {
	_, ok := item.(Entity)
	return ok
}
func (p *RedisProvider) SupportsThreadContext() bool         { return true }
func (p *RedisProvider) ThreadSafety() pipeline.ThreadSafety { return pipeline.Safe }

func (p *RedisProvider) Healthy(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Persist writes entity only if its row key does not already exist,
// failing with a duplicate-key-shaped error otherwise so SideEffect's
// policy arbitration can decide what to do.
func (p *RedisProvider) Persist(ctx context.Context, item interface{}) error {
	entity, ok := item.(Entity)
	if !ok {
		return core.NonRetryable("persistence.RedisProvider.Persist", core.ErrNilItem)
	}
	key := p.formatKey(entity.RowKey())

	exists, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return Classify("persistence.RedisProvider.Persist", err)
	}
	if exists > 0 {
		return fmt.Errorf("duplicate key: row %s already exists", key)
	}
	if err := p.client.HSet(ctx, key, entity.Fields()).Err(); err != nil {
		return Classify("persistence.RedisProvider.Persist", err)
	}
	return nil
}

// PersistOrUpdate writes entity unconditionally (upsert), used when
// DuplicateKeyPolicy is UPSERT.
func (p *RedisProvider) PersistOrUpdate(ctx context.Context, item interface{}) error {
	entity, ok := item.(Entity)
	if !ok {
		return core.NonRetryable("persistence.RedisProvider.PersistOrUpdate", core.ErrNilItem)
	}
	key := p.formatKey(entity.RowKey())
	if err := p.client.HSet(ctx, key, entity.Fields()).Err(); err != nil {
		return Classify("persistence.RedisProvider.PersistOrUpdate", err)
	}
	return nil
}
