package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pctx"
	"github.com/mbarcia/pipelineframework/pipeline"
)

type memProvider struct {
	mu   sync.Mutex
	data map[string]interface{}
	name string
}

func newMemProvider(name string) *memProvider {
	return &memProvider{data: map[string]interface{}{}, name: name}
}

func (m *memProvider) Type() string                       { return "cache" }
func (m *memProvider) Supports(interface{}) bool          { return true }
func (m *memProvider) SupportsThreadContext() bool        { return true }
func (m *memProvider) ThreadSafety() pipeline.ThreadSafety { return pipeline.Safe }
func (m *memProvider) Backend() string                    { return m.name }

func (m *memProvider) Cache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memProvider) Get(ctx context.Context, key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memProvider) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memProvider) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memProvider) InvalidateByPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.data, k)
		}
	}
	return nil
}

type docItem struct{ doc string }

func (d docItem) DocID() string { return d.doc }

// Invariant 6: cache key determinism.
func TestDeriveKeyIsDeterministic(t *testing.T) {
	strategies := DefaultKeyStrategies()
	item := docItem{doc: "d1"}
	k1, ok1 := DeriveKey(strategies, "widget", item, pctx.Context{})
	k2, ok2 := DeriveKey(strategies, "widget", item, pctx.Context{})
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, k1, k2)
}

// Invariant 7: version-tag namespace prevents collision.
func TestVersionTagNamespacesKeysSeparately(t *testing.T) {
	strategies := DefaultKeyStrategies()
	item := docItem{doc: "d1"}
	k1, _ := DeriveKey(strategies, "widget", item, pctx.Context{VersionTag: "v1"})
	k2, _ := DeriveKey(strategies, "widget", item, pctx.Context{VersionTag: "v2"})
	assert.NotEqual(t, k1, k2)
}

func TestDeriveKeyNoVersionTagUnprefixed(t *testing.T) {
	strategies := DefaultKeyStrategies()
	item := docItem{doc: "d1"}
	k, ok := DeriveKey(strategies, "widget", item, pctx.Context{})
	require.True(t, ok)
	assert.Equal(t, "widget:d1", k)
}

// E4: cache hit short-circuits the target step.
func TestReturnCachedShortCircuitsOnHit(t *testing.T) {
	provider := newMemProvider("redis")
	registry := NewRegistry([]Provider{provider}, "", false)
	enforcer := NewEnforcer(registry, time.Minute)
	item := docItem{doc: "d1"}
	pc := pctx.Context{}

	before, err := enforcer.Before(context.Background(), "widget", item, pc)
	require.NoError(t, err)
	assert.False(t, before.ShortCircuit)
	assert.Equal(t, pipeline.CacheMiss, before.Status)

	status, err := enforcer.After(context.Background(), before, item, "output-1", pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.CacheWrite, status)

	before2, err := enforcer.Before(context.Background(), "widget", item, pc)
	require.NoError(t, err)
	assert.True(t, before2.ShortCircuit)
	assert.Equal(t, "output-1", before2.Value)
	assert.Equal(t, pipeline.CacheHit, before2.Status)
}

// E5: REQUIRE_CACHE miss fails non-retryable, zero invocations implied
// by ShortCircuit never being consulted by the caller.
func TestRequireCacheMissFailsNonRetryable(t *testing.T) {
	provider := newMemProvider("redis")
	registry := NewRegistry([]Provider{provider}, "", false)
	enforcer := NewEnforcer(registry, time.Minute)
	pc := pctx.Context{CachePolicy: pctx.RequireCache}
	pc2 := forceOverride(pc)

	_, err := enforcer.Before(context.Background(), "widget", docItem{doc: "cold"}, pc2)
	require.Error(t, err)
	assert.True(t, core.IsCachePolicyViolation(err))
	assert.True(t, core.IsNonRetryable(err))
}

// E6: version fork keeps both entries.
func TestVersionForkKeepsBothEntries(t *testing.T) {
	provider := newMemProvider("redis")
	registry := NewRegistry([]Provider{provider}, "", false)
	enforcer := NewEnforcer(registry, time.Minute)
	item := docItem{doc: "d1"}

	pcV1 := pctx.Context{VersionTag: "v1"}
	before1, _ := enforcer.Before(context.Background(), "widget", item, pcV1)
	_, err := enforcer.After(context.Background(), before1, item, "o1", pcV1)
	require.NoError(t, err)

	pcV2 := pctx.Context{VersionTag: "v2"}
	before2, _ := enforcer.Before(context.Background(), "widget", item, pcV2)
	assert.False(t, before2.ShortCircuit) // distinct key, still cold
	_, err = enforcer.After(context.Background(), before2, item, "o2", pcV2)
	require.NoError(t, err)

	v1, ok, _ := provider.Get(context.Background(), "v1:widget:d1")
	require.True(t, ok)
	assert.Equal(t, "o1", v1)

	v2, ok, _ := provider.Get(context.Background(), "v2:widget:d1")
	require.True(t, ok)
	assert.Equal(t, "o2", v2)
}

func TestCacheOnlyNeverShortCircuitsOnBefore(t *testing.T) {
	provider := newMemProvider("redis")
	registry := NewRegistry([]Provider{provider}, "", false)
	enforcer := NewEnforcer(registry, time.Minute)
	item := docItem{doc: "d1"}
	pc := forceOverridePolicy(pctx.Context{}, pctx.CacheOnly)

	before, err := enforcer.Before(context.Background(), "widget", item, pc)
	require.NoError(t, err)
	assert.False(t, before.ShortCircuit)

	status, err := enforcer.After(context.Background(), before, item, "v", pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.CacheWrite, status)
}

func TestInvalidateItemSkippedWhenNotReplay(t *testing.T) {
	provider := newMemProvider("redis")
	registry := NewRegistry([]Provider{provider}, "", false)
	enforcer := NewEnforcer(registry, time.Minute)
	item := docItem{doc: "d1"}
	_ = provider.Cache(context.Background(), "widget:d1", "v", time.Minute)

	err := enforcer.InvalidateItem(context.Background(), "widget", item, pctx.Context{Replay: false})
	require.NoError(t, err)
	_, ok, _ := provider.Get(context.Background(), "widget:d1")
	assert.True(t, ok)
}

func TestInvalidateItemRunsOnReplay(t *testing.T) {
	provider := newMemProvider("redis")
	registry := NewRegistry([]Provider{provider}, "", false)
	enforcer := NewEnforcer(registry, time.Minute)
	item := docItem{doc: "d1"}
	_ = provider.Cache(context.Background(), "widget:d1", "v", time.Minute)

	err := enforcer.InvalidateItem(context.Background(), "widget", item, pctx.Context{Replay: true})
	require.NoError(t, err)
	_, ok, _ := provider.Get(context.Background(), "widget:d1")
	assert.False(t, ok)
}

// forceOverride is a tiny helper since pctx.Context's hasCachePolicy
// flag is unexported; tests build it via pctx.FromHeaders instead of
// poking the zero value directly.
func forceOverride(pc pctx.Context) pctx.Context {
	return forceOverridePolicy(pc, pctx.RequireCache)
}

func forceOverridePolicy(pc pctx.Context, policy pctx.CachePolicy) pctx.Context {
	headers := pctx.Headers{"cache-policy": string(policy)}
	if pc.VersionTag != "" {
		headers["version"] = pc.VersionTag
	}
	if pc.Replay {
		headers["replay"] = "true"
	}
	return pctx.FromHeaders(headers)
}
