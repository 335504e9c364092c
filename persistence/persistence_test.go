package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// memProvider tolerates the exact number of persist calls needed to
// exercise idempotent re-submission under IGNORE (spec.md §8
// invariant 9): the first Persist wins, every subsequent call for the
// same row reports a duplicate-key-shaped error.
type memProvider struct {
	mu    sync.Mutex
	rows  map[string]bool
	calls int
}

func newMemProvider() *memProvider { return &memProvider{rows: map[string]bool{}} }

func (m *memProvider) Type() string                       { return "persistence" }
func (m *memProvider) Supports(interface{}) bool          { return true }
func (m *memProvider) SupportsThreadContext() bool        { return true }
func (m *memProvider) ThreadSafety() pipeline.ThreadSafety { return pipeline.Safe }

func (m *memProvider) Persist(ctx context.Context, item interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	key := item.(string)
	if m.rows[key] {
		return errors.New("duplicate key value violates unique constraint")
	}
	m.rows[key] = true
	return nil
}

func (m *memProvider) PersistOrUpdate(ctx context.Context, item interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[item.(string)] = true
	return nil
}

func TestIsDuplicateKeyMatchesMessagesAndSQLState(t *testing.T) {
	assert.True(t, IsDuplicateKey(errors.New("ERROR: duplicate key value violates unique constraint")))
	assert.True(t, IsDuplicateKey(errors.New("SQLSTATE 23505")))
	assert.False(t, IsDuplicateKey(errors.New("connection refused")))
}

func TestIsTransientMatchesConnectionAndTimeoutErrors(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("read: i/o timeout")))
	assert.False(t, IsTransient(errors.New("duplicate key value violates unique constraint")))
}

// Invariant 9: IGNORE is idempotent across K resubmissions.
func TestIgnorePolicyIsIdempotentAcrossResubmissions(t *testing.T) {
	provider := newMemProvider()
	effect := NewSideEffect(provider, Ignore)

	const K = 5
	for i := 0; i < K; i++ {
		err := effect.Call(context.Background(), "entity-1")
		require.NoError(t, err)
	}
	assert.Equal(t, K, provider.calls)
	assert.Len(t, provider.rows, 1)
}

func TestFailPolicyPropagatesDuplicateConflict(t *testing.T) {
	provider := newMemProvider()
	effect := NewSideEffect(provider, Fail)

	require.NoError(t, effect.Call(context.Background(), "entity-1"))
	err := effect.Call(context.Background(), "entity-1")
	require.Error(t, err)
	assert.True(t, core.IsNonRetryable(err))
}

func TestUpsertPolicyRetriesViaPersistOrUpdate(t *testing.T) {
	provider := newMemProvider()
	effect := NewSideEffect(provider, Upsert)

	require.NoError(t, effect.Call(context.Background(), "entity-1"))
	err := effect.Call(context.Background(), "entity-1")
	require.NoError(t, err)
	assert.True(t, provider.rows["entity-1"])
}

func TestNonDuplicateFailureIsClassifiedByTransience(t *testing.T) {
	provider := &failingProvider{err: errors.New("connection refused")}
	effect := NewSideEffect(provider, Fail)
	err := effect.Call(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}

type failingProvider struct{ err error }

func (f *failingProvider) Type() string                       { return "persistence" }
func (f *failingProvider) Supports(interface{}) bool          { return true }
func (f *failingProvider) SupportsThreadContext() bool        { return true }
func (f *failingProvider) ThreadSafety() pipeline.ThreadSafety { return pipeline.Safe }
func (f *failingProvider) Persist(ctx context.Context, item interface{}) error { return f.err }
func (f *failingProvider) PersistOrUpdate(ctx context.Context, item interface{}) error {
	return f.err
}
