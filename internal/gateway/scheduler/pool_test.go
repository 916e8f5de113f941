package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu    sync.Mutex
	creds []models.Credential
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (s *fakeStore) ListActiveCredentials(ctx context.Context) ([]models.Credential, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.Credential(nil), s.creds...), nil
}

func (s *fakeStore) set(creds []models.Credential, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, store Store, clock *fakeClock) *Pool {
	t.Helper()
	return NewPool(store, 5*time.Minute, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now),
		WithRetryBackoff(time.Second),
	)
}

func TestPool_TTL(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 0, 10)}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)
	ctx := context.Background()

	snap, err := pool.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, int32(1), store.calls.Load())

	clock.Advance(4 * time.Minute)
	_, err = pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load())

	store.set([]models.Credential{cred("a", 0, 10), cred("b", 0, 10)}, nil)
	clock.Advance(time.Minute)
	snap, err = pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestPool_ConcurrentRefreshCollapses(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 0, 10)}, gate: make(chan struct{})}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)

	const n = 20
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Snapshot(context.Background())
			results <- err
		}()
	}

	require.Eventually(t, func() bool { return store.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()
	close(results)

	for err := range results {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestPool_ColdStartFailureIsFatal(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)

	snap, err := pool.Snapshot(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.False(t, IsStale(err))
	assert.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
}

func TestPool_StaleServedOnReloadFailure(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 3, 10)}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)
	ctx := context.Background()

	_, err := pool.Snapshot(ctx)
	require.NoError(t, err)

	store.set(nil, errors.New("connection refused"))
	clock.Advance(6 * time.Minute)

	snap, err := pool.Snapshot(ctx)
	require.Error(t, err)
	require.True(t, IsStale(err))
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, int32(2), store.calls.Load())

	// within the backoff the store is not queried again
	_, err = pool.Snapshot(ctx)
	require.True(t, IsStale(err))
	assert.Equal(t, int32(2), store.calls.Load())

	store.set([]models.Credential{cred("b", 0, 10)}, nil)
	clock.Advance(2 * time.Second)
	snap, err = pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", snap[0].ID)
}

func TestPool_SnapshotIsCopy(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 0, 10)}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)
	ctx := context.Background()

	snap, err := pool.Snapshot(ctx)
	require.NoError(t, err)
	snap[0].UsedToday = 99

	again, err := pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again[0].UsedToday)
}

func TestPool_RecordUse(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 0, 10)}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)
	ctx := context.Background()

	before, err := pool.Snapshot(ctx)
	require.NoError(t, err)

	at := clock.Now()
	pool.RecordUse("a", at)
	pool.RecordUse("missing", at)

	after, err := pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after[0].UsedToday)
	require.NotNil(t, after[0].LastUsedAt)
	assert.True(t, at.Equal(*after[0].LastUsedAt))
	assert.Nil(t, before[0].LastUsedAt)
}

func TestPool_Invalidate(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 0, 10)}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)
	ctx := context.Background()

	_, err := pool.Snapshot(ctx)
	require.NoError(t, err)

	pool.Invalidate()
	_, err = pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
	assert.Equal(t, clock.Now(), pool.LoadedAt())
}

func TestPool_WaiterCancelDoesNotAbortReload(t *testing.T) {
	store := &fakeStore{creds: []models.Credential{cred("a", 0, 10)}, gate: make(chan struct{})}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Snapshot(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(store.gate)
	require.Eventually(t, func() bool { return !pool.LoadedAt().IsZero() }, time.Second, time.Millisecond)
}
