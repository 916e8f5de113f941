// Package scheduler holds the in-process credential cache and the selection
// policy run against it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Store is the read side of the durable credential table the pool caches.
type Store interface {
	ListActiveCredentials(ctx context.Context) ([]models.Credential, error)
}

// StaleError is returned when a reload failed but a previously loaded copy is
// still being served. Callers may continue with the snapshot.
type StaleError struct {
	Age time.Duration
	Err error
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("serving credentials loaded %s ago: %v", e.Age.Round(time.Second), e.Err)
}

func (e *StaleError) Unwrap() error {
	return e.Err
}

// Pool caches active credentials for TTL. Reloads are collapsed so that at most
// one store query is in flight per process.
type Pool struct {
	store        Store
	ttl          time.Duration
	loadTimeout  time.Duration
	retryBackoff time.Duration
	now          func() time.Time
	log          *zap.SugaredLogger

	group singleflight.Group

	mu          sync.RWMutex
	creds       []models.Credential
	loaded      bool
	invalidated bool
	loadedAt    time.Time
	failedAt    time.Time
	lastErr     error
}

type Option func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLoadTimeout bounds one store reload.
func WithLoadTimeout(d time.Duration) Option {
	return func(p *Pool) { p.loadTimeout = d }
}

// WithRetryBackoff sets how long a failed reload is remembered before the
// store is tried again while stale data is being served.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *Pool) { p.retryBackoff = d }
}

func NewPool(store Store, ttl time.Duration, log *zap.SugaredLogger, opts ...Option) *Pool {
	p := &Pool{
		store:        store,
		ttl:          ttl,
		loadTimeout:  5 * time.Second,
		retryBackoff: time.Second,
		now:          time.Now,
		log:          log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Refresh reloads the cache when it is older than the TTL. Concurrent callers
// share one reload. A failed reload with data already cached yields a
// *StaleError; a failure before the first successful load is a store
// unavailable error.
func (p *Pool) Refresh(ctx context.Context) error {
	if !p.expired() {
		return nil
	}
	if err := p.recentFailure(); err != nil {
		return err
	}

	ch := p.group.DoChan("refresh", func() (any, error) {
		if !p.expired() {
			return nil, nil
		}
		// The reload outlives any single waiter.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loadTimeout)
		defer cancel()
		return nil, p.load(loadCtx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return nil
		}
		return p.failure(res.Err)
	}
}

func (p *Pool) load(ctx context.Context) error {
	creds, err := p.store.ListActiveCredentials(ctx)
	if err != nil {
		metrics.PoolRefreshes.WithLabelValues("error").Inc()
		p.mu.Lock()
		p.failedAt = p.now()
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.creds = creds
	p.loaded = true
	p.invalidated = false
	p.loadedAt = p.now()
	p.failedAt = time.Time{}
	p.lastErr = nil
	eligible := countEligible(p.creds)
	p.mu.Unlock()

	metrics.PoolRefreshes.WithLabelValues("ok").Inc()
	metrics.EligibleCredentials.Set(float64(eligible))
	p.log.Debugw("credential pool reloaded", "credentials", len(creds), "eligible", eligible)
	return nil
}

func (p *Pool) failure(err error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.loaded {
		return errs.StoreUnavailable(fmt.Errorf("initial credential load: %w", err))
	}
	return &StaleError{Age: p.now().Sub(p.loadedAt), Err: err}
}

// recentFailure short-circuits reloads for retryBackoff after a failure when
// stale data can be served.
func (p *Pool) recentFailure() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.loaded || p.lastErr == nil || p.now().Sub(p.failedAt) >= p.retryBackoff {
		return nil
	}
	return &StaleError{Age: p.now().Sub(p.loadedAt), Err: p.lastErr}
}

func (p *Pool) expired() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.loaded || p.invalidated || p.now().Sub(p.loadedAt) >= p.ttl
}

// Snapshot refreshes if needed and returns a copy of the cached credentials.
// A *StaleError comes with a usable snapshot; any other error comes with none.
func (p *Pool) Snapshot(ctx context.Context) ([]models.Credential, error) {
	err := p.Refresh(ctx)
	if err != nil && !IsStale(err) {
		return nil, err
	}

	p.mu.RLock()
	out := make([]models.Credential, len(p.creds))
	copy(out, p.creds)
	p.mu.RUnlock()
	return out, err
}

// RecordUse mirrors a durable usage increment into the cache. The next reload
// replaces it with the store's value.
func (p *Pool) RecordUse(id string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.creds {
		if p.creds[i].ID != id {
			continue
		}
		p.creds[i].UsedToday++
		// new pointer; snapshots share the old one
		t := at
		p.creds[i].LastUsedAt = &t
		break
	}
	metrics.EligibleCredentials.Set(float64(countEligible(p.creds)))
}

// Invalidate forces the next Snapshot to reload. The current copy is kept for
// use as stale data if that reload fails.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.invalidated = true
	p.failedAt = time.Time{}
	p.lastErr = nil
	p.mu.Unlock()
}

// LoadedAt returns when the cache was last reloaded, zero if never.
func (p *Pool) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}

// IsStale reports whether err only signals that stale data is being served.
func IsStale(err error) bool {
	var stale *StaleError
	return errors.As(err, &stale)
}

func countEligible(creds []models.Credential) int {
	n := 0
	for i := range creds {
		if creds[i].Eligible() {
			n++
		}
	}
	return n
}
