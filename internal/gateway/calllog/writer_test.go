package calllog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

type memStore struct {
	mu       sync.Mutex
	outcomes []models.CallOutcome
	err      error
	gate     chan struct{}
}

func (s *memStore) AppendCallOutcome(ctx context.Context, outcome *models.CallOutcome) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.outcomes = append(s.outcomes, *outcome)
	return nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func TestWriter_DrainsOnClose(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, 16, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(context.Background(), models.CallOutcome{ModelName: "m", CallType: models.CallChat}))
	}
	w.Close()
	assert.Equal(t, 10, store.len())

	// after close writes are synchronous
	require.NoError(t, w.Append(context.Background(), models.CallOutcome{ModelName: "late"}))
	assert.Equal(t, 11, store.len())
	w.Close()
}

func TestWriter_FullQueueWritesSynchronously(t *testing.T) {
	gate := make(chan struct{})
	store := &memStore{gate: gate}
	w := NewWriter(store, 0, zaptest.NewLogger(t).Sugar())

	done := make(chan error, 1)
	go func() {
		done <- w.Append(context.Background(), models.CallOutcome{ModelName: "m"})
	}()

	close(gate)
	require.NoError(t, <-done)
	w.Close()
	assert.Equal(t, 1, store.len())
}

func TestWriter_SyncFailureIsReturned(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	w := NewWriter(store, 1, zaptest.NewLogger(t).Sugar())
	w.Close()

	err := w.Append(context.Background(), models.CallOutcome{ModelName: "m"})
	require.EqualError(t, err, "disk full")
}

func TestWriter_CancelledCallerStillWrites(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, 0, zaptest.NewLogger(t).Sugar())
	w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Append(ctx, models.CallOutcome{ModelName: "m"}))
	assert.Equal(t, 1, store.len())
}
