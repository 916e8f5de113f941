// Package calllog persists call outcomes off the request path.
package calllog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Store is the durable append-only call log.
type Store interface {
	AppendCallOutcome(ctx context.Context, outcome *models.CallOutcome) error
}

// Writer queues outcomes for a single background worker. When the queue is full
// the outcome is written on the caller's goroutine instead of being dropped.
type Writer struct {
	store        Store
	log          *zap.SugaredLogger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan models.CallOutcome
	done   chan struct{}
}

func NewWriter(store Store, queueSize int, log *zap.SugaredLogger) *Writer {
	if queueSize < 0 {
		queueSize = 0
	}
	w := &Writer{
		store:        store,
		log:          log,
		writeTimeout: 5 * time.Second,
		queue:        make(chan models.CallOutcome, queueSize),
		done:         make(chan struct{}),
	}
	go w.run()
	return w
}

// Append records outcome. It only returns an error when the outcome had to be
// written synchronously and that write failed.
func (w *Writer) Append(ctx context.Context, outcome models.CallOutcome) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.closed {
		select {
		case w.queue <- outcome:
			return nil
		default:
		}
	}
	return w.write(ctx, outcome)
}

func (w *Writer) run() {
	defer close(w.done)
	for outcome := range w.queue {
		if err := w.write(context.Background(), outcome); err != nil {
			w.log.Errorw("failed to persist call outcome",
				"credential_id", outcome.CredentialID,
				"model", outcome.ModelName,
				"call_type", outcome.CallType,
				"success", outcome.Success,
				"error", err,
			)
		}
	}
}

func (w *Writer) write(ctx context.Context, outcome models.CallOutcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.writeTimeout)
	defer cancel()

	if err := w.store.AppendCallOutcome(ctx, &outcome); err != nil {
		metrics.CallLogFailures.Inc()
		return err
	}
	return nil
}

// Close stops accepting queued outcomes and waits until the queue is drained.
// Appends after Close are written synchronously.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}
