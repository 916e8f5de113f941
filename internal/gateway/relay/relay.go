// Package relay forwards an upstream chat completion SSE stream to the caller
// as it arrives, extracting usage along the way.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Terminal states of a relayed stream
const (
	StateDone      = "done"
	StateError     = "error"
	StateCancelled = "cancelled"
)

const readBufferSize = 32 << 10

// ErrStreamingUnsupported is returned, before anything is written, when the
// response writer cannot flush.
var ErrStreamingUnsupported = &errs.Error{
	Kind:       errs.KindInternal,
	StatusCode: http.StatusInternalServerError,
	Message:    "streaming not supported",
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Upstream opens the raw upstream SSE body for one chat request.
// *providers.Client implements it.
type Upstream interface {
	OpenChatStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error)
	Secret() string
}

type Relay struct {
	readTimeout time.Duration
	log         *zap.SugaredLogger
}

// New creates a relay. readTimeout bounds the wait for each upstream read,
// including the initial response.
func New(readTimeout time.Duration, log *zap.SugaredLogger) *Relay {
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	return &Relay{readTimeout: readTimeout, log: log}
}

// Stream relays one chat completion stream to w. It returns the best known
// usage on every path: explicit upstream usage when seen, otherwise an estimate
// from relayed content. The error is nil only when the upstream terminator was
// forwarded; errs.ErrCallerCancelled means the caller went away.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, up Upstream, req openai.ChatCompletionRequest) (models.Usage, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return models.Usage{}, ErrStreamingUnsupported
	}

	s := &session{
		w:       w,
		flusher: flusher,
		secret:  up.Secret(),
		log:     logger.FromContext(ctx, r.log),
	}
	s.writeHeaders()

	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := time.AfterFunc(r.readTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	body, err := up.OpenChatStream(upCtx, req)
	if err != nil {
		err = r.classify(ctx, err, &timedOut)
		return s.finish(err)
	}
	defer body.Close()

	buf := make([]byte, readBufferSize)
	for {
		timer.Reset(r.readTimeout)
		n, readErr := body.Read(buf)
		// time spent writing to a slow caller is not charged to the upstream
		timer.Stop()

		if n > 0 {
			if done, werr := s.consume(ctx, buf[:n]); werr != nil || done {
				// release the upstream connection before accounting runs
				cancel()
				return s.finish(werr)
			}
		}

		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			if done, werr := s.flushPending(ctx); werr != nil || done {
				return s.finish(werr)
			}
			return s.finish(errs.ErrMissingTerminator)
		}
		return s.finish(r.classify(ctx, readErr, &timedOut))
	}
}

// classify separates a caller disconnect and a read timeout from other
// upstream failures.
func (r *Relay) classify(ctx context.Context, err error, timedOut *atomic.Bool) error {
	switch {
	case ctx.Err() != nil:
		return errs.ErrCallerCancelled
	case timedOut.Load():
		return fmt.Errorf("no upstream data within %s: %w", r.readTimeout, context.DeadlineExceeded)
	}
	return err
}

type session struct {
	w       http.ResponseWriter
	flusher http.Flusher
	secret  string
	log     *zap.SugaredLogger

	pending []byte
	usage   usageTracker
	relayed int
}

func (s *session) writeHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// consume appends a chunk and handles every complete line in it. The
// incomplete tail stays buffered for the next chunk.
func (s *session) consume(ctx context.Context, chunk []byte) (bool, error) {
	s.pending = append(s.pending, chunk...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return false, nil
		}
		line := bytes.TrimSuffix(s.pending[:idx], []byte("\r"))
		done, err := s.handleLine(ctx, line)
		s.pending = append(s.pending[:0], s.pending[idx+1:]...)
		if err != nil || done {
			return done, err
		}
	}
}

// flushPending handles a final line that had no trailing newline.
func (s *session) flushPending(ctx context.Context) (bool, error) {
	if len(s.pending) == 0 {
		return false, nil
	}
	line := bytes.TrimSuffix(s.pending, []byte("\r"))
	done, err := s.handleLine(ctx, line)
	s.pending = s.pending[:0]
	return done, err
}

func (s *session) handleLine(ctx context.Context, line []byte) (bool, error) {
	if len(line) == 0 {
		return false, nil
	}

	if !bytes.HasPrefix(line, dataPrefix) {
		// event:, id:, retry: and comments keep their single-line framing
		return false, s.write(ctx, line, []byte("\n"))
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneMarker) {
		return true, s.write(ctx, line, []byte("\n\n"))
	}

	res := parseLine(payload)
	if res.err != nil {
		metrics.StreamParseErrors.Inc()
		s.log.Debugw("unparseable stream line relayed as is", "error", res.err, "bytes", len(payload))
	} else {
		s.usage.add(res)
	}

	if err := s.write(ctx, line, []byte("\n\n")); err != nil {
		return false, err
	}
	s.relayed++
	return false, nil
}

func (s *session) write(ctx context.Context, parts ...[]byte) error {
	if ctx.Err() != nil {
		return errs.ErrCallerCancelled
	}
	for _, p := range parts {
		if _, err := s.w.Write(p); err != nil {
			return errs.ErrCallerCancelled
		}
	}
	s.flusher.Flush()
	return nil
}

// finish records the terminal state. Anything other than a clean end or a
// caller disconnect is reported to the caller as one synthetic error event.
func (s *session) finish(err error) (models.Usage, error) {
	usage := s.usage.result()

	switch {
	case err == nil:
		metrics.StreamTerminations.WithLabelValues(StateDone).Inc()
	case errors.Is(err, errs.ErrCallerCancelled):
		metrics.StreamTerminations.WithLabelValues(StateCancelled).Inc()
		s.log.Infow("caller disconnected during stream", "events_relayed", s.relayed)
	default:
		metrics.StreamTerminations.WithLabelValues(StateError).Inc()
		s.writeError(err)
	}
	return usage, err
}

func (s *session) writeError(err error) {
	_, payload := errs.ToPayload(errs.FromUpstream(err, s.secret))
	body, merr := json.Marshal(struct {
		Error errs.ErrorBody `json:"error"`
	}{payload.Error})
	if merr != nil {
		return
	}
	if _, werr := fmt.Fprintf(s.w, "data: %s\n\n", body); werr == nil {
		s.flusher.Flush()
	}
}
