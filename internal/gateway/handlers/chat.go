package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/dispatch"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/relay"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

type ChatHandler struct {
	dispatcher Dispatcher
	relay      *relay.Relay
}

func NewChatHandler(dispatcher Dispatcher, relay *relay.Relay) *ChatHandler {
	return &ChatHandler{
		dispatcher: dispatcher,
		relay:      relay,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" {
		writeError(w, errs.BadRequest("model is required", nil))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, errs.BadRequest("messages must not be empty", nil))
		return
	}

	if req.Stream {
		h.handleStreamingChat(w, r, req)
		return
	}

	call := dispatch.Call{Model: req.Model, Type: models.CallChat}
	var resp openai.ChatCompletionResponse
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		var (
			usage models.Usage
			err   error
		)
		resp, usage, err = c.ChatCompletion(ctx, req)
		return usage, err
	})
	if handleDispatchError(w, r, res, err) {
		return
	}

	setCallHeaders(w, res)
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamingChat relays the upstream SSE stream. Once the stream has
// started, failures are reported in-band by the relay.
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest) {
	log := logger.FromContext(r.Context(), nil)
	if _, ok := w.(http.Flusher); !ok {
		// checked before dispatch so no credential is charged
		writeError(w, relay.ErrStreamingUnsupported)
		return
	}
	call := dispatch.Call{Model: req.Model, Type: models.CallChat, Stream: true}

	started := false
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		started = true
		w.Header().Set("X-Credential-Preview", models.MaskSecret(c.Secret()))

		usage, err := h.relay.Stream(ctx, w, c, req)
		if usage.InputUnits == 0 {
			usage.InputUnits = estimatePrompt(req.Messages)
		}
		return usage, err
	})

	if !started || errors.Is(err, relay.ErrStreamingUnsupported) {
		writeError(w, err)
		return
	}

	var accErr *errs.AccountingError
	switch {
	case err == nil:
	case errors.As(err, &accErr):
		log.Errorw("stream delivered without recorded usage", "credential_id", accErr.CredentialID, "error", accErr.Err)
	default:
		log.Infow("stream ended early", "credential_id", res.CredentialID, "kind", errs.KindOf(err))
	}
}

func estimatePrompt(messages []openai.ChatCompletionMessage) int64 {
	var n int64
	for _, m := range messages {
		n += providers.EstimateUnits(m.Content)
		for _, part := range m.MultiContent {
			n += providers.EstimateUnits(part.Text)
		}
	}
	return n
}
