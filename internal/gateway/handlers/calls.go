package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/dispatch"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// maxAudioUpload caps multipart transcription uploads
const maxAudioUpload = 25 << 20

// CallHandler serves the non-chat call types. Each handler runs exactly one
// dispatch and buffers the upstream result so that usage is recorded before
// anything reaches the caller.
type CallHandler struct {
	dispatcher Dispatcher
}

func NewCallHandler(dispatcher Dispatcher) *CallHandler {
	return &CallHandler{dispatcher: dispatcher}
}

// HandleImageGeneration handles POST /v1/images/generations
func (h *CallHandler) HandleImageGeneration(w http.ResponseWriter, r *http.Request) {
	var req openai.ImageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, errs.BadRequest("prompt is required", nil))
		return
	}

	var resp openai.ImageResponse
	call := dispatch.Call{Model: req.Model, Type: models.CallImage}
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		var (
			usage models.Usage
			err   error
		)
		resp, usage, err = c.CreateImage(ctx, req)
		return usage, err
	})
	if handleDispatchError(w, r, res, err) {
		return
	}

	setCallHeaders(w, res)
	writeJSON(w, http.StatusOK, resp)
}

// HandleEmbeddings handles POST /v1/embeddings
func (h *CallHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req openai.EmbeddingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" || req.Input == nil {
		writeError(w, errs.BadRequest("model and input are required", nil))
		return
	}

	var resp openai.EmbeddingResponse
	call := dispatch.Call{Model: string(req.Model), Type: models.CallEmbedding}
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		var (
			usage models.Usage
			err   error
		)
		resp, usage, err = c.CreateEmbeddings(ctx, req)
		return usage, err
	})
	if handleDispatchError(w, r, res, err) {
		return
	}

	setCallHeaders(w, res)
	writeJSON(w, http.StatusOK, resp)
}

// HandleRerank handles POST /v1/rerank
func (h *CallHandler) HandleRerank(w http.ResponseWriter, r *http.Request) {
	var req providers.RerankRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" || req.Query == "" || len(req.Documents) == 0 {
		writeError(w, errs.BadRequest("model, query and documents are required", nil))
		return
	}

	var raw json.RawMessage
	call := dispatch.Call{Model: req.Model, Type: models.CallRerank}
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		var (
			usage models.Usage
			err   error
		)
		raw, usage, err = c.Rerank(ctx, req)
		return usage, err
	})
	if handleDispatchError(w, r, res, err) {
		return
	}

	setCallHeaders(w, res)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandleTranscription handles multipart POST /v1/audio/transcriptions
func (h *CallHandler) HandleTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUpload)
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		writeError(w, errs.BadRequest("invalid multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errs.BadRequest("file is required", err))
		return
	}
	defer file.Close()

	req := openai.AudioRequest{
		Model:    r.FormValue("model"),
		FilePath: header.Filename,
		Reader:   file,
		Prompt:   r.FormValue("prompt"),
		Language: r.FormValue("language"),
		Format:   openai.AudioResponseFormat(r.FormValue("response_format")),
	}
	if req.Model == "" {
		writeError(w, errs.BadRequest("model is required", nil))
		return
	}
	if v := r.FormValue("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil {
			writeError(w, errs.BadRequest("invalid temperature", err))
			return
		}
		req.Temperature = float32(t)
	}

	var resp openai.AudioResponse
	call := dispatch.Call{Model: req.Model, Type: models.CallAudioTranscription}
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		var (
			usage models.Usage
			err   error
		)
		resp, usage, err = c.CreateTranscription(ctx, req)
		return usage, err
	})
	if handleDispatchError(w, r, res, err) {
		return
	}

	setCallHeaders(w, res)
	writeJSON(w, http.StatusOK, resp)
}

// HandleSpeech handles POST /v1/audio/speech and returns the audio bytes
func (h *CallHandler) HandleSpeech(w http.ResponseWriter, r *http.Request) {
	var req openai.CreateSpeechRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" || req.Input == "" {
		writeError(w, errs.BadRequest("model and input are required", nil))
		return
	}

	var (
		audio       []byte
		contentType string
	)
	call := dispatch.Call{Model: string(req.Model), Type: models.CallAudioSpeech}
	res, err := h.dispatcher.Dispatch(r.Context(), call, func(ctx context.Context, c *providers.Client) (models.Usage, error) {
		resp, usage, err := c.CreateSpeech(ctx, req)
		if err != nil {
			return usage, err
		}
		defer resp.Close()

		contentType = resp.Header().Get("Content-Type")
		audio, err = io.ReadAll(resp)
		if err != nil {
			return usage, fmt.Errorf("failed to read speech audio: %w", err)
		}
		return usage, nil
	})
	if handleDispatchError(w, r, res, err) {
		return
	}

	if contentType == "" {
		contentType = "audio/mpeg"
	}
	setCallHeaders(w, res)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}
