package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// maxErrorBody caps how much of a failed upstream response is kept
const maxErrorBody = 64 << 10

// Factory builds clients bound to a single credential. All clients share one
// HTTP transport.
type Factory struct {
	baseURL    string
	httpClient *http.Client
}

// NewFactory creates a factory for an OpenAI-compatible API rooted at baseURL
func NewFactory(baseURL string, httpClient *http.Client) *Factory {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Factory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Bind returns a client that authenticates every request with cred's secret
func (f *Factory) Bind(cred models.Credential) *Client {
	cfg := openai.DefaultConfig(cred.Secret)
	cfg.BaseURL = f.baseURL
	cfg.HTTPClient = f.httpClient

	return &Client{
		api:          openai.NewClientWithConfig(cfg),
		httpClient:   f.httpClient,
		baseURL:      f.baseURL,
		secret:       cred.Secret,
		CredentialID: cred.ID,
	}
}

// Client performs upstream calls with one credential
type Client struct {
	api        *openai.Client
	httpClient *http.Client
	baseURL    string
	secret     string

	CredentialID string
}

// Secret returns the bound secret so callers can scrub it from error text
func (c *Client) Secret() string {
	return c.secret
}

// ChatCompletion makes a non-streaming chat completion request
func (c *Client) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, models.Usage, error) {
	req.Stream = false
	req.StreamOptions = nil

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionResponse{}, models.Usage{}, fmt.Errorf("chat completion: %w", err)
	}

	return resp, models.Usage{
		InputUnits:  int64(resp.Usage.PromptTokens),
		OutputUnits: int64(resp.Usage.CompletionTokens),
	}, nil
}

// CreateImage generates images. Output units count the images returned.
func (c *Client) CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, models.Usage, error) {
	resp, err := c.api.CreateImage(ctx, req)
	if err != nil {
		return openai.ImageResponse{}, models.Usage{}, fmt.Errorf("image generation: %w", err)
	}

	return resp, models.Usage{
		InputUnits:  EstimateUnits(req.Prompt),
		OutputUnits: int64(len(resp.Data)),
	}, nil
}

// CreateEmbeddings embeds the request input
func (c *Client) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, models.Usage, error) {
	resp, err := c.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return openai.EmbeddingResponse{}, models.Usage{}, fmt.Errorf("embeddings: %w", err)
	}

	return resp, models.Usage{InputUnits: int64(resp.Usage.PromptTokens)}, nil
}

// CreateTranscription transcribes audio. Input units are whole seconds of audio
// when the provider reports a duration.
func (c *Client) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, models.Usage, error) {
	resp, err := c.api.CreateTranscription(ctx, req)
	if err != nil {
		return openai.AudioResponse{}, models.Usage{}, fmt.Errorf("transcription: %w", err)
	}

	return resp, models.Usage{
		InputUnits:  int64(resp.Duration + 0.5),
		OutputUnits: EstimateUnits(resp.Text),
	}, nil
}

// CreateSpeech synthesizes audio. The caller must close the returned body.
func (c *Client) CreateSpeech(ctx context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, models.Usage, error) {
	resp, err := c.api.CreateSpeech(ctx, req)
	if err != nil {
		return openai.RawResponse{}, models.Usage{}, fmt.Errorf("speech: %w", err)
	}

	return resp, models.Usage{InputUnits: EstimateUnits(req.Input)}, nil
}

// Rerank scores documents against a query. go-openai has no rerank API so the
// request is posted directly and the body returned as is.
func (c *Client) Rerank(ctx context.Context, req RerankRequest) (json.RawMessage, models.Usage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, models.Usage{}, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	resp, err := c.post(ctx, "/rerank", body, "application/json")
	if err != nil {
		return nil, models.Usage{}, fmt.Errorf("rerank: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Usage{}, fmt.Errorf("failed to read rerank response: %w", err)
	}

	var parsed RerankResponse
	usage := models.Usage{InputUnits: EstimateUnits(req.Query)}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Usage != nil {
		usage.InputUnits = parsed.Usage.inputUnits()
	}
	return raw, usage, nil
}

// OpenChatStream starts a streaming chat completion and returns the raw SSE
// body. The provider is asked to append a usage event before the terminator.
func (c *Client) OpenChatStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	resp, err := c.post(ctx, "/chat/completions", body, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	return resp.Body, nil
}

// post sends an authenticated request. Non-2xx responses are returned as
// *errs.StatusError with the body already drained and closed.
func (c *Client) post(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &errs.StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return resp, nil
}
