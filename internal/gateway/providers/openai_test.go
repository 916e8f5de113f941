package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

func newUpstream(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFactory(srv.URL+"/", srv.Client()).Bind(models.Credential{ID: "cred_a", Secret: "sk-test-secret-value"})
}

func TestBind_UsesCredentialSecret(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test-secret-value", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	})

	resp, usage, err := client.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, models.Usage{InputUnits: 7, OutputUnits: 3}, usage)
	assert.Equal(t, "cred_a", client.CredentialID)
}

func TestChatCompletion_UpstreamErrorClassifies(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"server exploded","type":"server_error"}}`)
	})

	_, _, err := client.ChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)

	gerr := errs.FromUpstream(err, client.Secret())
	assert.Equal(t, errs.KindUpstreamError, gerr.Kind)
	assert.Equal(t, http.StatusBadGateway, gerr.StatusCode)
}

func TestCreateEmbeddings_Usage(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],
			"model":"text-embedding-3-small","usage":{"prompt_tokens":4,"total_tokens":4}}`)
	})

	resp, usage, err := client.CreateEmbeddings(context.Background(), openai.EmbeddingRequest{
		Model: openai.SmallEmbedding3,
		Input: []string{"hello"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(4), usage.InputUnits)
}

func TestRerank(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req RerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is go", req.Query)
		_, _ = io.WriteString(w, `{"results":[{"index":1,"relevance_score":0.9}],"usage":{"total_tokens":12}}`)
	})

	raw, usage, err := client.Rerank(context.Background(), RerankRequest{
		Model:     "rerank-v1",
		Query:     "what is go",
		Documents: []string{"a language", "a game"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "relevance_score")
	assert.Equal(t, int64(12), usage.InputUnits)
}

func TestOpenChatStream_RequestsUsage(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := client.OpenChatStream(context.Background(), openai.ChatCompletionRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", string(got))
}

func TestOpenChatStream_NonSuccessStatus(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})

	_, err := client.OpenChatStream(context.Background(), openai.ChatCompletionRequest{Model: "gpt-4o-mini"})
	var statusErr *errs.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestEstimateUnits(t *testing.T) {
	assert.Equal(t, int64(0), EstimateUnits(""))
	assert.Equal(t, int64(1), EstimateUnits("abc"))
	assert.Equal(t, int64(2), EstimateUnits("hello"))
	assert.Equal(t, int64(1), EstimateUnits("héé"))
}
