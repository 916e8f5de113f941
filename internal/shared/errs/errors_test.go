package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func TestNoCredentialSentinels_SameKindDistinctCause(t *testing.T) {
	require.Equal(t, ErrNoCredentialsConfigured.Kind, ErrCredentialsExhausted.Kind)
	require.Equal(t, ErrNoCredentialsConfigured.StatusCode, ErrCredentialsExhausted.StatusCode)

	wrapped := fmt.Errorf("select: %w", ErrCredentialsExhausted)
	require.True(t, errors.Is(wrapped, ErrCredentialsExhausted))
	require.False(t, errors.Is(wrapped, ErrNoCredentialsConfigured))
	require.Equal(t, KindNoCredentialAvailable, KindOf(wrapped))
}

func TestFromUpstream_APIError(t *testing.T) {
	secret := "sk-live-0123456789abcdef"
	apiErr := &openai.APIError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Message:        "rate limited for key " + secret,
	}

	gerr := FromUpstream(fmt.Errorf("chat: %w", apiErr), secret)
	require.Equal(t, KindUpstreamError, gerr.Kind)
	require.Equal(t, http.StatusTooManyRequests, gerr.StatusCode)
	require.NotContains(t, gerr.Message, secret)
	require.Contains(t, gerr.Message, "sk-l...cdef")
}

func TestFromUpstream_ServerErrorBecomesBadGateway(t *testing.T) {
	gerr := FromUpstream(&StatusError{StatusCode: 500, Body: []byte(`{"error":{"message":"boom"}}`)}, "")
	require.Equal(t, KindUpstreamError, gerr.Kind)
	require.Equal(t, http.StatusBadGateway, gerr.StatusCode)
	require.Equal(t, "boom", gerr.Message)
}

func TestFromUpstream_CredentialRejectedIsNotPassedThrough(t *testing.T) {
	gerr := FromUpstream(&StatusError{StatusCode: 401, Body: []byte("nope")}, "")
	require.Equal(t, http.StatusBadGateway, gerr.StatusCode)
}

func TestFromUpstream_Timeout(t *testing.T) {
	gerr := FromUpstream(fmt.Errorf("do: %w", context.DeadlineExceeded), "")
	require.Equal(t, KindUpstreamUnavailable, gerr.Kind)
	require.Equal(t, http.StatusGatewayTimeout, gerr.StatusCode)
}

func TestFromUpstream_Network(t *testing.T) {
	gerr := FromUpstream(errors.New("dial tcp: connection refused"), "")
	require.Equal(t, KindUpstreamUnavailable, gerr.Kind)
	require.Equal(t, http.StatusBadGateway, gerr.StatusCode)
}

func TestFromUpstream_PassesThroughGatewayErrors(t *testing.T) {
	require.Same(t, ErrMissingTerminator, FromUpstream(ErrMissingTerminator, ""))
	require.Nil(t, FromUpstream(nil, ""))
}

func TestToPayload(t *testing.T) {
	status, body := ToPayload(StoreUnavailable(errors.New("dial tcp 10.0.0.1:5432")))
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.False(t, body.Success)
	require.Equal(t, "credential store unavailable", body.Error.Message)
	require.NotContains(t, body.Error.Message, "10.0.0.1")

	status, body = ToPayload(errors.New("something odd"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "internal server error", body.Error.Message)
}

func TestKindOf_AccountingError(t *testing.T) {
	err := &AccountingError{CredentialID: "cred_1", Err: errors.New("db down")}
	require.Equal(t, KindStoreUnavailable, KindOf(err))
	require.Contains(t, err.Error(), "cred_1")
}
