// Package errs defines the gateway error taxonomy and the payload returned to callers.
//
// An *Error carries a Kind used for logs and metrics, the HTTP status the caller
// sees and a caller-safe Message. Err holds the internal cause and is never sent
// to the caller.
package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

type Kind string

const (
	KindNoCredentialAvailable Kind = "no_credential_available"
	KindUpstreamError         Kind = "upstream_error"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindStoreUnavailable      Kind = "store_unavailable"
	KindBadRequest            Kind = "invalid_request"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal_error"
)

type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusClientClosedRequest is the non-standard status recorded for caller disconnects.
const StatusClientClosedRequest = 499

var (
	// Selection found no active credential at all.
	ErrNoCredentialsConfigured = &Error{
		Kind:       KindNoCredentialAvailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "no credential available",
		Err:        errors.New("no active credentials configured"),
	}
	// Selection found active credentials but every one is at its daily limit.
	ErrCredentialsExhausted = &Error{
		Kind:       KindNoCredentialAvailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "no credential available",
		Err:        errors.New("all credentials reached their daily limit"),
	}
	ErrCallerCancelled = &Error{
		Kind:       KindCancelled,
		StatusCode: StatusClientClosedRequest,
		Message:    "caller disconnected",
	}
	ErrMissingTerminator = &Error{
		Kind:       KindUpstreamError,
		StatusCode: http.StatusBadGateway,
		Message:    "upstream stream ended without terminator",
	}
)

// StatusError is a non-success HTTP response from the provider.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// AccountingError reports that a usage increment failed after the call was made.
// The call result itself is still valid.
type AccountingError struct {
	CredentialID string
	Err          error
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("usage accounting failed for credential %s: %v", e.CredentialID, e.Err)
}

func (e *AccountingError) Unwrap() error {
	return e.Err
}

// BadRequest builds a caller input error.
func BadRequest(msg string, err error) *Error {
	return &Error{Kind: KindBadRequest, StatusCode: http.StatusBadRequest, Message: msg, Err: err}
}

// StoreUnavailable wraps a durable store failure.
func StoreUnavailable(err error) *Error {
	return &Error{
		Kind:       KindStoreUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "credential store unavailable",
		Err:        err,
	}
}

// FromUpstream classifies an error returned by a provider call. The secret of the
// credential used is scrubbed from any message passed to the caller.
func FromUpstream(err error, secret string) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       KindUpstreamError,
			StatusCode: callerStatus(apiErr.HTTPStatusCode),
			Message:    Scrub(apiErr.Message, secret),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:       KindUpstreamError,
			StatusCode: callerStatus(reqErr.HTTPStatusCode),
			Message:    fmt.Sprintf("upstream request failed with status %d", reqErr.HTTPStatusCode),
			Err:        err,
		}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return &Error{
			Kind:       KindUpstreamError,
			StatusCode: callerStatus(statusErr.StatusCode),
			Message:    Scrub(upstreamMessage(statusErr), secret),
			Err:        err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, StatusCode: StatusClientClosedRequest, Message: "request cancelled", Err: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindUpstreamUnavailable, StatusCode: http.StatusGatewayTimeout, Message: "upstream timed out", Err: err}
	}

	return &Error{Kind: KindUpstreamUnavailable, StatusCode: http.StatusBadGateway, Message: "upstream unavailable", Err: err}
}

// callerStatus maps an upstream status onto the status returned to our caller.
// Credential problems (401/403) and provider failures are ours, not the caller's.
func callerStatus(upstream int) int {
	switch upstream {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity, http.StatusTooManyRequests:
		return upstream
	}
	return http.StatusBadGateway
}

func upstreamMessage(e *StatusError) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Scrub replaces every occurrence of secret in msg with its masked preview.
func Scrub(msg, secret string) string {
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, models.MaskSecret(secret))
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	var accErr *AccountingError
	if errors.As(err, &accErr) {
		return KindStoreUnavailable
	}
	return KindInternal
}
