package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/dispatch"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
)

// maxJSONBody caps inbound JSON request bodies
const maxJSONBody = 10 << 20

// Dispatcher runs one accounted upstream call.
type Dispatcher interface {
	Dispatch(ctx context.Context, call dispatch.Call, fn dispatch.Func) (dispatch.Result, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, payload := errs.ToPayload(err)
	if status == errs.StatusClientClosedRequest {
		// nobody is listening
		return
	}
	writeJSON(w, status, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.BadRequest("invalid request body", err)
	}
	return nil
}

// setCallHeaders describes which credential served the call, masked.
func setCallHeaders(w http.ResponseWriter, res dispatch.Result) {
	if res.Preview != "" {
		w.Header().Set("X-Credential-Preview", res.Preview)
	}
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", res.Latency.Milliseconds()))
}

// handleDispatchError writes the error response for a failed dispatch and
// reports whether the handler must stop. An accounting failure after a
// successful call is not fatal: the result is still delivered with a header
// flagging the gap.
func handleDispatchError(w http.ResponseWriter, r *http.Request, res dispatch.Result, err error) bool {
	if err == nil {
		return false
	}

	var accErr *errs.AccountingError
	if errors.As(err, &accErr) {
		logger.FromContext(r.Context(), nil).Errorw("delivering result without recorded usage",
			"credential_id", accErr.CredentialID,
			"error", accErr.Err,
		)
		w.Header().Set("X-Usage-Accounting", "failed")
		return false
	}

	setCallHeaders(w, res)
	writeError(w, err)
	return true
}
