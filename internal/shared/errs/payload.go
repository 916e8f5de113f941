package errs

import (
	"errors"
	"net/http"
)

// Payload is the structured error result returned to callers.
type Payload struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ToPayload converts err into the status code and body sent to the caller.
// Internal causes never appear in the body.
func ToPayload(err error) (int, Payload) {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.StatusCode, Payload{
			Error: ErrorBody{Message: gerr.Message, Type: string(gerr.Kind), Code: gerr.StatusCode},
		}
	}
	return http.StatusInternalServerError, Payload{
		Error: ErrorBody{Message: "internal server error", Type: string(KindInternal), Code: http.StatusInternalServerError},
	}
}
