package errmap

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Response is the failure envelope returned by every endpoint.
type Response struct {
	Status     string       `json:"status"`
	Message    string       `json:"message"`
	ErrorCode  Code         `json:"error_code"`
	RetryAfter int          `json:"retry_after,omitempty"`
	Context    ErrorContext `json:"error_context"`
}

// ErrorContext situates a failure: when it happened, which operation failed,
// and any safe-to-share details.
type ErrorContext struct {
	Timestamp string         `json:"timestamp"`
	Operation string         `json:"operation"`
	Details   map[string]any `json:"details,omitempty"`
}

// ToResponse converts any error into the failure envelope. Unclassified
// errors become SYSTEM_ERROR with the generic message; internal causes are
// never leaked.
func ToResponse(err error, fallbackOp string) (int, Response) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeSystemError, Op: fallbackOp}
	}

	op := e.Op
	if op == "" {
		op = fallbackOp
	}

	message := e.Message
	if message == "" {
		message = UserMessage(e.Code)
	}

	retryAfter := e.RetryAfter
	if e.Code == CodeTimeout && retryAfter == 0 {
		retryAfter = 30
	}

	return HTTPStatus(e.Code), Response{
		Status:     "failed",
		Message:    message,
		ErrorCode:  e.Code,
		RetryAfter: retryAfter,
		Context: ErrorContext{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Operation: op,
			Details:   e.Details,
		},
	}
}

// WriteError renders err as the JSON failure envelope. Rate-limit and
// timeout responses also carry a Retry-After header.
func WriteError(w http.ResponseWriter, err error, fallbackOp string) {
	status, resp := ToResponse(err, fallbackOp)
	w.Header().Set("Content-Type", "application/json")
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
