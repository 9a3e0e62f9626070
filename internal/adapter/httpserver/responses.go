package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ordersys/execution-engine/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy to the edge's snake_case
// response codes, per the error handling design.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "internal_error"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "invalid_body"
	case errors.Is(err, domain.ErrMissingOrderID):
		code = http.StatusBadRequest
		codeStr = "missing_order_id"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "not_found"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		code = http.StatusConflict
		codeStr = "idempotency_conflict"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "conflict"
	case errors.Is(err, domain.ErrTooManyConnections):
		code = http.StatusTooManyRequests
		codeStr = "too_many_connections"
	case errors.Is(err, domain.ErrQueueFull):
		code = http.StatusTooManyRequests
		codeStr = "queue_full"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "rate_limited"
	case errors.Is(err, domain.ErrServiceUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "service_unavailable"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "upstream_timeout"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		code = http.StatusServiceUnavailable
		codeStr = "upstream_rate_limit"
	case errors.Is(err, domain.ErrSchemaInvalid):
		code = http.StatusServiceUnavailable
		codeStr = "schema_invalid"
	}

	var retryable *domain.RetryAfterError
	if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryable.RetryAfter.Seconds())))
	}

	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
