package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordersys/execution-engine/internal/domain"
)

type respErr struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func Test_writeError_Mapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", domain.ErrInvalidArgument, http.StatusBadRequest, "invalid_body"},
		{"missing_order_id", domain.ErrMissingOrderID, http.StatusBadRequest, "missing_order_id"},
		{"notfound", domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"idempotency_conflict", domain.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict"},
		{"conflict", domain.ErrConflict, http.StatusConflict, "conflict"},
		{"too_many_connections", domain.ErrTooManyConnections, http.StatusTooManyRequests, "too_many_connections"},
		{"queue_full", domain.ErrQueueFull, http.StatusTooManyRequests, "queue_full"},
		{"rate", domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"service_unavailable", domain.ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{"upstream_to", domain.ErrUpstreamTimeout, http.StatusServiceUnavailable, "upstream_timeout"},
		{"upstream_rl", domain.ErrUpstreamRateLimit, http.StatusServiceUnavailable, "upstream_rate_limit"},
		{"schema", domain.ErrSchemaInvalid, http.StatusServiceUnavailable, "schema_invalid"},
		{"internal", assertError("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			rw := httptest.NewRecorder()
			writeError(rw, r, c.err, nil)
			res := rw.Result()
			if res.StatusCode != c.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, c.wantStatus)
			}
			var e respErr
			_ = json.NewDecoder(res.Body).Decode(&e)
			_ = res.Body.Close()
			if e.Error.Code != c.wantCode {
				t.Fatalf("code: got %s want %s", e.Error.Code, c.wantCode)
			}
		})
	}
}

func Test_writeError_RateLimited_SetsRetryAfterHeader(t *testing.T) {
	err := &domain.RetryAfterError{Err: domain.ErrRateLimited, RetryAfter: 7 * time.Second}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	writeError(rw, r, err, nil)
	if got := rw.Result().Header.Get("Retry-After"); got != "7" {
		t.Fatalf("Retry-After: got %q want %q", got, "7")
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }
