package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eveobs/killfeed/internal/resilience"
)

// fastRetry keeps test retries under a millisecond of backoff.
var fastRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	Multiplier:     2.0,
	ShouldRetry:    func(error) bool { return true },
}

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-secret", WithRetryConfig(fastRetry))
}

func TestAppend(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req appendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-secret", req.Secret)
		assert.Equal(t, "append", req.Action)
		assert.Equal(t, "redisq_raw", req.Stream)
		assert.Equal(t, "20260829T180400Z-deadbeef", req.RunID)
		assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, req.Lines)

		_ = json.NewEncoder(w).Encode(appendResponse{OK: true})
	})

	err := c.Append(context.Background(), "redisq_raw", "20260829T180400Z-deadbeef", []string{`{"a":1}`, `{"b":2}`})
	require.NoError(t, err)
}

func TestAppend_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"ok":false,"error":"flank speed"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(appendResponse{OK: true})
	})

	err := c.Append(context.Background(), "enriched", "run-1", []string{`{}`})
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestAppend_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"ok":false}`))
	})

	err := c.Append(context.Background(), "enriched", "run-1", []string{`{}`})
	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestAppend_OKFalseIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// 200 with ok=false: the ledger refused the batch.
		w.Write([]byte(`{"ok":false,"error":"bad secret"}`))
	})

	err := c.Append(context.Background(), "discarded", "run-1", []string{`{}`})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad secret")
}

func TestAppend_EmptyLines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req appendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Empty(t, req.Lines)
		_ = json.NewEncoder(w).Encode(appendResponse{OK: true})
	})

	require.NoError(t, c.Append(context.Background(), "attempts", "run-1", nil))
}

func TestAppend_ContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should have been cancelled")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Append(ctx, "enriched", "run-1", []string{`{}`})
	require.Error(t, err)
}

func TestAPIError_Error(t *testing.T) {
	t.Parallel()
	e := &APIError{StatusCode: 503, Body: `{"ok":false}`}
	assert.Equal(t, `ledger: HTTP 503: {"ok":false}`, e.Error())
}
