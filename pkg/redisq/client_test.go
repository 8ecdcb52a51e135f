package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithWaitSecs(1)}, opts...)
	return NewClient("test-queue", "test-agent/1.0", opts...)
}

func packageJSON(killID int64, hash string) string {
	return fmt.Sprintf(`{"package":{"killID":%d,"zkb":{"hash":%q,"locationID":60003760,"labels":["cat:6","solo"],"npc":false,"awox":false,"solo":true,"href":"https://example/km/%d"}}}`, killID, hash, killID)
}

func TestPoll(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-queue", r.URL.Query().Get("queueID"))
		assert.Equal(t, "1", r.URL.Query().Get("ttw"))
		assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))

		switch calls.Add(1) {
		case 1:
			fmt.Fprint(w, packageJSON(128000001, "abc123"))
		case 2:
			fmt.Fprint(w, `{"package":null}`)
		default:
			fmt.Fprint(w, packageJSON(128000002, "def456"))
		}
	})

	pkgs, err := c.Poll(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	assert.Equal(t, int64(128000001), pkgs[0].KillID)
	assert.Equal(t, "abc123", pkgs[0].Zkb.Hash)
	require.NotNil(t, pkgs[0].Zkb.LocationID)
	assert.Equal(t, int64(60003760), *pkgs[0].Zkb.LocationID)
	assert.Equal(t, []string{"cat:6", "solo"}, pkgs[0].Zkb.Labels)
	assert.True(t, pkgs[0].Zkb.Solo)
	assert.NotEmpty(t, pkgs[0].Raw)

	assert.Equal(t, int64(128000002), pkgs[1].KillID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestPoll_EmptyPollsContinue(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			fmt.Fprint(w, `{"package":null}`)
			return
		}
		fmt.Fprint(w, packageJSON(128000003, "aaa"))
	})

	pkgs, err := c.Poll(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, int64(128000003), pkgs[0].KillID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestPoll_RateLimitRetriesSameIteration(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"too fast"}`)
			return
		}
		fmt.Fprint(w, packageJSON(128000004, "bbb"))
	})

	pkgs, err := c.Poll(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, int64(2), calls.Load())
}

func TestPoll_RequestBoundUnderPersistentThrottle(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"too fast"}`)
	})

	pkgs, err := c.Poll(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, pkgs)
	assert.Equal(t, int64(2), calls.Load())
}

func TestPoll_HardFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	})

	_, err := c.Poll(context.Background(), 2)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestPoll_ContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be issued")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Poll(ctx, 2)
	require.Error(t, err)
}

func TestWithWaitSecs_Clamped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "below floor", in: 0, want: 1},
		{name: "within range", in: 5, want: 5},
		{name: "above ceiling", in: 60, want: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient("q", "ua", WithWaitSecs(tt.in)).(*httpClient)
			assert.Equal(t, tt.want, c.waitSecs)
		})
	}
}

func TestPoll_MalformedEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	})

	_, err := c.Poll(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode envelope")
}

func TestPackage_RawRoundTrips(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, packageJSON(128000005, "ccc"))
	})

	pkgs, err := c.Poll(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)

	var again Package
	require.NoError(t, json.Unmarshal(pkgs[0].Raw, &again))
	assert.Equal(t, pkgs[0].KillID, again.KillID)
	assert.Equal(t, pkgs[0].Zkb.Hash, again.Zkb.Hash)
}
