package esi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-agent/1.0", WithBaseURL(srv.URL))
}

const killmailBody = `{
	"killmail_id": 128000001,
	"killmail_time": "2026-08-29T18:04:00Z",
	"solar_system_id": 30000142,
	"victim": {"character_id": 90001, "corporation_id": 98001, "ship_type_id": 670},
	"attackers": [
		{"character_id": 90002, "corporation_id": 98002, "ship_type_id": 621, "weapon_type_id": 2456, "damage_done": 4200, "final_blow": true}
	]
}`

func TestKillmail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/killmails/128000001/abc123/", r.URL.Path)
		assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
		fmt.Fprint(w, killmailBody)
	})

	km, err := c.Killmail(context.Background(), 128000001, "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(128000001), km.KillmailID)
	assert.Equal(t, "2026-08-29T18:04:00Z", km.KillmailTime)
	assert.Equal(t, int64(30000142), km.SolarSystemID)
	assert.Equal(t, int64(670), km.Victim.ShipTypeID)
	require.Len(t, km.Attackers, 1)
	assert.True(t, km.Attackers[0].FinalBlow)
	assert.JSONEq(t, killmailBody, string(km.Raw))
}

func TestGet_CachedResponseShortCircuits(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, `{"name":"Jita"}`)
	})

	ctx := context.Background()
	first, err := c.Get(ctx, "/universe/systems/30000142/")
	require.NoError(t, err)
	second, err := c.Get(ctx, "/universe/systems/30000142/")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load(), "repeat lookup must be served from cache")
}

func TestGet_APIError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
	}{
		{name: "not found", status: http.StatusNotFound, wantStatus: 404},
		{name: "unprocessable hash", status: http.StatusUnprocessableEntity, wantStatus: 422},
		{name: "server error", status: http.StatusInternalServerError, wantStatus: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			})

			_, err := c.Get(context.Background(), "/killmails/1/bad/")
			require.Error(t, err)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
		})
	}
}

func TestGet_ErrorBudgetThrottle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ESI-Error-Limit-Remain", "5")
		w.Header().Set("X-ESI-Error-Limit-Reset", "0")
		fmt.Fprint(w, `{"name":"Uedama"}`)
	})

	start := time.Now()
	_, err := c.Get(context.Background(), "/universe/systems/30002768/")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "low error budget must pause for reset+1 seconds")
}

func TestGet_ErrorBudgetHealthy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ESI-Error-Limit-Remain", "100")
		w.Header().Set("X-ESI-Error-Limit-Reset", "42")
		fmt.Fprint(w, `{"name":"Jita"}`)
	})

	start := time.Now()
	_, err := c.Get(context.Background(), "/universe/systems/30000142/")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGet_ThrottleRespectsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ESI-Error-Limit-Remain", "1")
		w.Header().Set("X-ESI-Error-Limit-Reset", "60")
		fmt.Fprint(w, `{}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Get(ctx, "/universe/systems/30000142/")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLookupHelpers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/universe/systems/30000142/":
			fmt.Fprint(w, `{"system_id":30000142,"name":"Jita"}`)
		case "/universe/stargates/50001248/":
			fmt.Fprint(w, `{"stargate_id":50001248,"system_id":30000142,"destination":{"stargate_id":50001249,"system_id":30000144}}`)
		case "/corporations/98001/":
			fmt.Fprint(w, `{"name":"CODE."}`)
		case "/universe/types/670/":
			fmt.Fprint(w, `{"type_id":670,"group_id":29,"name":"Capsule"}`)
		case "/universe/groups/29/":
			fmt.Fprint(w, `{"group_id":29,"name":"Capsule"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	name, err := c.SystemName(ctx, 30000142)
	require.NoError(t, err)
	assert.Equal(t, "Jita", name)

	gate, err := c.Stargate(ctx, 50001248)
	require.NoError(t, err)
	assert.Equal(t, int64(30000144), gate.Destination.SystemID)

	corp, err := c.CorporationName(ctx, 98001)
	require.NoError(t, err)
	assert.Equal(t, "CODE.", corp)

	ti, err := c.Type(ctx, 670)
	require.NoError(t, err)
	assert.Equal(t, int64(29), ti.GroupID)

	gi, err := c.Group(ctx, 29)
	require.NoError(t, err)
	assert.Equal(t, "Capsule", gi.Name)
}

func TestAPIError_Error(t *testing.T) {
	t.Parallel()
	e := &APIError{StatusCode: 420, Body: "error limited"}
	assert.Equal(t, "esi: HTTP 420: error limited", e.Error())
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()
	custom := &http.Client{}
	c := NewClient("ua", WithHTTPClient(custom)).(*httpClient)
	assert.Equal(t, custom, c.http)
}
