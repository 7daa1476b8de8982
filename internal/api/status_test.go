// ABOUTME: Tests for the read-only status API
// ABOUTME: Covers snapshot JSON, per-agent lookups, readiness, journal, process and websocket routes

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/journal"
	"github.com/2389/fleet-commander/internal/procinfo"
)

type fakeJournal struct {
	events []journal.Event
	err    error
	gotID  string
	gotLim int
}

func (f *fakeJournal) ListTransitions(_ context.Context, agentID string, limit int) ([]journal.Event, error) {
	f.gotID = agentID
	f.gotLim = limit
	return f.events, f.err
}

func newFleet(t *testing.T, ids ...string) (*fleet.Store, *fleet.Broadcaster) {
	t.Helper()
	b := fleet.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	store := fleet.NewStore(nil, b)
	for i, id := range ids {
		require.NoError(t, store.Register(fleet.AgentState{
			ID:      id,
			FleetID: "fleet-test",
			Port:    20000 + i*100,
		}, fleet.NewCommandChannel(fleet.DefaultCommandCapacity)))
	}
	return store, b
}

func serve(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func statusMux(store *fleet.Store, opts StatusOptions) *http.ServeMux {
	mux := http.NewServeMux()
	NewStatusAPI(store, opts, nil).Register(mux)
	return mux
}

func TestHandleStatus(t *testing.T) {
	store, _ := newFleet(t, "fleet-test-1", "fleet-test-0")
	require.NoError(t, store.Update("fleet-test-0", fleet.StatusRunning, 321))

	rec := serve(statusMux(store, StatusOptions{}), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)

	assert.Equal(t, "fleet-test-0", records[0]["id"])
	assert.Equal(t, "Running", records[0]["status"])
	assert.Equal(t, float64(321), records[0]["pid"])
	assert.Equal(t, "fleet-test", records[0]["fleet_id"])
	assert.Contains(t, records[0], "uptime_secs")

	assert.Equal(t, "fleet-test-1", records[1]["id"])
	assert.Nil(t, records[1]["pid"])
	assert.Nil(t, records[1]["ipv6"])
	assert.Contains(t, records[1], "ipv6", "ipv6 is always present, null when unset")
}

func TestHandleStatus_EmptyFleet(t *testing.T) {
	store, _ := newFleet(t)
	rec := serve(statusMux(store, StatusOptions{}), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	store, _ := newFleet(t, "a")
	rec := serve(statusMux(store, StatusOptions{}), http.MethodPost, "/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAgentStatus(t *testing.T) {
	store, _ := newFleet(t, "a")
	mux := statusMux(store, StatusOptions{})

	rec := serve(mux, http.MethodGet, "/status/a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"a"`)

	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodGet, "/status/missing").Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodGet, "/status/a/b").Code)
}

func TestHandleHealthAndReady(t *testing.T) {
	store, _ := newFleet(t, "a", "b")
	mux := statusMux(store, StatusOptions{})

	assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/health").Code)

	rec := serve(mux, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, store.Update("a", fleet.StatusRunning, 10))
	rec = serve(mux, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1/2 agents running)", rec.Body.String())
}

func TestHandleAgentEvents(t *testing.T) {
	store, _ := newFleet(t, "a")
	j := &fakeJournal{events: []journal.Event{{ID: 1, AgentID: "a", From: fleet.StatusStarting, To: fleet.StatusRunning}}}
	mux := statusMux(store, StatusOptions{Journal: j})

	rec := serve(mux, http.MethodGet, "/api/agents/a/events?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", j.gotID)
	assert.Equal(t, 5, j.gotLim)
	assert.Contains(t, rec.Body.String(), `"to":"Running"`)

	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodGet, "/api/agents/a/events?limit=zero").Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodGet, "/api/agents/missing/events").Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodGet, "/api/agents/a/bogus").Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodGet, "/api/agents/a").Code)

	j.err = errors.New("disk gone")
	assert.Equal(t, http.StatusInternalServerError, serve(mux, http.MethodGet, "/api/agents/a/events").Code)
}

func TestHandleAgentEvents_NoJournal(t *testing.T) {
	store, _ := newFleet(t, "a")
	rec := serve(statusMux(store, StatusOptions{}), http.MethodGet, "/api/agents/a/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleAgentProcess(t *testing.T) {
	store, _ := newFleet(t, "a")
	var inspected int
	mux := statusMux(store, StatusOptions{
		Inspect: func(pid int) (*procinfo.Info, error) {
			inspected = pid
			if pid == 99 {
				return nil, procinfo.ErrNoProcess
			}
			return &procinfo.Info{PID: pid, Name: "node", RSSBytes: 1024}, nil
		},
	})

	// Not live yet.
	assert.Equal(t, http.StatusConflict, serve(mux, http.MethodGet, "/api/agents/a/process").Code)

	require.NoError(t, store.Update("a", fleet.StatusRunning, 77))
	rec := serve(mux, http.MethodGet, "/api/agents/a/process")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 77, inspected)
	assert.Contains(t, rec.Body.String(), `"name":"node"`)

	require.NoError(t, store.Update("a", fleet.StatusRunning, 99))
	assert.Equal(t, http.StatusConflict, serve(mux, http.MethodGet, "/api/agents/a/process").Code)
}

func TestHandleHost(t *testing.T) {
	store, _ := newFleet(t)
	mux := statusMux(store, StatusOptions{
		Host: func() (*procinfo.HostInfo, error) {
			return &procinfo.HostInfo{MemoryTotal: 8}, nil
		},
	})
	rec := serve(mux, http.MethodGet, "/api/host")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"memory_total_bytes":8`)
}

func TestStatusStream(t *testing.T) {
	store, b := newFleet(t, "a")
	srv := httptest.NewServer(statusMux(store, StatusOptions{Broadcaster: b}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/status", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "test finished")

	var snapshot streamMessage
	require.NoError(t, wsjson.Read(ctx, ws, &snapshot))
	assert.Equal(t, "snapshot", snapshot.Type)
	require.Len(t, snapshot.Agents, 1)
	assert.Equal(t, fleet.StatusStarting, snapshot.Agents[0].Status)

	require.NoError(t, store.Update("a", fleet.StatusRunning, 5))

	var msg streamMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, "transition", msg.Type)
	require.NotNil(t, msg.Transition)
	assert.Equal(t, "a", msg.Transition.AgentID)
	assert.Equal(t, fleet.StatusRunning, msg.Transition.To)
}

func TestStatusStream_Disabled(t *testing.T) {
	store, _ := newFleet(t)
	rec := serve(statusMux(store, StatusOptions{}), http.MethodGet, "/ws/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSplitAgentPath(t *testing.T) {
	tests := []struct {
		path       string
		wantID     string
		wantAction string
		wantOK     bool
	}{
		{"/agents/a/stop", "a", "stop", true},
		{"/agents/fleet-local-0/restart", "fleet-local-0", "restart", true},
		{"/agents/a", "", "", false},
		{"/agents//stop", "", "", false},
		{"/agents/a/", "", "", false},
		{"/agents/a/stop/now", "", "", false},
		{"/other/a/stop", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, action, ok := splitAgentPath(tt.path, "/agents/")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantAction, action)
		})
	}
}
