// ABOUTME: Read-only HTTP status surface over the fleet state store
// ABOUTME: Serves snapshots, health, journal history, process stats and a websocket stream

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/journal"
	"github.com/2389/fleet-commander/internal/procinfo"
)

const wsWriteTimeout = 15 * time.Second

// EventLister reads journaled transitions.
type EventLister interface {
	ListTransitions(ctx context.Context, agentID string, limit int) ([]journal.Event, error)
}

// StatusOptions wires the optional collaborators of the status API.
type StatusOptions struct {
	Journal     EventLister
	Broadcaster *fleet.Broadcaster
	Inspect     func(pid int) (*procinfo.Info, error)
	Host        func() (*procinfo.HostInfo, error)
}

// StatusAPI exposes read-only views of the fleet.
type StatusAPI struct {
	store  *fleet.Store
	opts   StatusOptions
	logger *slog.Logger
}

// NewStatusAPI creates the status handlers.
func NewStatusAPI(store *fleet.Store, opts StatusOptions, logger *slog.Logger) *StatusAPI {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Inspect == nil {
		opts.Inspect = procinfo.Inspect
	}
	if opts.Host == nil {
		opts.Host = procinfo.Host
	}
	return &StatusAPI{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "status_api"),
	}
}

// Register mounts the status routes on mux.
func (a *StatusAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/status/", a.handleAgentStatus)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/health/ready", a.handleReady)
	mux.HandleFunc("/api/agents/", a.handleAgentRoutes)
	mux.HandleFunc("/api/host", a.handleHost)
	mux.HandleFunc("/ws/status", a.handleStatusStream)
}

// handleStatus handles GET /status.
// It returns every agent's status record, sorted by id.
func (a *StatusAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.store.Records())
}

// handleAgentStatus handles GET /status/{id}.
func (a *StatusAPI) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agentID := strings.TrimPrefix(r.URL.Path, "/status/")
	if agentID == "" || strings.Contains(agentID, "/") {
		sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	state, ok := a.store.Get(agentID)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, state.Record(a.store.Now()))
}

// handleHealth returns 200 OK while the process is serving.
func (a *StatusAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent is Running.
func (a *StatusAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	running := 0
	snapshot := a.store.Snapshot()
	for _, agent := range snapshot {
		if agent.Status == fleet.StatusRunning {
			running++
		}
	}
	if running == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents running"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d/%d agents running)", running, len(snapshot))
}

// handleAgentRoutes dispatches /api/agents/{id}/events and /api/agents/{id}/process.
func (a *StatusAPI) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agentID, action, ok := splitAgentPath(r.URL.Path, "/api/agents/")
	if !ok {
		sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	state, found := a.store.Get(agentID)
	if !found {
		sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	switch action {
	case "events":
		a.handleAgentEvents(w, r, agentID)
	case "process":
		a.handleAgentProcess(w, state)
	default:
		sendJSONError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleAgentEvents handles GET /api/agents/{id}/events?limit=N.
func (a *StatusAPI) handleAgentEvents(w http.ResponseWriter, r *http.Request, agentID string) {
	if a.opts.Journal == nil {
		sendJSONError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	limit := journal.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := a.opts.Journal.ListTransitions(r.Context(), agentID, limit)
	if err != nil {
		a.logger.Error("listing transitions", "agent_id", agentID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAgentProcess handles GET /api/agents/{id}/process.
func (a *StatusAPI) handleAgentProcess(w http.ResponseWriter, state fleet.AgentState) {
	if !state.Status.Live() {
		sendJSONError(w, http.StatusConflict, "agent has no live process")
		return
	}

	info, err := a.opts.Inspect(state.PID)
	if errors.Is(err, procinfo.ErrNoProcess) {
		sendJSONError(w, http.StatusConflict, "agent has no live process")
		return
	}
	if err != nil {
		a.logger.Error("inspecting process", "agent_id", state.ID, "pid", state.PID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to inspect process")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleHost handles GET /api/host.
func (a *StatusAPI) handleHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	info, err := a.opts.Host()
	if err != nil {
		a.logger.Error("reading host stats", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to read host stats")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// streamMessage is one websocket frame of /ws/status.
type streamMessage struct {
	Type       string               `json:"type"`
	Agents     []fleet.StatusRecord `json:"agents,omitempty"`
	Transition *fleet.Transition    `json:"transition,omitempty"`
}

// handleStatusStream handles GET /ws/status: a snapshot followed by one
// message per transition.
func (a *StatusAPI) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if a.opts.Broadcaster == nil {
		sendJSONError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Clients never send; CloseRead cancels ctx when they disconnect.
	ctx := ws.CloseRead(r.Context())
	events, _ := a.opts.Broadcaster.Subscribe(ctx)

	if err := writeFrame(ctx, ws, streamMessage{Type: "snapshot", Agents: a.store.Records()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeFrame(ctx, ws, streamMessage{Type: "transition", Transition: &t}); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// splitAgentPath parses <prefix>{id}/{action}.
func splitAgentPath(path, prefix string) (agentID, action string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	agentID, action, found := strings.Cut(strings.TrimPrefix(path, prefix), "/")
	if !found || agentID == "" || action == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return agentID, action, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
