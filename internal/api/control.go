// ABOUTME: Optional operator control endpoints that feed agent command channels
// ABOUTME: POST /agents/{id}/{stop|start|restart}, guarded by JWT when a secret is set

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/fleet-commander/internal/auth"
	"github.com/2389/fleet-commander/internal/fleet"
)

// sendTimeout bounds how long a request waits for room in a full command channel.
const sendTimeout = 5 * time.Second

// ControlAPI forwards operator commands to supervisors.
type ControlAPI struct {
	store  *fleet.Store
	logger *slog.Logger
}

// CommandResponse is the JSON response for an accepted command.
type CommandResponse struct {
	AgentID string        `json:"agent_id"`
	Command fleet.Command `json:"command"`
	Status  string        `json:"status"`
}

// NewControlAPI creates the control handlers.
func NewControlAPI(store *fleet.Store, logger *slog.Logger) *ControlAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlAPI{
		store:  store,
		logger: logger.With("component", "control_api"),
	}
}

// Register mounts the control routes on mux. When verifier is non-nil every
// route requires a bearer token.
func (c *ControlAPI) Register(mux *http.ServeMux, verifier auth.TokenVerifier) {
	var handler http.Handler = http.HandlerFunc(c.handleCommand)
	if verifier != nil {
		handler = auth.HTTPAuthMiddleware(verifier)(handler)
	}
	mux.Handle("/agents/", handler)
}

// handleCommand handles POST /agents/{id}/{action}.
func (c *ControlAPI) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agentID, action, ok := splitAgentPath(r.URL.Path, "/agents/")
	if !ok {
		sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	cmd, err := fleet.ParseCommand(action)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()

	err = c.store.Send(ctx, agentID, cmd)
	switch {
	case err == nil:
	case errors.Is(err, fleet.ErrAgentNotFound):
		sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	case errors.Is(err, fleet.ErrChannelClosed):
		sendJSONError(w, http.StatusServiceUnavailable, "agent supervisor has exited")
		return
	case errors.Is(err, context.DeadlineExceeded):
		sendJSONError(w, http.StatusServiceUnavailable, "command queue full")
		return
	default:
		c.logger.Error("sending command", "agent_id", agentID, "command", cmd, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to send command")
		return
	}

	c.logger.Info("operator command",
		"agent_id", agentID,
		"command", cmd,
		"operator", auth.OperatorFromContext(r.Context()))

	writeJSON(w, http.StatusAccepted, CommandResponse{
		AgentID: agentID,
		Command: cmd,
		Status:  "queued",
	})
}
