// ABOUTME: Model Context Protocol surface exposing a read-only fleet_status tool
// ABOUTME: Served over streamable HTTP on /mcp next to the status API

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/2389/fleet-commander/internal/fleet"
)

const (
	serverName = "fleet-commander"
	// ToolFleetStatus is the name of the status tool.
	ToolFleetStatus = "fleet_status"
)

// Server wraps an MCP server bound to a fleet store.
type Server struct {
	mcp    *server.MCPServer
	store  *fleet.Store
	logger *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(store *fleet.Store, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:    server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
		store:  store,
		logger: logger.With("component", "mcp"),
	}
	s.mcp.AddTool(
		mcp.NewTool(ToolFleetStatus,
			mcp.WithDescription("Report the lifecycle status of supervised agents. Returns every agent sorted by id, or a single agent when agent_id is given."),
			mcp.WithString("agent_id", mcp.Description("Only report this agent (optional)")),
		),
		s.handleFleetStatus,
	)
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// RegisterRoutes mounts the streamable HTTP transport on /mcp.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))
}

func (s *Server) handleFleetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")

	var payload any
	if agentID == "" {
		payload = s.store.Records()
	} else {
		state, ok := s.store.Get(agentID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("agent %q not found", agentID)), nil
		}
		payload = state.Record(s.store.Now())
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding status: %w", err)
	}
	s.logger.Debug("fleet_status served", "agent_id", agentID)
	return mcp.NewToolResultText(string(data)), nil
}
