// ABOUTME: gRPC health-checking service mirroring each agent's status
// ABOUTME: Agent ids are service names; an agent is SERVING only while Running

package health

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/fleet-commander/internal/fleet"
)

// OverallService is the service name that reports on the commander itself.
const OverallService = ""

// Service keeps a grpc health server in sync with the fleet store.
type Service struct {
	server *health.Server
	logger *slog.Logger
}

// New creates a health service seeded from the store's current snapshot.
func New(store *fleet.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		server: health.NewServer(),
		logger: logger.With("component", "grpc_health"),
	}
	s.server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_SERVING)
	for _, agent := range store.Snapshot() {
		s.server.SetServingStatus(agent.ID, servingStatus(agent.Status))
	}
	return s
}

// NewServer creates a grpc server with the keepalive settings used for
// long-lived health watches.
func NewServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// Register installs the health and reflection services on srv.
func (s *Service) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.server)
	reflection.Register(srv)
}

// Apply records a single transition.
func (s *Service) Apply(t fleet.Transition) {
	status := servingStatus(t.To)
	s.server.SetServingStatus(t.AgentID, status)
	s.logger.Debug("serving status changed", "agent_id", t.AgentID, "status", status.String())
}

// Run applies transitions until events closes or ctx is done.
func (s *Service) Run(ctx context.Context, events <-chan fleet.Transition) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-events:
			if !ok {
				return nil
			}
			s.Apply(t)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (s *Service) Shutdown() {
	s.server.Shutdown()
}

func servingStatus(status fleet.AgentStatus) healthpb.HealthCheckResponse_ServingStatus {
	if status == fleet.StatusRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
