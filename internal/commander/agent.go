// ABOUTME: Foreground supervision of a single agent without any network surface
// ABOUTME: Backs the run-agent command

package commander

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/fleet-commander/internal/config"
	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/supervisor"
)

// RunAgent supervises one agent until ctx is cancelled, then stops its
// worker gracefully.
func RunAgent(ctx context.Context, cfg *config.Config, spec AgentSpec, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.ID == "" {
		return fmt.Errorf("agent id is required")
	}

	root, err := resolveProjectRoot(cfg.Fleet.ProjectRoot)
	if err != nil {
		return err
	}

	store := fleet.NewStore(logger, nil)
	commands := fleet.NewCommandChannel(fleet.DefaultCommandCapacity)
	if err := store.Register(fleet.AgentState{
		ID:      spec.ID,
		FleetID: SingleRunFleetID,
		Port:    spec.Port,
		IPv6:    spec.IPv6,
	}, commands); err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Options{
		AgentID:     spec.ID,
		ProjectRoot: root,
		Port:        spec.Port,
		IPv6:        spec.IPv6,
		Command:     cfg.Worker.Command,
		StopTimeout: cfg.Worker.StopTimeout,
		BackoffUnit: cfg.Worker.BackoffUnit,
	}, store, commands, logger)

	done := make(chan error, 1)
	go func() {
		done <- sup.Run(context.WithoutCancel(ctx))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	logger.Info("stopping agent", "agent_id", spec.ID)
	commands.Close()
	return <-done
}
