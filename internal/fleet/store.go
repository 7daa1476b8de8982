// ABOUTME: Concurrency-safe registry of every agent's current status
// ABOUTME: Written by supervisors, read by the status API, never persisted

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInvalidTransition indicates a status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrMissingPID indicates a live status was published without a process id.
var ErrMissingPID = errors.New("live status requires a pid")

// AgentState is a point-in-time view of one agent.
type AgentState struct {
	ID        string
	FleetID   string
	Port      int
	IPv6      string // empty when no address was assigned
	PID       int    // zero unless Status is live
	Status    AgentStatus
	StartedAt time.Time

	commands *CommandChannel
}

// StatusRecord is the serialized form of an AgentState.
type StatusRecord struct {
	ID         string      `json:"id"`
	FleetID    string      `json:"fleet_id"`
	Port       int         `json:"port"`
	IPv6       *string     `json:"ipv6"`
	PID        *int        `json:"pid"`
	Status     AgentStatus `json:"status"`
	UptimeSecs uint64      `json:"uptime_secs"`
}

// Record converts the state into its serialized form as of now.
// Uptime counts from the most recent transition to Running and is zero
// while no process is live.
func (s AgentState) Record(now time.Time) StatusRecord {
	rec := StatusRecord{
		ID:      s.ID,
		FleetID: s.FleetID,
		Port:    s.Port,
		Status:  s.Status,
	}
	if s.IPv6 != "" {
		addr := s.IPv6
		rec.IPv6 = &addr
	}
	if s.Status.Live() && s.PID > 0 {
		pid := s.PID
		rec.PID = &pid
		if !s.StartedAt.IsZero() && now.After(s.StartedAt) {
			rec.UptimeSecs = uint64(now.Sub(s.StartedAt) / time.Second)
		}
	}
	return rec
}

// Store holds the state of every registered agent behind a single mutex.
// The mutex is only held for map access; observers are notified after it
// is released.
type Store struct {
	mu          sync.Mutex
	agents      map[string]*AgentState
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewStore creates an empty store. broadcaster may be nil.
func NewStore(logger *slog.Logger, broadcaster *Broadcaster) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		agents:      make(map[string]*AgentState),
		broadcaster: broadcaster,
		logger:      logger.With("component", "fleet_store"),
		now:         time.Now,
	}
}

// Register inserts a new agent in the Starting status along with the
// channel used to deliver its commands.
func (s *Store) Register(state AgentState, commands *CommandChannel) error {
	if state.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if commands == nil {
		return fmt.Errorf("agent %s: command channel is required", state.ID)
	}

	s.mu.Lock()
	if _, exists := s.agents[state.ID]; exists {
		s.mu.Unlock()
		return ErrAgentAlreadyRegistered
	}
	state.Status = StatusStarting
	state.PID = 0
	state.StartedAt = s.now()
	state.commands = commands
	s.agents[state.ID] = &state
	total := len(s.agents)
	s.mu.Unlock()

	s.logger.Info("agent registered",
		"agent_id", state.ID,
		"port", state.Port,
		"ipv6", state.IPv6,
		"total_agents", total,
	)
	return nil
}

// Update records a new status for an agent. A pid is required for live
// statuses and discarded for every other status.
func (s *Store) Update(id string, status AgentStatus, pid int) error {
	if status.Live() && pid <= 0 {
		return fmt.Errorf("agent %s -> %s: %w", id, status, ErrMissingPID)
	}
	if !status.Live() {
		pid = 0
	}

	now := s.now()

	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return ErrAgentNotFound
	}
	from := agent.Status
	if !CanTransition(from, status) {
		s.mu.Unlock()
		s.logger.Warn("rejected status transition",
			"agent_id", id, "from", from, "to", status)
		return fmt.Errorf("agent %s %s -> %s: %w", id, from, status, ErrInvalidTransition)
	}
	agent.Status = status
	agent.PID = pid
	if status == StatusRunning && from != StatusRunning {
		agent.StartedAt = now
	}
	s.mu.Unlock()

	if from != status {
		s.logger.Debug("status transition",
			"agent_id", id, "from", from, "to", status, "pid", pid)
	}
	if s.broadcaster != nil {
		s.broadcaster.Publish(Transition{
			AgentID: id,
			From:    from,
			To:      status,
			PID:     pid,
			At:      now,
		})
	}
	return nil
}

// Get returns a copy of one agent's state.
func (s *Store) Get(id string) (AgentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return AgentState{}, false
	}
	return *agent, true
}

// Snapshot returns copies of every agent's state, ordered by id.
func (s *Store) Snapshot() []AgentState {
	s.mu.Lock()
	out := make([]AgentState, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, *agent)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Records returns the serialized snapshot as of the current time.
func (s *Store) Records() []StatusRecord {
	now := s.now()
	snap := s.Snapshot()
	out := make([]StatusRecord, 0, len(snap))
	for _, agent := range snap {
		out = append(out, agent.Record(now))
	}
	return out
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// Commands returns the command channel registered for an agent.
func (s *Store) Commands(id string) (*CommandChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.commands, nil
}

// Send delivers a command to an agent's supervisor. The store lock is not
// held while waiting for room in the channel.
func (s *Store) Send(ctx context.Context, id string, cmd Command) error {
	commands, err := s.Commands(id)
	if err != nil {
		return err
	}
	if err := commands.Send(ctx, cmd); err != nil {
		return fmt.Errorf("sending %s to %s: %w", cmd, id, err)
	}
	s.logger.Info("command queued", "agent_id", id, "command", cmd)
	return nil
}

// TrySend queues a command without waiting for room in the channel.
func (s *Store) TrySend(id string, cmd Command) error {
	commands, err := s.Commands(id)
	if err != nil {
		return err
	}
	if err := commands.TrySend(cmd); err != nil {
		return fmt.Errorf("sending %s to %s: %w", cmd, id, err)
	}
	s.logger.Info("command queued", "agent_id", id, "command", cmd)
	return nil
}

// CloseAll closes every agent's command channel, which tells each
// supervisor to terminate its worker and exit.
func (s *Store) CloseAll() {
	s.mu.Lock()
	channels := make([]*CommandChannel, 0, len(s.agents))
	for _, agent := range s.agents {
		channels = append(channels, agent.commands)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
