// ABOUTME: Agent lifecycle status and command types shared by supervisors and readers
// ABOUTME: Encodes which status transitions a supervisor is allowed to publish

package fleet

import (
	"fmt"
	"time"
)

// AgentStatus is the lifecycle state of one supervised agent.
type AgentStatus string

const (
	StatusStarting   AgentStatus = "Starting"
	StatusRunning    AgentStatus = "Running"
	StatusStopping   AgentStatus = "Stopping"
	StatusStopped    AgentStatus = "Stopped"
	StatusRestarting AgentStatus = "Restarting"
	StatusFailed     AgentStatus = "Failed"
)

// Live reports whether a worker process exists in this status.
// A pid is recorded for an agent exactly when its status is live.
func (s AgentStatus) Live() bool {
	return s == StatusRunning || s == StatusStopping
}

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[AgentStatus][]AgentStatus{
	StatusStarting:   {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:    {StatusStopping, StatusStopped, StatusFailed},
	StatusStopping:   {StatusStopped, StatusStarting, StatusFailed},
	StatusStopped:    {StatusStarting},
	StatusFailed:     {StatusRestarting, StatusStopped},
	StatusRestarting: {StatusStarting, StatusStopped},
}

// CanTransition reports whether an agent may move from one status to another.
// Re-publishing the current status is always allowed.
func CanTransition(from, to AgentStatus) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Command is an operator request delivered to one supervisor.
type Command string

const (
	CommandStop    Command = "Stop"
	CommandStart   Command = "Start"
	CommandRestart Command = "Restart"
)

// ParseCommand maps a lowercase action name ("stop", "start", "restart") to a Command.
func ParseCommand(action string) (Command, error) {
	switch action {
	case "stop":
		return CommandStop, nil
	case "start":
		return CommandStart, nil
	case "restart":
		return CommandRestart, nil
	default:
		return "", fmt.Errorf("unknown command %q", action)
	}
}

// Transition describes one accepted status change.
type Transition struct {
	AgentID string      `json:"agent_id"`
	From    AgentStatus `json:"from"`
	To      AgentStatus `json:"to"`
	PID     int         `json:"pid,omitempty"`
	At      time.Time   `json:"at"`
}
