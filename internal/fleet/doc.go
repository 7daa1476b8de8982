// Package fleet holds the shared state of a supervised fleet.
//
// # Overview
//
// Every agent in the fleet has exactly one supervisor goroutine. Supervisors
// publish lifecycle changes into a Store; readers such as the HTTP status
// API take sorted snapshots of it. Operators reach a supervisor through the
// agent's CommandChannel.
//
// # Lifecycle
//
//	Starting -> Running -> Stopping -> Stopped
//	    |          |                     ^
//	    v          v                     |
//	  Failed -> Restarting --------------+
//
// Restarting returns to Starting once the backoff elapses. A pid is recorded
// for an agent exactly while it is Running or Stopping; Store.Update
// enforces this and rejects transitions the lifecycle does not allow.
//
// # Transitions
//
// Each accepted update is published to a Broadcaster after the store lock
// is released. Subscribers with full buffers miss transitions rather than
// slowing supervisors down.
package fleet
