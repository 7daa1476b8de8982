// ABOUTME: Bounded FIFO command queue feeding a single agent supervisor
// ABOUTME: Closing the queue is the signal for the supervisor to exit

package fleet

import (
	"context"
	"errors"
	"sync"
)

// DefaultCommandCapacity is the buffer size of a command channel.
const DefaultCommandCapacity = 32

// ErrChannelClosed is returned when sending to a closed command channel.
var ErrChannelClosed = errors.New("command channel closed")

// ErrChannelFull is returned by TrySend when the buffer has no room.
var ErrChannelFull = errors.New("command channel full")

// CommandChannel is a bounded, ordered queue of commands for one agent.
// The data channel is never closed; receivers watch Done instead, so a
// concurrent Send can never panic.
type CommandChannel struct {
	ch   chan Command
	done chan struct{}
	once sync.Once
}

// NewCommandChannel creates a channel with the given buffer capacity.
func NewCommandChannel(capacity int) *CommandChannel {
	if capacity <= 0 {
		capacity = DefaultCommandCapacity
	}
	return &CommandChannel{
		ch:   make(chan Command, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues cmd, blocking while the buffer is full.
func (c *CommandChannel) Send(ctx context.Context, cmd Command) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.ch <- cmd:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues cmd without blocking.
func (c *CommandChannel) TrySend(cmd Command) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.ch <- cmd:
		return nil
	default:
		return ErrChannelFull
	}
}

// Receive returns the channel commands arrive on.
func (c *CommandChannel) Receive() <-chan Command {
	return c.ch
}

// Done is closed once the channel has been closed.
func (c *CommandChannel) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *CommandChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the channel closed. Safe to call more than once.
func (c *CommandChannel) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}
