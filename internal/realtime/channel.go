package realtime

import (
	"sync"

	"github.com/MarcoPoloResearchLab/livesession/internal/identity"
)

const defaultOutboxSize = 64

// Event is the outbound envelope delivered to channels.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Channel is one open duplex connection. Its identity is resolved once at connect time.
type Channel struct {
	id         string
	resolution identity.Resolution
	outbox     chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewChannel constructs a Channel with a buffered outbox.
func NewChannel(id string, resolution identity.Resolution, outboxSize int) *Channel {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	return &Channel{
		id:         id,
		resolution: resolution,
		outbox:     make(chan Event, outboxSize),
		done:       make(chan struct{}),
	}
}

// ID returns the channel identifier.
func (c *Channel) ID() string {
	return c.id
}

// Identity returns the cached identity resolution.
func (c *Channel) Identity() identity.Resolution {
	return c.resolution
}

// Outbox is drained by the transport writer.
func (c *Channel) Outbox() <-chan Event {
	return c.outbox
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send enqueues the event without blocking. Events for closed channels or full outboxes are dropped.
func (c *Channel) Send(event Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- event:
		return true
	default:
		return false
	}
}

// Close marks the channel closed. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
