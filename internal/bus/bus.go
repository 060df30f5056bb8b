// Package bus is the bounded, ordered channel carrying command and
// connection lifecycle events from the gateway to the orchestrator.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"glass-frontier/hub/internal/command"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// Kind identifies an event.
type Kind string

const (
	KindCommand          Kind = "command"
	KindConnectionOpened Kind = "connectionOpened"
	KindConnectionClosed Kind = "connectionClosed"
)

// ConnectionRef describes a connection without exposing its transport.
type ConnectionRef struct {
	ConnectionID string         `json:"connectionId"`
	HubID        string         `json:"hubId"`
	RoomID       string         `json:"roomId"`
	ActorID      string         `json:"actorId"`
	CharacterID  string         `json:"characterId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ConnectedAt  time.Time      `json:"connectedAt"`
}

// Event is one message on the bus.
type Event struct {
	Kind       Kind
	Command    command.Command
	Connection ConnectionRef
	// Span links the orchestrator's processing span to the gateway span.
	Span        trace.SpanContext
	PublishedAt time.Time
}

// HubID returns the hub the event belongs to.
func (e Event) HubID() string {
	if e.Kind == KindCommand {
		return e.Command.HubID
	}
	return e.Connection.HubID
}

// RoomID returns the room the event belongs to.
func (e Event) RoomID() string {
	if e.Kind == KindCommand {
		return e.Command.RoomID
	}
	return e.Connection.RoomID
}

// Bus is a bounded FIFO. Publish blocks while the buffer is full. Every
// received event must be acknowledged with Ack once the consumer has taken
// ownership of it; Idle fires when nothing is buffered or unacknowledged.
type Bus struct {
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// New constructs a bus with the given buffer capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idle := make(chan struct{})
	close(idle)
	return &Bus{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
		idle: idle,
	}
}

// Publish enqueues ev, blocking until there is room, ctx is done or the bus
// is closed.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.add(1)
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		b.add(-1)
		return ctx.Err()
	case <-b.done:
		b.add(-1)
		return ErrClosed
	}
}

// Events is the consumer side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Ack marks one received event as handed off.
func (b *Bus) Ack() {
	b.add(-1)
}

// Pending reports buffered plus unacknowledged events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Idle returns a channel that is closed once Pending reaches zero.
func (b *Bus) Idle() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idle
}

// Close stops accepting events. Buffered events remain readable.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) add(delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasIdle := b.pending == 0
	b.pending += delta
	if b.pending < 0 {
		b.pending = 0
	}
	switch {
	case wasIdle && b.pending > 0:
		b.idle = make(chan struct{})
	case !wasIdle && b.pending == 0:
		close(b.idle)
	}
}
