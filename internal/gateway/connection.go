package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/net/proto"
)

// Transport is the framing-agnostic handle the gateway writes to.
type Transport interface {
	Send(ctx context.Context, env proto.Envelope) error
	Close(reason string) error
}

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is an authenticated transport session. Identity fields are
// immutable after registration.
type Connection struct {
	ID           string
	HubID        string
	RoomID       string
	ActorID      string
	CharacterID  string
	SessionID    string
	Capabilities []string
	Metadata     map[string]any
	ConnectedAt  time.Time

	transport Transport
	sendMu    sync.Mutex
	state     atomic.Int32
}

// State reports the connection's lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) State {
	return State(c.state.Swap(int32(s)))
}

// send serialises writes to the transport.
func (c *Connection) send(ctx context.Context, env proto.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(ctx, env)
}

// Ref describes the connection for the bus.
func (c *Connection) Ref() bus.ConnectionRef {
	var meta map[string]any
	if c.Metadata != nil {
		meta = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
	}
	return bus.ConnectionRef{
		ConnectionID: c.ID,
		HubID:        c.HubID,
		RoomID:       c.RoomID,
		ActorID:      c.ActorID,
		CharacterID:  c.CharacterID,
		SessionID:    c.SessionID,
		Metadata:     meta,
		ConnectedAt:  c.ConnectedAt,
	}
}

// registry is safe for concurrent broadcast from any shard.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*Connection)}
}

func (r *registry) add(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn.ID]; exists {
		return false
	}
	r.conns[conn.ID] = conn
	return true
}

func (r *registry) remove(id string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[id]
	delete(r.conns, id)
	return conn
}

func (r *registry) get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// matching returns open connections accepted by keep, ordered by connect time.
func (r *registry) matching(keep func(*Connection) bool) []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.State() == StateOpen && (keep == nil || keep(conn)) {
			out = append(out, conn)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
