// Package hub assembles the connection gateway, the event bus and the room
// orchestrator into one runnable hub server.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/contest"
	"glass-frontier/hub/internal/gateway"
	"glass-frontier/hub/internal/id"
	"glass-frontier/hub/internal/journal"
	"glass-frontier/hub/internal/narrative"
	"glass-frontier/hub/internal/orchestrator"
	"glass-frontier/hub/internal/presence"
	"glass-frontier/hub/internal/ratelimit"
	"glass-frontier/hub/internal/roomstate"
	"glass-frontier/hub/internal/telemetry"
	"glass-frontier/hub/internal/workflow"
)

// DefaultBusCapacity bounds events waiting between gateway and orchestrator.
const DefaultBusCapacity = 1024

// ErrCatalogUnavailable is returned by Catalog when the hub has no catalog store.
var ErrCatalogUnavailable = errors.New("hub: no catalog store configured")

// Config wires the hub's collaborators. Every field is optional; missing
// stores default to in-memory implementations.
type Config struct {
	CatalogStore *catalog.Store
	Resolver     catalog.Resolver
	Limiter      *ratelimit.Limiter

	RoomState roomstate.Store
	Presence  presence.Store
	ActionLog journal.Repository
	Narrative narrative.Bridge
	Workflow  workflow.Client

	Authenticator gateway.Authenticator
	Recorder      telemetry.Recorder
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	Clock         clock.Clock
	NewID         id.Generator

	BusCapacity   int
	Shards        int
	QueueCapacity int
	ReplayLimit   int
	Projections   map[string]orchestrator.Projection
}

// Hub is a running hub server minus its network listeners.
type Hub struct {
	bus          *bus.Bus
	gateway      *gateway.Gateway
	orchestrator *orchestrator.Orchestrator
	limiter      *ratelimit.Limiter
	catalog      *catalog.Store
	roomState    roomstate.Store
}

// Diagnostics summarises the hub for operators.
type Diagnostics struct {
	Connections int `json:"connections"`
	BusPending  int `json:"busPending"`
	Shards      int `json:"shards"`
	Contests    int `json:"activeContests"`
	RateBuckets int `json:"rateLimitBuckets"`
}

// New assembles a hub. Call Run to start processing.
func New(cfg Config) (*Hub, error) {
	clk := clock.OrSystem(cfg.Clock)
	capacity := cfg.BusCapacity
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.New(clk)
	}
	roomState := cfg.RoomState
	if roomState == nil {
		roomState = roomstate.NewMemoryStore(clk, 0)
	}
	presenceStore := cfg.Presence
	if presenceStore == nil {
		presenceStore = presence.NewMemoryStore()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = telemetry.NopRecorder()
	}
	events := bus.New(capacity)

	gw, err := gateway.New(gateway.Config{
		Resolver:      cfg.Resolver,
		CatalogStore:  cfg.CatalogStore,
		Limiter:       limiter,
		Bus:           events,
		Presence:      presenceStore,
		ActionLog:     cfg.ActionLog,
		Narrative:     cfg.Narrative,
		Authenticator: cfg.Authenticator,
		Recorder:      recorder,
		Logger:        cfg.Logger,
		Clock:         clk,
		NewID:         cfg.NewID,
		ReplayLimit:   cfg.ReplayLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("hub: gateway: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Bus:           events,
		Broadcaster:   gw,
		Store:         roomState,
		Presence:      presenceStore,
		Contests:      contest.NewCoordinator(contest.Config{Clock: clk, NewID: cfg.NewID}),
		Workflow:      cfg.Workflow,
		Recorder:      recorder,
		Logger:        cfg.Logger,
		Metrics:       metrics,
		Clock:         clk,
		Shards:        cfg.Shards,
		QueueCapacity: cfg.QueueCapacity,
		Projections:   cfg.Projections,
	})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("hub: orchestrator: %w", err)
	}

	return &Hub{
		bus:          events,
		gateway:      gw,
		orchestrator: orch,
		limiter:      limiter,
		catalog:      cfg.CatalogStore,
		roomState:    roomState,
	}, nil
}

// Run processes bus events until ctx is done or the hub is closed.
func (h *Hub) Run(ctx context.Context) error {
	return h.orchestrator.Run(ctx)
}

// Close stops accepting events and detaches from the catalog store. Events
// already on the bus are still drained by Run.
func (h *Hub) Close() {
	h.gateway.Close()
	h.bus.Close()
}

// Shutdown closes every connection, waits for their departures to be
// published, then closes the bus and waits for the orchestrator to drain.
// Run returns once the drain completes.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.gateway.CloseAll("server shutting down") > 0 {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for h.gateway.Len() > 0 {
			select {
			case <-ctx.Done():
				h.Close()
				return fmt.Errorf("hub: %d connections still open: %w", h.gateway.Len(), ctx.Err())
			case <-ticker.C:
			}
		}
	}
	h.Close()
	return h.orchestrator.WaitIdle(ctx)
}

// Gateway exposes the connection side for transports.
func (h *Hub) Gateway() *gateway.Gateway { return h.gateway }

// Orchestrator exposes the room side.
func (h *Hub) Orchestrator() *orchestrator.Orchestrator { return h.orchestrator }

// Limiter exposes the shared rate limiter so it can be pruned.
func (h *Hub) Limiter() *ratelimit.Limiter { return h.limiter }

// WaitIdle blocks until every accepted event has been applied and broadcast.
func (h *Hub) WaitIdle(ctx context.Context) error {
	return h.orchestrator.WaitIdle(ctx)
}

// RoomState returns the stored state of a room.
func (h *Hub) RoomState(ctx context.Context, hubID, roomID string) (roomstate.Snapshot, error) {
	return h.orchestrator.Snapshot(ctx, hubID, roomID)
}

// Trackers returns the most recent tracker entries for a session, oldest first.
func (h *Hub) Trackers(ctx context.Context, sessionID string, limit int) ([]roomstate.TrackerEntry, error) {
	return h.roomState.ListTrackers(ctx, sessionID, limit)
}

// Catalog resolves the catalog a hub validates commands against.
func (h *Hub) Catalog(ctx context.Context, hubID string) (catalog.Snapshot, error) {
	if h.catalog == nil {
		return catalog.Snapshot{}, ErrCatalogUnavailable
	}
	return h.catalog.Resolve(ctx, hubID)
}

// ResolveContest applies an external resolution to an active contest.
func (h *Hub) ResolveContest(ctx context.Context, hubID, roomID, contestID string, resolution contest.Resolution) (contest.Record, error) {
	return h.orchestrator.ResolveContest(ctx, hubID, roomID, contestID, resolution)
}

// Diagnostics reports live counters.
func (h *Hub) Diagnostics() Diagnostics {
	return Diagnostics{
		Connections: h.gateway.Len(),
		BusPending:  h.bus.Pending(),
		Shards:      h.orchestrator.Shards(),
		Contests:    h.orchestrator.Contests().ActiveCount(),
		RateBuckets: h.limiter.Len(),
	}
}
