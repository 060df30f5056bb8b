// Package gateway owns hub connections: it authenticates handshakes, runs
// the per-connection command pipeline and publishes accepted commands and
// connection lifecycle events on the bus. It knows nothing about room state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/id"
	"glass-frontier/hub/internal/journal"
	"glass-frontier/hub/internal/narrative"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/presence"
	"glass-frontier/hub/internal/ratelimit"
	"glass-frontier/hub/internal/telemetry"
)

// DefaultReplayLimit caps the commands replayed to a reconnecting client.
const DefaultReplayLimit = 50

const tracerName = "glass-frontier/hub/internal/gateway"

var (
	// ErrUnknownConnection is returned for ids that are not registered or not open.
	ErrUnknownConnection = errors.New("gateway: unknown connection")
	// ErrBusRequired is returned by New without a bus.
	ErrBusRequired = errors.New("gateway: bus is required")
)

// Config wires the gateway collaborators. Only Bus is required.
type Config struct {
	// Resolver selects the catalog commands are validated against. When nil
	// the CatalogStore is used, and without either an empty catalog.
	Resolver      catalog.Resolver
	CatalogStore  *catalog.Store
	Limiter       *ratelimit.Limiter
	Bus           *bus.Bus
	Presence      presence.Store
	ActionLog     journal.Repository
	Narrative     narrative.Bridge
	Authenticator Authenticator
	Recorder      telemetry.Recorder
	Logger        telemetry.Logger
	Clock         clock.Clock
	NewID         id.Generator
	ReplayLimit   int
	Tracer        trace.Tracer
}

// Gateway is the connection-facing half of the hub.
type Gateway struct {
	parser      *command.Parser
	resolver    catalog.Resolver
	store       *catalog.Store
	bus         *bus.Bus
	presence    presence.Store
	actionLog   journal.Repository
	narrative   narrative.Bridge
	auth        Authenticator
	recorder    telemetry.Recorder
	logger      telemetry.Logger
	clock       clock.Clock
	newID       id.Generator
	replayLimit int
	tracer      trace.Tracer

	conns       *registry
	unsubscribe func()
}

// New constructs a gateway and subscribes it to catalog updates when a
// catalog store is configured.
func New(cfg Config) (*Gateway, error) {
	if cfg.Bus == nil {
		return nil, ErrBusRequired
	}
	resolver := cfg.Resolver
	if resolver == nil {
		if cfg.CatalogStore != nil {
			resolver = cfg.CatalogStore
		} else {
			empty, _ := catalog.New()
			resolver = catalog.Static(empty)
		}
	}
	clk := clock.OrSystem(cfg.Clock)
	g := &Gateway{
		parser: command.NewParser(command.Config{
			Limiter:  cfg.Limiter,
			Clock:    clk,
			Resolver: resolver,
		}),
		resolver:    resolver,
		store:       cfg.CatalogStore,
		bus:         cfg.Bus,
		presence:    cfg.Presence,
		actionLog:   cfg.ActionLog,
		narrative:   cfg.Narrative,
		auth:        cfg.Authenticator,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		clock:       clk,
		newID:       cfg.NewID,
		replayLimit: cfg.ReplayLimit,
		tracer:      cfg.Tracer,
		conns:       newRegistry(),
		unsubscribe: func() {},
	}
	if g.presence == nil {
		g.presence = presence.NewMemoryStore()
	}
	if g.auth == nil {
		g.auth = TrustHandshake()
	}
	if g.recorder == nil {
		g.recorder = telemetry.NopRecorder()
	}
	if g.logger == nil {
		g.logger = telemetry.LoggerFunc(nil)
	}
	if g.replayLimit <= 0 {
		g.replayLimit = DefaultReplayLimit
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(tracerName)
	}
	if g.store != nil {
		g.unsubscribe = g.store.Subscribe(g.handleCatalogUpdate)
	}
	return g, nil
}

// Close detaches the gateway from the catalog store.
func (g *Gateway) Close() {
	g.unsubscribe()
}

func (g *Gateway) nextID(prefix string) string {
	if g.newID != nil {
		return prefix + "_" + g.newID()
	}
	return id.Prefixed(prefix)
}

// AcceptConnection authenticates the handshake and brings the connection to
// the open state. Replay, the connected confirmation and the catalog sync are
// delivered before any broadcast can reach the connection.
func (g *Gateway) AcceptConnection(ctx context.Context, transport Transport, hs Handshake) (*Connection, error) {
	identity, err := g.auth.Authenticate(ctx, hs)
	if err == nil {
		if missing := identity.missing(); len(missing) > 0 {
			err = apperrors.Authentication("handshake missing " + strings.Join(missing, ", ")).
				WithMetadata(map[string]string{"fields": strings.Join(missing, ",")})
		}
	}
	if err != nil {
		if _, ok := apperrors.As(err); !ok {
			err = apperrors.Wrap(apperrors.KindAuthentication, apperrors.CodeAuthenticationFailed, "authentication failed", err)
		}
		g.recorder.HandshakeRejected(ctx, telemetry.ConnectionInfo{
			HubID:        hs.HubID,
			RoomID:       hs.RoomID,
			ActorID:      hs.ActorID,
			ConnectionID: hs.ConnectionID,
			SessionID:    hs.SessionID,
			Reason:       err.Error(),
		})
		return nil, err
	}

	connID := strings.TrimSpace(hs.ConnectionID)
	if connID == "" {
		connID = g.nextID("conn")
	}
	conn := &Connection{
		ID:           connID,
		HubID:        identity.HubID,
		RoomID:       identity.RoomID,
		ActorID:      identity.ActorID,
		CharacterID:  identity.CharacterID,
		SessionID:    identity.SessionID,
		Capabilities: command.SortedUnique(identity.Capabilities...),
		Metadata:     identity.Metadata,
		ConnectedAt:  g.clock.Now().UTC(),
		transport:    transport,
	}
	if !g.conns.add(conn) {
		err := apperrors.Authentication(fmt.Sprintf("connection %s already registered", connID))
		g.recorder.HandshakeRejected(ctx, connectionInfo(conn, err.Error()))
		return nil, err
	}

	if err := g.presence.TrackConnection(ctx, presence.Entry{
		ConnectionID: conn.ID,
		HubID:        conn.HubID,
		RoomID:       conn.RoomID,
		ActorID:      conn.ActorID,
		CharacterID:  conn.CharacterID,
		Metadata:     conn.Metadata,
		ConnectedAt:  conn.ConnectedAt,
	}); err != nil {
		g.conns.remove(conn.ID)
		return nil, apperrors.Processing("track presence", err)
	}

	if err := g.greet(ctx, conn, hs.LastAck); err != nil {
		g.abandon(ctx, conn)
		return nil, err
	}

	conn.setState(StateOpen)
	if err := g.bus.Publish(ctx, bus.Event{
		Kind:        bus.KindConnectionOpened,
		Connection:  conn.Ref(),
		Span:        trace.SpanContextFromContext(ctx),
		PublishedAt: g.clock.Now(),
	}); err != nil {
		g.logger.Printf("gateway: publish connectionOpened for %s failed: %v", conn.ID, err)
	}
	g.recorder.ConnectionOpened(ctx, connectionInfo(conn, ""))
	return conn, nil
}

// greet sends replay, the connected confirmation and the catalog sync.
func (g *Gateway) greet(ctx context.Context, conn *Connection, lastAck int64) error {
	replayed := 0
	if g.actionLog != nil {
		records, err := g.actionLog.Replay(ctx, journal.ReplayQuery{
			HubID:  conn.HubID,
			RoomID: conn.RoomID,
			Since:  lastAck,
			Limit:  g.replayLimit,
		})
		if err != nil {
			g.logger.Printf("gateway: replay for %s failed: %v", conn.ID, err)
		}
		if len(records) > 0 {
			entries := make([]proto.ReplayEntry, 0, len(records))
			for _, record := range records {
				entries = append(entries, proto.ReplayEntry{
					Sequence: record.Sequence,
					VerbID:   record.VerbID,
					ActorID:  record.ActorID,
					Args:     record.Args,
					IssuedAt: record.IssuedAt.UnixMilli(),
					AuditRef: record.AuditRef,
				})
			}
			if err := g.send(ctx, conn, proto.NewEnvelope(proto.TypeCommandReplay, proto.ReplayPayload{
				HubID:    conn.HubID,
				RoomID:   conn.RoomID,
				Commands: entries,
			})); err != nil {
				return err
			}
			replayed = len(entries)
		}
	}

	if err := g.send(ctx, conn, proto.NewEnvelope(proto.TypeSystemConnected, proto.ConnectedPayload{
		ConnectionID: conn.ID,
		HubID:        conn.HubID,
		RoomID:       conn.RoomID,
		ActorID:      conn.ActorID,
		CharacterID:  conn.CharacterID,
		SessionID:    conn.SessionID,
		Capabilities: conn.Capabilities,
		ServerTime:   g.clock.Now().UnixMilli(),
		Replayed:     replayed,
	})); err != nil {
		return err
	}

	if g.store == nil {
		return nil
	}
	snapshot, err := g.resolver.Resolve(ctx, conn.HubID)
	if err != nil {
		g.logger.Printf("gateway: catalog sync for hub %s failed: %v", conn.HubID, err)
		return nil
	}
	return g.send(ctx, conn, proto.NewEnvelope(proto.TypeCatalogSync, proto.CatalogPayload{
		HubID:        conn.HubID,
		VersionStamp: snapshot.VersionStamp,
		Verbs:        snapshot.Catalog.List(),
	}))
}

// abandon unwinds a connection that never reached the open state.
func (g *Gateway) abandon(ctx context.Context, conn *Connection) {
	g.conns.remove(conn.ID)
	conn.setState(StateClosed)
	if err := g.presence.RemoveConnection(ctx, conn.ID); err != nil {
		g.logger.Printf("gateway: presence removal for %s failed: %v", conn.ID, err)
	}
}

// Disconnect closes the connection and announces its departure. Calling it
// more than once is a no-op.
func (g *Gateway) Disconnect(ctx context.Context, connectionID, reason string) {
	conn, ok := g.conns.get(connectionID)
	if !ok {
		return
	}
	if prev := conn.setState(StateClosed); prev == StateClosed {
		return
	}
	// Deregister last so Len reaching zero implies the departure is on the bus.
	defer g.conns.remove(conn.ID)
	if err := g.presence.RemoveConnection(ctx, conn.ID); err != nil {
		g.logger.Printf("gateway: presence removal for %s failed: %v", conn.ID, err)
	}
	if err := g.bus.Publish(ctx, bus.Event{
		Kind:        bus.KindConnectionClosed,
		Connection:  conn.Ref(),
		Span:        trace.SpanContextFromContext(ctx),
		PublishedAt: g.clock.Now(),
	}); err != nil {
		g.logger.Printf("gateway: publish connectionClosed for %s failed: %v", conn.ID, err)
	}
	g.recorder.ConnectionClosed(ctx, connectionInfo(conn, reason))
}

// Broadcast sends env to every open connection in the room and returns the
// number of successful deliveries. Connections whose transport fails are
// closed; their read loop completes the disconnect.
func (g *Gateway) Broadcast(ctx context.Context, hubID, roomID string, env proto.Envelope) int {
	targets := g.conns.matching(func(c *Connection) bool {
		return c.HubID == hubID && c.RoomID == roomID
	})
	delivered := 0
	for _, conn := range targets {
		if err := g.send(ctx, conn, env); err != nil {
			g.closeTransport(conn, "send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers env to a single open connection.
func (g *Gateway) SendTo(ctx context.Context, connectionID string, env proto.Envelope) error {
	conn, ok := g.conns.get(connectionID)
	if !ok || conn.State() != StateOpen {
		return ErrUnknownConnection
	}
	if err := g.send(ctx, conn, env); err != nil {
		g.closeTransport(conn, "send failed")
		return err
	}
	return nil
}

// Connection looks up a registered connection.
func (g *Gateway) Connection(connectionID string) (*Connection, bool) {
	return g.conns.get(connectionID)
}

// Connections lists the open connections, optionally limited to a hub.
func (g *Gateway) Connections(hubID string) []*Connection {
	return g.conns.matching(func(c *Connection) bool {
		return hubID == "" || c.HubID == hubID
	})
}

// CloseAll closes every open transport and returns how many were closed.
// Each transport's read loop completes its own disconnect.
func (g *Gateway) CloseAll(reason string) int {
	conns := g.conns.matching(nil)
	for _, conn := range conns {
		g.closeTransport(conn, reason)
	}
	return len(conns)
}

// Len reports registered connections in any state.
func (g *Gateway) Len() int {
	return g.conns.len()
}

func (g *Gateway) send(ctx context.Context, conn *Connection, env proto.Envelope) error {
	if err := conn.send(ctx, env); err != nil {
		g.recorder.SendFailed(ctx, telemetry.SendFailure{
			HubID:        conn.HubID,
			RoomID:       conn.RoomID,
			ActorID:      conn.ActorID,
			ConnectionID: conn.ID,
			EnvelopeType: env.Type,
			Err:          err,
		})
		return err
	}
	return nil
}

func (g *Gateway) closeTransport(conn *Connection, reason string) {
	if err := conn.transport.Close(reason); err != nil {
		g.logger.Printf("gateway: closing transport for %s: %v", conn.ID, err)
	}
}

func connectionInfo(conn *Connection, reason string) telemetry.ConnectionInfo {
	return telemetry.ConnectionInfo{
		HubID:        conn.HubID,
		RoomID:       conn.RoomID,
		ActorID:      conn.ActorID,
		ConnectionID: conn.ID,
		SessionID:    conn.SessionID,
		CharacterID:  conn.CharacterID,
		Reason:       reason,
	}
}

func (g *Gateway) now() time.Time {
	return g.clock.Now()
}
