// Package orchestrator applies accepted commands and connection lifecycle
// events to versioned room state. Work is sharded by room: every event for a
// room runs on the same shard, in arrival order, while different shards run
// in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
	"glass-frontier/hub/internal/contest"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/presence"
	"glass-frontier/hub/internal/roomstate"
	"glass-frontier/hub/internal/telemetry"
	"glass-frontier/hub/internal/workflow"
)

const (
	// DefaultShards is used when Config.Shards is not positive.
	DefaultShards = 4
	// DefaultQueueCapacity is the initial ring size of each shard queue.
	DefaultQueueCapacity = 256

	tracerName = "glass-frontier/hub/internal/orchestrator"
)

var (
	// ErrBroadcasterRequired is returned by New without a broadcaster.
	ErrBroadcasterRequired = errors.New("orchestrator: broadcaster is required")
	// ErrUnknownShard is returned for shard indexes out of range.
	ErrUnknownShard = errors.New("orchestrator: unknown shard")
)

// Broadcaster delivers envelopes to connections. The gateway satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, hubID, roomID string, env proto.Envelope) int
	SendTo(ctx context.Context, connectionID string, env proto.Envelope) error
}

// Config wires the orchestrator. Bus may be nil when events are fed through
// Dispatch directly.
type Config struct {
	Bus           *bus.Bus
	Broadcaster   Broadcaster
	Store         roomstate.Store
	Presence      presence.Store
	Contests      *contest.Coordinator
	Workflow      workflow.Client
	Recorder      telemetry.Recorder
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	Clock         clock.Clock
	Shards        int
	QueueCapacity int
	// Projections override the category projections, keyed by verb id or
	// category. Verb ids win.
	Projections map[string]Projection
	Tracer      trace.Tracer
}

// Orchestrator is the room-state half of the hub.
type Orchestrator struct {
	bus         *bus.Bus
	broadcaster Broadcaster
	store       roomstate.Store
	presence    presence.Store
	contests    *contest.Coordinator
	workflow    workflow.Client
	recorder    telemetry.Recorder
	logger      telemetry.Logger
	clock       clock.Clock
	projections map[string]Projection
	tracer      trace.Tracer

	shards []*shard
}

type shard struct {
	index   int
	queue   *queue
	mu      sync.Mutex
	running bool
	pending int
	idle    chan struct{}
}

// New constructs an orchestrator. Missing stores default to in-memory ones.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Broadcaster == nil {
		return nil, ErrBroadcasterRequired
	}
	clk := clock.OrSystem(cfg.Clock)
	o := &Orchestrator{
		bus:         cfg.Bus,
		broadcaster: cfg.Broadcaster,
		store:       cfg.Store,
		presence:    cfg.Presence,
		contests:    cfg.Contests,
		workflow:    cfg.Workflow,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		clock:       clk,
		projections: DefaultProjections(),
		tracer:      cfg.Tracer,
	}
	for key, projection := range cfg.Projections {
		o.projections[key] = projection
	}
	if o.store == nil {
		o.store = roomstate.NewMemoryStore(clk, 0)
	}
	if o.presence == nil {
		o.presence = presence.NewMemoryStore()
	}
	if o.contests == nil {
		o.contests = contest.NewCoordinator(contest.Config{Clock: clk})
	}
	if o.recorder == nil {
		o.recorder = telemetry.NopRecorder()
	}
	if o.logger == nil {
		o.logger = telemetry.LoggerFunc(nil)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	count := cfg.Shards
	if count <= 0 {
		count = DefaultShards
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	o.shards = make([]*shard, count)
	for i := range o.shards {
		idle := make(chan struct{})
		close(idle)
		o.shards[i] = &shard{index: i, queue: newQueue(i, capacity, metrics), idle: idle}
	}
	return o, nil
}

// Shards reports the number of shards.
func (o *Orchestrator) Shards() int {
	return len(o.shards)
}

// ShardFor returns the shard that owns the room.
func (o *Orchestrator) ShardFor(hubID, roomID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(command.RoomKey(hubID, roomID)))
	return int(h.Sum32() % uint32(len(o.shards)))
}

// Contests exposes the coordinator for inspection.
func (o *Orchestrator) Contests() *contest.Coordinator {
	return o.contests
}

// Run consumes the bus until ctx is done or the bus is closed. Each event is
// counted against its shard before it is acknowledged, so bus idleness plus
// shard idleness means nothing is in flight.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.bus == nil {
		return errors.New("orchestrator: no bus to consume")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.bus.Events():
			o.Dispatch(ctx, ev)
			o.bus.Ack()
		case <-o.bus.Done():
			for {
				select {
				case ev := <-o.bus.Events():
					o.Dispatch(ctx, ev)
					o.bus.Ack()
				default:
					return nil
				}
			}
		}
	}
}

// Dispatch routes ev to its room's shard.
func (o *Orchestrator) Dispatch(ctx context.Context, ev bus.Event) {
	o.enqueue(o.ShardFor(ev.HubID(), ev.RoomID()), task{ctx: context.WithoutCancel(ctx), event: ev})
}

// ResolveContest records an external resolution for an active contest. The
// resolution runs on the room's shard so it is ordered with the room's
// commands; the resolved record is folded into room state and broadcast.
func (o *Orchestrator) ResolveContest(ctx context.Context, hubID, roomID, contestID string, resolution contest.Resolution) (contest.Record, error) {
	req := &resolveRequest{
		hubID:     hubID,
		roomID:    roomID,
		contestID: contestID,
		outcome:   resolution,
		reply:     make(chan resolveResult, 1),
	}
	o.enqueue(o.ShardFor(hubID, roomID), task{ctx: context.WithoutCancel(ctx), resolution: req})
	select {
	case res := <-req.reply:
		return res.record, res.err
	case <-ctx.Done():
		return contest.Record{}, ctx.Err()
	}
}

// WaitIdle blocks until the bus and every shard have no queued or in-flight
// work.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	for {
		if o.bus != nil {
			select {
			case <-o.bus.Idle():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for i := range o.shards {
			if err := o.WaitShardIdle(ctx, i); err != nil {
				return err
			}
		}
		if o.quiescent() {
			return nil
		}
	}
}

// WaitShardIdle blocks until the shard has no queued or in-flight work.
func (o *Orchestrator) WaitShardIdle(ctx context.Context, index int) error {
	if index < 0 || index >= len(o.shards) {
		return fmt.Errorf("%w: %d", ErrUnknownShard, index)
	}
	s := o.shards[index]
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) quiescent() bool {
	if o.bus != nil && o.bus.Pending() > 0 {
		return false
	}
	for _, s := range o.shards {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending > 0 {
			return false
		}
	}
	return true
}

func (o *Orchestrator) enqueue(index int, t task) {
	s := o.shards[index]
	s.mu.Lock()
	s.queue.Push(t)
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	start := !s.running
	s.running = true
	s.mu.Unlock()
	if start {
		go o.work(s)
	}
}

// work drains the shard queue and exits once it is empty.
func (o *Orchestrator) work(s *shard) {
	for {
		s.mu.Lock()
		t, ok := s.queue.Pop()
		if !ok {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		o.run(s.index, t)

		s.mu.Lock()
		s.pending--
		if s.pending == 0 {
			close(s.idle)
		}
		s.mu.Unlock()
	}
}

// run processes one task. Panics are contained so a faulty projection cannot
// take the shard down.
func (o *Orchestrator) run(index int, t task) {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			o.logger.Printf("orchestrator: shard %d recovered from %v", index, r)
			o.recorder.ProcessingFailed(ctx, telemetry.FailureInfo{
				HubID:  t.event.HubID(),
				RoomID: t.event.RoomID(),
				Stage:  "shard",
				Err:    err,
			})
			if t.resolution != nil {
				t.resolution.reply <- resolveResult{err: err}
			}
		}
	}()

	if t.resolution != nil {
		record, err := o.resolve(ctx, index, t.resolution)
		t.resolution.reply <- resolveResult{record: record, err: err}
		return
	}
	switch t.event.Kind {
	case bus.KindCommand:
		o.handleCommand(ctx, index, t.event)
	case bus.KindConnectionOpened:
		o.handlePresence(ctx, index, t.event, true)
	case bus.KindConnectionClosed:
		o.handlePresence(ctx, index, t.event, false)
	default:
		o.logger.Printf("orchestrator: ignoring event kind %q", t.event.Kind)
	}
}

func (o *Orchestrator) projectionFor(cmd command.Command) Projection {
	if p, ok := o.projections[cmd.VerbID]; ok {
		return p
	}
	return o.projections[cmd.Verb.Category]
}
