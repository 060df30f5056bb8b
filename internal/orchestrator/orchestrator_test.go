package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
	"glass-frontier/hub/internal/contest"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/presence"
	"glass-frontier/hub/internal/roomstate"
	"glass-frontier/hub/internal/workflow"
)

const testCatalog = `[
  {"verbId": "say", "category": "chat", "parameters": [{"name": "message", "type": "string", "required": true}], "rateLimit": false},
  {"verbId": "offer", "category": "trade", "parameters": [{"name": "targetActorId", "type": "string"}], "rateLimit": false},
  {"verbId": "summon", "category": "ritual", "momentum": {"resolve": 2}, "workflow": true, "rateLimit": false},
  {"verbId": "explode", "rateLimit": false},
  {
    "verbId": "duel",
    "parameters": [{"name": "targetActorId", "type": "string", "required": true}],
    "rateLimit": false,
    "contest": {"targetParameter": "targetActorId", "windowSeconds": 6, "rematch": {"cooldownMs": 12000}}
  }
]`

type delivery struct {
	hubID        string
	roomID       string
	connectionID string
	env          proto.Envelope
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []delivery
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, hubID, roomID string, env proto.Envelope) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{hubID: hubID, roomID: roomID, env: env})
	return 1
}

func (f *fakeBroadcaster) SendTo(_ context.Context, connectionID string, env proto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{connectionID: connectionID, env: env})
	return nil
}

func (f *fakeBroadcaster) updates(hubID, roomID string) []proto.StatePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.StatePayload
	for _, d := range f.sent {
		if d.connectionID == "" && d.hubID == hubID && d.roomID == roomID && d.env.Type == proto.TypeStateUpdate {
			out = append(out, d.env.Payload.(proto.StatePayload))
		}
	}
	return out
}

func (f *fakeBroadcaster) direct(connectionID string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, d := range f.sent {
		if d.connectionID == connectionID {
			out = append(out, d.env)
		}
	}
	return out
}

type fakeWorkflow struct {
	mu       sync.Mutex
	fail     bool
	actions  []workflow.ActionRequest
	contests []contest.Bundle
}

func (f *fakeWorkflow) StartHubActionWorkflow(_ context.Context, req workflow.ActionRequest) (workflow.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, req)
	if f.fail {
		return workflow.Handle{}, errors.New("engine unavailable")
	}
	return workflow.Handle{WorkflowID: "wf-action", RunID: "run-1"}, nil
}

func (f *fakeWorkflow) StartHubContestWorkflow(_ context.Context, bundle contest.Bundle) (workflow.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contests = append(f.contests, bundle)
	if f.fail {
		return workflow.Handle{}, errors.New("engine unavailable")
	}
	return workflow.Handle{WorkflowID: "wf-contest"}, nil
}

type fixture struct {
	orch        *Orchestrator
	bus         *bus.Bus
	broadcaster *fakeBroadcaster
	store       *roomstate.MemoryStore
	presence    *presence.MemoryStore
	workflow    *fakeWorkflow
	parser      *command.Parser
	clock       *clock.Manual
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog), catalog.FormatJSON)
	require.NoError(t, err)
	clk := clock.NewManual(time.UnixMilli(1_000))
	f := &fixture{
		bus:         bus.New(16),
		broadcaster: &fakeBroadcaster{},
		store:       roomstate.NewMemoryStore(clk, 0),
		presence:    presence.NewMemoryStore(),
		workflow:    &fakeWorkflow{},
		parser:      command.NewParser(command.Config{Clock: clk, Resolver: catalog.Static(cat)}),
		clock:       clk,
	}
	ids := 0
	cfg := Config{
		Bus:         f.bus,
		Broadcaster: f.broadcaster,
		Store:       f.store,
		Presence:    f.presence,
		Contests: contest.NewCoordinator(contest.Config{Clock: clk, NewID: func() string {
			ids++
			return fmt.Sprintf("contest-%d", ids)
		}}),
		Workflow: f.workflow,
		Clock:    clk,
		Shards:   3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch, err = New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) command(t *testing.T, actor, room, verb string, args map[string]any) command.Command {
	t.Helper()
	cmd, _, err := f.parser.ParseResolved(context.Background(), command.Raw{
		Verb: verb, ActorID: actor, RoomID: room, HubID: "hub", Args: args,
		Metadata: map[string]any{command.MetaSessionID: "session-" + actor},
	})
	require.NoError(t, err)
	return cmd.Enrich(func() string { return "audit-" + actor })
}

func (f *fixture) publish(t *testing.T, cmd command.Command) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), bus.Event{Kind: bus.KindCommand, Command: cmd}))
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.WaitIdle(ctx))
}

func decode(t *testing.T, payload proto.StatePayload) RoomDocument {
	t.Helper()
	doc, err := DecodeDocument(payload.State)
	require.NoError(t, err)
	return doc
}

func TestNewRequiresBroadcaster(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrBroadcasterRequired)
}

func TestShardForIsStable(t *testing.T) {
	f := newFixture(t, nil)
	for _, room := range []string{"a", "b", "c", "d"} {
		shard := f.orch.ShardFor("hub", room)
		assert.Equal(t, shard, f.orch.ShardFor("hub", room))
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, f.orch.Shards())
	}
	require.ErrorIs(t, f.orch.WaitShardIdle(context.Background(), 99), ErrUnknownShard)
}

func TestRoomOrderingAcrossShards(t *testing.T) {
	f := newFixture(t, nil)
	rooms := []string{"r0", "r1", "r2", "r3", "r4"}
	const perRoom = 25
	for i := 0; i < perRoom; i++ {
		for _, room := range rooms {
			f.publish(t, f.command(t, "a1", room, "say", map[string]any{"message": fmt.Sprint(i)}))
		}
	}
	f.wait(t)

	for _, room := range rooms {
		updates := f.broadcaster.updates("hub", room)
		require.Len(t, updates, perRoom, room)
		for i, update := range updates {
			assert.Equal(t, int64(i+1), update.Version, room)
			require.NotNil(t, update.Command)
			assert.Equal(t, fmt.Sprint(i), update.Command.Args["message"], room)
			assert.Equal(t, ReasonCommand, update.Meta.Reason)
		}
		snapshot, err := f.orch.Snapshot(context.Background(), "hub", room)
		require.NoError(t, err)
		assert.Equal(t, int64(perRoom), snapshot.Version)
	}
	assert.Equal(t, 0, f.bus.Pending())
}

func TestProjectionsByCategory(t *testing.T) {
	f := newFixture(t, nil)
	f.publish(t, f.command(t, "a1", "room", "say", map[string]any{"message": "hello"}))
	f.publish(t, f.command(t, "a1", "room", "offer", map[string]any{"targetActorId": "a2"}))
	f.publish(t, f.command(t, "a1", "room", "summon", nil))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 3)
	doc := decode(t, updates[2])
	require.Len(t, doc.RecentCommands, 3)
	require.Len(t, doc.ChatLog, 1)
	assert.Equal(t, "hello", doc.ChatLog[0].Message)
	require.Len(t, doc.PendingTrades, 1)
	assert.Equal(t, "a2", doc.PendingTrades[0].TargetActorID)
	require.Len(t, doc.RitualLog, 1)
	assert.Equal(t, map[string]int{"resolve": 2}, doc.RitualLog[0].Momentum)

	trackers, err := f.store.ListTrackers(context.Background(), "session-a1", 0)
	require.NoError(t, err)
	require.Len(t, trackers, 3)
	assert.Equal(t, int64(3), trackers[2].Version)
	assert.Equal(t, roomstate.TrackerCommand, trackers[2].Kind)
}

func TestChatLogIsCapped(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < MaxChatLog+5; i++ {
		f.publish(t, f.command(t, "a1", "room", "say", map[string]any{"message": fmt.Sprint(i)}))
	}
	f.wait(t)

	snapshot, err := f.orch.Snapshot(context.Background(), "hub", "room")
	require.NoError(t, err)
	doc, err := DecodeDocument(snapshot.State)
	require.NoError(t, err)
	require.Len(t, doc.ChatLog, MaxChatLog)
	assert.Equal(t, "5", doc.ChatLog[0].Message)
	assert.Len(t, doc.RecentCommands, MaxRecentCommands)
}

func TestActionWorkflowStatusInBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	f.publish(t, f.command(t, "a1", "room", "summon", nil))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Workflow)
	assert.Equal(t, proto.WorkflowStarted, updates[0].Workflow.Status)
	assert.Equal(t, "wf-action", updates[0].Workflow.WorkflowID)
	require.Len(t, f.workflow.actions, 1)
	assert.Equal(t, "audit-a1", f.workflow.actions[0].AuditRef)
}

func TestWorkflowFailureDoesNotBlockState(t *testing.T) {
	f := newFixture(t, nil)
	f.workflow.fail = true
	f.publish(t, f.command(t, "a1", "room", "summon", nil))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1), updates[0].Version)
	require.NotNil(t, updates[0].Workflow)
	assert.Equal(t, proto.WorkflowFailed, updates[0].Workflow.Status)
	assert.Contains(t, updates[0].Workflow.Error, "engine unavailable")
}

func TestContestPromotionAndResolution(t *testing.T) {
	f := newFixture(t, nil)
	f.publish(t, f.command(t, "a1", "room", "duel", map[string]any{"targetActorId": "a2"}))
	f.wait(t)
	f.clock.Advance(400 * time.Millisecond)
	f.publish(t, f.command(t, "a2", "room", "duel", map[string]any{"targetActorId": "a1"}))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 2)
	assert.Equal(t, string(contest.RegistrationArming), updates[0].Meta.ContestEvent.Type)
	started := updates[1].Meta.ContestEvent
	require.NotNil(t, started)
	assert.Equal(t, string(contest.RegistrationStarted), started.Type)
	assert.Equal(t, "contest-1", started.ContestID)
	roles := map[string]string{}
	for _, p := range started.Contest.Participants {
		roles[p.ActorID] = p.Role
	}
	assert.Equal(t, map[string]string{"a1": "challenger", "a2": "defender"}, roles)
	require.Len(t, updates[1].Meta.Workflows, 1)
	assert.Equal(t, WorkflowKindContest, updates[1].Meta.Workflows[0].Kind)
	require.Len(t, f.workflow.contests, 1)

	doc := decode(t, updates[1])
	require.Len(t, doc.Contests, 1)
	assert.Equal(t, contest.StatusResolving, doc.Contests[0].Status)

	ctx := context.Background()
	_, err := f.orch.ResolveContest(ctx, "hub", "elsewhere", "contest-1", contest.Resolution{})
	assert.Equal(t, apperrors.CodeContestNotActive, apperrors.CodeOf(err))

	record, err := f.orch.ResolveContest(ctx, "hub", "room", "contest-1", contest.Resolution{
		Outcome: contest.Outcome{Tier: "triumph", Summary: "a1 prevails"},
	})
	require.NoError(t, err)
	assert.Equal(t, contest.StatusResolved, record.Status)
	f.wait(t)

	updates = f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 3)
	assert.Equal(t, ContestEventResolved, updates[2].Meta.ContestEvent.Type)
	doc = decode(t, updates[2])
	require.Len(t, doc.Contests, 1)
	assert.Equal(t, contest.StatusResolved, doc.Contests[0].Status)

	_, err = f.orch.ResolveContest(ctx, "hub", "room", "contest-1", contest.Resolution{})
	assert.Equal(t, apperrors.CodeContestNotActive, apperrors.CodeOf(err))
}

func TestContestExpirySweptOnNextCommand(t *testing.T) {
	f := newFixture(t, nil)
	f.publish(t, f.command(t, "a1", "room", "duel", map[string]any{"targetActorId": "a2"}))
	f.wait(t)
	f.clock.Advance(7 * time.Second)
	f.publish(t, f.command(t, "a1", "room", "say", map[string]any{"message": "anyone?"}))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 3)
	expired := updates[1]
	assert.Equal(t, ReasonContest, expired.Meta.Reason)
	assert.Equal(t, ContestEventExpired, expired.Meta.ContestEvent.Type)
	require.NotNil(t, expired.Meta.ContestEvent.Contest.Outcome)
	assert.Equal(t, contest.TierTimeout, expired.Meta.ContestEvent.Contest.Outcome.Tier)
	assert.Equal(t, 1, expired.Meta.ContestEvent.Contest.Outcome.MissingParticipants)
	assert.Equal(t, []int64{1, 2, 3}, []int64{updates[0].Version, updates[1].Version, updates[2].Version})

	f.publish(t, f.command(t, "a2", "room", "duel", map[string]any{"targetActorId": "a1"}))
	f.wait(t)
	updates = f.broadcaster.updates("hub", "room")
	cooldown := updates[len(updates)-1].Meta.ContestEvent
	require.NotNil(t, cooldown)
	assert.Equal(t, string(contest.RegistrationCooldown), cooldown.Type)
	assert.Positive(t, cooldown.RemainingMs)
	doc := decode(t, updates[len(updates)-1])
	require.Len(t, doc.Contests, 1)
	assert.Equal(t, contest.StatusExpired, doc.Contests[0].Status)
}

func TestPresenceOpenBroadcastsAndSendsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ref := bus.ConnectionRef{ConnectionID: "conn-1", HubID: "hub", RoomID: "room", ActorID: "a1", SessionID: "s1", ConnectedAt: f.clock.Now()}
	require.NoError(t, f.presence.TrackConnection(ctx, presence.Entry{ConnectionID: ref.ConnectionID, HubID: "hub", RoomID: "room", ActorID: "a1", ConnectedAt: ref.ConnectedAt}))
	require.NoError(t, f.bus.Publish(ctx, bus.Event{Kind: bus.KindConnectionOpened, Connection: ref}))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Meta.PresenceEvent)
	assert.Equal(t, proto.PresenceOpened, updates[0].Meta.PresenceEvent.Type)
	doc := decode(t, updates[0])
	require.Len(t, doc.Participants, 1)
	assert.Equal(t, "a1", doc.Participants[0].ActorID)

	direct := f.broadcaster.direct("conn-1")
	require.Len(t, direct, 1)
	assert.Equal(t, proto.TypeStateSnapshot, direct[0].Type)
	assert.Equal(t, int64(1), direct[0].Payload.(proto.StatePayload).Version)

	require.NoError(t, f.presence.RemoveConnection(ctx, "conn-1"))
	require.NoError(t, f.bus.Publish(ctx, bus.Event{Kind: bus.KindConnectionClosed, Connection: ref}))
	f.wait(t)

	updates = f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 2)
	assert.Equal(t, proto.PresenceClosed, updates[1].Meta.PresenceEvent.Type)
	assert.Empty(t, decode(t, updates[1]).Participants)
	assert.Len(t, f.broadcaster.direct("conn-1"), 1)

	trackers, err := f.store.ListTrackers(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, trackers, 2)
	assert.Equal(t, roomstate.TrackerPresence, trackers[0].Kind)
}

func TestShardSurvivesFailingProjection(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Projections = map[string]Projection{
			"explode": func(*RoomDocument, command.Command) { panic("boom") },
		}
	})
	f.publish(t, f.command(t, "a1", "room", "explode", nil))
	f.publish(t, f.command(t, "a1", "room", "say", map[string]any{"message": "still here"}))
	f.wait(t)

	updates := f.broadcaster.updates("hub", "room")
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1), updates[0].Version)
	assert.Equal(t, "say", updates[0].Command.VerbID)
}

func TestDispatchWithoutBus(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	orch, err := New(Config{Broadcaster: broadcaster, Shards: 1})
	require.NoError(t, err)
	require.Error(t, orch.Run(context.Background()))

	cat, err := catalog.Parse([]byte(testCatalog), catalog.FormatJSON)
	require.NoError(t, err)
	cmd, err := command.NewParser(command.Config{}).Parse(command.Raw{
		Verb: "say", ActorID: "a1", RoomID: "room", HubID: "hub", Args: map[string]any{"message": "hi"},
	}, cat)
	require.NoError(t, err)

	orch.Dispatch(context.Background(), bus.Event{Kind: bus.KindCommand, Command: cmd})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orch.WaitShardIdle(ctx, 0))
	assert.Len(t, broadcaster.updates("hub", "room"), 1)
}

func TestQueueGrowsInOrder(t *testing.T) {
	q := newQueue(0, 2, nil)
	for i := 0; i < 5; i++ {
		q.Push(task{event: bus.Event{Command: command.Command{VerbID: fmt.Sprint(i)}}})
	}
	assert.Equal(t, 5, q.Len())
	assert.GreaterOrEqual(t, q.Capacity(), 5)
	for i := 0; i < 5; i++ {
		next, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), next.event.Command.VerbID)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}
