package contest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
	apperrors "glass-frontier/hub/internal/errors"
)

const contestCatalog = `[
  {
    "verbId": "duel",
    "label": "Duel",
    "parameters": [{"name": "target", "type": "string", "required": true}],
    "rateLimit": false,
    "contest": {"targetParameter": "target", "windowSeconds": 6}
  },
  {
    "verbId": "brawl",
    "label": "Brawl",
    "parameters": [{"name": "target", "type": "string", "required": true}],
    "rateLimit": false,
    "contest": {
      "targetParameter": "target",
      "windowSeconds": 5,
      "maxParticipants": 3,
      "rematch": {"cooldownSeconds": 12, "recommendedVerb": "duel"}
    }
  }
]`

type harness struct {
	t      *testing.T
	parser *command.Parser
	cat    *catalog.Catalog
	clock  *clock.Manual
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalog.Parse([]byte(contestCatalog), catalog.FormatJSON)
	require.NoError(t, err)
	clk := clock.NewManual(time.UnixMilli(0))
	seq := 0
	coord := NewCoordinator(Config{
		Clock: clk,
		NewID: func() string {
			seq++
			return fmt.Sprintf("contest-%d", seq)
		},
	})
	return &harness{t: t, parser: command.NewParser(command.Config{Clock: clk}), cat: cat, clock: clk, coord: coord}
}

func (h *harness) command(verb, actor, target string, issuedAtMs int64) command.Command {
	h.t.Helper()
	cmd, err := h.parser.Parse(command.Raw{
		Verb:     verb,
		ActorID:  actor,
		RoomID:   "room",
		HubID:    "hub",
		Args:     map[string]any{"target": target},
		Metadata: map[string]any{"issuedAt": float64(issuedAtMs)},
	}, h.cat)
	require.NoError(h.t, err)
	return cmd
}

func (h *harness) register(verb, actor, target string, issuedAtMs int64) Registration {
	h.t.Helper()
	cmd := h.command(verb, actor, target, issuedAtMs)
	reg, err := h.coord.Register(cmd, cmd.Metadata.IssuedAt)
	require.NoError(h.t, err)
	return reg
}

func TestRegisterPromotesWhenTargetJoins(t *testing.T) {
	h := newHarness(t)

	first := h.register("duel", "a", "b", 1_000)
	assert.Equal(t, RegistrationArming, first.Status)
	assert.Equal(t, StatusArming, first.State.Status)
	assert.Equal(t, int64(7_000), first.State.ExpiresAt.UnixMilli())

	second := h.register("duel", "b", "a", 1_400)
	require.Equal(t, RegistrationStarted, second.Status)
	require.NotNil(t, second.Bundle)
	assert.Equal(t, "contest-1", second.Bundle.ContestID)
	assert.Equal(t, StatusResolving, second.State.Status)
	require.Len(t, second.State.Participants, 2)
	assert.Equal(t, "a", second.State.Participants[0].ActorID)
	assert.Equal(t, "challenger", second.State.Participants[0].Role)
	assert.Equal(t, "defender", second.State.Participants[1].Role)

	_, ok := h.coord.Active("contest-1")
	assert.True(t, ok)
	assert.Empty(t, h.coord.Pending("hub", "room"))
}

func TestRegisterSameActorTwiceDoesNotPromote(t *testing.T) {
	h := newHarness(t)
	h.register("duel", "a", "b", 1_000)
	again := h.register("duel", "a", "b", 3_000)

	assert.Equal(t, RegistrationArming, again.Status)
	assert.Len(t, again.State.Participants, 1)
	assert.Equal(t, int64(9_000), again.State.ExpiresAt.UnixMilli())
}

func TestRegisterAssignsSupportRole(t *testing.T) {
	h := newHarness(t)
	h.register("brawl", "a", "b", 0)
	// Third parties join an existing slot through its contest key.
	cmd := h.command("brawl", "c", "b", 100)
	cmd = cmd.WithMetadata(func(meta *command.Metadata) { meta.Contest.ContestKey = "brawl:a::b" })
	reg, err := h.coord.Register(cmd, cmd.Metadata.IssuedAt)
	require.NoError(t, err)
	assert.Equal(t, RegistrationArming, reg.Status)
	assert.Equal(t, "support", reg.State.Participants[1].Role)

	reg = h.register("brawl", "b", "a", 200)
	require.Equal(t, RegistrationStarted, reg.Status)
	roles := map[string]string{}
	for _, p := range reg.State.Participants {
		roles[p.ActorID] = p.Role
	}
	assert.Equal(t, map[string]string{"a": "challenger", "b": "defender", "c": "support"}, roles)
}

func TestExpireTimeoutPayout(t *testing.T) {
	h := newHarness(t)
	h.register("brawl", "a", "b", 1_000)
	cmd := h.command("brawl", "c", "a", 1_500)
	cmd = cmd.WithMetadata(func(meta *command.Metadata) { meta.Contest.ContestKey = "brawl:a::b" })
	_, err := h.coord.Register(cmd, cmd.Metadata.IssuedAt)
	require.NoError(t, err)

	assert.Empty(t, h.coord.Expire("hub", "room", time.UnixMilli(5_000)))

	expired := h.coord.Expire("hub", "room", time.UnixMilli(6_500))
	require.Len(t, expired, 1)
	record := expired[0]
	assert.Equal(t, StatusExpired, record.Status)
	require.NotNil(t, record.Outcome)
	assert.Equal(t, TierTimeout, record.Outcome.Tier)
	assert.Equal(t, 1, record.Outcome.MissingParticipants)
	assert.Equal(t, 2, record.Outcome.ParticipantCount)
	require.Len(t, record.Results, 2)
	for _, result := range record.Results {
		assert.Equal(t, TierTimeout, result.Tier)
		assert.Zero(t, result.Momentum)
	}
	require.NotNil(t, record.Rematch)
	assert.EqualValues(t, 12_000, record.Rematch.CooldownMs)
	assert.Equal(t, "duel", record.Rematch.RecommendedVerb)

	assert.Empty(t, h.coord.Pending("hub", "room"))
	assert.Empty(t, h.coord.Expire("hub", "room", time.UnixMilli(60_000)))
}

func TestRematchCooldown(t *testing.T) {
	h := newHarness(t)
	h.register("brawl", "a", "b", 0)
	expired := h.coord.Expire("hub", "room", time.UnixMilli(5_000))
	require.Len(t, expired, 1)

	blocked := h.register("brawl", "b", "a", 5_100)
	assert.Equal(t, RegistrationCooldown, blocked.Status)
	assert.Equal(t, int64(11_900), blocked.RemainingMs)
	assert.Equal(t, StatusExpired, blocked.State.Status)
	assert.Empty(t, h.coord.Pending("hub", "room"))

	open := h.register("brawl", "b", "a", 17_000)
	assert.Equal(t, RegistrationArming, open.Status)

	looked, ok := h.coord.Lookup("hub", "room", "brawl:a::b")
	require.True(t, ok)
	assert.Equal(t, StatusArming, looked.Status)
}

func TestResolvePriority(t *testing.T) {
	start := func(h *harness) string {
		h.register("duel", "a", "b", 1_000)
		reg := h.register("duel", "b", "a", 2_000)
		require.Equal(t, RegistrationStarted, reg.Status)
		return reg.State.ContestID
	}

	t.Run("explicit timestamp capped to now", func(t *testing.T) {
		h := newHarness(t)
		id := start(h)
		h.clock.Set(time.UnixMilli(10_000))
		record, err := h.coord.Resolve(id, Resolution{
			Outcome:    Outcome{Tier: "success"},
			ResolvedAt: time.UnixMilli(50_000),
			DurationMs: 1_000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), record.ResolvedAt.UnixMilli())
	})

	t.Run("started plus duration", func(t *testing.T) {
		h := newHarness(t)
		id := start(h)
		h.clock.Set(time.UnixMilli(10_000))
		record, err := h.coord.Resolve(id, Resolution{
			Outcome:             Outcome{Tier: "success"},
			DurationMs:          3_000,
			SharedComplications: []string{"storm"},
			Results:             []ParticipantResult{{ActorID: "a", Tier: "success", Momentum: 2}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), record.ResolvedAt.UnixMilli())
		assert.Equal(t, StatusResolved, record.Status)
		assert.Equal(t, 2, record.Outcome.ParticipantCount)
		assert.Equal(t, []string{"storm"}, record.SharedComplications)
	})

	t.Run("now", func(t *testing.T) {
		h := newHarness(t)
		id := start(h)
		h.clock.Set(time.UnixMilli(8_000))
		record, err := h.coord.Resolve(id, Resolution{Outcome: Outcome{Tier: "draw"}})
		require.NoError(t, err)
		assert.Equal(t, int64(8_000), record.ResolvedAt.UnixMilli())

		_, err = h.coord.Resolve(id, Resolution{})
		assert.Equal(t, apperrors.CodeContestNotActive, apperrors.CodeOf(err))
	})
}

func TestRegisterRequiresContestMetadata(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Register(command.Command{VerbID: "say"}, time.UnixMilli(0))
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
