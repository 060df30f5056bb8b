package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/journal"
	"glass-frontier/hub/internal/roomstate"
)

func openTestStore(t *testing.T, trackerLimit int) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	path := filepath.Join(t.TempDir(), "hub.sqlite")
	s, err := Open(context.Background(), Config{Dialect: DialectSQLite, DSN: path, Clock: clk, TrackerLimit: trackerLimit})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hub.sqlite")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), Config{Dialect: DialectSQLite, DSN: path})
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Config{Dialect: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestVerbRowsVersionAndRetire(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()

	row, err := s.PutVerb(ctx, "hub-1", json.RawMessage(`{"verbId":"say","category":"chat"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)
	row, err = s.PutVerb(ctx, "hub-1", json.RawMessage(`{"verbId":"say","label":"Say aloud"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version)
	_, err = s.PutVerb(ctx, "hub-1", json.RawMessage(`{"verbId":"wave"}`))
	require.NoError(t, err)
	_, err = s.PutVerb(ctx, "hub-1", json.RawMessage(`{"label":"nameless"}`))
	require.Error(t, err)

	rows, err := s.ListActiveVerbs(ctx, "hub-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "say", rows[0].VerbID)
	assert.JSONEq(t, `{"verbId":"say","label":"Say aloud"}`, string(rows[0].Definition))

	retired, err := s.RetireVerb(ctx, "hub-1", "wave")
	require.NoError(t, err)
	assert.True(t, retired)
	retired, err = s.RetireVerb(ctx, "hub-1", "wave")
	require.NoError(t, err)
	assert.False(t, retired)

	rows, err = s.ListActiveVerbs(ctx, "hub-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	empty, err := s.ListActiveVerbs(ctx, "hub-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoreBacksCatalogStore(t *testing.T) {
	s, clk := openTestStore(t, 0)
	ctx := context.Background()
	fallback, err := catalog.Parse([]byte(`[{"verbId":"say"}]`), catalog.FormatJSON)
	require.NoError(t, err)
	_, err = s.PutVerb(ctx, "hub-1", json.RawMessage(`{"verbId":"summon","category":"ritual"}`))
	require.NoError(t, err)

	store := catalog.NewStore(catalog.StoreConfig{Repository: s, Fallback: fallback, Clock: clk})
	snapshot, err := store.Resolve(ctx, "hub-1")
	require.NoError(t, err)
	_, ok := snapshot.Catalog.Get("summon")
	assert.True(t, ok)
	_, ok = snapshot.Catalog.Get("say")
	assert.True(t, ok)
}

func TestActionLogSequencesAndReplay(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()
	issued := time.UnixMilli(1_700_000_000_500).UTC()

	appendRecord := func(room, verb string, replayable bool) journal.Record {
		rec, err := s.Append(ctx, journal.Record{
			HubID: "hub", RoomID: room, ActorID: "a1", VerbID: verb,
			Args: map[string]any{"message": verb}, IssuedAt: issued, AuditRef: "audit-" + verb, Replayable: replayable,
		})
		require.NoError(t, err)
		return rec
	}
	first := appendRecord("r1", "one", true)
	appendRecord("r1", "hidden", false)
	appendRecord("r2", "elsewhere", true)
	appendRecord("r1", "two", true)
	appendRecord("r1", "three", true)
	assert.Equal(t, int64(1), first.Sequence)

	all, err := s.Replay(ctx, journal.ReplayQuery{HubID: "hub", RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{all[0].VerbID, all[1].VerbID, all[2].VerbID})
	assert.Equal(t, "one", all[0].Args["message"])
	assert.True(t, all[0].IssuedAt.Equal(issued))

	page, err := s.Replay(ctx, journal.ReplayQuery{HubID: "hub", RoomID: "r1", Since: first.Sequence, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "two", page[0].VerbID)

	again, err := s.Replay(ctx, journal.ReplayQuery{HubID: "hub", RoomID: "r1", Since: first.Sequence, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, page, again)
}

func TestRoomStateVersions(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()

	empty, err := s.GetRoomState(ctx, "hub", "room")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Version)
	assert.JSONEq(t, `{}`, string(empty.State))

	for i := 1; i <= 3; i++ {
		snap, err := s.UpdateRoomState(ctx, "hub", "room", func(current json.RawMessage) (json.RawMessage, error) {
			var doc map[string]int
			require.NoError(t, json.Unmarshal(current, &doc))
			doc["count"]++
			return json.Marshal(doc)
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), snap.Version)
	}

	boom := errors.New("boom")
	_, err = s.UpdateRoomState(ctx, "hub", "room", func(json.RawMessage) (json.RawMessage, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	_, err = s.UpdateRoomState(ctx, "hub", "room", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	})
	require.Error(t, err)

	current, err := s.GetRoomState(ctx, "hub", "room")
	require.NoError(t, err)
	assert.Equal(t, int64(3), current.Version)
	assert.JSONEq(t, `{"count":3}`, string(current.State))
}

func TestTrackerLogIsBounded(t *testing.T) {
	s, clk := openTestStore(t, 3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		clk.Advance(time.Millisecond)
		require.NoError(t, s.RecordTracker(ctx, roomstate.TrackerEntry{
			SessionID: "s1", HubID: "hub", RoomID: "room", Version: int64(i), Kind: roomstate.TrackerCommand,
		}))
	}
	require.NoError(t, s.RecordTracker(ctx, roomstate.TrackerEntry{HubID: "hub", Version: 99}))

	entries, err := s.ListTrackers(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{entries[0].Version, entries[1].Version, entries[2].Version})

	latest, err := s.ListTrackers(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(4), latest[0].Version)
}
