package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreTracksRoomsIndependently(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.UnixMilli(1_000)

	require.NoError(t, store.TrackConnection(ctx, Entry{ConnectionID: "c2", HubID: "h", RoomID: "r", ActorID: "b", ConnectedAt: base.Add(time.Second)}))
	require.NoError(t, store.TrackConnection(ctx, Entry{ConnectionID: "c1", HubID: "h", RoomID: "r", ActorID: "a", ConnectedAt: base}))
	require.NoError(t, store.TrackConnection(ctx, Entry{ConnectionID: "c3", HubID: "h", RoomID: "other", ActorID: "c", ConnectedAt: base}))

	entries, err := store.ListRoomParticipants(ctx, "h", "r")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ActorID)
	assert.Equal(t, "b", entries[1].ActorID)

	require.NoError(t, store.RemoveConnection(ctx, "c1"))
	require.NoError(t, store.RemoveConnection(ctx, "missing"))
	entries, err = store.ListRoomParticipants(ctx, "h", "r")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreCopiesMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	meta := map[string]any{"client": "web"}
	require.NoError(t, store.TrackConnection(ctx, Entry{ConnectionID: "c1", HubID: "h", RoomID: "r", Metadata: meta}))
	meta["client"] = "mutated"

	entries, err := store.ListRoomParticipants(ctx, "h", "r")
	require.NoError(t, err)
	assert.Equal(t, "web", entries[0].Metadata["client"])
}
