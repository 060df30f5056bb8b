package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub/internal/clock"
)

type recordingListener struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingListener) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingListener) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func newTestStore(t *testing.T) (*Store, *MemoryRepository, *clock.Manual) {
	t.Helper()
	fallback, err := Parse([]byte(sampleCatalog), FormatJSON)
	require.NoError(t, err)
	repo := NewMemoryRepository()
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	store := NewStore(StoreConfig{Repository: repo, Fallback: fallback, TTL: time.Minute, Clock: clk})
	return store, repo, clk
}

func TestStoreMergesHubRowsOverFallback(t *testing.T) {
	store, repo, clk := newTestStore(t)
	repo.Put(Row{HubID: "hub-a", VerbID: "say", Definition: []byte(`{"verbId":"say","label":"Whisper"}`), Version: 3, UpdatedAt: clk.Now()})

	snap, err := store.Resolve(context.Background(), "hub-a")
	require.NoError(t, err)
	say, ok := snap.Catalog.Get("say")
	require.True(t, ok)
	assert.Equal(t, "Whisper", say.Label)
	assert.Equal(t, 2, snap.Catalog.Len())
	assert.NotEqual(t, BootstrapStamp, snap.VersionStamp)

	other, err := store.Resolve(context.Background(), "hub-b")
	require.NoError(t, err)
	assert.Equal(t, BootstrapStamp, other.VersionStamp)
	sayB, _ := other.Catalog.Get("say")
	assert.Equal(t, "Say", sayB.Label)
}

func TestStoreReloadStability(t *testing.T) {
	store, repo, clk := newTestStore(t)
	listener := &recordingListener{}
	cancel := store.Subscribe(listener.observe)
	defer cancel()

	repo.Put(Row{HubID: "hub-a", VerbID: "say", Definition: []byte(`{"verbId":"say"}`), Version: 1, UpdatedAt: clk.Now()})
	_, err := store.Reload(context.Background(), "hub-a")
	require.NoError(t, err)
	_, err = store.Reload(context.Background(), "hub-a")
	require.NoError(t, err)
	assert.Empty(t, listener.all(), "unchanged rows must not notify")

	repo.Put(Row{HubID: "hub-a", VerbID: "say", Definition: []byte(`{"verbId":"say","label":"Shout"}`), Version: 2, UpdatedAt: clk.Advance(time.Second)})
	_, err = store.Reload(context.Background(), "hub-a")
	require.NoError(t, err)

	updates := listener.all()
	require.Len(t, updates, 1)
	assert.Equal(t, "hub-a", updates[0].HubID)
	assert.Equal(t, []string{"say"}, updates[0].Changed)
	var found bool
	for _, verb := range updates[0].Verbs {
		if verb.ID == "say" {
			found = true
			assert.Equal(t, "Shout", verb.Label)
		}
	}
	assert.True(t, found)
}

func TestStoreCachesWithinTTL(t *testing.T) {
	store, repo, clk := newTestStore(t)
	ctx := context.Background()
	_, err := store.Resolve(ctx, "hub-a")
	require.NoError(t, err)

	repo.Put(Row{HubID: "hub-a", VerbID: "bow", Definition: []byte(`{"verbId":"bow"}`), Version: 1, UpdatedAt: clk.Now()})
	snap, err := store.Resolve(ctx, "hub-a")
	require.NoError(t, err)
	_, ok := snap.Catalog.Get("bow")
	assert.False(t, ok, "expected cached catalog within ttl")

	clk.Advance(2 * time.Minute)
	snap, err = store.Resolve(ctx, "hub-a")
	require.NoError(t, err)
	_, ok = snap.Catalog.Get("bow")
	assert.True(t, ok)

	repo.Put(Row{HubID: "hub-a", VerbID: "nod", Definition: []byte(`{"verbId":"nod"}`), Version: 2, UpdatedAt: clk.Now()})
	store.Invalidate("hub-a")
	snap, err = store.Resolve(ctx, "hub-a")
	require.NoError(t, err)
	_, ok = snap.Catalog.Get("nod")
	assert.True(t, ok)
}

func TestStoreSkipsInvalidRows(t *testing.T) {
	store, repo, clk := newTestStore(t)
	repo.Put(Row{HubID: "hub-a", VerbID: "broken", Definition: []byte(`{"verbId":"broken","rateLimit":{"burst":0,"perSeconds":1}}`), Version: 1, UpdatedAt: clk.Now()})
	snap, err := store.Resolve(context.Background(), "hub-a")
	require.NoError(t, err)
	_, ok := snap.Catalog.Get("broken")
	assert.False(t, ok)
}

type failingRepository struct {
	err error
}

func (f failingRepository) ListActiveVerbs(context.Context, string) ([]Row, error) {
	return nil, f.err
}

func TestStoreRepositoryFailure(t *testing.T) {
	store := NewStore(StoreConfig{Repository: failingRepository{err: errors.New("db down")}})
	_, err := store.Resolve(context.Background(), "hub-a")
	require.Error(t, err)
}

// flakyRepository fails while down is set and counts every call.
type flakyRepository struct {
	*MemoryRepository
	mu    sync.Mutex
	down  bool
	calls int
}

func (f *flakyRepository) ListActiveVerbs(ctx context.Context, hubID string) ([]Row, error) {
	f.mu.Lock()
	f.calls++
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, errors.New("db down")
	}
	return f.MemoryRepository.ListActiveVerbs(ctx, hubID)
}

func (f *flakyRepository) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyRepository) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStoreBacksOffWhileRepositoryFails(t *testing.T) {
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository()}
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	store := NewStore(StoreConfig{Repository: repo, TTL: time.Minute, Clock: clk})
	ctx := context.Background()

	first, err := store.Resolve(ctx, "hub-a")
	require.NoError(t, err)
	require.Equal(t, 1, repo.callCount())

	repo.setDown(true)
	clk.Advance(2 * time.Minute)
	snap, err := store.Resolve(ctx, "hub-a")
	require.NoError(t, err)
	assert.Equal(t, first.VersionStamp, snap.VersionStamp)
	assert.Equal(t, 2, repo.callCount())

	for range 5 {
		_, err = store.Resolve(ctx, "hub-a")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, repo.callCount(), "expected cached catalog to be served without retrying")

	repo.setDown(false)
	repo.Put(Row{HubID: "hub-a", VerbID: "bow", Definition: []byte(`{"verbId":"bow"}`), Version: 1, UpdatedAt: clk.Now()})
	clk.Advance(2 * time.Minute)
	snap, err = store.Resolve(ctx, "hub-a")
	require.NoError(t, err)
	assert.Equal(t, 3, repo.callCount())
	_, ok := snap.Catalog.Get("bow")
	assert.True(t, ok)
}

func TestStoreReplaceFallbackNotifiesAllHubs(t *testing.T) {
	store, _, _ := newTestStore(t)
	listener := &recordingListener{}
	store.Subscribe(listener.observe)
	_, err := store.Resolve(context.Background(), "hub-a")
	require.NoError(t, err)

	replacement, err := Parse([]byte(`[{"verbId":"dance"}]`), FormatJSON)
	require.NoError(t, err)
	store.ReplaceFallback(replacement)

	updates := listener.all()
	require.Len(t, updates, 1)
	assert.Empty(t, updates[0].HubID)
	assert.Equal(t, FallbackStamp, updates[0].VersionStamp)

	cached, ok := store.Cached("hub-a")
	require.True(t, ok)
	_, ok = cached.Catalog.Get("dance")
	assert.True(t, ok)
	_, ok = store.Cached("hub-unknown")
	assert.False(t, ok)

	snap, err := store.Resolve(context.Background(), "hub-a")
	require.NoError(t, err)
	_, ok = snap.Catalog.Get("dance")
	assert.True(t, ok)
	_, ok = snap.Catalog.Get("say")
	assert.False(t, ok)
}

func TestStoreSubscribeCancel(t *testing.T) {
	store, _, _ := newTestStore(t)
	listener := &recordingListener{}
	cancel := store.Subscribe(listener.observe)
	cancel()
	store.ReplaceFallback(nil)
	assert.Empty(t, listener.all())
}

func TestStoreLongestRateWindow(t *testing.T) {
	store, repo, clk := newTestStore(t)
	assert.Equal(t, 10*time.Second, store.LongestRateWindow())

	repo.Put(Row{HubID: "hub-a", VerbID: "shout", Definition: []byte(`{"verbId":"shout","rateLimit":{"burst":1,"perSeconds":60}}`), Version: 1, UpdatedAt: clk.Now()})
	_, err := store.Resolve(context.Background(), "hub-a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, store.LongestRateWindow())
}

func TestStaticResolver(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog), FormatJSON)
	require.NoError(t, err)
	snap, err := Static(c).Resolve(context.Background(), "any")
	require.NoError(t, err)
	assert.Equal(t, StaticStamp, snap.VersionStamp)
	assert.Same(t, c, snap.Catalog)
}
