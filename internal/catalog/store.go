package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/telemetry"
)

// DefaultTTL bounds how long a hub catalog is served from cache.
const DefaultTTL = 30 * time.Second

// Row is a hub-scoped verb definition as persisted by a Repository.
type Row struct {
	HubID      string
	VerbID     string
	Definition json.RawMessage
	Version    int64
	UpdatedAt  time.Time
}

// Repository lists the active verb rows of a hub.
type Repository interface {
	ListActiveVerbs(ctx context.Context, hubID string) ([]Row, error)
}

// Update is delivered to subscribers when a hub catalog changes. An empty
// HubID means the process-wide fallback changed and every hub is affected.
type Update struct {
	HubID        string
	VersionStamp string
	Verbs        []Verb
	Changed      []string
}

// StoreConfig wires a Store.
type StoreConfig struct {
	Repository Repository
	Fallback   *Catalog
	TTL        time.Duration
	Clock      clock.Clock
	Logger     telemetry.Logger
}

// Store merges hub verb rows over a fallback catalog and caches the result
// per hub. It implements Resolver.
type Store struct {
	repo   Repository
	ttl    time.Duration
	clock  clock.Clock
	logger telemetry.Logger

	mu           sync.RWMutex
	fallback     *Catalog
	hubs         map[string]*hubEntry
	listeners    map[int]func(Update)
	nextListener int

	loads singleflight.Group
}

type hubEntry struct {
	snapshot    Snapshot
	verbs       []Verb
	rowVersions map[string]int64
	stale       bool
	// retryAt holds back repository calls after a failed reload.
	retryAt time.Time
}

func (e *hubEntry) fresh(now time.Time, ttl time.Duration) bool {
	if e.stale {
		return false
	}
	return now.Sub(e.snapshot.LoadedAt) < ttl || now.Before(e.retryAt)
}

// NewStore constructs a catalog store.
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback, _ = New()
	}
	return &Store{
		repo:      cfg.Repository,
		ttl:       ttl,
		clock:     clock.OrSystem(cfg.Clock),
		logger:    logger,
		fallback:  fallback,
		hubs:      make(map[string]*hubEntry),
		listeners: make(map[int]func(Update)),
	}
}

// Resolve serves the cached hub catalog, reloading it once the TTL lapses.
func (s *Store) Resolve(ctx context.Context, hubID string) (Snapshot, error) {
	now := s.clock.Now()
	s.mu.RLock()
	entry, ok := s.hubs[hubID]
	if ok && entry.fresh(now, s.ttl) {
		snapshot := entry.snapshot
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()
	return s.Reload(ctx, hubID)
}

// Reload fetches the hub's verb rows and rebuilds its catalog. Subscribers are
// notified only when the version stamp of a previously loaded hub changes.
// Concurrent reloads of the same hub share one repository call.
func (s *Store) Reload(ctx context.Context, hubID string) (Snapshot, error) {
	result, err, _ := s.loads.Do(hubID, func() (any, error) {
		return s.load(ctx, hubID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result.(Snapshot), nil
}

func (s *Store) load(ctx context.Context, hubID string) (Snapshot, error) {
	var rows []Row
	if s.repo != nil {
		loaded, err := s.repo.ListActiveVerbs(ctx, hubID)
		if err != nil {
			s.mu.Lock()
			entry, ok := s.hubs[hubID]
			var cached Snapshot
			var retryAt time.Time
			if ok {
				entry.stale = false
				entry.retryAt = s.clock.Now().Add(s.ttl)
				cached, retryAt = entry.snapshot, entry.retryAt
			}
			s.mu.Unlock()
			if ok {
				s.logger.Printf("catalog: reload for hub %s failed, serving cached catalog until %s: %v",
					hubID, retryAt.Format(time.RFC3339), err)
				return cached, nil
			}
			return Snapshot{}, fmt.Errorf("catalog: list verbs for hub %s: %w", hubID, err)
		}
		rows = loaded
	}

	verbs := make([]Verb, 0, len(rows))
	versions := make(map[string]int64, len(rows))
	for _, row := range rows {
		verb, err := DecodeVerb(row.Definition)
		if err != nil {
			s.logger.Printf("catalog: skipping verb row %s/%s v%d: %v", row.HubID, row.VerbID, row.Version, err)
			continue
		}
		verbs = append(verbs, verb)
		versions[verb.ID] = row.Version
	}
	stamp := versionStamp(rows)
	now := s.clock.Now()

	s.mu.Lock()
	prev, known := s.hubs[hubID]
	entry := &hubEntry{
		snapshot: Snapshot{
			HubID:        hubID,
			VersionStamp: stamp,
			Catalog:      s.fallback.Overlay(verbs),
			LoadedAt:     now,
		},
		verbs:       verbs,
		rowVersions: versions,
	}
	s.hubs[hubID] = entry
	var listeners []func(Update)
	var changed []string
	if known && prev.snapshot.VersionStamp != stamp {
		changed = changedVerbs(prev.rowVersions, versions)
		listeners = s.listenersLocked()
	}
	s.mu.Unlock()

	if len(listeners) > 0 {
		update := Update{
			HubID:        hubID,
			VersionStamp: stamp,
			Verbs:        entry.snapshot.Catalog.List(),
			Changed:      changed,
		}
		for _, fn := range listeners {
			fn(update)
		}
	}
	return entry.snapshot, nil
}

// ReplaceFallback swaps the process-wide catalog. Cached hub catalogs are
// rebuilt on top of it and subscribers receive a hub-agnostic update.
func (s *Store) ReplaceFallback(c *Catalog) {
	if c == nil {
		c, _ = New()
	}
	s.mu.Lock()
	s.fallback = c
	for _, entry := range s.hubs {
		snapshot := entry.snapshot
		snapshot.Catalog = c.Overlay(entry.verbs)
		entry.snapshot = snapshot
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	update := Update{VersionStamp: FallbackStamp, Verbs: c.List()}
	for _, fn := range listeners {
		fn(update)
	}
}

// Fallback returns the process-wide catalog.
func (s *Store) Fallback() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// Cached returns the hub's last loaded snapshot without touching the
// repository.
func (s *Store) Cached(hubID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.hubs[hubID]
	if !ok {
		return Snapshot{}, false
	}
	return entry.snapshot, true
}

// Invalidate forces the next Resolve for hubID to hit the repository.
func (s *Store) Invalidate(hubID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.hubs[hubID]; ok {
		entry.stale = true
	}
}

// LongestRateWindow reports the longest enabled rate-limit window across the
// fallback and every loaded hub catalog.
func (s *Store) LongestRateWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	longest := longestWindow(s.fallback)
	for _, entry := range s.hubs {
		if window := longestWindow(entry.snapshot.Catalog); window > longest {
			longest = window
		}
	}
	return longest
}

func longestWindow(c *Catalog) time.Duration {
	var longest time.Duration
	for _, verb := range c.List() {
		if verb.RateLimit.Enabled && verb.RateLimit.Window() > longest {
			longest = verb.RateLimit.Window()
		}
	}
	return longest
}

// Hubs lists the hubs with a loaded catalog, sorted.
func (s *Store) Hubs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hubs := make([]string, 0, len(s.hubs))
	for hubID := range s.hubs {
		hubs = append(hubs, hubID)
	}
	sort.Strings(hubs)
	return hubs
}

// Subscribe registers fn for catalog updates and returns a cancel function.
// Callbacks run synchronously on the reloading goroutine.
func (s *Store) Subscribe(fn func(Update)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Run reloads every known hub on each interval tick until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, hubID := range s.Hubs() {
				if _, err := s.Reload(ctx, hubID); err != nil {
					s.logger.Printf("catalog: poll reload for hub %s failed: %v", hubID, err)
				}
			}
		}
	}
}

func (s *Store) listenersLocked() []func(Update) {
	if len(s.listeners) == 0 {
		return nil
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func versionStamp(rows []Row) string {
	if len(rows) == 0 {
		return BootstrapStamp
	}
	var maxVersion int64
	var maxUpdated time.Time
	for _, row := range rows {
		if row.Version > maxVersion {
			maxVersion = row.Version
		}
		if row.UpdatedAt.After(maxUpdated) {
			maxUpdated = row.UpdatedAt
		}
	}
	return fmt.Sprintf("v%d-%d", maxVersion, maxUpdated.UnixMilli())
}

func changedVerbs(prev, next map[string]int64) []string {
	var changed []string
	for id, version := range next {
		if old, ok := prev[id]; !ok || old != version {
			changed = append(changed, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]map[string]Row
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]map[string]Row)}
}

// Put inserts or replaces a verb row.
func (r *MemoryRepository) Put(row Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hub, ok := r.rows[row.HubID]
	if !ok {
		hub = make(map[string]Row)
		r.rows[row.HubID] = hub
	}
	row.Definition = append(json.RawMessage(nil), row.Definition...)
	hub[row.VerbID] = row
}

// Remove deactivates a verb row.
func (r *MemoryRepository) Remove(hubID, verbID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows[hubID], verbID)
}

// ListActiveVerbs implements Repository. Rows are ordered by verb id.
func (r *MemoryRepository) ListActiveVerbs(_ context.Context, hubID string) ([]Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hub := r.rows[hubID]
	out := make([]Row, 0, len(hub))
	for _, row := range hub {
		row.Definition = append(json.RawMessage(nil), row.Definition...)
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VerbID < out[j].VerbID })
	return out, nil
}
