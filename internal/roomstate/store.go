// Package roomstate stores versioned per-room state documents and the
// per-session tracker log.
package roomstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"glass-frontier/hub/internal/clock"
)

// DefaultTrackerLimit bounds each session's tracker log.
const DefaultTrackerLimit = 200

// EmptyDocument is the state of a room that was never updated.
var EmptyDocument = json.RawMessage(`{}`)

// Snapshot is a fully formed room state version.
type Snapshot struct {
	HubID     string          `json:"hubId"`
	RoomID    string          `json:"roomId"`
	State     json.RawMessage `json:"state"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt,omitzero"`
}

// ApplyFunc computes the next state document from the current one.
type ApplyFunc func(current json.RawMessage) (json.RawMessage, error)

// TrackerKind classifies tracker entries.
type TrackerKind string

const (
	TrackerCommand  TrackerKind = "command"
	TrackerPresence TrackerKind = "presence"
	TrackerContest  TrackerKind = "contest"
)

// TrackerEntry is one audit line in a session's tracker log.
type TrackerEntry struct {
	SessionID  string      `json:"sessionId"`
	HubID      string      `json:"hubId"`
	RoomID     string      `json:"roomId"`
	Version    int64       `json:"version"`
	VerbID     string      `json:"verbId,omitempty"`
	ActorID    string      `json:"actorId,omitempty"`
	AuditRef   string      `json:"auditRef,omitempty"`
	Kind       TrackerKind `json:"kind"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// Store persists room state. Updates for a room are issued by a single
// owner, so implementations only need read-apply-write atomicity.
type Store interface {
	GetRoomState(ctx context.Context, hubID, roomID string) (Snapshot, error)
	UpdateRoomState(ctx context.Context, hubID, roomID string, apply ApplyFunc) (Snapshot, error)
	RecordTracker(ctx context.Context, entry TrackerEntry) error
	ListTrackers(ctx context.Context, sessionID string, limit int) ([]TrackerEntry, error)
}

type roomKey struct {
	hubID  string
	roomID string
}

// MemoryStore is the in-process reference Store.
type MemoryStore struct {
	mu           sync.RWMutex
	clock        clock.Clock
	rooms        map[roomKey]Snapshot
	trackers     map[string][]TrackerEntry
	trackerLimit int
}

// NewMemoryStore constructs an empty store. Non-positive limits use
// DefaultTrackerLimit.
func NewMemoryStore(c clock.Clock, trackerLimit int) *MemoryStore {
	if trackerLimit <= 0 {
		trackerLimit = DefaultTrackerLimit
	}
	return &MemoryStore{
		clock:        clock.OrSystem(c),
		rooms:        make(map[roomKey]Snapshot),
		trackers:     make(map[string][]TrackerEntry),
		trackerLimit: trackerLimit,
	}
}

func (s *MemoryStore) GetRoomState(_ context.Context, hubID, roomID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rooms[roomKey{hubID, roomID}]
	if !ok {
		return Empty(hubID, roomID), nil
	}
	return snap.clone(), nil
}

func (s *MemoryStore) UpdateRoomState(_ context.Context, hubID, roomID string, apply ApplyFunc) (Snapshot, error) {
	if apply == nil {
		return Snapshot{}, fmt.Errorf("roomstate: nil apply for %s/%s", hubID, roomID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := roomKey{hubID, roomID}
	current, ok := s.rooms[key]
	if !ok {
		current = Empty(hubID, roomID)
	}
	next, err := apply(cloneRaw(current.State))
	if err != nil {
		return Snapshot{}, err
	}
	next, err = Compact(next)
	if err != nil {
		return Snapshot{}, fmt.Errorf("roomstate: apply for %s/%s produced invalid document: %w", hubID, roomID, err)
	}
	updated := Snapshot{
		HubID:     hubID,
		RoomID:    roomID,
		State:     next,
		Version:   current.Version + 1,
		UpdatedAt: s.clock.Now().UTC(),
	}
	s.rooms[key] = updated
	return updated.clone(), nil
}

func (s *MemoryStore) RecordTracker(_ context.Context, entry TrackerEntry) error {
	if entry.SessionID == "" {
		return nil
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.clock.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.trackers[entry.SessionID], entry)
	if overflow := len(log) - s.trackerLimit; overflow > 0 {
		copy(log, log[overflow:])
		log = log[:len(log)-overflow]
	}
	s.trackers[entry.SessionID] = log
	return nil
}

func (s *MemoryStore) ListTrackers(_ context.Context, sessionID string, limit int) ([]TrackerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.trackers[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := append([]TrackerEntry(nil), log...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Rooms lists the rooms with state, ordered by hub then room.
func (s *MemoryStore) Rooms() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.rooms))
	for _, snap := range s.rooms {
		out = append(out, snap.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HubID != out[j].HubID {
			return out[i].HubID < out[j].HubID
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Empty is the snapshot of a room that has never been written.
func Empty(hubID, roomID string) Snapshot {
	return Snapshot{HubID: hubID, RoomID: roomID, State: cloneRaw(EmptyDocument)}
}

// Compact validates a document and strips insignificant whitespace. An
// empty document becomes EmptyDocument.
func Compact(doc json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return cloneRaw(EmptyDocument), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func (s Snapshot) clone() Snapshot {
	s.State = cloneRaw(s.State)
	return s
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
