// Package presence tracks which connections are present in which rooms.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one connection present in a room.
type Entry struct {
	ConnectionID string         `json:"connectionId"`
	HubID        string         `json:"hubId"`
	RoomID       string         `json:"roomId"`
	ActorID      string         `json:"actorId"`
	CharacterID  string         `json:"characterId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ConnectedAt  time.Time      `json:"connectedAt"`
}

// Store is the roster of connected actors.
type Store interface {
	TrackConnection(ctx context.Context, entry Entry) error
	RemoveConnection(ctx context.Context, connectionID string) error
	ListRoomParticipants(ctx context.Context, hubID, roomID string) ([]Entry, error)
}

// MemoryStore is the in-process reference Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty roster.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) TrackConnection(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ConnectionID] = entry.clone()
	return nil
}

func (s *MemoryStore) RemoveConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, connectionID)
	return nil
}

// ListRoomParticipants returns the room's entries ordered by connect time.
func (s *MemoryStore) ListRoomParticipants(_ context.Context, hubID, roomID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, entry := range s.entries {
		if entry.HubID == hubID && entry.RoomID == roomID {
			out = append(out, entry.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

// Len reports how many connections are tracked.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (e Entry) clone() Entry {
	if e.Metadata != nil {
		meta := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}
