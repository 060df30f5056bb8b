package sinks

import (
	"context"
	"sync"

	"glass-frontier/hub/logging"
)

// MemorySink keeps the most recent events in process for tests and the
// diagnostics endpoint. Once retain events are held the oldest is evicted.
type MemorySink struct {
	mu      sync.RWMutex
	retain  int
	events  []logging.Event
	evicted uint64
}

// NewMemorySink returns a sink holding at most retain events; retain <= 0 keeps
// everything.
func NewMemorySink(retain int) *MemorySink {
	return &MemorySink{retain: retain}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retain > 0 && len(s.events) >= s.retain {
		overflow := len(s.events) - s.retain + 1
		s.events = append(s.events[:0], s.events[overflow:]...)
		s.evicted += uint64(overflow)
	}
	s.events = append(s.events, event.Clone())
	return nil
}

// Events returns the retained events, oldest first.
func (s *MemorySink) Events() []logging.Event {
	return s.match(func(logging.Event) bool { return true })
}

func (s *MemorySink) EventsOfType(eventType logging.EventType) []logging.Event {
	return s.match(func(event logging.Event) bool { return event.Type == eventType })
}

// EventsInRoom returns the retained events scoped to room.
func (s *MemorySink) EventsInRoom(room logging.RoomRef) []logging.Event {
	return s.match(func(event logging.Event) bool { return event.Room == room })
}

// Evicted counts events discarded to honour the retention bound.
func (s *MemorySink) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.evicted = 0
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}

func (s *MemorySink) match(keep func(logging.Event) bool) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logging.Event, 0, len(s.events))
	for _, event := range s.events {
		if keep(event) {
			out = append(out, event.Clone())
		}
	}
	return out
}
