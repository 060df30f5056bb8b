package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"glass-frontier/hub/logging"
)

// record is the line format written by JSON.
type record struct {
	Type     logging.EventType   `json:"type"`
	Time     string              `json:"time"`
	Severity string              `json:"severity"`
	Category string              `json:"category,omitempty"`
	HubID    string              `json:"hubId,omitempty"`
	RoomID   string              `json:"roomId,omitempty"`
	Actor    *logging.EntityRef  `json:"actor,omitempty"`
	Targets  []logging.EntityRef `json:"targets,omitempty"`
	Payload  any                 `json:"payload,omitempty"`
	Extra    map[string]any      `json:"extra,omitempty"`
	TraceID  string              `json:"traceId,omitempty"`
	AuditRef string              `json:"auditRef,omitempty"`
}

func newRecord(event logging.Event) record {
	rec := record{
		Type:     event.Type,
		Time:     event.Time.UTC().Format(time.RFC3339Nano),
		Severity: event.Severity.String(),
		Category: event.Category,
		HubID:    event.Room.HubID,
		RoomID:   event.Room.RoomID,
		Targets:  event.Targets,
		Payload:  event.Payload,
		Extra:    event.Extra,
		TraceID:  event.TraceID,
		AuditRef: event.AuditRef,
	}
	if event.Actor != (logging.EntityRef{}) {
		actor := event.Actor
		rec.Actor = &actor
	}
	return rec
}

// JSON writes newline-delimited events through a buffer. With a positive
// flush interval the buffer is flushed on a ticker, otherwise after every
// write.
type JSON struct {
	mu       sync.Mutex
	buf      *bufio.Writer
	enc      *json.Encoder
	closer   io.Closer
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewJSON writes to w, closing it with the sink when it is an io.Closer.
func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	sink := &JSON{buf: buf, enc: json.NewEncoder(buf), interval: flushInterval, done: make(chan struct{})}
	sink.closer, _ = w.(io.Closer)
	if flushInterval > 0 {
		go sink.flushLoop()
	}
	return sink
}

func (s *JSON) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(newRecord(event)); err != nil {
		return err
	}
	if s.interval <= 0 {
		return s.buf.Flush()
	}
	return nil
}

func (s *JSON) Close(context.Context) error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *JSON) flushLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.buf.Flush()
			s.mu.Unlock()
		}
	}
}
