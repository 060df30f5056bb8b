// Package journal is the action log: an append-only, sequence-numbered
// record of accepted commands used for replay on reconnect.
package journal

import (
	"context"
	"sync"
	"time"

	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
)

const (
	// DefaultCapacity bounds the in-memory journal when no capacity is configured.
	DefaultCapacity = 10_000

	metricDropCount = "journal_drop_count_total"
	metricDropAge   = "journal_drop_age_total"
)

// Telemetry captures the metrics adapter used by the journal to report drops.
type Telemetry interface {
	RecordJournalDrop(metric string)
}

// Record is one accepted command.
type Record struct {
	Sequence   int64          `json:"sequence"`
	HubID      string         `json:"hubId"`
	RoomID     string         `json:"roomId"`
	ActorID    string         `json:"actorId"`
	VerbID     string         `json:"verbId"`
	Args       map[string]any `json:"args,omitempty"`
	IssuedAt   time.Time      `json:"issuedAt"`
	AuditRef   string         `json:"auditRef,omitempty"`
	Replayable bool           `json:"replayable"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// ReplayQuery selects records for a reconnecting connection.
type ReplayQuery struct {
	HubID  string
	RoomID string
	Since  int64
	Limit  int
}

// Repository persists the action log.
type Repository interface {
	Append(ctx context.Context, record Record) (Record, error)
	Replay(ctx context.Context, query ReplayQuery) ([]Record, error)
}

// FromCommand builds the record for an accepted command.
func FromCommand(cmd command.Command) Record {
	var args map[string]any
	if cmd.Args != nil {
		args = make(map[string]any, len(cmd.Args))
		for k, v := range cmd.Args {
			args[k] = v
		}
	}
	return Record{
		HubID:      cmd.HubID,
		RoomID:     cmd.RoomID,
		ActorID:    cmd.ActorID,
		VerbID:     cmd.VerbID,
		Args:       args,
		IssuedAt:   cmd.Metadata.IssuedAt,
		AuditRef:   cmd.Metadata.AuditRef,
		Replayable: cmd.Verb.Replayable,
	}
}

// Config configures the in-memory journal.
type Config struct {
	Capacity  int
	MaxAge    time.Duration
	Clock     clock.Clock
	Telemetry Telemetry
}

// Journal keeps a rolling buffer of recent records. Sequences keep
// increasing across evictions.
type Journal struct {
	mu        sync.RWMutex
	records   []Record
	nextSeq   int64
	capacity  int
	maxAge    time.Duration
	clock     clock.Clock
	telemetry Telemetry
}

// New constructs an empty journal.
func New(cfg Config) *Journal {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		capacity:  capacity,
		maxAge:    cfg.MaxAge,
		clock:     clock.OrSystem(cfg.Clock),
		telemetry: cfg.Telemetry,
	}
}

// Append assigns the next sequence number and stores the record.
func (j *Journal) Append(_ context.Context, record Record) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSeq++
	record.Sequence = j.nextSeq
	record.RecordedAt = j.clock.Now().UTC()
	j.records = append(j.records, cloneRecord(record))

	if j.maxAge > 0 {
		cutoff := record.RecordedAt.Add(-j.maxAge)
		idx := 0
		for idx < len(j.records) && j.records[idx].RecordedAt.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			copy(j.records, j.records[idx:])
			j.records = j.records[:len(j.records)-idx]
			j.recordDrop(metricDropAge, idx)
		}
	}

	if overflow := len(j.records) - j.capacity; overflow > 0 {
		copy(j.records, j.records[overflow:])
		j.records = j.records[:len(j.records)-overflow]
		j.recordDrop(metricDropCount, overflow)
	}

	return cloneRecord(record), nil
}

// Replay returns the earliest replayable records for the room after the
// Since cursor, in sequence order, capped by Limit. The same query always
// yields the same set while the records are retained.
func (j *Journal) Replay(_ context.Context, query ReplayQuery) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Record, 0)
	for _, record := range j.records {
		if record.Sequence <= query.Since || !record.Replayable {
			continue
		}
		if record.HubID != query.HubID || record.RoomID != query.RoomID {
			continue
		}
		out = append(out, cloneRecord(record))
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of retained records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// LastSequence reports the most recently assigned sequence number.
func (j *Journal) LastSequence() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.nextSeq
}

func (j *Journal) recordDrop(metric string, n int) {
	if j.telemetry == nil {
		return
	}
	for i := 0; i < n; i++ {
		j.telemetry.RecordJournalDrop(metric)
	}
}

func cloneRecord(r Record) Record {
	if r.Args != nil {
		args := make(map[string]any, len(r.Args))
		for k, v := range r.Args {
			args[k] = v
		}
		r.Args = args
	}
	return r
}
