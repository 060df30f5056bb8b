package logging

import (
	"context"
	"maps"
	"slices"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// ParseSeverity maps a configuration string onto a Severity, defaulting to info.
func ParseSeverity(value string) Severity {
	switch value {
	case "debug":
		return SeverityDebug
	case "warn", "warning":
		return SeverityWarn
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

type EntityKind string

const (
	EntityKindUnknown    EntityKind = "unknown"
	EntityKindActor      EntityKind = "actor"
	EntityKindConnection EntityKind = "connection"
	EntityKindContest    EntityKind = "contest"
	EntityKindHub        EntityKind = "hub"
	EntityKindSystem     EntityKind = "system"
)

// RoomRef scopes an event to a room of a hub.
type RoomRef struct {
	HubID  string `json:"hubId,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Room     RoomRef        `json:"room"`
	Actor    EntityRef      `json:"actor"`
	Targets  []EntityRef    `json:"targets,omitempty"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	TraceID  string         `json:"traceId,omitempty"`
	AuditRef string         `json:"auditRef,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

// Actor is shorthand for an actor entity reference.
func Actor(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindActor}
}

const (
	CategoryCommands      = "commands"
	CategoryContests      = "contests"
	CategoryLifecycle     = "lifecycle"
	CategoryNetwork       = "network"
	CategoryOrchestration = "orchestration"
	CategoryCatalog       = "catalog"
)

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

type fieldPublisher struct {
	next   Publisher
	fields map[string]any
}

func (p *fieldPublisher) Publish(ctx context.Context, event Event) {
	if p.next != nil {
		p.next.Publish(ctx, event.withDefaults(p.fields))
	}
}

// Clone returns a copy of e whose Targets and Extra can be mutated without
// affecting e.
func (e Event) Clone() Event {
	if e.Targets != nil {
		e.Targets = slices.Clone(e.Targets)
	}
	if e.Extra != nil {
		e.Extra = maps.Clone(e.Extra)
	}
	return e
}

// withDefaults fills Extra from fields for keys the event does not set.
func (e Event) withDefaults(fields map[string]any) Event {
	if len(fields) == 0 {
		return e
	}
	e = e.Clone()
	if e.Extra == nil {
		e.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, set := e.Extra[k]; !set {
			e.Extra[k] = v
		}
	}
	return e
}

// WithFields decorates p so every event carries fields in Extra unless the
// event already sets the key.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	return &fieldPublisher{next: p, fields: maps.Clone(fields)}
}

func (e Event) WithExtra(key string, value any) Event {
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}
