package commands

import (
	"context"

	"glass-frontier/hub/logging"
)

const (
	// EventAccepted is emitted after a command is logged and queued.
	EventAccepted logging.EventType = "commands.accepted"
	// EventRejected is emitted for every command rejection.
	EventRejected logging.EventType = "commands.rejected"
	// EventNarrativeEscalated is emitted when the narrative bridge answers.
	EventNarrativeEscalated logging.EventType = "commands.narrative_escalated"
	// EventNarrativeFailed is emitted when escalation fails after acceptance.
	EventNarrativeFailed logging.EventType = "commands.narrative_failed"
)

// AcceptedPayload describes an accepted command.
type AcceptedPayload struct {
	VerbID       string   `json:"verbId"`
	IssuedAt     int64    `json:"issuedAt"`
	SafetyFlags  []string `json:"safetyFlags,omitempty"`
	Contest      bool     `json:"contest,omitempty"`
	Escalates    bool     `json:"escalates,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
}

// RejectedPayload describes a rejected command.
type RejectedPayload struct {
	VerbID    string `json:"verbId,omitempty"`
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RetryInMs int64  `json:"retryInMs,omitempty"`
}

// NarrativePayload describes a narrative escalation outcome.
type NarrativePayload struct {
	VerbID string `json:"verbId"`
	Error  string `json:"error,omitempty"`
}

// Accepted publishes an accepted command.
func Accepted(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload AcceptedPayload, extra map[string]any) {
	publish(ctx, pub, EventAccepted, logging.SeverityInfo, room, actor, auditRef, payload, extra)
}

// Rejected publishes a rejected command.
func Rejected(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, payload RejectedPayload, extra map[string]any) {
	publish(ctx, pub, EventRejected, logging.SeverityWarn, room, actor, "", payload, extra)
}

// NarrativeEscalated publishes a completed escalation.
func NarrativeEscalated(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload NarrativePayload, extra map[string]any) {
	publish(ctx, pub, EventNarrativeEscalated, logging.SeverityDebug, room, actor, auditRef, payload, extra)
}

// NarrativeFailed publishes a failed escalation.
func NarrativeFailed(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload NarrativePayload, extra map[string]any) {
	publish(ctx, pub, EventNarrativeFailed, logging.SeverityError, room, actor, auditRef, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Room:     room,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryCommands,
		Payload:  payload,
		Extra:    extra,
		AuditRef: auditRef,
	})
}
