package orchestration

import (
	"context"

	"glass-frontier/hub/logging"
)

const (
	// EventStateUpdated is emitted after a room state version is committed.
	EventStateUpdated logging.EventType = "orchestration.state_updated"
	// EventWorkflowFailed is emitted when a best-effort workflow start fails.
	EventWorkflowFailed logging.EventType = "orchestration.workflow_failed"
	// EventProcessingFailed is emitted when a shard cannot apply an event.
	EventProcessingFailed logging.EventType = "orchestration.processing_failed"
)

// StatePayload describes a committed room state update.
type StatePayload struct {
	Version int64  `json:"version"`
	VerbID  string `json:"verbId,omitempty"`
	Reason  string `json:"reason"`
	Shard   int    `json:"shard"`
}

// FailurePayload describes a failed workflow or processing stage.
type FailurePayload struct {
	Stage  string `json:"stage"`
	VerbID string `json:"verbId,omitempty"`
	Error  string `json:"error"`
}

// StateUpdated publishes a committed room state version.
func StateUpdated(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload StatePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStateUpdated,
		Room:     room,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryOrchestration,
		Payload:  payload,
		Extra:    extra,
		AuditRef: auditRef,
	})
}

// WorkflowFailed publishes a workflow start failure.
func WorkflowFailed(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload FailurePayload, extra map[string]any) {
	failure(ctx, pub, EventWorkflowFailed, room, actor, auditRef, payload, extra)
}

// ProcessingFailed publishes a shard processing failure.
func ProcessingFailed(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload FailurePayload, extra map[string]any) {
	failure(ctx, pub, EventProcessingFailed, room, actor, auditRef, payload, extra)
}

func failure(ctx context.Context, pub logging.Publisher, eventType logging.EventType, room logging.RoomRef, actor logging.EntityRef, auditRef string, payload FailurePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Room:     room,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryOrchestration,
		Payload:  payload,
		Extra:    extra,
		AuditRef: auditRef,
	})
}
