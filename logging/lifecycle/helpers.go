package lifecycle

import (
	"context"

	"glass-frontier/hub/logging"
)

const (
	// EventConnectionOpened is emitted once a connection completes its handshake.
	EventConnectionOpened logging.EventType = "lifecycle.connection_opened"
	// EventConnectionClosed is emitted when a connection leaves its room.
	EventConnectionClosed logging.EventType = "lifecycle.connection_closed"
	// EventHandshakeRejected is emitted when authentication fails.
	EventHandshakeRejected logging.EventType = "lifecycle.handshake_rejected"
)

// ConnectionPayload identifies the connection and session involved.
type ConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId,omitempty"`
	CharacterID  string `json:"characterId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ConnectionOpened publishes a connection open event.
func ConnectionOpened(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventConnectionOpened, logging.SeverityInfo, room, actor, payload, extra)
}

// ConnectionClosed publishes a connection close event.
func ConnectionClosed(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventConnectionClosed, logging.SeverityInfo, room, actor, payload, extra)
}

// HandshakeRejected publishes a warning when a handshake fails authentication.
func HandshakeRejected(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventHandshakeRejected, logging.SeverityWarn, room, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, room logging.RoomRef, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Room:     room,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
