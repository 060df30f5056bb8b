package network

import (
	"context"

	"glass-frontier/hub/logging"
)

const (
	// EventProtocolError is emitted when an inbound envelope cannot be handled.
	EventProtocolError logging.EventType = "network.protocol_error"
	// EventSendFailed is emitted when a transport rejects an outbound envelope.
	EventSendFailed logging.EventType = "network.send_failed"
)

// ProtocolErrorPayload captures why an inbound message was discarded.
type ProtocolErrorPayload struct {
	ConnectionID string `json:"connectionId"`
	MessageType  string `json:"messageType,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// SendFailedPayload captures the failed outbound envelope.
type SendFailedPayload struct {
	ConnectionID string `json:"connectionId"`
	EnvelopeType string `json:"envelopeType"`
	Error        string `json:"error"`
}

// ProtocolError publishes a debug event for malformed or unknown messages.
func ProtocolError(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, payload ProtocolErrorPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventProtocolError,
		Room:     room,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// SendFailed publishes a warning when delivery to a connection fails.
func SendFailed(ctx context.Context, pub logging.Publisher, room logging.RoomRef, actor logging.EntityRef, payload SendFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSendFailed,
		Room:     room,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
