package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/contest"
	"glass-frontier/hub/internal/narrative"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Outbound envelope types.
const (
	TypeSystemConnected = "hub.system.connected"
	TypeSystemError     = "hub.system.error"
	TypeSystemPong      = "hub.system.pong"
	TypeCatalogSync     = "hub.catalog.sync"
	TypeCatalogUpdated  = "hub.catalog.updated"
	TypeCommandAccepted = "hub.command.accepted"
	TypeCommandRejected = "hub.command.rejected"
	TypeCommandReplay   = "hub.command.replay"
	TypeNarrativeUpdate = "hub.narrative.update"
	TypeStateSnapshot   = "hub.stateSnapshot"
	TypeStateUpdate     = "hub.stateUpdate"
)

// Inbound envelope types.
const (
	TypePing    = "hub.ping"
	TypeCommand = "hub.command"
)

// ErrEmptyType is returned for messages without a type.
var ErrEmptyType = errors.New("message type is required")

// Envelope is the frame for every message in either direction.
type Envelope struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// NewEnvelope stamps the protocol version on a payload.
func NewEnvelope(typ string, payload any) Envelope {
	return Envelope{Ver: Version, Type: typ, Payload: payload}
}

// Encode renders an envelope.
func Encode(env Envelope) ([]byte, error) {
	env.Ver = Version
	return json.Marshal(env)
}

// ClientMessage captures an inbound message before its payload is decoded.
type ClientMessage struct {
	Ver     int             `json:"ver,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeClientMessage converts raw payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	if msg.Type == "" {
		return msg, ErrEmptyType
	}
	return msg, nil
}

// CommandPayload is the body of a hub.command message.
type CommandPayload struct {
	Verb     string         `json:"verb"`
	Args     map[string]any `json:"args,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DecodeCommand extracts the command body of a hub.command message.
func DecodeCommand(msg ClientMessage) (CommandPayload, error) {
	var cmd CommandPayload
	if len(msg.Payload) == 0 {
		return cmd, fmt.Errorf("%s payload is required", TypeCommand)
	}
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return cmd, fmt.Errorf("decode %s payload: %w", TypeCommand, err)
	}
	return cmd, nil
}

// PingPayload is the optional body of hub.ping.
type PingPayload struct {
	SentAt int64 `json:"sentAt,omitempty"`
}

// DecodePing extracts the ping body. A missing body is valid.
func DecodePing(msg ClientMessage) PingPayload {
	var ping PingPayload
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &ping)
	}
	return ping
}

// PongPayload echoes timing data.
type PongPayload struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime,omitempty"`
}

// ConnectedPayload confirms a successful handshake.
type ConnectedPayload struct {
	ConnectionID string   `json:"connectionId"`
	HubID        string   `json:"hubId"`
	RoomID       string   `json:"roomId"`
	ActorID      string   `json:"actorId"`
	CharacterID  string   `json:"characterId,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ServerTime   int64    `json:"serverTime"`
	Replayed     int      `json:"replayed"`
}

// ErrorPayload reports a non-fatal protocol problem.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
}

// CatalogPayload carries a full catalog for sync and update messages.
type CatalogPayload struct {
	HubID        string         `json:"hubId"`
	VersionStamp string         `json:"versionStamp"`
	Verbs        []catalog.Verb `json:"verbs"`
	Changed      []string       `json:"changed,omitempty"`
}

// CommandAcceptedPayload acknowledges a command.
type CommandAcceptedPayload struct {
	VerbID   string `json:"verbId"`
	IssuedAt int64  `json:"issuedAt"`
	AuditRef string `json:"auditRef,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
}

// CommandRejectedPayload refuses a command.
type CommandRejectedPayload struct {
	VerbID    string            `json:"verbId,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RetryInMs int64             `json:"retryInMs,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ReplayEntry is one previously accepted command.
type ReplayEntry struct {
	Sequence int64          `json:"sequence"`
	VerbID   string         `json:"verbId"`
	ActorID  string         `json:"actorId"`
	Args     map[string]any `json:"args,omitempty"`
	IssuedAt int64          `json:"issuedAt"`
	AuditRef string         `json:"auditRef,omitempty"`
}

// ReplayPayload carries the commands missed since the last acknowledgment.
type ReplayPayload struct {
	HubID    string        `json:"hubId"`
	RoomID   string        `json:"roomId"`
	Commands []ReplayEntry `json:"commands"`
}

// NarrativePayload forwards an escalation result to the originating connection.
type NarrativePayload struct {
	VerbID         string                  `json:"verbId"`
	NarrativeEvent *narrative.Event        `json:"narrativeEvent,omitempty"`
	CheckRequest   *narrative.CheckRequest `json:"checkRequest,omitempty"`
	Safety         *narrative.Safety       `json:"safety,omitempty"`
	AuditRef       string                  `json:"auditRef,omitempty"`
}

// CommandSummary is the command echoed in a state update.
type CommandSummary struct {
	VerbID   string         `json:"verbId"`
	ActorID  string         `json:"actorId"`
	Args     map[string]any `json:"args,omitempty"`
	IssuedAt int64          `json:"issuedAt"`
	AuditRef string         `json:"auditRef,omitempty"`
}

// Workflow statuses reported in state updates.
const (
	WorkflowStarted = "started"
	WorkflowFailed  = "failed"
)

// WorkflowStatus reports the outcome of a best-effort workflow start.
type WorkflowStatus struct {
	Status     string `json:"status"`
	Kind       string `json:"kind"`
	WorkflowID string `json:"workflowId,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Presence event kinds.
const (
	PresenceOpened = "opened"
	PresenceClosed = "closed"
)

// PresenceEvent marks a state broadcast caused by a join or leave.
type PresenceEvent struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	ActorID      string `json:"actorId"`
}

// ContestEvent marks a state broadcast caused by a contest transition.
type ContestEvent struct {
	Type        string          `json:"type"`
	ContestKey  string          `json:"contestKey"`
	ContestID   string          `json:"contestId,omitempty"`
	RemainingMs int64           `json:"remainingMs,omitempty"`
	Contest     *contest.Record `json:"contest,omitempty"`
}

// StateMeta annotates why a state update was broadcast.
type StateMeta struct {
	Reason        string           `json:"reason,omitempty"`
	PresenceEvent *PresenceEvent   `json:"presenceEvent,omitempty"`
	ContestEvent  *ContestEvent    `json:"contestEvent,omitempty"`
	Workflows     []WorkflowStatus `json:"workflows,omitempty"`
}

// StatePayload is the body of hub.stateSnapshot and hub.stateUpdate.
type StatePayload struct {
	HubID    string          `json:"hubId"`
	RoomID   string          `json:"roomId"`
	Version  int64           `json:"version"`
	State    json.RawMessage `json:"state"`
	Command  *CommandSummary `json:"command,omitempty"`
	Workflow *WorkflowStatus `json:"workflow,omitempty"`
	Meta     *StateMeta      `json:"meta,omitempty"`
}
