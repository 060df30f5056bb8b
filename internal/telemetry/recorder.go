package telemetry

import (
	"context"
	"time"

	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/logging"
	"glass-frontier/hub/logging/catalogs"
	"glass-frontier/hub/logging/commands"
	"glass-frontier/hub/logging/contests"
	"glass-frontier/hub/logging/lifecycle"
	"glass-frontier/hub/logging/network"
	"glass-frontier/hub/logging/orchestration"
)

const (
	metricCommandsAccepted   = "commands_accepted_total"
	metricCommandsRejected   = "commands_rejected_total"
	metricNarrativeFailures  = "narrative_failures_total"
	metricContestPrefix      = "contests_"
	metricStateUpdates       = "state_updates_total"
	metricWorkflowFailures   = "workflow_failures_total"
	metricProcessingFailures = "processing_failures_total"
	metricConnectionsOpened  = "connections_opened_total"
	metricConnectionsClosed  = "connections_closed_total"
	metricHandshakeRejected  = "handshakes_rejected_total"
	metricProtocolErrors     = "protocol_errors_total"
	metricSendFailures       = "send_failures_total"
	metricCatalogUpdates     = "catalog_updates_total"
)

// CommandInfo describes a command as seen by the gateway.
type CommandInfo struct {
	HubID        string
	RoomID       string
	ActorID      string
	VerbID       string
	AuditRef     string
	ConnectionID string
	IssuedAt     time.Time
	SafetyFlags  []string
	Contest      bool
	Escalates    bool
}

// Rejection describes a command that was refused.
type Rejection struct {
	HubID        string
	RoomID       string
	ActorID      string
	VerbID       string
	ConnectionID string
	Err          error
}

// ContestInfo describes a contest transition.
type ContestInfo struct {
	HubID        string
	RoomID       string
	ActorID      string
	ContestKey   string
	ContestID    string
	VerbID       string
	Status       string
	Tier         string
	Participants []string
	RemainingMs  int64
}

// StateInfo describes a committed room state version.
type StateInfo struct {
	HubID    string
	RoomID   string
	ActorID  string
	VerbID   string
	AuditRef string
	Reason   string
	Version  int64
	Shard    int
}

// FailureInfo describes a failed workflow start or processing stage.
type FailureInfo struct {
	HubID    string
	RoomID   string
	ActorID  string
	VerbID   string
	AuditRef string
	Stage    string
	Err      error
}

// ConnectionInfo describes a connection lifecycle transition.
type ConnectionInfo struct {
	HubID        string
	RoomID       string
	ActorID      string
	ConnectionID string
	SessionID    string
	CharacterID  string
	Reason       string
}

// ProtocolInfo describes an inbound message that could not be handled.
type ProtocolInfo struct {
	HubID        string
	RoomID       string
	ActorID      string
	ConnectionID string
	MessageType  string
	Err          error
}

// SendFailure describes an outbound envelope the transport refused.
type SendFailure struct {
	HubID        string
	RoomID       string
	ActorID      string
	ConnectionID string
	EnvelopeType string
	Err          error
}

// CatalogInfo describes a catalog change pushed to connections.
type CatalogInfo struct {
	HubID        string
	VersionStamp string
	Verbs        int
	Changed      []string
	Connections  int
}

// Recorder receives fire-and-forget telemetry for every hub event kind.
type Recorder interface {
	CommandAccepted(ctx context.Context, info CommandInfo)
	CommandRejected(ctx context.Context, info Rejection)
	NarrativeEscalated(ctx context.Context, info CommandInfo)
	NarrativeFailed(ctx context.Context, info CommandInfo, err error)
	ContestArmed(ctx context.Context, info ContestInfo)
	ContestStarted(ctx context.Context, info ContestInfo)
	ContestCooldown(ctx context.Context, info ContestInfo)
	ContestExpired(ctx context.Context, info ContestInfo)
	ContestResolved(ctx context.Context, info ContestInfo)
	StateUpdated(ctx context.Context, info StateInfo)
	WorkflowFailed(ctx context.Context, info FailureInfo)
	ProcessingFailed(ctx context.Context, info FailureInfo)
	ConnectionOpened(ctx context.Context, info ConnectionInfo)
	ConnectionClosed(ctx context.Context, info ConnectionInfo)
	HandshakeRejected(ctx context.Context, info ConnectionInfo)
	ProtocolError(ctx context.Context, info ProtocolInfo)
	SendFailed(ctx context.Context, info SendFailure)
	CatalogUpdated(ctx context.Context, info CatalogInfo)
}

// EventRecorder publishes structured logging events and bumps counters.
type EventRecorder struct {
	pub     logging.Publisher
	metrics Metrics
}

// NewEventRecorder builds a Recorder on top of a logging publisher.
func NewEventRecorder(pub logging.Publisher, metrics Metrics) *EventRecorder {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &EventRecorder{pub: pub, metrics: metrics}
}

// NopRecorder discards all telemetry.
func NopRecorder() Recorder {
	return NewEventRecorder(nil, nil)
}

func room(hubID, roomID string) logging.RoomRef {
	return logging.RoomRef{HubID: hubID, RoomID: roomID}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *EventRecorder) CommandAccepted(ctx context.Context, info CommandInfo) {
	r.metrics.Add(metricCommandsAccepted, 1)
	commands.Accepted(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), info.AuditRef, commands.AcceptedPayload{
		VerbID:       info.VerbID,
		IssuedAt:     info.IssuedAt.UnixMilli(),
		SafetyFlags:  info.SafetyFlags,
		Contest:      info.Contest,
		Escalates:    info.Escalates,
		ConnectionID: info.ConnectionID,
	}, nil)
}

func (r *EventRecorder) CommandRejected(ctx context.Context, info Rejection) {
	kind := apperrors.KindOf(info.Err)
	r.metrics.Add(metricCommandsRejected, 1)
	r.metrics.Add("commands_rejected_"+string(kind)+"_total", 1)
	payload := commands.RejectedPayload{
		VerbID:  info.VerbID,
		Kind:    string(kind),
		Code:    string(apperrors.CodeOf(info.Err)),
		Message: errString(info.Err),
	}
	if domain, ok := apperrors.As(info.Err); ok && domain.RetryIn > 0 {
		payload.RetryInMs = domain.RetryIn.Milliseconds()
	}
	commands.Rejected(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), payload, map[string]any{"connectionId": info.ConnectionID})
}

func (r *EventRecorder) NarrativeEscalated(ctx context.Context, info CommandInfo) {
	commands.NarrativeEscalated(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), info.AuditRef, commands.NarrativePayload{VerbID: info.VerbID}, nil)
}

func (r *EventRecorder) NarrativeFailed(ctx context.Context, info CommandInfo, err error) {
	r.metrics.Add(metricNarrativeFailures, 1)
	commands.NarrativeFailed(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), info.AuditRef, commands.NarrativePayload{VerbID: info.VerbID, Error: errString(err)}, nil)
}

func (r *EventRecorder) contest(ctx context.Context, eventType logging.EventType, metric string, info ContestInfo) {
	r.metrics.Add(metricContestPrefix+metric+"_total", 1)
	contests.Transition(ctx, r.pub, eventType, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), contests.Payload{
		ContestKey:   info.ContestKey,
		ContestID:    info.ContestID,
		VerbID:       info.VerbID,
		Participants: info.Participants,
		Status:       info.Status,
		Tier:         info.Tier,
		RemainingMs:  info.RemainingMs,
	}, nil)
}

func (r *EventRecorder) ContestArmed(ctx context.Context, info ContestInfo) {
	r.contest(ctx, contests.EventArmed, "armed", info)
}

func (r *EventRecorder) ContestStarted(ctx context.Context, info ContestInfo) {
	r.contest(ctx, contests.EventStarted, "started", info)
}

func (r *EventRecorder) ContestCooldown(ctx context.Context, info ContestInfo) {
	r.contest(ctx, contests.EventCooldown, "cooldown", info)
}

func (r *EventRecorder) ContestExpired(ctx context.Context, info ContestInfo) {
	r.contest(ctx, contests.EventExpired, "expired", info)
}

func (r *EventRecorder) ContestResolved(ctx context.Context, info ContestInfo) {
	r.contest(ctx, contests.EventResolved, "resolved", info)
}

func (r *EventRecorder) StateUpdated(ctx context.Context, info StateInfo) {
	r.metrics.Add(metricStateUpdates, 1)
	orchestration.StateUpdated(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), info.AuditRef, orchestration.StatePayload{
		Version: info.Version,
		VerbID:  info.VerbID,
		Reason:  info.Reason,
		Shard:   info.Shard,
	}, nil)
}

func (r *EventRecorder) WorkflowFailed(ctx context.Context, info FailureInfo) {
	r.metrics.Add(metricWorkflowFailures, 1)
	orchestration.WorkflowFailed(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), info.AuditRef, orchestration.FailurePayload{
		Stage:  info.Stage,
		VerbID: info.VerbID,
		Error:  errString(info.Err),
	}, nil)
}

func (r *EventRecorder) ProcessingFailed(ctx context.Context, info FailureInfo) {
	r.metrics.Add(metricProcessingFailures, 1)
	orchestration.ProcessingFailed(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), info.AuditRef, orchestration.FailurePayload{
		Stage:  info.Stage,
		VerbID: info.VerbID,
		Error:  errString(info.Err),
	}, nil)
}

func connectionPayload(info ConnectionInfo) lifecycle.ConnectionPayload {
	return lifecycle.ConnectionPayload{
		ConnectionID: info.ConnectionID,
		SessionID:    info.SessionID,
		CharacterID:  info.CharacterID,
		Reason:       info.Reason,
	}
}

func (r *EventRecorder) ConnectionOpened(ctx context.Context, info ConnectionInfo) {
	r.metrics.Add(metricConnectionsOpened, 1)
	lifecycle.ConnectionOpened(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), connectionPayload(info), nil)
}

func (r *EventRecorder) ConnectionClosed(ctx context.Context, info ConnectionInfo) {
	r.metrics.Add(metricConnectionsClosed, 1)
	lifecycle.ConnectionClosed(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), connectionPayload(info), nil)
}

func (r *EventRecorder) HandshakeRejected(ctx context.Context, info ConnectionInfo) {
	r.metrics.Add(metricHandshakeRejected, 1)
	lifecycle.HandshakeRejected(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), connectionPayload(info), nil)
}

func (r *EventRecorder) ProtocolError(ctx context.Context, info ProtocolInfo) {
	r.metrics.Add(metricProtocolErrors, 1)
	network.ProtocolError(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), network.ProtocolErrorPayload{
		ConnectionID: info.ConnectionID,
		MessageType:  info.MessageType,
		Code:         string(apperrors.CodeOf(info.Err)),
		Message:      errString(info.Err),
	}, nil)
}

func (r *EventRecorder) SendFailed(ctx context.Context, info SendFailure) {
	r.metrics.Add(metricSendFailures, 1)
	network.SendFailed(ctx, r.pub, room(info.HubID, info.RoomID), logging.Actor(info.ActorID), network.SendFailedPayload{
		ConnectionID: info.ConnectionID,
		EnvelopeType: info.EnvelopeType,
		Error:        errString(info.Err),
	}, nil)
}

func (r *EventRecorder) CatalogUpdated(ctx context.Context, info CatalogInfo) {
	r.metrics.Add(metricCatalogUpdates, 1)
	catalogs.Updated(ctx, r.pub, info.HubID, catalogs.UpdatedPayload{
		VersionStamp: info.VersionStamp,
		Verbs:        info.Verbs,
		Changed:      info.Changed,
		Connections:  info.Connections,
	}, nil)
}
