package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/command"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/journal"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/telemetry"
)

// HandleMessage processes one inbound frame. Malformed frames and command
// failures are answered on the connection and never close it; the returned
// error reports only an unknown connection or a failed send.
func (g *Gateway) HandleMessage(ctx context.Context, connectionID string, payload []byte) error {
	conn, ok := g.conns.get(connectionID)
	if !ok || conn.State() != StateOpen {
		return ErrUnknownConnection
	}

	msg, err := proto.DecodeClientMessage(payload)
	if err != nil {
		g.recorder.ProtocolError(ctx, protocolInfo(conn, msg.Type, err))
		return g.sendError(ctx, conn, apperrors.CodeProtocolError, err.Error(), msg.Type)
	}

	switch msg.Type {
	case proto.TypePing:
		ping := proto.DecodePing(msg)
		return g.send(ctx, conn, proto.NewEnvelope(proto.TypeSystemPong, proto.PongPayload{
			ServerTime: g.now().UnixMilli(),
			ClientTime: ping.SentAt,
		}))
	case proto.TypeCommand:
		return g.handleCommand(ctx, conn, msg)
	default:
		unknown := apperrors.Validation(apperrors.CodeUnknownType, "unknown message type "+msg.Type)
		g.recorder.ProtocolError(ctx, protocolInfo(conn, msg.Type, unknown))
		return g.sendError(ctx, conn, apperrors.CodeUnknownType, unknown.Message, msg.Type)
	}
}

func (g *Gateway) handleCommand(ctx context.Context, conn *Connection, msg proto.ClientMessage) error {
	ctx, span := g.tracer.Start(ctx, "gateway.command",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("hub.id", conn.HubID),
			attribute.String("room.id", conn.RoomID),
			attribute.String("actor.id", conn.ActorID),
			attribute.String("connection.id", conn.ID),
		))
	defer span.End()

	body, err := proto.DecodeCommand(msg)
	if err != nil {
		return g.reject(ctx, conn, "", apperrors.Validation(apperrors.CodeCommandInvalid, err.Error()))
	}
	span.SetAttributes(attribute.String("verb.id", body.Verb))

	cmd, _, err := g.parser.ParseResolved(ctx, command.Raw{
		Verb:         body.Verb,
		ActorID:      conn.ActorID,
		RoomID:       conn.RoomID,
		HubID:        conn.HubID,
		Args:         body.Args,
		Metadata:     connectionMetadata(conn, body.Metadata),
		Capabilities: conn.Capabilities,
	})
	if err != nil {
		return g.reject(ctx, conn, body.Verb, err)
	}
	cmd = cmd.Enrich(func() string { return g.nextID("audit") })
	span.SetAttributes(attribute.String("audit.ref", cmd.Metadata.AuditRef))

	var sequence int64
	if g.actionLog != nil {
		record, err := g.actionLog.Append(ctx, journal.FromCommand(cmd))
		if err != nil {
			return g.reject(ctx, conn, cmd.VerbID, apperrors.Processing("append action log", err))
		}
		sequence = record.Sequence
	}

	if err := g.bus.Publish(ctx, bus.Event{
		Kind:        bus.KindCommand,
		Command:     cmd,
		Span:        span.SpanContext(),
		PublishedAt: g.now(),
	}); err != nil {
		return g.reject(ctx, conn, cmd.VerbID, apperrors.Processing("publish command", err))
	}

	info := commandInfo(conn, cmd)
	g.recorder.CommandAccepted(ctx, info)

	if cmd.RequiresNarrative && g.narrative != nil {
		if err := g.escalate(ctx, conn, cmd, info); err != nil {
			return err
		}
	}

	return g.send(ctx, conn, proto.NewEnvelope(proto.TypeCommandAccepted, proto.CommandAcceptedPayload{
		VerbID:   cmd.VerbID,
		IssuedAt: cmd.Metadata.IssuedAt.UnixMilli(),
		AuditRef: cmd.Metadata.AuditRef,
		Sequence: sequence,
	}))
}

// escalate forwards the narrative result to the originating connection.
// The command is already logged and published by now, so a bridge failure
// is reported as a system error rather than a rejection.
func (g *Gateway) escalate(ctx context.Context, conn *Connection, cmd command.Command, info telemetry.CommandInfo) error {
	result, err := g.narrative.Escalate(ctx, cmd)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		g.recorder.NarrativeFailed(ctx, info, err)
		return g.sendError(ctx, conn, apperrors.CodeNarrativeFailed, "narrative escalation failed: "+err.Error(), proto.TypeCommand)
	}
	g.recorder.NarrativeEscalated(ctx, info)
	return g.send(ctx, conn, proto.NewEnvelope(proto.TypeNarrativeUpdate, proto.NarrativePayload{
		VerbID:         cmd.VerbID,
		NarrativeEvent: result.NarrativeEvent,
		CheckRequest:   result.CheckRequest,
		Safety:         result.Safety,
		AuditRef:       cmd.Metadata.AuditRef,
	}))
}

// reject answers a failed command with exactly one hub.command.rejected.
func (g *Gateway) reject(ctx context.Context, conn *Connection, verbID string, err error) error {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))

	payload := proto.CommandRejectedPayload{
		VerbID:  verbID,
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	}
	if domain, ok := apperrors.As(err); ok {
		if domain.Message != "" {
			payload.Message = domain.Message
		}
		payload.Metadata = domain.Metadata
		if domain.RetryIn > 0 {
			payload.RetryInMs = domain.RetryIn.Milliseconds()
		}
	}
	g.recorder.CommandRejected(ctx, telemetry.Rejection{
		HubID:        conn.HubID,
		RoomID:       conn.RoomID,
		ActorID:      conn.ActorID,
		VerbID:       verbID,
		ConnectionID: conn.ID,
		Err:          err,
	})
	return g.send(ctx, conn, proto.NewEnvelope(proto.TypeCommandRejected, payload))
}

func (g *Gateway) sendError(ctx context.Context, conn *Connection, code apperrors.Code, message, messageType string) error {
	return g.send(ctx, conn, proto.NewEnvelope(proto.TypeSystemError, proto.ErrorPayload{
		Code:        string(code),
		Message:     message,
		MessageType: messageType,
	}))
}

// connectionMetadata overlays the connection identity on client metadata so
// clients cannot claim another session.
func connectionMetadata(conn *Connection, clientMeta map[string]any) map[string]any {
	meta := make(map[string]any, len(clientMeta)+3)
	for k, v := range clientMeta {
		meta[k] = v
	}
	meta[command.MetaConnectionID] = conn.ID
	if conn.SessionID != "" {
		meta[command.MetaSessionID] = conn.SessionID
	} else {
		delete(meta, command.MetaSessionID)
	}
	if conn.CharacterID != "" {
		meta[command.MetaCharacterID] = conn.CharacterID
	} else {
		delete(meta, command.MetaCharacterID)
	}
	return meta
}

func commandInfo(conn *Connection, cmd command.Command) telemetry.CommandInfo {
	return telemetry.CommandInfo{
		HubID:        cmd.HubID,
		RoomID:       cmd.RoomID,
		ActorID:      cmd.ActorID,
		VerbID:       cmd.VerbID,
		AuditRef:     cmd.Metadata.AuditRef,
		ConnectionID: conn.ID,
		IssuedAt:     cmd.Metadata.IssuedAt,
		SafetyFlags:  cmd.Metadata.SafetyFlags,
		Contest:      cmd.Metadata.Contest != nil,
		Escalates:    cmd.RequiresNarrative,
	}
}

func protocolInfo(conn *Connection, messageType string, err error) telemetry.ProtocolInfo {
	return telemetry.ProtocolInfo{
		HubID:        conn.HubID,
		RoomID:       conn.RoomID,
		ActorID:      conn.ActorID,
		ConnectionID: conn.ID,
		MessageType:  messageType,
		Err:          err,
	}
}
