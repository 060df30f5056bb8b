package orchestrator

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/command"
	"glass-frontier/hub/internal/contest"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/roomstate"
	"glass-frontier/hub/internal/telemetry"
	"glass-frontier/hub/internal/workflow"
)

// State broadcast reasons.
const (
	ReasonCommand  = "command"
	ReasonPresence = "presence"
	ReasonContest  = "contest"
)

// Contest event types beyond the registration statuses.
const (
	ContestEventExpired  = "expired"
	ContestEventResolved = "resolved"
)

// Workflow kinds reported in state updates.
const (
	WorkflowKindAction  = "action"
	WorkflowKindContest = "contest"
)

func (o *Orchestrator) startSpan(ctx context.Context, name string, index int, ev bus.Event) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("hub.id", ev.HubID()),
			attribute.String("room.id", ev.RoomID()),
			attribute.Int("shard", index),
		),
	}
	if ev.Span.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: ev.Span}))
	}
	return o.tracer.Start(ctx, name, opts...)
}

func (o *Orchestrator) handleCommand(ctx context.Context, index int, ev bus.Event) {
	cmd := ev.Command
	ctx, span := o.startSpan(ctx, "orchestrator.command", index, ev)
	span.SetAttributes(attribute.String("verb.id", cmd.VerbID), attribute.String("audit.ref", cmd.Metadata.AuditRef))
	defer span.End()

	o.sweep(ctx, index, cmd.HubID, cmd.RoomID)

	var workflows []proto.WorkflowStatus
	if cmd.Verb.Workflow && o.workflow != nil {
		workflows = append(workflows, o.startActionWorkflow(ctx, cmd))
	}

	var contestEvent *proto.ContestEvent
	var folded *contest.Record
	if cmd.Metadata.Contest != nil {
		reg, err := o.contests.Register(cmd, cmd.Metadata.IssuedAt)
		if err != nil {
			o.processingFailed(ctx, span, cmd, "contest", err)
		} else {
			state := reg.State
			contestEvent = &proto.ContestEvent{
				Type:        string(reg.Status),
				ContestKey:  state.ContestKey,
				ContestID:   state.ContestID,
				RemainingMs: reg.RemainingMs,
				Contest:     &state,
			}
			info := contestInfo(cmd.ActorID, state, reg.RemainingMs)
			switch reg.Status {
			case contest.RegistrationArming:
				folded = &state
				o.recorder.ContestArmed(ctx, info)
			case contest.RegistrationStarted:
				folded = &state
				o.recorder.ContestStarted(ctx, info)
				if reg.Bundle != nil && o.workflow != nil {
					workflows = append(workflows, o.startContestWorkflow(ctx, cmd, *reg.Bundle))
				}
			case contest.RegistrationCooldown:
				o.recorder.ContestCooldown(ctx, info)
			}
		}
	}

	entries, presenceErr := o.presence.ListRoomParticipants(ctx, cmd.HubID, cmd.RoomID)
	if presenceErr != nil {
		o.processingFailed(ctx, span, cmd, "presence", presenceErr)
	}

	project := o.projectionFor(cmd)
	snapshot, err := o.store.UpdateRoomState(ctx, cmd.HubID, cmd.RoomID, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := DecodeDocument(current)
		if err != nil {
			return nil, err
		}
		if presenceErr == nil {
			doc.SetParticipants(entries)
		}
		doc.ApplyCommand(cmd, project)
		if folded != nil {
			doc.UpsertContest(*folded)
		}
		return doc.Encode()
	})
	if err != nil {
		o.processingFailed(ctx, span, cmd, "state", err)
		return
	}

	if cmd.Metadata.SessionID != "" {
		if err := o.store.RecordTracker(ctx, roomstate.TrackerEntry{
			SessionID:  cmd.Metadata.SessionID,
			HubID:      cmd.HubID,
			RoomID:     cmd.RoomID,
			Version:    snapshot.Version,
			VerbID:     cmd.VerbID,
			ActorID:    cmd.ActorID,
			AuditRef:   cmd.Metadata.AuditRef,
			Kind:       roomstate.TrackerCommand,
			RecordedAt: o.clock.Now(),
		}); err != nil {
			o.logger.Printf("orchestrator: tracker for session %s failed: %v", cmd.Metadata.SessionID, err)
		}
	}

	payload := statePayload(snapshot)
	payload.Command = &proto.CommandSummary{
		VerbID:   cmd.VerbID,
		ActorID:  cmd.ActorID,
		Args:     cmd.Args,
		IssuedAt: cmd.Metadata.IssuedAt.UnixMilli(),
		AuditRef: cmd.Metadata.AuditRef,
	}
	if len(workflows) > 0 {
		payload.Workflow = &workflows[0]
	}
	payload.Meta = &proto.StateMeta{Reason: ReasonCommand, ContestEvent: contestEvent, Workflows: workflows}
	o.broadcaster.Broadcast(ctx, cmd.HubID, cmd.RoomID, proto.NewEnvelope(proto.TypeStateUpdate, payload))

	span.SetAttributes(attribute.Int64("room.version", snapshot.Version))
	o.recorder.StateUpdated(ctx, telemetry.StateInfo{
		HubID:    cmd.HubID,
		RoomID:   cmd.RoomID,
		ActorID:  cmd.ActorID,
		VerbID:   cmd.VerbID,
		AuditRef: cmd.Metadata.AuditRef,
		Reason:   ReasonCommand,
		Version:  snapshot.Version,
		Shard:    index,
	})
}

// sweep expires the room's overdue contests, folding and broadcasting each.
func (o *Orchestrator) sweep(ctx context.Context, index int, hubID, roomID string) {
	for _, record := range o.contests.Expire(hubID, roomID, o.clock.Now()) {
		o.recorder.ContestExpired(ctx, contestInfo("", record, 0))
		o.foldContest(ctx, index, record, ContestEventExpired)
	}
}

func (o *Orchestrator) resolve(ctx context.Context, index int, req *resolveRequest) (contest.Record, error) {
	ev := bus.Event{Kind: bus.KindCommand, Command: command.Command{HubID: req.hubID, RoomID: req.roomID}}
	ctx, span := o.startSpan(ctx, "orchestrator.resolveContest", index, ev)
	defer span.End()

	if active, ok := o.contests.Active(req.contestID); ok && (active.HubID != req.hubID || active.RoomID != req.roomID) {
		err := apperrors.Validation(apperrors.CodeContestNotActive, "contest "+req.contestID+" is not active in this room")
		span.RecordError(err)
		return contest.Record{}, err
	}
	record, err := o.contests.Resolve(req.contestID, req.outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return contest.Record{}, err
	}
	o.recorder.ContestResolved(ctx, contestInfo("", record, 0))
	o.foldContest(ctx, index, record, ContestEventResolved)
	return record, nil
}

func (o *Orchestrator) foldContest(ctx context.Context, index int, record contest.Record, eventType string) {
	snapshot, err := o.store.UpdateRoomState(ctx, record.HubID, record.RoomID, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := DecodeDocument(current)
		if err != nil {
			return nil, err
		}
		doc.UpsertContest(record)
		return doc.Encode()
	})
	if err != nil {
		o.recorder.ProcessingFailed(ctx, telemetry.FailureInfo{
			HubID:  record.HubID,
			RoomID: record.RoomID,
			VerbID: record.VerbID,
			Stage:  "contest",
			Err:    err,
		})
		return
	}
	payload := statePayload(snapshot)
	payload.Meta = &proto.StateMeta{
		Reason: ReasonContest,
		ContestEvent: &proto.ContestEvent{
			Type:       eventType,
			ContestKey: record.ContestKey,
			ContestID:  record.ContestID,
			Contest:    &record,
		},
	}
	o.broadcaster.Broadcast(ctx, record.HubID, record.RoomID, proto.NewEnvelope(proto.TypeStateUpdate, payload))
	o.recorder.StateUpdated(ctx, telemetry.StateInfo{
		HubID:   record.HubID,
		RoomID:  record.RoomID,
		VerbID:  record.VerbID,
		Reason:  ReasonContest,
		Version: snapshot.Version,
		Shard:   index,
	})
}

func (o *Orchestrator) handlePresence(ctx context.Context, index int, ev bus.Event, opened bool) {
	ref := ev.Connection
	ctx, span := o.startSpan(ctx, "orchestrator.presence", index, ev)
	span.SetAttributes(attribute.String("connection.id", ref.ConnectionID), attribute.Bool("opened", opened))
	defer span.End()

	failure := telemetry.FailureInfo{HubID: ref.HubID, RoomID: ref.RoomID, ActorID: ref.ActorID, Stage: "presence"}
	entries, err := o.presence.ListRoomParticipants(ctx, ref.HubID, ref.RoomID)
	if err != nil {
		failure.Err = err
		span.RecordError(err)
		o.recorder.ProcessingFailed(ctx, failure)
		return
	}
	snapshot, err := o.store.UpdateRoomState(ctx, ref.HubID, ref.RoomID, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := DecodeDocument(current)
		if err != nil {
			return nil, err
		}
		doc.SetParticipants(entries)
		return doc.Encode()
	})
	if err != nil {
		failure.Err = err
		span.RecordError(err)
		o.recorder.ProcessingFailed(ctx, failure)
		return
	}

	if ref.SessionID != "" {
		if err := o.store.RecordTracker(ctx, roomstate.TrackerEntry{
			SessionID:  ref.SessionID,
			HubID:      ref.HubID,
			RoomID:     ref.RoomID,
			Version:    snapshot.Version,
			ActorID:    ref.ActorID,
			Kind:       roomstate.TrackerPresence,
			RecordedAt: o.clock.Now(),
		}); err != nil {
			o.logger.Printf("orchestrator: tracker for session %s failed: %v", ref.SessionID, err)
		}
	}

	eventType := proto.PresenceClosed
	if opened {
		eventType = proto.PresenceOpened
	}
	payload := statePayload(snapshot)
	payload.Meta = &proto.StateMeta{
		Reason: ReasonPresence,
		PresenceEvent: &proto.PresenceEvent{
			Type:         eventType,
			ConnectionID: ref.ConnectionID,
			ActorID:      ref.ActorID,
		},
	}
	o.broadcaster.Broadcast(ctx, ref.HubID, ref.RoomID, proto.NewEnvelope(proto.TypeStateUpdate, payload))

	if opened {
		if err := o.broadcaster.SendTo(ctx, ref.ConnectionID, proto.NewEnvelope(proto.TypeStateSnapshot, statePayload(snapshot))); err != nil {
			o.logger.Printf("orchestrator: snapshot for %s not delivered: %v", ref.ConnectionID, err)
		}
	}
	o.recorder.StateUpdated(ctx, telemetry.StateInfo{
		HubID:   ref.HubID,
		RoomID:  ref.RoomID,
		ActorID: ref.ActorID,
		Reason:  ReasonPresence,
		Version: snapshot.Version,
		Shard:   index,
	})
}

func (o *Orchestrator) startActionWorkflow(ctx context.Context, cmd command.Command) proto.WorkflowStatus {
	handle, err := o.workflow.StartHubActionWorkflow(ctx, workflow.ActionRequest{
		HubID:    cmd.HubID,
		RoomID:   cmd.RoomID,
		ActorID:  cmd.ActorID,
		VerbID:   cmd.VerbID,
		AuditRef: cmd.Metadata.AuditRef,
		Args:     cmd.Args,
		IssuedAt: cmd.Metadata.IssuedAt,
	})
	return o.workflowStatus(ctx, cmd, WorkflowKindAction, handle, err)
}

func (o *Orchestrator) startContestWorkflow(ctx context.Context, cmd command.Command, bundle contest.Bundle) proto.WorkflowStatus {
	handle, err := o.workflow.StartHubContestWorkflow(ctx, bundle)
	return o.workflowStatus(ctx, cmd, WorkflowKindContest, handle, err)
}

func (o *Orchestrator) workflowStatus(ctx context.Context, cmd command.Command, kind string, handle workflow.Handle, err error) proto.WorkflowStatus {
	if err != nil {
		wrapped := apperrors.WorkflowFailure("start "+kind+" workflow", err)
		trace.SpanFromContext(ctx).RecordError(wrapped)
		o.recorder.WorkflowFailed(ctx, telemetry.FailureInfo{
			HubID:    cmd.HubID,
			RoomID:   cmd.RoomID,
			ActorID:  cmd.ActorID,
			VerbID:   cmd.VerbID,
			AuditRef: cmd.Metadata.AuditRef,
			Stage:    kind,
			Err:      wrapped,
		})
		return proto.WorkflowStatus{Status: proto.WorkflowFailed, Kind: kind, Error: wrapped.Error()}
	}
	return proto.WorkflowStatus{Status: proto.WorkflowStarted, Kind: kind, WorkflowID: handle.WorkflowID, RunID: handle.RunID}
}

func (o *Orchestrator) processingFailed(ctx context.Context, span trace.Span, cmd command.Command, stage string, err error) {
	span.RecordError(err)
	o.recorder.ProcessingFailed(ctx, telemetry.FailureInfo{
		HubID:    cmd.HubID,
		RoomID:   cmd.RoomID,
		ActorID:  cmd.ActorID,
		VerbID:   cmd.VerbID,
		AuditRef: cmd.Metadata.AuditRef,
		Stage:    stage,
		Err:      apperrors.Processing(stage, err),
	})
}

func statePayload(snapshot roomstate.Snapshot) proto.StatePayload {
	return proto.StatePayload{
		HubID:   snapshot.HubID,
		RoomID:  snapshot.RoomID,
		Version: snapshot.Version,
		State:   snapshot.State,
	}
}

func contestInfo(actorID string, record contest.Record, remainingMs int64) telemetry.ContestInfo {
	info := telemetry.ContestInfo{
		HubID:        record.HubID,
		RoomID:       record.RoomID,
		ActorID:      actorID,
		ContestKey:   record.ContestKey,
		ContestID:    record.ContestID,
		VerbID:       record.VerbID,
		Status:       string(record.Status),
		Participants: record.ParticipantIDs(),
		RemainingMs:  remainingMs,
	}
	if record.Outcome != nil {
		info.Tier = record.Outcome.Tier
	}
	return info
}

// Snapshot reads the room's current state.
func (o *Orchestrator) Snapshot(ctx context.Context, hubID, roomID string) (roomstate.Snapshot, error) {
	return o.store.GetRoomState(ctx, hubID, roomID)
}
