package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"glass-frontier/hub/logging"
)

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})
	event := logging.Event{
		Type:     "commands.rejected",
		Room:     logging.RoomRef{HubID: "hub", RoomID: "room"},
		Actor:    logging.Actor("a1"),
		Targets:  []logging.EntityRef{logging.Actor("a2")},
		Severity: logging.SeverityWarn,
		AuditRef: "audit",
		Payload:  map[string]string{"code": "rate_limited"},
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("write: %v", err)
	}
	line := buf.String()
	for _, fragment := range []string{"[commands.rejected]", "room=hub/room", "actor=actor:a1", "severity=warn", "audit=audit", "targets=actor:a2", `"code":"rate_limited"`} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
}

func TestJSONSinkEncodesEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)
	event := logging.Event{
		Type:     "orchestration.state_updated",
		Time:     time.UnixMilli(1000).UTC(),
		Room:     logging.RoomRef{HubID: "hub", RoomID: "room"},
		Severity: logging.SeverityInfo,
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["roomId"] != "room" || decoded["severity"] != "info" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestMemorySinkReset(t *testing.T) {
	sink := NewMemorySink(0)
	sink.Write(logging.Event{Type: "a", Extra: map[string]any{"k": 1}})
	events := sink.Events()
	events[0].Extra["k"] = 2
	if sink.Events()[0].Extra["k"] != 1 {
		t.Fatalf("expected stored events to be isolated from callers")
	}
	sink.Reset()
	if len(sink.Events()) != 0 {
		t.Fatalf("expected reset to clear events")
	}
}

func TestMemorySinkEvictsOldestBeyondRetention(t *testing.T) {
	sink := NewMemorySink(2)
	for _, eventType := range []logging.EventType{"a", "b", "c"} {
		sink.Write(logging.Event{Type: eventType})
	}
	events := sink.Events()
	if len(events) != 2 || events[0].Type != "b" || events[1].Type != "c" {
		t.Fatalf("expected the two newest events, got %+v", events)
	}
	if sink.Evicted() != 1 {
		t.Fatalf("expected one eviction, got %d", sink.Evicted())
	}
}

func TestMemorySinkFiltersByRoom(t *testing.T) {
	sink := NewMemorySink(0)
	lobby := logging.RoomRef{HubID: "hub", RoomID: "lobby"}
	sink.Write(logging.Event{Type: "a", Room: lobby})
	sink.Write(logging.Event{Type: "b", Room: logging.RoomRef{HubID: "hub", RoomID: "arena"}})
	sink.Write(logging.Event{Type: "c", Room: lobby})
	events := sink.EventsInRoom(lobby)
	if len(events) != 2 || events[0].Type != "a" || events[1].Type != "c" {
		t.Fatalf("unexpected room events: %+v", events)
	}
}

func TestJSONSinkOmitsEmptyActor(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)
	if err := sink.Write(logging.Event{Type: "lifecycle.started"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(buf.String(), `"actor"`) {
		t.Fatalf("expected no actor field in %s", buf.String())
	}
}
