package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"glass-frontier/hub/internal/command"
	"glass-frontier/hub/internal/contest"
	"glass-frontier/hub/internal/presence"
)

// Room document list caps. Oldest entries are evicted first.
const (
	MaxRecentCommands = 50
	MaxChatLog        = 100
	MaxPendingTrades  = 25
	MaxRitualLog      = 25
	MaxContests       = 20
)

// Verb categories with a dedicated projection.
const (
	CategoryChat   = "chat"
	CategoryTrade  = "trade"
	CategoryRitual = "ritual"
)

// Participant is a connection present in the room.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	ActorID      string    `json:"actorId"`
	CharacterID  string    `json:"characterId,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// CommandEntry is a command folded into the room's recent history.
type CommandEntry struct {
	VerbID      string         `json:"verbId"`
	ActorID     string         `json:"actorId"`
	Args        map[string]any `json:"args,omitempty"`
	IssuedAt    time.Time      `json:"issuedAt"`
	AuditRef    string         `json:"auditRef,omitempty"`
	SafetyFlags []string       `json:"safetyFlags,omitempty"`
}

// ChatEntry is one line of the room chat log.
type ChatEntry struct {
	ActorID     string    `json:"actorId"`
	CharacterID string    `json:"characterId,omitempty"`
	VerbID      string    `json:"verbId"`
	Message     string    `json:"message"`
	IssuedAt    time.Time `json:"issuedAt"`
	AuditRef    string    `json:"auditRef,omitempty"`
}

// TradeEntry is an offer awaiting the counterparty.
type TradeEntry struct {
	ActorID       string         `json:"actorId"`
	TargetActorID string         `json:"targetActorId,omitempty"`
	VerbID        string         `json:"verbId"`
	Args          map[string]any `json:"args,omitempty"`
	IssuedAt      time.Time      `json:"issuedAt"`
	AuditRef      string         `json:"auditRef,omitempty"`
}

// RitualEntry records a ritual verb and its momentum effect.
type RitualEntry struct {
	ActorID  string         `json:"actorId"`
	VerbID   string         `json:"verbId"`
	Args     map[string]any `json:"args,omitempty"`
	Momentum map[string]int `json:"momentum,omitempty"`
	IssuedAt time.Time      `json:"issuedAt"`
	AuditRef string         `json:"auditRef,omitempty"`
}

// RoomDocument is the state document the orchestrator keeps per room.
type RoomDocument struct {
	Participants   []Participant    `json:"participants"`
	RecentCommands []CommandEntry   `json:"recentCommands"`
	ChatLog        []ChatEntry      `json:"chatLog"`
	PendingTrades  []TradeEntry     `json:"pendingTrades"`
	RitualLog      []RitualEntry    `json:"ritualLog"`
	Contests       []contest.Record `json:"contests"`
}

// Projection folds a command into the room document. It must be pure.
type Projection func(doc *RoomDocument, cmd command.Command)

// DecodeDocument parses a stored state document. An empty document yields
// an empty RoomDocument.
func DecodeDocument(raw json.RawMessage) (RoomDocument, error) {
	var doc RoomDocument
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return RoomDocument{}, fmt.Errorf("decode room document: %w", err)
		}
	}
	return doc, nil
}

// Encode renders the document with every list present.
func (d RoomDocument) Encode() (json.RawMessage, error) {
	if d.Participants == nil {
		d.Participants = []Participant{}
	}
	if d.RecentCommands == nil {
		d.RecentCommands = []CommandEntry{}
	}
	if d.ChatLog == nil {
		d.ChatLog = []ChatEntry{}
	}
	if d.PendingTrades == nil {
		d.PendingTrades = []TradeEntry{}
	}
	if d.RitualLog == nil {
		d.RitualLog = []RitualEntry{}
	}
	if d.Contests == nil {
		d.Contests = []contest.Record{}
	}
	return json.Marshal(d)
}

// SetParticipants replaces the roster from a presence snapshot.
func (d *RoomDocument) SetParticipants(entries []presence.Entry) {
	participants := make([]Participant, 0, len(entries))
	for _, entry := range entries {
		participants = append(participants, Participant{
			ConnectionID: entry.ConnectionID,
			ActorID:      entry.ActorID,
			CharacterID:  entry.CharacterID,
			ConnectedAt:  entry.ConnectedAt,
		})
	}
	d.Participants = participants
}

// UpsertContest replaces the entry for the same contest or appends it.
func (d *RoomDocument) UpsertContest(record contest.Record) {
	for i, existing := range d.Contests {
		sameID := record.ContestID != "" && existing.ContestID == record.ContestID
		sameSlot := existing.ContestKey == record.ContestKey && !existing.Status.Terminal() && existing.ContestID == ""
		if sameID || sameSlot {
			d.Contests[i] = record
			return
		}
	}
	d.Contests = capped(append(d.Contests, record), MaxContests)
}

// ApplyCommand runs the recent-commands projection followed by the verb's
// own projection.
func (d *RoomDocument) ApplyCommand(cmd command.Command, project Projection) {
	d.RecentCommands = capped(append(d.RecentCommands, CommandEntry{
		VerbID:      cmd.VerbID,
		ActorID:     cmd.ActorID,
		Args:        cmd.Args,
		IssuedAt:    cmd.Metadata.IssuedAt,
		AuditRef:    cmd.Metadata.AuditRef,
		SafetyFlags: cmd.Metadata.SafetyFlags,
	}), MaxRecentCommands)
	if project != nil {
		project(d, cmd)
	}
}

// DefaultProjections maps verb categories to projections.
func DefaultProjections() map[string]Projection {
	return map[string]Projection{
		CategoryChat:   projectChat,
		CategoryTrade:  projectTrade,
		CategoryRitual: projectRitual,
	}
}

func projectChat(d *RoomDocument, cmd command.Command) {
	d.ChatLog = capped(append(d.ChatLog, ChatEntry{
		ActorID:     cmd.ActorID,
		CharacterID: cmd.Metadata.CharacterID,
		VerbID:      cmd.VerbID,
		Message:     firstString(cmd.Args, "message", "text", "content"),
		IssuedAt:    cmd.Metadata.IssuedAt,
		AuditRef:    cmd.Metadata.AuditRef,
	}), MaxChatLog)
}

func projectTrade(d *RoomDocument, cmd command.Command) {
	d.PendingTrades = capped(append(d.PendingTrades, TradeEntry{
		ActorID:       cmd.ActorID,
		TargetActorID: firstString(cmd.Args, "targetActorId", "target", "counterpartyId"),
		VerbID:        cmd.VerbID,
		Args:          cmd.Args,
		IssuedAt:      cmd.Metadata.IssuedAt,
		AuditRef:      cmd.Metadata.AuditRef,
	}), MaxPendingTrades)
}

func projectRitual(d *RoomDocument, cmd command.Command) {
	var momentum map[string]int
	if len(cmd.Verb.Momentum) > 0 {
		momentum = make(map[string]int, len(cmd.Verb.Momentum))
		for k, v := range cmd.Verb.Momentum {
			momentum[k] = v
		}
	}
	d.RitualLog = capped(append(d.RitualLog, RitualEntry{
		ActorID:  cmd.ActorID,
		VerbID:   cmd.VerbID,
		Args:     cmd.Args,
		Momentum: momentum,
		IssuedAt: cmd.Metadata.IssuedAt,
		AuditRef: cmd.Metadata.AuditRef,
	}), MaxRitualLog)
}

func firstString(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func capped[T any](list []T, limit int) []T {
	if overflow := len(list) - limit; overflow > 0 {
		return append([]T(nil), list[overflow:]...)
	}
	return list
}
