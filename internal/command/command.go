// Package command turns raw client commands into validated, immutable
// commands ready for the action log and the orchestrator.
package command

import (
	"sort"
	"time"

	"glass-frontier/hub/internal/catalog"
)

// Raw is an inbound command before validation.
type Raw struct {
	Verb         string
	ActorID      string
	RoomID       string
	HubID        string
	Args         map[string]any
	Metadata     map[string]any
	Capabilities []string
}

// ContestMetadata is attached to commands whose verb declares a contest policy.
type ContestMetadata struct {
	ContestKey             string               `json:"contestKey"`
	VerbID                 string               `json:"verbId"`
	Label                  string               `json:"label,omitempty"`
	InitiatorID            string               `json:"initiatorId"`
	TargetActorID          string               `json:"targetActorId,omitempty"`
	Participants           []string             `json:"participants"`
	Roles                  catalog.ContestRoles `json:"roles"`
	WindowMs               int64                `json:"windowMs"`
	Capacity               int                  `json:"capacity"`
	ModerationTags         []string             `json:"moderationTags,omitempty"`
	SharedComplicationTags []string             `json:"sharedComplicationTags,omitempty"`
	Rematch                *catalog.Rematch     `json:"rematch,omitempty"`
}

// Metadata carries everything about a command that is not an argument.
type Metadata struct {
	IssuedAt       time.Time        `json:"issuedAt"`
	AuditRef       string           `json:"auditRef,omitempty"`
	CapabilityRefs []string         `json:"capabilityRefs,omitempty"`
	SafetyFlags    []string         `json:"safetyFlags,omitempty"`
	Contest        *ContestMetadata `json:"contest,omitempty"`
	SessionID      string           `json:"sessionId,omitempty"`
	ConnectionID   string           `json:"connectionId,omitempty"`
	CharacterID    string           `json:"characterId,omitempty"`
	Extra          map[string]any   `json:"extra,omitempty"`
}

// Command is a validated command. Values are never mutated after parsing;
// use WithMetadata to derive an enriched copy.
type Command struct {
	Verb              catalog.Verb   `json:"-"`
	VerbID            string         `json:"verbId"`
	ActorID           string         `json:"actorId"`
	RoomID            string         `json:"roomId"`
	HubID             string         `json:"hubId"`
	Args              map[string]any `json:"args"`
	Metadata          Metadata       `json:"metadata"`
	RequiresNarrative bool           `json:"requiresNarrative"`
}

// RoomKey identifies the command's room across hubs.
func (c Command) RoomKey() string {
	return RoomKey(c.HubID, c.RoomID)
}

// RoomKey joins a hub and room id.
func RoomKey(hubID, roomID string) string {
	return hubID + "/" + roomID
}

// Clone returns a deep copy of the command.
func (c Command) Clone() Command {
	clone := c
	clone.Verb = c.Verb.Clone()
	clone.Args = cloneMap(c.Args)
	clone.Metadata = c.Metadata.clone()
	return clone
}

// WithMetadata returns a copy whose metadata was modified by fn.
func (c Command) WithMetadata(fn func(*Metadata)) Command {
	clone := c.Clone()
	if fn != nil {
		fn(&clone.Metadata)
	}
	return clone
}

// Enrich merges verb-declared safety tags, contest moderation tags and the
// verb's capability references into the metadata and assigns an audit
// reference when none is present.
func (c Command) Enrich(auditRef func() string) Command {
	return c.WithMetadata(func(meta *Metadata) {
		flags := append([]string(nil), c.Verb.SafetyTags...)
		flags = append(flags, meta.SafetyFlags...)
		if meta.Contest != nil {
			flags = append(flags, meta.Contest.ModerationTags...)
		}
		meta.SafetyFlags = SortedUnique(flags...)
		meta.CapabilityRefs = SortedUnique(append(meta.CapabilityRefs, c.Verb.Capabilities...)...)
		if meta.AuditRef == "" && auditRef != nil {
			meta.AuditRef = auditRef()
		}
	})
}

func (m Metadata) clone() Metadata {
	clone := m
	clone.CapabilityRefs = cloneStrings(m.CapabilityRefs)
	clone.SafetyFlags = cloneStrings(m.SafetyFlags)
	clone.Extra = cloneMap(m.Extra)
	if m.Contest != nil {
		contest := *m.Contest
		contest.Participants = cloneStrings(contest.Participants)
		contest.ModerationTags = cloneStrings(contest.ModerationTags)
		contest.SharedComplicationTags = cloneStrings(contest.SharedComplicationTags)
		if contest.Rematch != nil {
			rematch := *contest.Rematch
			contest.Rematch = &rematch
		}
		clone.Contest = &contest
	}
	return clone
}

// SortedUnique returns the non-empty values sorted with duplicates removed.
func SortedUnique(values ...string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append([]string(nil), src...)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
