// Package contest tracks timed multi-actor contests from arming through
// resolution or expiry.
package contest

import (
	"time"

	"glass-frontier/hub/internal/catalog"
)

// Status is the lifecycle state of a contest record.
type Status string

const (
	StatusArming    Status = "arming"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusExpired
}

// RegistrationStatus is the result of registering a participant.
type RegistrationStatus string

const (
	RegistrationArming   RegistrationStatus = "arming"
	RegistrationStarted  RegistrationStatus = "started"
	RegistrationCooldown RegistrationStatus = "cooldown"
)

// TierTimeout marks contests that expired before enough actors joined.
const TierTimeout = "timeout"

// Participant is one actor registered in a contest.
type Participant struct {
	ActorID       string         `json:"actorId"`
	CharacterID   string         `json:"characterId,omitempty"`
	Role          string         `json:"role"`
	TargetActorID string         `json:"targetActorId,omitempty"`
	AuditRef      string         `json:"auditRef,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	JoinedAt      time.Time      `json:"joinedAt"`
}

// Outcome summarises how a contest ended.
type Outcome struct {
	Tier                string `json:"tier"`
	Summary             string `json:"summary,omitempty"`
	MissingParticipants int    `json:"missingParticipants,omitempty"`
	ParticipantCount    int    `json:"participantCount"`
}

// ParticipantResult is the per-actor payout of a contest.
type ParticipantResult struct {
	ActorID  string `json:"actorId"`
	Role     string `json:"role,omitempty"`
	Tier     string `json:"tier"`
	Momentum int    `json:"momentum"`
	Summary  string `json:"summary,omitempty"`
}

// RematchWindow is attached to expired contests whose policy allows a rematch.
type RematchWindow struct {
	Status          string    `json:"status"`
	CooldownMs      int64     `json:"cooldownMs"`
	OfferWindowMs   int64     `json:"offerWindowMs,omitempty"`
	RecommendedVerb string    `json:"recommendedVerb,omitempty"`
	AvailableAt     time.Time `json:"availableAt"`
}

// Record is a contest at some point in its lifecycle.
type Record struct {
	ContestKey             string               `json:"contestKey"`
	ContestID              string               `json:"contestId,omitempty"`
	HubID                  string               `json:"hubId"`
	RoomID                 string               `json:"roomId"`
	VerbID                 string               `json:"verbId"`
	Label                  string               `json:"label,omitempty"`
	Status                 Status               `json:"status"`
	Participants           []Participant        `json:"participants"`
	Roles                  catalog.ContestRoles `json:"roles"`
	Capacity               int                  `json:"capacity"`
	WindowMs               int64                `json:"windowMs"`
	ModerationTags         []string             `json:"moderationTags,omitempty"`
	SharedComplicationTags []string             `json:"sharedComplicationTags,omitempty"`
	CreatedAt              time.Time            `json:"createdAt"`
	ExpiresAt              time.Time            `json:"expiresAt"`
	StartedAt              time.Time            `json:"startedAt,omitzero"`
	ResolvedAt             time.Time            `json:"resolvedAt,omitzero"`
	Outcome                *Outcome             `json:"outcome,omitempty"`
	Results                []ParticipantResult  `json:"results,omitempty"`
	SharedComplications    []string             `json:"sharedComplications,omitempty"`
	Rematch                *RematchWindow       `json:"rematch,omitempty"`

	rematchPolicy *catalog.Rematch
}

// ParticipantIDs lists participant actor ids in join order.
func (r Record) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.ActorID)
	}
	return ids
}

// Clone returns a deep copy safe to hand outside the coordinator.
func (r Record) Clone() Record {
	clone := r
	if r.Participants != nil {
		clone.Participants = make([]Participant, len(r.Participants))
		for i, p := range r.Participants {
			if p.Args != nil {
				args := make(map[string]any, len(p.Args))
				for k, v := range p.Args {
					args[k] = v
				}
				p.Args = args
			}
			clone.Participants[i] = p
		}
	}
	clone.ModerationTags = cloneStrings(r.ModerationTags)
	clone.SharedComplicationTags = cloneStrings(r.SharedComplicationTags)
	clone.SharedComplications = cloneStrings(r.SharedComplications)
	if r.Results != nil {
		clone.Results = append([]ParticipantResult(nil), r.Results...)
	}
	if r.Outcome != nil {
		outcome := *r.Outcome
		clone.Outcome = &outcome
	}
	if r.Rematch != nil {
		rematch := *r.Rematch
		clone.Rematch = &rematch
	}
	if r.rematchPolicy != nil {
		policy := *r.rematchPolicy
		clone.rematchPolicy = &policy
	}
	return clone
}

// Bundle is the payload handed to a contest workflow once a contest starts.
type Bundle struct {
	ContestID              string               `json:"contestId"`
	ContestKey             string               `json:"contestKey"`
	HubID                  string               `json:"hubId"`
	RoomID                 string               `json:"roomId"`
	VerbID                 string               `json:"verbId"`
	Label                  string               `json:"label,omitempty"`
	Participants           []Participant        `json:"participants"`
	Roles                  catalog.ContestRoles `json:"roles"`
	ModerationTags         []string             `json:"moderationTags,omitempty"`
	SharedComplicationTags []string             `json:"sharedComplicationTags,omitempty"`
	CreatedAt              time.Time            `json:"createdAt"`
	StartedAt              time.Time            `json:"startedAt"`
	WindowMs               int64                `json:"windowMs"`
}

func bundleFor(r Record) *Bundle {
	r = r.Clone()
	return &Bundle{
		ContestID:              r.ContestID,
		ContestKey:             r.ContestKey,
		HubID:                  r.HubID,
		RoomID:                 r.RoomID,
		VerbID:                 r.VerbID,
		Label:                  r.Label,
		Participants:           r.Participants,
		Roles:                  r.Roles,
		ModerationTags:         r.ModerationTags,
		SharedComplicationTags: r.SharedComplicationTags,
		CreatedAt:              r.CreatedAt,
		StartedAt:              r.StartedAt,
		WindowMs:               r.WindowMs,
	}
}

// Registration is the result of Register.
type Registration struct {
	Status      RegistrationStatus `json:"status"`
	State       Record             `json:"state"`
	Bundle      *Bundle            `json:"bundle,omitempty"`
	RemainingMs int64              `json:"remainingMs,omitempty"`
}

// Resolution is supplied by whoever adjudicates an active contest.
type Resolution struct {
	Outcome             Outcome             `json:"outcome"`
	Results             []ParticipantResult `json:"results,omitempty"`
	SharedComplications []string            `json:"sharedComplications,omitempty"`
	ResolvedAt          time.Time           `json:"resolvedAt,omitzero"`
	DurationMs          int64               `json:"durationMs,omitempty"`
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append([]string(nil), src...)
}
