package catalog

import "time"

// ParameterType enumerates the argument types a verb parameter accepts.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamInteger ParameterType = "integer"
	ParamBoolean ParameterType = "boolean"
)

func (t ParameterType) valid() bool {
	switch t {
	case ParamString, ParamNumber, ParamInteger, ParamBoolean:
		return true
	default:
		return false
	}
}

// Scope selects what a rate limit bucket is shared across.
type Scope string

const (
	ScopeActor Scope = "actor"
	ScopeRoom  Scope = "room"
)

// Escalation controls whether accepted commands are forwarded to the narrative bridge.
type Escalation string

const (
	EscalationNone Escalation = "none"
	EscalationAuto Escalation = "auto"
)

// Parameter describes a single named verb argument.
type Parameter struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Required    bool          `json:"required,omitempty"`
	MaxLength   int           `json:"maxLength,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
	Description string        `json:"description,omitempty"`
}

// RateLimit is the sliding-window policy attached to a verb.
type RateLimit struct {
	Enabled    bool   `json:"enabled"`
	Burst      int    `json:"burst,omitempty"`
	PerSeconds int    `json:"perSeconds,omitempty"`
	Shared     bool   `json:"shared,omitempty"`
	Scope      Scope  `json:"scope,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// Window returns the sliding window length.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.PerSeconds) * time.Second
}

// ContestRoles names the roles assigned to contest participants.
type ContestRoles struct {
	Initiator string `json:"initiator"`
	Target    string `json:"target"`
	Support   string `json:"support"`
}

// Rematch configures the cooldown that follows a timed-out contest.
type Rematch struct {
	CooldownMs      int64  `json:"cooldownMs"`
	OfferWindowMs   int64  `json:"offerWindowMs,omitempty"`
	RecommendedVerb string `json:"recommendedVerb,omitempty"`
}

// ContestPolicy turns a verb into a multi-actor contest.
type ContestPolicy struct {
	TargetParameter        string       `json:"targetParameter"`
	Roles                  ContestRoles `json:"roles"`
	WindowSeconds          int          `json:"windowSeconds"`
	MaxParticipants        int          `json:"maxParticipants"`
	ModerationTags         []string     `json:"moderationTags,omitempty"`
	SharedComplicationTags []string     `json:"sharedComplicationTags,omitempty"`
	Rematch                *Rematch     `json:"rematch,omitempty"`
}

// Window is the arming window for pending contests.
func (p ContestPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Capacity is the number of distinct actors required to start the contest.
func (p ContestPolicy) Capacity() int {
	if p.MaxParticipants < 2 {
		return 2
	}
	return p.MaxParticipants
}

// Narrative configures narrative escalation for a verb.
type Narrative struct {
	Escalation        Escalation `json:"escalation"`
	NarrationTemplate string     `json:"narrationTemplate,omitempty"`
	CheckTemplate     string     `json:"checkTemplate,omitempty"`
}

// Verb is a normalized, immutable verb definition.
type Verb struct {
	ID           string         `json:"verbId"`
	Label        string         `json:"label"`
	Category     string         `json:"category,omitempty"`
	Description  string         `json:"description,omitempty"`
	Parameters   []Parameter    `json:"parameters"`
	Capabilities []string       `json:"capabilities,omitempty"`
	SafetyTags   []string       `json:"safetyTags,omitempty"`
	Momentum     map[string]int `json:"momentum,omitempty"`
	Narrative    Narrative      `json:"narrative"`
	RateLimit    RateLimit      `json:"rateLimit"`
	Contest      *ContestPolicy `json:"contest,omitempty"`
	Replayable   bool           `json:"replayable"`
	Workflow     bool           `json:"workflow,omitempty"`
}

// RequiresNarrative reports whether accepted commands escalate to the narrative bridge.
func (v Verb) RequiresNarrative() bool {
	return v.Narrative.Escalation == EscalationAuto
}

// Parameter looks up a parameter by name.
func (v Verb) Parameter(name string) (Parameter, bool) {
	for _, p := range v.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Clone returns a deep copy so callers cannot mutate catalog state.
func (v Verb) Clone() Verb {
	clone := v
	if v.Parameters != nil {
		clone.Parameters = make([]Parameter, len(v.Parameters))
		for i, p := range v.Parameters {
			p.Enum = cloneStrings(p.Enum)
			clone.Parameters[i] = p
		}
	}
	clone.Capabilities = cloneStrings(v.Capabilities)
	clone.SafetyTags = cloneStrings(v.SafetyTags)
	if v.Momentum != nil {
		clone.Momentum = make(map[string]int, len(v.Momentum))
		for k, val := range v.Momentum {
			clone.Momentum[k] = val
		}
	}
	if v.Contest != nil {
		policy := *v.Contest
		policy.ModerationTags = cloneStrings(policy.ModerationTags)
		policy.SharedComplicationTags = cloneStrings(policy.SharedComplicationTags)
		if policy.Rematch != nil {
			rematch := *policy.Rematch
			policy.Rematch = &rematch
		}
		clone.Contest = &policy
	}
	return clone
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append([]string(nil), src...)
}
