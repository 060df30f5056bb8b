package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "glass-frontier/hub/internal/errors"
)

const (
	defaultContestWindowSeconds = 30
	defaultInitiatorRole        = "challenger"
	defaultTargetRole           = "defender"
	defaultSupportRole          = "support"
)

// VerbDocument is a verb as authored in configuration files and verb rows.
// It is exported so the schema generator can reflect over it.
type VerbDocument struct {
	ID           string             `json:"verbId" yaml:"verbId" jsonschema:"title=Verb ID,pattern=^[a-z0-9._-]+$,minLength=1,required"`
	Label        string             `json:"label,omitempty" yaml:"label,omitempty" jsonschema:"description=Player-facing name. Defaults to the verb id."`
	Category     string             `json:"category,omitempty" yaml:"category,omitempty" jsonschema:"description=Projection bucket such as chat or trade or ritual."`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters   []Parameter        `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty" yaml:"capabilities,omitempty" jsonschema:"description=Capability ids the actor must hold."`
	SafetyTags   []string           `json:"safetyTags,omitempty" yaml:"safetyTags,omitempty"`
	Momentum     map[string]int     `json:"momentum,omitempty" yaml:"momentum,omitempty"`
	Narrative    *Narrative         `json:"narrative,omitempty" yaml:"narrative,omitempty"`
	RateLimit    *RateLimitDocument `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty" jsonschema:"description=Policy object or false to disable."`
	Contest      *ContestDocument   `json:"contest,omitempty" yaml:"contest,omitempty"`
	Replayable   bool               `json:"replayable,omitempty" yaml:"replayable,omitempty"`
	Workflow     bool               `json:"workflow,omitempty" yaml:"workflow,omitempty" jsonschema:"description=Start a hub action workflow for every accepted command."`
}

// RateLimitDocument accepts either a policy object or the literal false.
type RateLimitDocument struct {
	Disabled   bool   `json:"-" jsonschema:"-"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Burst      int    `json:"burst" jsonschema:"minimum=1"`
	PerSeconds int    `json:"perSeconds" jsonschema:"minimum=1"`
	Shared     bool   `json:"shared,omitempty"`
	Scope      Scope  `json:"scope,omitempty" jsonschema:"enum=actor,enum=room"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

func (d *RateLimitDocument) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "null":
		*d = RateLimitDocument{}
		return nil
	case "false":
		*d = RateLimitDocument{Disabled: true}
		return nil
	case "true":
		return fmt.Errorf("rateLimit: true is not a policy; use an object")
	}
	type rawRateLimit RateLimitDocument
	var alias rawRateLimit
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*d = RateLimitDocument(alias)
	return nil
}

func (d RateLimitDocument) MarshalJSON() ([]byte, error) {
	if d.Disabled {
		return []byte("false"), nil
	}
	type rawRateLimit RateLimitDocument
	return json.Marshal(rawRateLimit(d))
}

// ContestDocument is the authored form of a contest policy.
type ContestDocument struct {
	TargetParameter        string           `json:"targetParameter" jsonschema:"required"`
	Roles                  *ContestRoles    `json:"roles,omitempty"`
	WindowSeconds          *int             `json:"windowSeconds,omitempty" jsonschema:"minimum=1"`
	MaxParticipants        *int             `json:"maxParticipants,omitempty" jsonschema:"minimum=2"`
	ModerationTags         []string         `json:"moderationTags,omitempty"`
	SharedComplicationTags []string         `json:"sharedComplicationTags,omitempty"`
	Rematch                *RematchDocument `json:"rematch,omitempty"`
}

// RematchDocument accepts either millisecond or second durations.
type RematchDocument struct {
	CooldownMs         *int64 `json:"cooldownMs,omitempty"`
	CooldownSeconds    *int64 `json:"cooldownSeconds,omitempty"`
	OfferWindowMs      *int64 `json:"offerWindowMs,omitempty"`
	OfferWindowSeconds *int64 `json:"offerWindowSeconds,omitempty"`
	RecommendedVerb    string `json:"recommendedVerb,omitempty"`
}

// Document is the contents of a verb catalog file. The loader also accepts an
// object keyed by verb id; the schema models the canonical array form.
type Document []VerbDocument

// Format identifies a catalog file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath infers the encoding from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func invalid(format string, args ...any) error {
	return apperrors.Validation(apperrors.CodeCatalogInvalid, "catalog: "+fmt.Sprintf(format, args...))
}

// DecodeDocuments parses a catalog file body.
func DecodeDocuments(data []byte, format Format) ([]VerbDocument, error) {
	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, invalid("parse yaml: %v", err)
		}
		data = converted
	}
	docs, err := decodeJSONDocuments(data)
	if err != nil {
		return nil, invalid("parse: %v", err)
	}
	return docs, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	if generic == nil {
		return nil, nil
	}
	return json.Marshal(generic)
}

func decodeJSONDocuments(data []byte) ([]VerbDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var docs []VerbDocument
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	case '{':
		var object map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &object); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(object))
		for id := range object {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		docs := make([]VerbDocument, 0, len(ids))
		for _, id := range ids {
			var doc VerbDocument
			if err := json.Unmarshal(object[id], &doc); err != nil {
				return nil, fmt.Errorf("verb %q: %w", id, err)
			}
			if doc.ID == "" {
				doc.ID = id
			} else if doc.ID != id {
				return nil, fmt.Errorf("verb id %q does not match key %q", doc.ID, id)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	default:
		return nil, fmt.Errorf("unexpected json token %q", string(trimmed[:1]))
	}
}

// DecodeVerb parses and normalizes a single verb document, as stored in verb rows.
func DecodeVerb(data []byte) (Verb, error) {
	var doc VerbDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Verb{}, invalid("parse verb: %v", err)
	}
	return Normalize(doc)
}

// Normalize validates an authored verb and fills defaults.
func Normalize(doc VerbDocument) (Verb, error) {
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		return Verb{}, invalid("verb missing verbId")
	}
	verb := Verb{
		ID:           id,
		Label:        strings.TrimSpace(doc.Label),
		Category:     strings.TrimSpace(doc.Category),
		Description:  doc.Description,
		Capabilities: normalizeTags(doc.Capabilities),
		SafetyTags:   normalizeTags(doc.SafetyTags),
		Replayable:   doc.Replayable,
		Workflow:     doc.Workflow,
	}
	if verb.Label == "" {
		verb.Label = id
	}
	if len(doc.Momentum) > 0 {
		verb.Momentum = make(map[string]int, len(doc.Momentum))
		for k, v := range doc.Momentum {
			verb.Momentum[k] = v
		}
	}

	seen := make(map[string]struct{}, len(doc.Parameters))
	verb.Parameters = make([]Parameter, 0, len(doc.Parameters))
	for i, p := range doc.Parameters {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return Verb{}, invalid("verb %q parameter %d missing name", id, i)
		}
		if _, dup := seen[p.Name]; dup {
			return Verb{}, invalid("verb %q declares parameter %q twice", id, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Type == "" {
			p.Type = ParamString
		}
		if !p.Type.valid() {
			return Verb{}, invalid("verb %q parameter %q has unknown type %q", id, p.Name, p.Type)
		}
		if p.MaxLength < 0 {
			return Verb{}, invalid("verb %q parameter %q has negative maxLength", id, p.Name)
		}
		if p.Enum != nil && len(p.Enum) == 0 {
			return Verb{}, invalid("verb %q parameter %q declares an empty enum", id, p.Name)
		}
		p.Enum = cloneStrings(p.Enum)
		verb.Parameters = append(verb.Parameters, p)
	}

	rate, err := normalizeRateLimit(id, doc.RateLimit)
	if err != nil {
		return Verb{}, err
	}
	verb.RateLimit = rate

	verb.Narrative = Narrative{Escalation: EscalationNone}
	if doc.Narrative != nil {
		verb.Narrative = *doc.Narrative
		switch verb.Narrative.Escalation {
		case "":
			verb.Narrative.Escalation = EscalationNone
		case EscalationNone, EscalationAuto:
		default:
			return Verb{}, invalid("verb %q has unknown narrative escalation %q", id, verb.Narrative.Escalation)
		}
	}

	if doc.Contest != nil {
		policy, err := normalizeContest(verb, *doc.Contest)
		if err != nil {
			return Verb{}, err
		}
		verb.Contest = &policy
	}
	return verb, nil
}

func normalizeRateLimit(id string, doc *RateLimitDocument) (RateLimit, error) {
	if doc == nil || doc.Disabled {
		return RateLimit{}, nil
	}
	enabled := doc.Enabled == nil || *doc.Enabled
	if !enabled {
		return RateLimit{}, nil
	}
	if doc.Burst <= 0 {
		return RateLimit{}, invalid("verb %q rateLimit.burst must be a positive integer", id)
	}
	if doc.PerSeconds <= 0 {
		return RateLimit{}, invalid("verb %q rateLimit.perSeconds must be a positive integer", id)
	}
	scope := doc.Scope
	switch scope {
	case "":
		scope = ScopeActor
	case ScopeActor, ScopeRoom:
	default:
		return RateLimit{}, invalid("verb %q rateLimit.scope %q must be actor or room", id, scope)
	}
	return RateLimit{
		Enabled:    true,
		Burst:      doc.Burst,
		PerSeconds: doc.PerSeconds,
		Shared:     doc.Shared,
		Scope:      scope,
		ErrorCode:  strings.TrimSpace(doc.ErrorCode),
	}, nil
}

func normalizeContest(verb Verb, doc ContestDocument) (ContestPolicy, error) {
	target := strings.TrimSpace(doc.TargetParameter)
	if target == "" {
		return ContestPolicy{}, invalid("verb %q contest missing targetParameter", verb.ID)
	}
	if _, ok := verb.Parameter(target); !ok {
		return ContestPolicy{}, invalid("verb %q contest targetParameter %q is not a declared parameter", verb.ID, target)
	}
	policy := ContestPolicy{
		TargetParameter:        target,
		Roles:                  ContestRoles{Initiator: defaultInitiatorRole, Target: defaultTargetRole, Support: defaultSupportRole},
		WindowSeconds:          defaultContestWindowSeconds,
		MaxParticipants:        2,
		ModerationTags:         normalizeTags(doc.ModerationTags),
		SharedComplicationTags: normalizeTags(doc.SharedComplicationTags),
	}
	if doc.Roles != nil {
		if doc.Roles.Initiator != "" {
			policy.Roles.Initiator = doc.Roles.Initiator
		}
		if doc.Roles.Target != "" {
			policy.Roles.Target = doc.Roles.Target
		}
		if doc.Roles.Support != "" {
			policy.Roles.Support = doc.Roles.Support
		}
	}
	if doc.WindowSeconds != nil {
		if *doc.WindowSeconds <= 0 {
			return ContestPolicy{}, invalid("verb %q contest windowSeconds must be positive", verb.ID)
		}
		policy.WindowSeconds = *doc.WindowSeconds
	}
	if doc.MaxParticipants != nil {
		if *doc.MaxParticipants < 2 {
			return ContestPolicy{}, invalid("verb %q contest maxParticipants must be at least 2", verb.ID)
		}
		policy.MaxParticipants = *doc.MaxParticipants
	}
	if doc.Rematch != nil {
		rematch := Rematch{RecommendedVerb: strings.TrimSpace(doc.Rematch.RecommendedVerb)}
		switch {
		case doc.Rematch.CooldownMs != nil:
			rematch.CooldownMs = *doc.Rematch.CooldownMs
		case doc.Rematch.CooldownSeconds != nil:
			rematch.CooldownMs = *doc.Rematch.CooldownSeconds * 1000
		}
		switch {
		case doc.Rematch.OfferWindowMs != nil:
			rematch.OfferWindowMs = *doc.Rematch.OfferWindowMs
		case doc.Rematch.OfferWindowSeconds != nil:
			rematch.OfferWindowMs = *doc.Rematch.OfferWindowSeconds * 1000
		}
		if rematch.CooldownMs < 0 || rematch.OfferWindowMs < 0 {
			return ContestPolicy{}, invalid("verb %q contest rematch durations must not be negative", verb.ID)
		}
		policy.Rematch = &rematch
	}
	return policy, nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
