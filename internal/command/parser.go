package command

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/ratelimit"
)

// Well-known raw metadata keys. Everything else lands in Metadata.Extra.
const (
	MetaIssuedAt       = "issuedAt"
	MetaAuditRef       = "auditRef"
	MetaSafetyFlags    = "safetyFlags"
	MetaCapabilityRefs = "capabilityRefs"
	MetaSessionID      = "sessionId"
	MetaConnectionID   = "connectionId"
	MetaCharacterID    = "characterId"
)

// Config wires the parser collaborators.
type Config struct {
	Limiter  *ratelimit.Limiter
	Clock    clock.Clock
	Resolver catalog.Resolver
}

// Parser validates raw commands against a catalog.
type Parser struct {
	limiter  *ratelimit.Limiter
	clock    clock.Clock
	resolver catalog.Resolver
}

// NewParser constructs a parser. A nil limiter disables rate limiting.
func NewParser(cfg Config) *Parser {
	return &Parser{
		limiter:  cfg.Limiter,
		clock:    clock.OrSystem(cfg.Clock),
		resolver: cfg.Resolver,
	}
}

// ParseResolved resolves the hub's catalog through the parser's resolver and
// parses the command against it.
func (p *Parser) ParseResolved(ctx context.Context, raw Raw) (Command, catalog.Snapshot, error) {
	if p.resolver == nil {
		return Command{}, catalog.Snapshot{}, apperrors.Processing("catalog resolver not configured", nil)
	}
	snapshot, err := p.resolver.Resolve(ctx, strings.TrimSpace(raw.HubID))
	if err != nil {
		return Command{}, catalog.Snapshot{}, err
	}
	cmd, err := p.Parse(raw, snapshot.Catalog)
	return cmd, snapshot, err
}

// Parse validates raw against cat. The rate limiter is only charged once the
// verb resolved; a rejected command never reaches later stages.
func (p *Parser) Parse(raw Raw, cat *catalog.Catalog) (Command, error) {
	verbID := strings.TrimSpace(raw.Verb)
	actorID := strings.TrimSpace(raw.ActorID)
	roomID := strings.TrimSpace(raw.RoomID)
	hubID := strings.TrimSpace(raw.HubID)

	var missing []string
	for _, field := range []struct{ name, value string }{
		{"verb", verbID},
		{"actorId", actorID},
		{"roomId", roomID},
		{"hubId", hubID},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return Command{}, apperrors.Validation(apperrors.CodeCommandInvalid,
			"command missing required fields: "+strings.Join(missing, ", ")).
			WithMetadata(map[string]string{"fields": strings.Join(missing, ",")})
	}

	verb, ok := cat.Get(verbID)
	if !ok {
		return Command{}, apperrors.Validation(apperrors.CodeVerbUnknown, fmt.Sprintf("unknown verb %q", verbID)).
			WithMetadata(map[string]string{"verbId": verbID})
	}

	if err := p.limiter.Enforce(verb.RateLimit, ratelimit.Subject{
		ActorID: actorID,
		VerbID:  verb.ID,
		HubID:   hubID,
		RoomID:  roomID,
	}); err != nil {
		return Command{}, err
	}

	args, err := normalizeArgs(verb, raw.Args)
	if err != nil {
		return Command{}, err
	}

	if err := checkCapabilities(verb, raw.Capabilities); err != nil {
		return Command{}, err
	}

	meta, err := p.metadata(raw.Metadata)
	if err != nil {
		return Command{}, err
	}
	if verb.Contest != nil {
		meta.Contest = contestMetadata(verb, actorID, args)
	}

	return Command{
		Verb:              verb,
		VerbID:            verb.ID,
		ActorID:           actorID,
		RoomID:            roomID,
		HubID:             hubID,
		Args:              args,
		Metadata:          meta,
		RequiresNarrative: verb.RequiresNarrative(),
	}, nil
}

func normalizeArgs(verb catalog.Verb, raw map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(verb.Parameters))
	for _, param := range verb.Parameters {
		value, present := raw[param.Name]
		if present && isBlank(value) && (param.Required || param.Type != catalog.ParamString) {
			present = false
		}
		if !present || value == nil {
			if param.Required {
				return nil, argumentError(apperrors.CodeArgumentMissing, verb.ID, param.Name,
					fmt.Sprintf("argument %q is required", param.Name))
			}
			continue
		}

		normalized, err := normalizeValue(param, value)
		if err != nil {
			return nil, argumentError(apperrors.CodeArgumentInvalid, verb.ID, param.Name, err.Error())
		}

		if param.Type == catalog.ParamString && param.MaxLength > 0 {
			if n := utf8.RuneCountInString(normalized.(string)); n > param.MaxLength {
				return nil, argumentError(apperrors.CodeArgumentTooLong, verb.ID, param.Name,
					fmt.Sprintf("argument %q exceeds %d characters", param.Name, param.MaxLength))
			}
		}

		if len(param.Enum) > 0 && !inEnum(param.Enum, normalized) {
			return nil, argumentError(apperrors.CodeArgumentNotAllowed, verb.ID, param.Name,
				fmt.Sprintf("argument %q must be one of %s", param.Name, strings.Join(param.Enum, ", ")))
		}

		args[param.Name] = normalized
	}
	return args, nil
}

func isBlank(value any) bool {
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func argumentError(code apperrors.Code, verbID, param, message string) error {
	return apperrors.Validation(code, message).WithMetadata(map[string]string{
		"verbId":    verbID,
		"parameter": param,
	})
}

func normalizeValue(param catalog.Parameter, value any) (any, error) {
	switch param.Type {
	case catalog.ParamString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a string", param.Name)
		}
		return strings.TrimSpace(s), nil
	case catalog.ParamNumber:
		f, ok := toFloat(value)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("argument %q must be a number", param.Name)
		}
		return f, nil
	case catalog.ParamInteger:
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("argument %q must be an integer", param.Name)
		}
		if !fitsInt64(f) {
			return nil, fmt.Errorf("argument %q is out of range", param.Name)
		}
		return int64(f), nil
	case catalog.ParamBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("argument %q must be a boolean", param.Name)
			}
			return b, nil
		}
		return nil, fmt.Errorf("argument %q must be a boolean", param.Name)
	default:
		return nil, fmt.Errorf("argument %q has unsupported type %q", param.Name, param.Type)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func inEnum(enum []string, value any) bool {
	var rendered string
	switch v := value.(type) {
	case string:
		rendered = v
	case float64:
		rendered = strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		rendered = strconv.FormatInt(v, 10)
	case bool:
		rendered = strconv.FormatBool(v)
	}
	for _, allowed := range enum {
		if allowed == rendered {
			return true
		}
	}
	return false
}

func checkCapabilities(verb catalog.Verb, granted []string) error {
	if len(verb.Capabilities) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(granted))
	for _, c := range granted {
		have[strings.TrimSpace(c)] = struct{}{}
	}
	var missing []string
	for _, required := range verb.Capabilities {
		if _, ok := have[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperrors.Validation(apperrors.CodeCapabilityMissing,
		"missing capabilities: "+strings.Join(missing, ", ")).
		WithMetadata(map[string]string{
			"verbId":  verb.ID,
			"missing": strings.Join(missing, ","),
		})
}

func (p *Parser) metadata(raw map[string]any) (Metadata, error) {
	meta := Metadata{}
	issuedAt, ok, err := parseIssuedAt(raw[MetaIssuedAt])
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		issuedAt = p.clock.Now()
	}
	meta.IssuedAt = issuedAt.UTC()

	for key, value := range raw {
		switch key {
		case MetaIssuedAt:
		case MetaAuditRef:
			meta.AuditRef = stringValue(value)
		case MetaSafetyFlags:
			meta.SafetyFlags = SortedUnique(stringSlice(value)...)
		case MetaCapabilityRefs:
			meta.CapabilityRefs = SortedUnique(stringSlice(value)...)
		case MetaSessionID:
			meta.SessionID = stringValue(value)
		case MetaConnectionID:
			meta.ConnectionID = stringValue(value)
		case MetaCharacterID:
			meta.CharacterID = stringValue(value)
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]any)
			}
			meta.Extra[key] = value
		}
	}
	return meta, nil
}

// parseIssuedAt accepts epoch milliseconds or an RFC3339 timestamp.
func parseIssuedAt(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}
	if s, ok := value.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true, nil
		}
	}
	ms, ok := toFloat(value)
	if !ok || ms < 0 || math.IsNaN(ms) || !fitsInt64(ms) {
		return time.Time{}, false, apperrors.Validation(apperrors.CodeCommandInvalid, "metadata.issuedAt must be epoch milliseconds or RFC3339")
	}
	return time.UnixMilli(int64(ms)), true, nil
}

// fitsInt64 reports whether f converts to int64 without overflow. NaN and
// infinities do not fit.
func fitsInt64(f float64) bool {
	return f >= math.MinInt64 && f < math.MaxInt64
}

func stringValue(value any) string {
	s, _ := value.(string)
	return strings.TrimSpace(s)
}

func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, strings.TrimSpace(s))
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		return []string{strings.TrimSpace(v)}
	default:
		return nil
	}
}

// ContestKey derives the symmetric arming slot for a contest verb.
func ContestKey(verbID string, actorIDs ...string) string {
	return verbID + ":" + strings.Join(SortedUnique(actorIDs...), "::")
}

func contestMetadata(verb catalog.Verb, actorID string, args map[string]any) *ContestMetadata {
	policy := verb.Contest
	target, _ := args[policy.TargetParameter].(string)
	if target == actorID {
		target = ""
	}
	meta := &ContestMetadata{
		ContestKey:             ContestKey(verb.ID, actorID, target),
		VerbID:                 verb.ID,
		Label:                  verb.Label,
		InitiatorID:            actorID,
		TargetActorID:          target,
		Participants:           SortedUnique(actorID, target),
		Roles:                  policy.Roles,
		WindowMs:               policy.Window().Milliseconds(),
		Capacity:               policy.Capacity(),
		ModerationTags:         cloneStrings(policy.ModerationTags),
		SharedComplicationTags: cloneStrings(policy.SharedComplicationTags),
	}
	if policy.Rematch != nil {
		rematch := *policy.Rematch
		meta.Rematch = &rematch
	}
	return meta
}
