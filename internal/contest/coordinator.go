package contest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/id"
)

// Config wires coordinator collaborators.
type Config struct {
	Clock clock.Clock
	NewID id.Generator
}

// Coordinator is the contest state machine. Calls for a room normally arrive
// from that room's shard; the mutex keeps the maps safe for inspection
// reads from other goroutines.
type Coordinator struct {
	mu    sync.Mutex
	clock clock.Clock
	newID id.Generator

	pending map[string]map[string]*Record
	active  map[string]*Record
	latest  map[string]map[string]*Record
}

// NewCoordinator constructs an empty coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return id.Prefixed("contest") }
	}
	return &Coordinator{
		clock:   clock.OrSystem(cfg.Clock),
		newID:   newID,
		pending: make(map[string]map[string]*Record),
		active:  make(map[string]*Record),
		latest:  make(map[string]map[string]*Record),
	}
}

// Register adds the command's actor to the pending contest for its key,
// promoting the contest once enough distinct actors joined.
func (c *Coordinator) Register(cmd command.Command, issuedAt time.Time) (Registration, error) {
	meta := cmd.Metadata.Contest
	if meta == nil {
		return Registration{}, apperrors.Validation(apperrors.CodeCommandInvalid,
			fmt.Sprintf("verb %s does not declare a contest", cmd.VerbID))
	}
	if issuedAt.IsZero() {
		issuedAt = cmd.Metadata.IssuedAt
	}
	room := command.RoomKey(cmd.HubID, cmd.RoomID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prior := c.latest[room][meta.ContestKey]; prior != nil && prior.Rematch != nil {
		if remaining := prior.Rematch.AvailableAt.Sub(issuedAt); remaining > 0 {
			return Registration{
				Status:      RegistrationCooldown,
				State:       prior.Clone(),
				RemainingMs: remaining.Milliseconds(),
			}, nil
		}
	}

	slots := c.pending[room]
	if slots == nil {
		slots = make(map[string]*Record)
		c.pending[room] = slots
	}
	record := slots[meta.ContestKey]
	if record == nil {
		record = &Record{
			ContestKey:             meta.ContestKey,
			HubID:                  cmd.HubID,
			RoomID:                 cmd.RoomID,
			VerbID:                 meta.VerbID,
			Label:                  meta.Label,
			Status:                 StatusArming,
			Roles:                  meta.Roles,
			Capacity:               meta.Capacity,
			WindowMs:               meta.WindowMs,
			ModerationTags:         cloneStrings(meta.ModerationTags),
			SharedComplicationTags: cloneStrings(meta.SharedComplicationTags),
			CreatedAt:              issuedAt,
			ExpiresAt:              issuedAt,
		}
		if meta.Rematch != nil {
			rematch := *meta.Rematch
			record.rematchPolicy = &rematch
		}
		slots[meta.ContestKey] = record
	}

	upsertParticipant(record, Participant{
		ActorID:       cmd.ActorID,
		CharacterID:   cmd.Metadata.CharacterID,
		TargetActorID: meta.TargetActorID,
		AuditRef:      cmd.Metadata.AuditRef,
		Args:          cmd.Args,
		JoinedAt:      issuedAt,
	})
	if deadline := issuedAt.Add(time.Duration(meta.WindowMs) * time.Millisecond); deadline.After(record.ExpiresAt) {
		record.ExpiresAt = deadline
	}
	assignRoles(record)

	if len(record.Participants) < capacity(record) {
		return Registration{
			Status:      RegistrationArming,
			State:       record.Clone(),
			RemainingMs: max(record.ExpiresAt.Sub(issuedAt).Milliseconds(), 0),
		}, nil
	}

	delete(slots, meta.ContestKey)
	if len(slots) == 0 {
		delete(c.pending, room)
	}
	record.ContestID = c.newID.Next()
	record.Status = StatusResolving
	record.StartedAt = issuedAt
	c.active[record.ContestID] = record
	c.remember(room, record)

	return Registration{
		Status: RegistrationStarted,
		State:  record.Clone(),
		Bundle: bundleFor(*record),
	}, nil
}

// Expire removes every pending contest in the room whose deadline passed and
// returns the terminal expired records.
func (c *Coordinator) Expire(hubID, roomID string, now time.Time) []Record {
	room := command.RoomKey(hubID, roomID)

	c.mu.Lock()
	defer c.mu.Unlock()

	slots := c.pending[room]
	if len(slots) == 0 {
		return nil
	}
	var expired []Record
	for key, record := range slots {
		if record.ExpiresAt.After(now) {
			continue
		}
		delete(slots, key)
		expireRecord(record, now)
		c.remember(room, record)
		expired = append(expired, record.Clone())
	}
	if len(slots) == 0 {
		delete(c.pending, room)
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
		}
		return expired[i].ContestKey < expired[j].ContestKey
	})
	return expired
}

// Resolve records the outcome of an active contest.
func (c *Coordinator) Resolve(contestID string, resolution Resolution) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.active[contestID]
	if record == nil || record.Status != StatusResolving {
		return Record{}, apperrors.Validation(apperrors.CodeContestNotActive,
			fmt.Sprintf("contest %s is not active", contestID)).
			WithMetadata(map[string]string{"contestId": contestID})
	}

	now := c.clock.Now()
	resolvedAt := now
	switch {
	case !resolution.ResolvedAt.IsZero():
		resolvedAt = earliest(resolution.ResolvedAt, now)
	case resolution.DurationMs > 0 && !record.StartedAt.IsZero():
		resolvedAt = earliest(record.StartedAt.Add(time.Duration(resolution.DurationMs)*time.Millisecond), now)
	}

	outcome := resolution.Outcome
	if outcome.ParticipantCount == 0 {
		outcome.ParticipantCount = len(record.Participants)
	}
	record.Status = StatusResolved
	record.ResolvedAt = resolvedAt
	record.Outcome = &outcome
	record.Results = append([]ParticipantResult(nil), resolution.Results...)
	record.SharedComplications = cloneStrings(resolution.SharedComplications)
	delete(c.active, contestID)

	return record.Clone(), nil
}

// Lookup returns the pending contest for a key, or the most recent started,
// resolved or expired contest that used it.
func (c *Coordinator) Lookup(hubID, roomID, contestKey string) (Record, bool) {
	room := command.RoomKey(hubID, roomID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if record := c.pending[room][contestKey]; record != nil {
		return record.Clone(), true
	}
	if record := c.latest[room][contestKey]; record != nil {
		return record.Clone(), true
	}
	return Record{}, false
}

// Active returns a started contest awaiting resolution.
func (c *Coordinator) Active(contestID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record := c.active[contestID]
	if record == nil {
		return Record{}, false
	}
	return record.Clone(), true
}

// ActiveCount reports started contests awaiting resolution.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Pending lists the arming contests in a room.
func (c *Coordinator) Pending(hubID, roomID string) []Record {
	room := command.RoomKey(hubID, roomID)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.pending[room]))
	for _, record := range c.pending[room] {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContestKey < out[j].ContestKey })
	return out
}

func (c *Coordinator) remember(room string, record *Record) {
	slots := c.latest[room]
	if slots == nil {
		slots = make(map[string]*Record)
		c.latest[room] = slots
	}
	slots[record.ContestKey] = record
}

func capacity(record *Record) int {
	if record.Capacity < 2 {
		return 2
	}
	return record.Capacity
}

func upsertParticipant(record *Record, p Participant) {
	for i := range record.Participants {
		if record.Participants[i].ActorID == p.ActorID {
			record.Participants[i] = p
			return
		}
	}
	record.Participants = append(record.Participants, p)
}

func assignRoles(record *Record) {
	if len(record.Participants) == 0 {
		return
	}
	target := record.Participants[0].TargetActorID
	for i := range record.Participants {
		switch {
		case i == 0:
			record.Participants[i].Role = record.Roles.Initiator
		case target != "" && record.Participants[i].ActorID == target:
			record.Participants[i].Role = record.Roles.Target
		default:
			record.Participants[i].Role = record.Roles.Support
		}
	}
}

func expireRecord(record *Record, now time.Time) {
	count := len(record.Participants)
	record.Status = StatusExpired
	record.ResolvedAt = now
	record.Outcome = &Outcome{
		Tier:                TierTimeout,
		Summary:             "contest window closed before enough participants joined",
		MissingParticipants: max(capacity(record)-count, 0),
		ParticipantCount:    count,
	}
	record.Results = make([]ParticipantResult, 0, count)
	for _, p := range record.Participants {
		record.Results = append(record.Results, ParticipantResult{
			ActorID:  p.ActorID,
			Role:     p.Role,
			Tier:     TierTimeout,
			Momentum: 0,
		})
	}
	if policy := record.rematchPolicy; policy != nil && policy.CooldownMs > 0 {
		record.Rematch = &RematchWindow{
			Status:          string(RegistrationCooldown),
			CooldownMs:      policy.CooldownMs,
			OfferWindowMs:   policy.OfferWindowMs,
			RecommendedVerb: policy.RecommendedVerb,
			AvailableAt:     now.Add(time.Duration(policy.CooldownMs) * time.Millisecond),
		}
	}
}

func earliest(a, b time.Time) time.Time {
	if a.After(b) {
		return b
	}
	return a
}

