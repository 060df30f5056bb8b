package contests

import (
	"context"

	"glass-frontier/hub/logging"
)

const (
	EventArmed    logging.EventType = "contests.armed"
	EventStarted  logging.EventType = "contests.started"
	EventCooldown logging.EventType = "contests.cooldown"
	EventExpired  logging.EventType = "contests.expired"
	EventResolved logging.EventType = "contests.resolved"
)

// Payload summarises a contest transition.
type Payload struct {
	ContestKey   string   `json:"contestKey"`
	ContestID    string   `json:"contestId,omitempty"`
	VerbID       string   `json:"verbId"`
	Participants []string `json:"participants,omitempty"`
	Status       string   `json:"status"`
	Tier         string   `json:"tier,omitempty"`
	RemainingMs  int64    `json:"remainingMs,omitempty"`
}

// Transition publishes a contest lifecycle event of the given type.
func Transition(ctx context.Context, pub logging.Publisher, eventType logging.EventType, room logging.RoomRef, actor logging.EntityRef, payload Payload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if eventType == EventArmed || eventType == EventCooldown {
		severity = logging.SeverityDebug
	}
	targets := make([]logging.EntityRef, 0, len(payload.Participants))
	for _, participant := range payload.Participants {
		targets = append(targets, logging.Actor(participant))
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Room:     room,
		Actor:    actor,
		Targets:  targets,
		Severity: severity,
		Category: logging.CategoryContests,
		Payload:  payload,
		Extra:    extra,
	})
}
