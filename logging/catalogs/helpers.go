package catalogs

import (
	"context"

	"glass-frontier/hub/logging"
)

// EventUpdated is emitted when a hub catalog version stamp changes.
const EventUpdated logging.EventType = "catalog.updated"

// UpdatedPayload describes the new catalog version.
type UpdatedPayload struct {
	VersionStamp string   `json:"versionStamp"`
	Verbs        int      `json:"verbs"`
	Changed      []string `json:"changed,omitempty"`
	Connections  int      `json:"connections"`
}

// Updated publishes a catalog change. An empty hub id means every hub.
func Updated(ctx context.Context, pub logging.Publisher, hubID string, payload UpdatedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventUpdated,
		Room:     logging.RoomRef{HubID: hubID},
		Actor:    logging.EntityRef{ID: hubID, Kind: logging.EntityKindHub},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryCatalog,
		Payload:  payload,
		Extra:    extra,
	})
}
