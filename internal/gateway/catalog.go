package gateway

import (
	"context"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/telemetry"
)

// handleCatalogUpdate pushes hub.catalog.updated to the affected connections.
// It runs on the goroutine that reloaded the catalog, so it must not call
// back into Resolve.
func (g *Gateway) handleCatalogUpdate(update catalog.Update) {
	ctx := context.Background()
	if update.HubID != "" {
		g.pushCatalog(ctx, update.HubID, proto.CatalogPayload{
			HubID:        update.HubID,
			VersionStamp: update.VersionStamp,
			Verbs:        update.Verbs,
			Changed:      update.Changed,
		})
		return
	}

	// Fallback swap: every hub is affected. Hubs with a cached snapshot get
	// their merged catalog, the rest get the fallback verbs.
	hubs := make(map[string]struct{})
	for _, conn := range g.conns.matching(nil) {
		hubs[conn.HubID] = struct{}{}
	}
	for hubID := range hubs {
		payload := proto.CatalogPayload{
			HubID:        hubID,
			VersionStamp: update.VersionStamp,
			Verbs:        update.Verbs,
			Changed:      update.Changed,
		}
		if g.store != nil {
			if snapshot, ok := g.store.Cached(hubID); ok {
				payload.Verbs = snapshot.Catalog.List()
			}
		}
		g.pushCatalog(ctx, hubID, payload)
	}
}

func (g *Gateway) pushCatalog(ctx context.Context, hubID string, payload proto.CatalogPayload) {
	env := proto.NewEnvelope(proto.TypeCatalogUpdated, payload)
	targets := g.conns.matching(func(c *Connection) bool { return c.HubID == hubID })
	delivered := 0
	for _, conn := range targets {
		if err := g.send(ctx, conn, env); err != nil {
			g.closeTransport(conn, "send failed")
			continue
		}
		delivered++
	}
	g.recorder.CatalogUpdated(ctx, telemetry.CatalogInfo{
		HubID:        hubID,
		VersionStamp: payload.VersionStamp,
		Verbs:        len(payload.Verbs),
		Changed:      payload.Changed,
		Connections:  delivered,
	})
}
