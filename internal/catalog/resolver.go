package catalog

import (
	"context"
	"time"
)

const (
	// StaticStamp is the version stamp reported by the static resolver.
	StaticStamp = "static"
	// BootstrapStamp is reported for hubs without any verb rows.
	BootstrapStamp = "bootstrap"
	// FallbackStamp marks hub-agnostic updates caused by a fallback swap.
	FallbackStamp = "fallback"
)

// Snapshot is the catalog in effect for a hub at a point in time.
type Snapshot struct {
	HubID        string
	VersionStamp string
	Catalog      *Catalog
	LoadedAt     time.Time
}

// Resolver returns the catalog commands for a hub are validated against.
type Resolver interface {
	Resolve(ctx context.Context, hubID string) (Snapshot, error)
}

// ResolverFunc adapts a function into the Resolver interface.
type ResolverFunc func(ctx context.Context, hubID string) (Snapshot, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, hubID string) (Snapshot, error) {
	return f(ctx, hubID)
}

type staticResolver struct {
	catalog *Catalog
}

// Static returns a resolver that serves the same catalog to every hub.
func Static(c *Catalog) Resolver {
	return staticResolver{catalog: c}
}

func (s staticResolver) Resolve(_ context.Context, hubID string) (Snapshot, error) {
	return Snapshot{HubID: hubID, VersionStamp: StaticStamp, Catalog: s.catalog}, nil
}
