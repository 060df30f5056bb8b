package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"glass-frontier/hub/internal/catalog"
)

const (
	verbStatusActive  = "active"
	verbStatusRetired = "retired"
)

// ListActiveVerbs implements catalog.Repository.
func (s *Store) ListActiveVerbs(ctx context.Context, hubID string) ([]catalog.Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT hub_id, verb_id, definition, version, updated_at
		   FROM hub_verbs
		  WHERE hub_id = ? AND status = ?
		  ORDER BY verb_id`),
		hubID, verbStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list verbs for hub %s: %w", hubID, err)
	}
	defer rows.Close()

	var out []catalog.Row
	for rows.Next() {
		var (
			row        catalog.Row
			definition string
			updatedAt  int64
		)
		if err := rows.Scan(&row.HubID, &row.VerbID, &definition, &row.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan verb row: %w", err)
		}
		row.Definition = json.RawMessage(definition)
		row.UpdatedAt = fromMillis(updatedAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verb rows: %w", err)
	}
	return out, nil
}

// PutVerb stores a hub verb definition, bumping its version. The definition
// is validated before it is written.
func (s *Store) PutVerb(ctx context.Context, hubID string, definition json.RawMessage) (catalog.Row, error) {
	hubID = strings.TrimSpace(hubID)
	if hubID == "" {
		return catalog.Row{}, fmt.Errorf("hub id is required")
	}
	verb, err := catalog.DecodeVerb(definition)
	if err != nil {
		return catalog.Row{}, err
	}
	now := s.clock.Now().UTC()
	var version int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO hub_verbs (hub_id, verb_id, definition, version, status, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (hub_id, verb_id) DO UPDATE SET
		   definition = excluded.definition,
		   version = hub_verbs.version + 1,
		   status = excluded.status,
		   updated_at = excluded.updated_at
		 RETURNING version`),
		hubID, verb.ID, string(definition), verbStatusActive, toMillis(now),
	).Scan(&version)
	if err != nil {
		return catalog.Row{}, fmt.Errorf("put verb %s/%s: %w", hubID, verb.ID, err)
	}
	return catalog.Row{
		HubID:      hubID,
		VerbID:     verb.ID,
		Definition: append(json.RawMessage(nil), definition...),
		Version:    version,
		UpdatedAt:  now,
	}, nil
}

// RetireVerb hides a hub verb from ListActiveVerbs. The version is bumped so
// catalog stores notice the change.
func (s *Store) RetireVerb(ctx context.Context, hubID, verbID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE hub_verbs SET status = ?, version = version + 1, updated_at = ?
		  WHERE hub_id = ? AND verb_id = ? AND status = ?`),
		verbStatusRetired, toMillis(s.clock.Now()), hubID, verbID, verbStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("retire verb %s/%s: %w", hubID, verbID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retire verb %s/%s: %w", hubID, verbID, err)
	}
	return n > 0, nil
}
