package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"glass-frontier/hub/internal/journal"
)

// Append implements journal.Repository. The database assigns the sequence.
func (s *Store) Append(ctx context.Context, record journal.Record) (journal.Record, error) {
	if err := ctx.Err(); err != nil {
		return journal.Record{}, err
	}
	var args sql.NullString
	if record.Args != nil {
		encoded, err := json.Marshal(record.Args)
		if err != nil {
			return journal.Record{}, fmt.Errorf("encode args for %s: %w", record.VerbID, err)
		}
		args = sql.NullString{String: string(encoded), Valid: true}
	}
	record.RecordedAt = s.clock.Now().UTC()
	replayable := 0
	if record.Replayable {
		replayable = 1
	}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO action_log (hub_id, room_id, actor_id, verb_id, args, issued_at, audit_ref, replayable, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING sequence`),
		record.HubID, record.RoomID, record.ActorID, record.VerbID, args,
		toMillis(record.IssuedAt), record.AuditRef, replayable, toMillis(record.RecordedAt),
	).Scan(&record.Sequence)
	if err != nil {
		return journal.Record{}, fmt.Errorf("append action log: %w", err)
	}
	return record, nil
}

// Replay implements journal.Repository with the same cursor semantics as the
// in-memory journal.
func (s *Store) Replay(ctx context.Context, query journal.ReplayQuery) ([]journal.Record, error) {
	statement := `SELECT sequence, hub_id, room_id, actor_id, verb_id, args, issued_at, audit_ref, replayable, recorded_at
	   FROM action_log
	  WHERE hub_id = ? AND room_id = ? AND sequence > ? AND replayable = 1
	  ORDER BY sequence`
	params := []any{query.HubID, query.RoomID, query.Since}
	if query.Limit > 0 {
		statement += " LIMIT ?"
		params = append(params, query.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(statement), params...)
	if err != nil {
		return nil, fmt.Errorf("replay %s/%s: %w", query.HubID, query.RoomID, err)
	}
	defer rows.Close()

	out := make([]journal.Record, 0)
	for rows.Next() {
		var (
			record               journal.Record
			args                 sql.NullString
			issuedAt, recordedAt int64
			replayable           int64
		)
		if err := rows.Scan(&record.Sequence, &record.HubID, &record.RoomID, &record.ActorID, &record.VerbID,
			&args, &issuedAt, &record.AuditRef, &replayable, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &record.Args); err != nil {
				return nil, fmt.Errorf("decode args for sequence %d: %w", record.Sequence, err)
			}
		}
		record.IssuedAt = fromMillis(issuedAt)
		record.RecordedAt = fromMillis(recordedAt)
		record.Replayable = replayable != 0
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action log: %w", err)
	}
	return out, nil
}
