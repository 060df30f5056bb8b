package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"glass-frontier/hub/internal/roomstate"
)

// GetRoomState implements roomstate.Store.
func (s *Store) GetRoomState(ctx context.Context, hubID, roomID string) (roomstate.Snapshot, error) {
	return s.readRoom(ctx, s.db, hubID, roomID, "")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) readRoom(ctx context.Context, q queryer, hubID, roomID, suffix string) (roomstate.Snapshot, error) {
	var (
		state     string
		updatedAt int64
		snapshot  = roomstate.Snapshot{HubID: hubID, RoomID: roomID}
	)
	err := q.QueryRowContext(ctx, s.rebind(
		`SELECT version, state, updated_at FROM room_state WHERE hub_id = ? AND room_id = ?`+suffix),
		hubID, roomID,
	).Scan(&snapshot.Version, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return roomstate.Empty(hubID, roomID), nil
	}
	if err != nil {
		return roomstate.Snapshot{}, fmt.Errorf("read room %s/%s: %w", hubID, roomID, err)
	}
	snapshot.State = json.RawMessage(state)
	snapshot.UpdatedAt = fromMillis(updatedAt)
	return snapshot, nil
}

// UpdateRoomState implements roomstate.Store. The read, apply and write run
// in one transaction; Postgres additionally locks the row.
func (s *Store) UpdateRoomState(ctx context.Context, hubID, roomID string, apply roomstate.ApplyFunc) (roomstate.Snapshot, error) {
	if apply == nil {
		return roomstate.Snapshot{}, fmt.Errorf("roomstate: nil apply for %s/%s", hubID, roomID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return roomstate.Snapshot{}, fmt.Errorf("begin room update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	suffix := ""
	if s.dialect == DialectPostgres {
		suffix = " FOR UPDATE"
	}
	current, err := s.readRoom(ctx, tx, hubID, roomID, suffix)
	if err != nil {
		return roomstate.Snapshot{}, err
	}
	next, err := apply(current.State)
	if err != nil {
		return roomstate.Snapshot{}, err
	}
	next, err = roomstate.Compact(next)
	if err != nil {
		return roomstate.Snapshot{}, fmt.Errorf("roomstate: apply for %s/%s produced invalid document: %w", hubID, roomID, err)
	}
	updated := roomstate.Snapshot{
		HubID:     hubID,
		RoomID:    roomID,
		State:     next,
		Version:   current.Version + 1,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO room_state (hub_id, room_id, version, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (hub_id, room_id) DO UPDATE SET
		   version = excluded.version,
		   state = excluded.state,
		   updated_at = excluded.updated_at`),
		hubID, roomID, updated.Version, string(next), toMillis(updated.UpdatedAt),
	); err != nil {
		return roomstate.Snapshot{}, fmt.Errorf("write room %s/%s: %w", hubID, roomID, err)
	}
	if err := tx.Commit(); err != nil {
		return roomstate.Snapshot{}, fmt.Errorf("commit room %s/%s: %w", hubID, roomID, err)
	}
	return updated, nil
}

// RecordTracker implements roomstate.Store. Each session keeps at most the
// configured number of entries.
func (s *Store) RecordTracker(ctx context.Context, entry roomstate.TrackerEntry) error {
	if entry.SessionID == "" {
		return nil
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.clock.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tracker: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO session_trackers (session_id, hub_id, room_id, version, verb_id, actor_id, audit_ref, kind, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.SessionID, entry.HubID, entry.RoomID, entry.Version, entry.VerbID,
		entry.ActorID, entry.AuditRef, string(entry.Kind), toMillis(entry.RecordedAt),
	); err != nil {
		return fmt.Errorf("insert tracker for %s: %w", entry.SessionID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM session_trackers
		  WHERE session_id = ?
		    AND id NOT IN (SELECT id FROM session_trackers WHERE session_id = ? ORDER BY id DESC LIMIT ?)`),
		entry.SessionID, entry.SessionID, s.trackerLimit,
	); err != nil {
		return fmt.Errorf("trim trackers for %s: %w", entry.SessionID, err)
	}
	return tx.Commit()
}

// ListTrackers implements roomstate.Store, oldest first.
func (s *Store) ListTrackers(ctx context.Context, sessionID string, limit int) ([]roomstate.TrackerEntry, error) {
	statement := `SELECT session_id, hub_id, room_id, version, verb_id, actor_id, audit_ref, kind, recorded_at
	   FROM session_trackers WHERE session_id = ? ORDER BY id DESC`
	params := []any{sessionID}
	if limit > 0 {
		statement += " LIMIT ?"
		params = append(params, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(statement), params...)
	if err != nil {
		return nil, fmt.Errorf("list trackers for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []roomstate.TrackerEntry
	for rows.Next() {
		var (
			entry      roomstate.TrackerEntry
			kind       string
			recordedAt int64
		)
		if err := rows.Scan(&entry.SessionID, &entry.HubID, &entry.RoomID, &entry.Version, &entry.VerbID,
			&entry.ActorID, &entry.AuditRef, &kind, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		entry.Kind = roomstate.TrackerKind(kind)
		entry.RecordedAt = fromMillis(recordedAt)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trackers: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
