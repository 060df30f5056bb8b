// Package sqlstore persists hub verb rows, the action log, room state and
// session trackers in SQLite or Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/roomstate"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Dialect selects the SQL flavour and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const migrationTable = "schema_migrations"

// Config wires a Store.
type Config struct {
	Dialect Dialect
	// DSN is a file path for SQLite and a connection string for Postgres.
	DSN          string
	Clock        clock.Clock
	TrackerLimit int
}

// Store implements catalog.Repository, journal.Repository and
// roomstate.Store over database/sql.
type Store struct {
	dialect      Dialect
	db           *sql.DB
	clock        clock.Clock
	trackerLimit int
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open connects, pings and applies the embedded migrations for the dialect.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	var driverName string
	switch cfg.Dialect {
	case DialectSQLite:
		driverName = "sqlite"
		if dsn == "" {
			return nil, errors.New("sqlstore: sqlite path is required")
		}
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			path := filepath.Clean(dsn)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: create sqlite directory: %w", err)
			}
			dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case DialectPostgres:
		driverName = "pgx"
		if dsn == "" {
			return nil, errors.New("sqlstore: postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}
	if cfg.Dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Dialect, err)
	}

	trackerLimit := cfg.TrackerLimit
	if trackerLimit <= 0 {
		trackerLimit = roomstate.DefaultTrackerLimit
	}
	s := &Store{dialect: cfg.Dialect, db: db, clock: clock.OrSystem(cfg.Clock), trackerLimit: trackerLimit}
	if err := s.applyMigrations(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports the store's SQL flavour.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders for the dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	pos := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			pos++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(pos))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`, migrationTable)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM "+migrationTable)
	if err != nil {
		return fmt.Errorf("read %s: %w", migrationTable, err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate migrations: %w", err)
	}
	rows.Close()

	files, err := fs.Glob(migrationFS, fmt.Sprintf("migrations/%s/*.sql", s.dialect))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		name := filepath.Base(file)
		if applied[name] {
			continue
		}
		content, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := extractUp(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		record := s.rebind("INSERT INTO " + migrationTable + " (name, applied_at) VALUES (?, ?)")
		if _, err := tx.ExecContext(ctx, record, name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// extractUp returns the SQL in the -- +migrate Up section.
func extractUp(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, downMarker)
	if downIdx == -1 {
		return content[upIdx+len(upMarker):]
	}
	return content[upIdx+len(upMarker) : downIdx]
}
