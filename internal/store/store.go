// Package store provides persistent operator telemetry backed by an embedded
// SQLite database: a record of room lifecycle events and periodic latency
// samples, queried by the admin API. It owns the database lifecycle
// and exposes a minimal API used by the rest of the server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — room lifecycle events
	`CREATE TABLE IF NOT EXISTS room_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — periodic latency samples
	`CREATE TABLE IF NOT EXISTS latency_samples (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id      TEXT NOT NULL,
		user_id      INTEGER NOT NULL,
		median_rtt_s REAL NOT NULL,
		sampled_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3, v4 — indexes for the admin API's per-room lookups
	`CREATE INDEX IF NOT EXISTS idx_room_events_room ON room_events(room_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_latency_samples_room ON latency_samples(room_id, sampled_at)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes operator-telemetry operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// RoomEvent is a single row in room_events.
type RoomEvent struct {
	ID        int64
	RoomID    string
	Kind      string
	Detail    string
	CreatedAt int64
}

// InsertRoomEvent records a room lifecycle event (e.g. "user_joined",
// "user_quit", "game_started", "room_closed").
func (s *Store) InsertRoomEvent(roomID, kind, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO room_events(room_id, kind, detail) VALUES(?,?,?)`,
		roomID, kind, detail,
	)
	if err != nil {
		return err
	}
	// Auto-purge oldest entries beyond 50,000 to bound disk use under churn.
	_, err = s.db.Exec(`DELETE FROM room_events WHERE id NOT IN (SELECT id FROM room_events ORDER BY id DESC LIMIT 50000)`)
	return err
}

// GetRoomEvents returns events for roomID, most recent first, capped at limit.
func (s *Store) GetRoomEvents(roomID string, limit int) ([]RoomEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, kind, detail, created_at FROM room_events WHERE room_id = ? ORDER BY id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RoomEvent
	for rows.Next() {
		var e RoomEvent
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatencySample is a single row in latency_samples.
type LatencySample struct {
	ID         int64
	RoomID     string
	UserID     uint32
	MedianRTTS float64
	SampledAt  int64
}

// InsertLatencySample records one user's median RTT for a room at the
// current tick.
func (s *Store) InsertLatencySample(roomID string, userID uint32, medianRTTS float64) error {
	_, err := s.db.Exec(
		`INSERT INTO latency_samples(room_id, user_id, median_rtt_s) VALUES(?,?,?)`,
		roomID, userID, medianRTTS,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM latency_samples WHERE id NOT IN (SELECT id FROM latency_samples ORDER BY id DESC LIMIT 200000)`)
	return err
}

// GetRecentLatencySamples returns the most recent samples for a room, newest
// first, capped at limit.
func (s *Store) GetRecentLatencySamples(roomID string, limit int) ([]LatencySample, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, user_id, median_rtt_s, sampled_at FROM latency_samples WHERE room_id = ? ORDER BY id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []LatencySample
	for rows.Next() {
		var sm LatencySample
		if err := rows.Scan(&sm.ID, &sm.RoomID, &sm.UserID, &sm.MedianRTTS, &sm.SampledAt); err != nil {
			return nil, err
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// RoomEventCount returns the number of recorded room events, for CLI status
// reporting.
func (s *Store) RoomEventCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM room_events`).Scan(&n)
	return n, err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at the given path using SQLite's
// VACUUM INTO statement.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
