package db

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the dashboard's persistence layer. The core itself is stateless
// (spec.md §6: "persisted state produced by the core: none"); everything
// here is observability the HTTP layer keeps for its own dashboard UI —
// a record of scans performed, slots loaded/unloaded, and generations
// served.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scan_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			roots TEXT NOT NULL,
			entry_count INTEGER NOT NULL,
			scanned_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_snapshots_scanned_at ON scan_snapshots(scanned_at)`,

		`CREATE TABLE IF NOT EXISTS load_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id TEXT NOT NULL,
			path TEXT NOT NULL,
			event_type TEXT NOT NULL,
			error TEXT,
			at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_load_events_model_id ON load_events(model_id)`,
		`CREATE INDEX IF NOT EXISTS idx_load_events_at ON load_events(at)`,

		`CREATE TABLE IF NOT EXISTS generation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			finish_reason TEXT NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_log_model_id ON generation_log(model_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}

// ScanSnapshot is one recorded directory scan.
type ScanSnapshot struct {
	ID         int64
	Roots      string
	EntryCount int
	ScannedAt  time.Time
}

func (db *DB) RecordScan(roots string, entryCount int) error {
	_, err := db.conn.Exec(
		`INSERT INTO scan_snapshots (roots, entry_count, scanned_at) VALUES (?, ?, ?)`,
		roots, entryCount, time.Now(),
	)
	return err
}

func (db *DB) LatestScan() (*ScanSnapshot, error) {
	snap := &ScanSnapshot{}
	err := db.conn.QueryRow(
		`SELECT id, roots, entry_count, scanned_at FROM scan_snapshots ORDER BY scanned_at DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.Roots, &snap.EntryCount, &snap.ScannedAt)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadEvent is one recorded slot lifecycle transition.
type LoadEvent struct {
	ID        int64
	ModelID   string
	Path      string
	EventType string // "loaded" | "unloaded" | "load_failed", as the HTTP handlers record them
	Error     string
	At        time.Time
}

func (db *DB) RecordLoadEvent(ev LoadEvent) error {
	_, err := db.conn.Exec(
		`INSERT INTO load_events (model_id, path, event_type, error, at) VALUES (?, ?, ?, ?, ?)`,
		ev.ModelID, ev.Path, ev.EventType, ev.Error, ev.At,
	)
	return err
}

func (db *DB) RecentLoadEvents(limit int) ([]LoadEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, model_id, path, event_type, error, at FROM load_events ORDER BY at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoadEvent
	for rows.Next() {
		var ev LoadEvent
		var errVal sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ModelID, &ev.Path, &ev.EventType, &errVal, &ev.At); err != nil {
			return nil, err
		}
		ev.Error = errVal.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GenerationLogEntry is one completed (successful or failed) generation
// request, kept for the dashboard's own history view.
type GenerationLogEntry struct {
	ID               int64
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	Error            string
	StartedAt        time.Time
	FinishedAt       time.Time
}

func (db *DB) RecordGeneration(e GenerationLogEntry) error {
	_, err := db.conn.Exec(
		`INSERT INTO generation_log
			(model_id, prompt_tokens, completion_tokens, finish_reason, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ModelID, e.PromptTokens, e.CompletionTokens, e.FinishReason, e.Error, e.StartedAt, e.FinishedAt,
	)
	return err
}

func (db *DB) RecentGenerations(limit int) ([]GenerationLogEntry, error) {
	rows, err := db.conn.Query(
		`SELECT id, model_id, prompt_tokens, completion_tokens, finish_reason, error, started_at, finished_at
		FROM generation_log ORDER BY finished_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GenerationLogEntry
	for rows.Next() {
		var e GenerationLogEntry
		var errVal sql.NullString
		if err := rows.Scan(&e.ID, &e.ModelID, &e.PromptTokens, &e.CompletionTokens, &e.FinishReason, &errVal, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		e.Error = errVal.String
		out = append(out, e)
	}
	return out, rows.Err()
}
