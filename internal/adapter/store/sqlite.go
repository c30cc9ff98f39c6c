// Package store persists the consultation audit log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sparkwise/internal/domain"
)

// defaultListLimit caps ListBySession when the caller passes no limit.
const defaultListLimit = 50

// SQLiteStore implements domain.ConsultationStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.ConsultationStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration. ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open consultation db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate consultation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS consultations (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			agents            TEXT NOT NULL DEFAULT '[]',
			combined_response TEXT NOT NULL DEFAULT '',
			confidence        REAL NOT NULL DEFAULT 0,
			warning_count     INTEGER NOT NULL DEFAULT 0,
			degraded_count    INTEGER NOT NULL DEFAULT 0,
			clarification     INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_consultations_session
			ON consultations (session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_consultations_created
			ON consultations (created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts rec. Recording the same ID twice replaces the earlier row.
func (s *SQLiteStore) Record(ctx context.Context, rec domain.ConsultationRecord) error {
	if rec.ID == "" {
		return domain.NewDomainError("SQLiteStore.Record", domain.ErrInvalidInput, "consultation id is required")
	}
	agents := rec.Agents
	if agents == nil {
		agents = []domain.AgentID{}
	}
	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO consultations
			(id, session_id, agents, combined_response, confidence,
			 warning_count, degraded_count, clarification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(agentsJSON), rec.CombinedResponse, rec.Confidence,
		rec.WarningCount, rec.DegradedCount, boolToInt(rec.Clarification),
		formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return nil
}

// Get returns the record with the given ID, or domain.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.ConsultationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, agents, combined_response, confidence,
		       warning_count, degraded_count, clarification, created_at
		FROM consultations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Get", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListBySession returns a session's records, newest first.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.ConsultationRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agents, combined_response, confidence,
		       warning_count, degraded_count, clarification, created_at
		FROM consultations WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	var out []domain.ConsultationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// PruneBefore deletes records created before cutoff.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM consultations WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune consultations: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.ConsultationRecord, error) {
	var (
		rec           domain.ConsultationRecord
		agentsJSON    string
		clarification int
		createdAt     string
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &agentsJSON, &rec.CombinedResponse, &rec.Confidence,
		&rec.WarningCount, &rec.DegradedCount, &clarification, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(agentsJSON), &rec.Agents); err != nil {
		return nil, fmt.Errorf("unmarshal agents: %w", err)
	}
	rec.Clarification = clarification != 0
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t
	return &rec, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
