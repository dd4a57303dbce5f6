package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the trail in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) a SQLite-backed store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        entry_id TEXT PRIMARY KEY,
        sequence INTEGER NOT NULL UNIQUE,
        timestamp DATETIME NOT NULL,
        kind TEXT NOT NULL,
        actor_id TEXT NOT NULL,
        session_id TEXT,
        action_summary TEXT,
        decision TEXT,
        payload JSON,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL,
        metadata JSON
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite metadata marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_entries
            (entry_id, sequence, timestamp, kind, actor_id, session_id,
             action_summary, decision, payload, payload_hash, prev_hash,
             entry_hash, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.Kind), entry.ActorID, entry.SessionID,
		entry.ActionSummary, entry.Decision, string(entry.Payload),
		entry.PayloadHash, entry.PrevHash, entry.EntryHash, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("sqlite append failed: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT entry_id, sequence, timestamp, kind, actor_id, session_id,
               action_summary, decision, payload, payload_hash, prev_hash,
               entry_hash, metadata
        FROM audit_entries
        ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		ts        string
		kind      string
		sessionID sql.NullString
		summary   sql.NullString
		decision  sql.NullString
		payload   sql.NullString
		metadata  sql.NullString
	)
	err := row.Scan(&entry.EntryID, &entry.Sequence, &ts, &kind,
		&entry.ActorID, &sessionID, &summary, &decision, &payload,
		&entry.PayloadHash, &entry.PrevHash, &entry.EntryHash, &metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("entry scan failed: %w", err)
	}

	entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("entry timestamp parse failed: %w", err)
	}
	entry.Kind = Kind(kind)
	entry.SessionID = sessionID.String
	entry.ActionSummary = summary.String
	entry.Decision = decision.String
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("entry metadata decode failed: %w", err)
		}
	}
	return entry, nil
}
