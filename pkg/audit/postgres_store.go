package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists the trail in PostgreSQL for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects with the given DSN and runs migrations.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	store, err := NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        entry_id TEXT PRIMARY KEY,
        sequence BIGINT NOT NULL UNIQUE,
        timestamp TIMESTAMPTZ NOT NULL,
        kind TEXT NOT NULL,
        actor_id TEXT NOT NULL,
        session_id TEXT,
        action_summary TEXT,
        decision TEXT,
        payload JSONB,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL,
        metadata JSONB
    );
    CREATE INDEX IF NOT EXISTS idx_audit_entries_session
        ON audit_entries (session_id);
    CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
        ON audit_entries (actor_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("postgres metadata marshal: %w", err)
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_entries
            (entry_id, sequence, timestamp, kind, actor_id, session_id,
             action_summary, decision, payload, payload_hash, prev_hash,
             entry_hash, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.EntryID, entry.Sequence, entry.Timestamp,
		string(entry.Kind), entry.ActorID, entry.SessionID,
		entry.ActionSummary, entry.Decision, []byte(payload),
		entry.PayloadHash, entry.PrevHash, entry.EntryHash, metadata,
	)
	if err != nil {
		return fmt.Errorf("postgres append failed: %w", err)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT entry_id, sequence, timestamp, kind, actor_id, session_id,
               action_summary, decision, payload, payload_hash, prev_hash,
               entry_hash, metadata
        FROM audit_entries
        ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			kind      string
			sessionID sql.NullString
			summary   sql.NullString
			decision  sql.NullString
			payload   []byte
			metadata  []byte
		)
		err := rows.Scan(&entry.EntryID, &entry.Sequence, &entry.Timestamp,
			&kind, &entry.ActorID, &sessionID, &summary, &decision, &payload,
			&entry.PayloadHash, &entry.PrevHash, &entry.EntryHash, &metadata)
		if err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		entry.Kind = Kind(kind)
		entry.SessionID = sessionID.String
		entry.ActionSummary = summary.String
		entry.Decision = decision.String
		if len(payload) > 0 && string(payload) != "null" {
			entry.Payload = json.RawMessage(payload)
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("entry metadata decode failed: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
