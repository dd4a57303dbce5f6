// Package audit implements the append-only, hash-chained audit trail of
// permission checks and their resolutions. Each entry's hash covers the
// previous entry's hash, so any mutation or reordering invalidates every
// later entry. The chain is computed here and is backend-agnostic; the
// storage backend only persists and lists entries.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/warden/pkg/canonical"
	"github.com/covenant-labs/warden/pkg/contracts"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "genesis"

var (
	// ErrChainBroken reports a hash-chain integrity failure.
	ErrChainBroken = errors.New("audit chain is broken")
)

// Kind categorizes audit entries.
type Kind string

const (
	KindPermissionCheck Kind = "permission_check"
	KindResolution      Kind = "resolution"
	KindSession         Kind = "session"
	KindTrustChange     Kind = "trust_change"
	KindExecution       Kind = "execution"
)

// Entry is a single immutable record in the audit trail.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Entry struct {
	EntryID   string    `json:"entry_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Kind      Kind   `json:"kind"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id,omitempty"`

	// ActionSummary is the short human-readable description of what was
	// decided; Decision is the verdict recorded for it.
	ActionSummary string `json:"action_summary"`
	Decision      string `json:"decision"`

	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`

	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is the narrow persistence interface behind the logger.
// Append calls arrive strictly serialized; implementations only need to
// persist entries and return them in ascending sequence order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context) ([]Entry, error)
}

// Record is the caller-facing input for one audit write.
type Record struct {
	Kind          Kind
	ActorID       string
	SessionID     string
	ActionSummary string
	Decision      string
	Payload       any
	Metadata      map[string]string
}

// Logger appends hash-chained entries to a Store. Writes are globally
// serialized to keep the chain linear under concurrent writers.
type Logger struct {
	mu    sync.Mutex
	store Store
	seq   uint64
	head  string
	clock func() time.Time
}

// NewLogger creates a logger over a store. An existing chain in the
// store is verified and its head adopted, so a process restart continues
// the chain rather than forking it.
func NewLogger(ctx context.Context, store Store) (*Logger, error) {
	l := &Logger{
		store: store,
		head:  GenesisHash,
		clock: time.Now,
	}

	existing, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: loading existing chain: %w", err)
	}
	if len(existing) > 0 {
		if err := verifyEntries(existing); err != nil {
			return nil, err
		}
		last := existing[len(existing)-1]
		l.seq = last.Sequence
		l.head = last.EntryHash
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Append writes one record to the chain and returns the new entry id.
// On any failure nothing is linked into the chain and the caller must
// treat the decision as not taken.
func (l *Logger) Append(ctx context.Context, rec Record) (string, error) {
	payloadBytes, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload serialization: %v", contracts.ErrAuditWrite, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:       uuid.New().String(),
		Sequence:      l.seq + 1,
		Timestamp:     l.clock().UTC(),
		Kind:          rec.Kind,
		ActorID:       rec.ActorID,
		SessionID:     rec.SessionID,
		ActionSummary: rec.ActionSummary,
		Decision:      rec.Decision,
		Payload:       payloadBytes,
		PayloadHash:   canonical.HashBytes(payloadBytes),
		PrevHash:      l.head,
		Metadata:      rec.Metadata,
	}

	entryHash, err := computeEntryHash(entry)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrAuditWrite, err)
	}
	entry.EntryHash = entryHash

	if err := l.store.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrAuditWrite, err)
	}

	l.seq = entry.Sequence
	l.head = entry.EntryHash
	return entry.EntryID, nil
}

// LogPermissionCheck records one permission decision.
func (l *Logger) LogPermissionCheck(ctx context.Context, action *contracts.Action, tctx *contracts.TrustContext, result *contracts.PermissionResult) (string, error) {
	return l.Append(ctx, Record{
		Kind:          KindPermissionCheck,
		ActorID:       action.Requester.ID,
		SessionID:     tctx.SessionID,
		ActionSummary: action.Summary(),
		Decision:      string(result.Decision),
		Payload:       result,
		Metadata: map[string]string{
			"trust_level": tctx.Level.String(),
			"action_id":   action.ID,
		},
	})
}

// LogResolution records the human or machine resolution of a handoff or
// two-factor request.
func (l *Logger) LogResolution(ctx context.Context, requestID, sessionID, resolvedBy, decision string, payload any) (string, error) {
	return l.Append(ctx, Record{
		Kind:          KindResolution,
		ActorID:       resolvedBy,
		SessionID:     sessionID,
		ActionSummary: "resolution of " + requestID,
		Decision:      decision,
		Payload:       payload,
		Metadata:      map[string]string{"request_id": requestID},
	})
}

// Head returns the current chain head hash.
func (l *Logger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// VerifyChain recomputes the chain from genesis against the store.
func (l *Logger) VerifyChain(ctx context.Context) error {
	entries, err := l.store.List(ctx)
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

// VerifyEntries checks hash-chain integrity of an entry slice in
// sequence order, independent of any store.
func VerifyEntries(entries []Entry) error {
	return verifyEntries(entries)
}

func verifyEntries(entries []Entry) error {
	expectedPrev := GenesisHash
	for i, entry := range entries {
		if entry.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has prev_hash %s, expected %s",
				ErrChainBroken, i, entry.PrevHash, expectedPrev)
		}
		if entry.PayloadHash != canonical.HashBytes(entry.Payload) {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation: %v", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// computeEntryHash hashes the chain-relevant fields of an entry. The
// payload participates via its own hash so backends may store payloads
// out of line without affecting chain verification.
func computeEntryHash(entry Entry) (string, error) {
	hashable := struct {
		Sequence    uint64    `json:"sequence"`
		Timestamp   time.Time `json:"timestamp"`
		Kind        Kind      `json:"kind"`
		ActorID     string    `json:"actor_id"`
		SessionID   string    `json:"session_id"`
		Summary     string    `json:"action_summary"`
		Decision    string    `json:"decision"`
		PayloadHash string    `json:"payload_hash"`
		PrevHash    string    `json:"prev_hash"`
	}{
		Sequence:    entry.Sequence,
		Timestamp:   entry.Timestamp,
		Kind:        entry.Kind,
		ActorID:     entry.ActorID,
		SessionID:   entry.SessionID,
		Summary:     entry.ActionSummary,
		Decision:    entry.Decision,
		PayloadHash: entry.PayloadHash,
		PrevHash:    entry.PrevHash,
	}
	return canonical.Hash(hashable)
}
