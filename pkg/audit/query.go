package audit

import (
	"context"
	"time"
)

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	Kind       Kind
	ActorID    string
	SessionID  string
	Decision   string
	StartTime  *time.Time
	EndTime    *time.Time
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// Query returns entries matching the filter, in sequence order.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Entry, 0)
	for i := range entries {
		if filter.matches(&entries[i]) {
			results = append(results, entries[i])
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results, nil
}

// Statistics summarizes the audit trail.
type Statistics struct {
	TotalEntries int            `json:"total_entries"`
	UniqueActors int            `json:"unique_actors"`
	Decisions    map[string]int `json:"decisions"`
	Kinds        map[Kind]int   `json:"kinds"`
	FirstEntryAt *time.Time     `json:"first_entry_at,omitempty"`
	LastEntryAt  *time.Time     `json:"last_entry_at,omitempty"`
}

// GetStatistics computes read-only statistics over the whole trail.
func (l *Logger) GetStatistics(ctx context.Context) (*Statistics, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalEntries: len(entries),
		Decisions:    make(map[string]int),
		Kinds:        make(map[Kind]int),
	}
	actors := make(map[string]struct{})
	for i := range entries {
		e := &entries[i]
		actors[e.ActorID] = struct{}{}
		if e.Decision != "" {
			stats.Decisions[e.Decision]++
		}
		stats.Kinds[e.Kind]++
	}
	stats.UniqueActors = len(actors)
	if len(entries) > 0 {
		first := entries[0].Timestamp
		last := entries[len(entries)-1].Timestamp
		stats.FirstEntryAt = &first
		stats.LastEntryAt = &last
	}
	return stats, nil
}
