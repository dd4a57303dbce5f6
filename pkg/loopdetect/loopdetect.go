// Package loopdetect catches stuck or runaway agents by watching for
// the same move being made over and over. An action's "move" is its
// signature: type, category, and resource target.
package loopdetect

import (
	"sync"
	"time"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// Config tunes the detector.
type Config struct {
	// WindowSize is the number of recent signatures kept per session.
	WindowSize int
	// MinRepetitions is how many times a signature must appear in the
	// window before a loop is declared.
	MinRepetitions int
	// MaxInterval bounds how old a sighting may be and still count.
	MaxInterval time.Duration
	// QuietInterval resets a session's window after a gap with no
	// observed actions.
	QuietInterval time.Duration
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		WindowSize:     10,
		MinRepetitions: 3,
		MaxInterval:    5 * time.Minute,
		QuietInterval:  2 * time.Minute,
	}
}

type sighting struct {
	signature string
	at        time.Time
}

type window struct {
	sightings []sighting
	lastSeen  time.Time
}

// Detector tracks per-session sliding windows of action signatures.
// Safe for concurrent use across sessions.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*window
	clock    func() time.Time
}

// New creates a detector. Zero config fields fall back to defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinRepetitions <= 0 {
		cfg.MinRepetitions = def.MinRepetitions
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = def.QuietInterval
	}
	return &Detector{
		cfg:      cfg,
		sessions: make(map[string]*window),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Observe records the action for the session and reports whether it
// completes a loop: its signature seen MinRepetitions times within the
// window and inside MaxInterval.
func (d *Detector) Observe(sessionID string, action *contracts.Action) bool {
	now := d.clock()
	sig := action.Signature()

	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.sessions[sessionID]
	if w == nil {
		w = &window{}
		d.sessions[sessionID] = w
	}

	// A quiet session starts over.
	if !w.lastSeen.IsZero() && now.Sub(w.lastSeen) >= d.cfg.QuietInterval {
		w.sightings = w.sightings[:0]
	}
	w.lastSeen = now

	w.sightings = append(w.sightings, sighting{signature: sig, at: now})
	if len(w.sightings) > d.cfg.WindowSize {
		w.sightings = w.sightings[len(w.sightings)-d.cfg.WindowSize:]
	}

	cutoff := now.Add(-d.cfg.MaxInterval)
	count := 0
	for _, s := range w.sightings {
		if s.signature == sig && !s.at.Before(cutoff) {
			count++
		}
	}
	return count >= d.cfg.MinRepetitions
}

// Reset clears the window for a session, typically after a human has
// reviewed and unblocked it.
func (d *Detector) Reset(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Sweep drops windows idle longer than maxIdle and returns how many
// were reclaimed.
func (d *Detector) Sweep(maxIdle time.Duration) int {
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, w := range d.sessions {
		if now.Sub(w.lastSeen) >= maxIdle {
			delete(d.sessions, id)
			removed++
		}
	}
	return removed
}
