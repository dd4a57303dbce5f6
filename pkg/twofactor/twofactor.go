// Package twofactor runs the challenge-response cycle gating high-risk
// actions. Codes are never stored in the clear; only a bcrypt hash is
// kept, and the plaintext is returned exactly once for delivery over
// the caller's channel.
package twofactor

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// Config tunes the workflow.
type Config struct {
	// ChallengeTTL is how long a code stays valid.
	ChallengeTTL time.Duration
	// MaxAttempts before the challenge fails and the action cools down.
	MaxAttempts int
	// Cooldown blocks a new challenge for the same action after a
	// failed one.
	Cooldown time.Duration
	// CodeLength is the number of digits in a challenge code.
	CodeLength int
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL: 5 * time.Minute,
		MaxAttempts:  3,
		Cooldown:     15 * time.Minute,
		CodeLength:   6,
	}
}

// Manager owns the live challenges of a process.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	requests  map[string]*challenge
	cooldowns map[string]time.Time
	clock     func() time.Time
}

type challenge struct {
	request  contracts.TwoFactorRequest
	codeHash []byte
}

// NewManager creates a two-factor manager. Zero config fields fall
// back to defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = def.ChallengeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	return &Manager{
		cfg:       cfg,
		requests:  make(map[string]*challenge),
		cooldowns: make(map[string]time.Time),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// RequestChallenge opens a pending challenge for the action and returns
// the plaintext code for out-of-band delivery. A failed challenge for
// the same action enforces a cooldown before a new one may be issued.
func (m *Manager) RequestChallenge(action *contracts.Action, sessionID string, challengeType contracts.ChallengeType) (*contracts.TwoFactorRequest, string, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if until, ok := m.cooldowns[action.ID]; ok {
		if now.Before(until) {
			return nil, "", fmt.Errorf("%w: action %s until %s", contracts.ErrChallengeCooldown, action.ID, until.Format(time.RFC3339))
		}
		delete(m.cooldowns, action.ID)
	}

	code, err := generateCode(m.cfg.CodeLength)
	if err != nil {
		return nil, "", fmt.Errorf("twofactor: code generation: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("twofactor: code hash: %w", err)
	}

	req := contracts.TwoFactorRequest{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Action:    *action,
		Challenge: challengeType,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.ChallengeTTL),
		MaxTries:  m.cfg.MaxAttempts,
		Status:    contracts.TwoFactorPending,
	}
	m.requests[req.ID] = &challenge{request: req, codeHash: hash}

	cp := req
	return &cp, code, nil
}

// Verify checks a submitted code. Wrong codes consume an attempt;
// exhausting the attempts fails the challenge and starts the cooldown
// for its action. Expiry is evaluated lazily here, not by timers.
func (m *Manager) Verify(requestID, code string) (bool, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.requests[requestID]
	if !ok {
		return false, fmt.Errorf("%w: challenge %s", contracts.ErrRequestNotFound, requestID)
	}

	switch ch.request.Status {
	case contracts.TwoFactorVerified, contracts.TwoFactorFailed:
		return false, fmt.Errorf("%w: challenge %s", contracts.ErrAlreadyResolved, requestID)
	case contracts.TwoFactorExpired:
		return false, fmt.Errorf("%w: challenge %s", contracts.ErrRequestExpired, requestID)
	}
	if ch.request.Expired(now) {
		ch.request.Status = contracts.TwoFactorExpired
		return false, fmt.Errorf("%w: challenge %s", contracts.ErrRequestExpired, requestID)
	}

	ch.request.Attempts++
	if bcrypt.CompareHashAndPassword(ch.codeHash, []byte(code)) == nil {
		ch.request.Status = contracts.TwoFactorVerified
		return true, nil
	}

	if ch.request.Attempts >= ch.request.MaxTries {
		ch.request.Status = contracts.TwoFactorFailed
		m.cooldowns[ch.request.Action.ID] = now.Add(m.cfg.Cooldown)
	}
	return false, nil
}

// Get returns a copy of the challenge, expiring it first if needed.
func (m *Manager) Get(requestID string) (*contracts.TwoFactorRequest, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: challenge %s", contracts.ErrRequestNotFound, requestID)
	}
	if ch.request.Status == contracts.TwoFactorPending && ch.request.Expired(now) {
		ch.request.Status = contracts.TwoFactorExpired
	}
	cp := ch.request
	return &cp, nil
}

// PendingForAction returns a copy of the live pending challenge for an
// action, or nil when none exists. A retried action reuses its open
// challenge instead of minting a fresh code.
func (m *Manager) PendingForAction(actionID string) *contracts.TwoFactorRequest {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.requests {
		if ch.request.Action.ID != actionID {
			continue
		}
		if ch.request.Status != contracts.TwoFactorPending {
			continue
		}
		if ch.request.Expired(now) {
			ch.request.Status = contracts.TwoFactorExpired
			continue
		}
		cp := ch.request
		return &cp
	}
	return nil
}

// SweepExpired drops settled and expired challenges plus elapsed
// cooldowns, returning how many challenges were reclaimed.
func (m *Manager) SweepExpired() int {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ch := range m.requests {
		if ch.request.Status == contracts.TwoFactorPending && ch.request.Expired(now) {
			ch.request.Status = contracts.TwoFactorExpired
		}
		if ch.request.Status != contracts.TwoFactorPending {
			delete(m.requests, id)
			removed++
		}
	}
	for actionID, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, actionID)
		}
	}
	return removed
}

func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits), nil
}
