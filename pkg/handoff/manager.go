// Package handoff tracks human-review requests from creation through
// acknowledgment to resolution or expiry. Resolutions are first-wins:
// concurrent reviewers cannot both settle the same request.
package handoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// Config tunes the workflow.
type Config struct {
	// DefaultDeadline is applied to new requests; zero means no deadline.
	DefaultDeadline time.Duration
	// GrantTTL bounds how long an approval grant stays usable.
	GrantTTL time.Duration
	// SigningKey signs approval grants. Required.
	SigningKey []byte
}

// Manager owns the live handoff requests of a process.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	requests map[string]*contracts.HandoffRequest
	clock    func() time.Time
}

// NewManager creates a handoff manager.
func NewManager(cfg Config) *Manager {
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = 15 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		requests: make(map[string]*contracts.HandoffRequest),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create opens a pending request for the action. The context is
// snapshotted so the reviewer sees the session as it was at escalation
// time.
func (m *Manager) Create(action *contracts.Action, tctx *contracts.TrustContext, reason contracts.HandoffReason, explanation string, suggestions []string) *contracts.HandoffRequest {
	now := m.clock().UTC()
	req := &contracts.HandoffRequest{
		ID:          uuid.New().String(),
		SessionID:   tctx.SessionID,
		Action:      *action,
		Reason:      reason,
		Explanation: explanation,
		Context:     *tctx.Clone(),
		Priority:    priorityFor(action),
		CreatedAt:   now,
		Suggestions: suggestions,
		Status:      contracts.HandoffPending,
	}
	if m.cfg.DefaultDeadline > 0 {
		deadline := now.Add(m.cfg.DefaultDeadline)
		req.Deadline = &deadline
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()
	return req
}

func priorityFor(action *contracts.Action) contracts.HandoffPriority {
	switch action.Risk {
	case contracts.RiskCritical:
		return contracts.HandoffPriorityUrgent
	case contracts.RiskHigh:
		return contracts.HandoffPriorityHigh
	case contracts.RiskMedium:
		return contracts.HandoffPriorityNormal
	}
	return contracts.HandoffPriorityLow
}

// Get returns a copy of the request, expiring it first if its deadline
// has passed. Expiry is evaluated lazily on access, never by timers.
func (m *Manager) Get(id string) (*contracts.HandoffRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.locked(id)
	if err != nil {
		return nil, err
	}
	cp := *req
	return &cp, nil
}

// locked fetches a request and applies lazy expiry. Caller holds m.mu.
func (m *Manager) locked(id string) (*contracts.HandoffRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: handoff %s", contracts.ErrRequestNotFound, id)
	}
	if req.Status != contracts.HandoffResolved && req.PastDeadline(m.clock().UTC()) {
		req.Status = contracts.HandoffExpired
	}
	return req, nil
}

// Pending lists the unresolved requests for a session, or all sessions
// when sessionID is empty.
func (m *Manager) Pending(sessionID string) []*contracts.HandoffRequest {
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*contracts.HandoffRequest
	for _, req := range m.requests {
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		if req.Status != contracts.HandoffResolved && req.PastDeadline(now) {
			req.Status = contracts.HandoffExpired
		}
		if req.Status == contracts.HandoffPending || req.Status == contracts.HandoffAcknowledged {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out
}

// Acknowledge transitions pending to acknowledged.
func (m *Manager) Acknowledge(id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.locked(id)
	if err != nil {
		return err
	}
	switch req.Status {
	case contracts.HandoffResolved:
		return fmt.Errorf("%w: handoff %s", contracts.ErrAlreadyResolved, id)
	case contracts.HandoffExpired:
		return fmt.Errorf("%w: handoff %s", contracts.ErrRequestExpired, id)
	}
	now := m.clock().UTC()
	req.Status = contracts.HandoffAcknowledged
	req.AckedBy = by
	req.AckedAt = &now
	return nil
}

// Outcome is what a resolution yields for the caller.
type Outcome struct {
	Request *contracts.HandoffRequest
	// Approved is true for approve and modify decisions.
	Approved bool
	// Action is the action cleared for execution: the original on
	// approve, the reviewer's replacement on modify.
	Action *contracts.Action
	// Grant is a signed token binding the approval to the action; the
	// executor can verify it independently of this process.
	Grant string
}

// Resolve settles a request. The first resolution wins; later attempts
// return ErrAlreadyResolved. Requests past their deadline expire
// instead and are treated as denied.
func (m *Manager) Resolve(id string, res contracts.HandoffResolution) (*Outcome, error) {
	if !res.Decision.Valid() {
		return nil, fmt.Errorf("%w: unknown handoff decision %q", contracts.ErrValidation, string(res.Decision))
	}
	if res.Decision == contracts.HandoffModify && res.ModifiedAction == nil {
		return nil, fmt.Errorf("%w: modify resolution requires a modified action", contracts.ErrValidation)
	}
	if res.ResolvedBy == "" {
		return nil, fmt.Errorf("%w: resolver id is required", contracts.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.locked(id)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case contracts.HandoffResolved:
		return nil, fmt.Errorf("%w: handoff %s", contracts.ErrAlreadyResolved, id)
	case contracts.HandoffExpired:
		return nil, fmt.Errorf("%w: handoff %s", contracts.ErrRequestExpired, id)
	}

	res.ResolvedAt = m.clock().UTC()
	req.Status = contracts.HandoffResolved
	req.Resolution = &res

	cp := *req
	outcome := &Outcome{Request: &cp}
	if res.Decision == contracts.HandoffApprove || res.Decision == contracts.HandoffModify {
		action := req.Action
		if res.Decision == contracts.HandoffModify {
			action = *res.ModifiedAction
		}
		grant, err := m.issueGrant(req, &action, res.ResolvedBy)
		if err != nil {
			// Roll back so a retry can still win the resolution.
			req.Status = contracts.HandoffPending
			req.Resolution = nil
			return nil, err
		}
		outcome.Approved = true
		outcome.Action = &action
		outcome.Grant = grant
	}
	return outcome, nil
}

// Reopen rolls a resolved request back to pending so a later
// resolution can win again. The guardian uses it when a resolution
// could not be durably logged; any grant issued for the rolled-back
// resolution must be discarded by the caller.
func (m *Manager) Reopen(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: handoff %s", contracts.ErrRequestNotFound, id)
	}
	if req.Status != contracts.HandoffResolved {
		return fmt.Errorf("%w: handoff %s is not resolved", contracts.ErrValidation, id)
	}
	req.Status = contracts.HandoffPending
	req.Resolution = nil
	return nil
}

// SweepExpired proactively expires requests past their deadline and
// returns how many were flipped.
func (m *Manager) SweepExpired() int {
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for _, req := range m.requests {
		if req.Status == contracts.HandoffPending || req.Status == contracts.HandoffAcknowledged {
			if req.PastDeadline(now) {
				req.Status = contracts.HandoffExpired
				expired++
			}
		}
	}
	return expired
}
