package guardian

import (
	"sync"
	"time"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// EventType names the outbound notifications the guardian emits.
type EventType string

const (
	EventHandoffRequested   EventType = "handoff-requested"
	EventHandoffResolved    EventType = "approval-processed"
	EventChallengeRequested EventType = "challenge-requested"
	EventChallengeVerified  EventType = "challenge-verified"
	EventLoopDetected       EventType = "loop-detected"
	EventTrustChanged       EventType = "trust-changed"
	EventSessionEnded       EventType = "session-ended"
)

// Event is one outbound notification. The notification layer renders
// it for humans; nothing in the engine blocks on delivery.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`

	Handoff   *contracts.HandoffRequest   `json:"handoff,omitempty"`
	TwoFactor *contracts.TwoFactorRequest `json:"two_factor,omitempty"`
	Result    *contracts.PermissionResult `json:"result,omitempty"`

	// ChallengeCode is the plaintext challenge for out-of-band
	// delivery. Present only on challenge-requested events.
	ChallengeCode string `json:"-"`

	Detail string `json:"detail,omitempty"`
}

// eventBus fans events out to subscribers. Sends never block: a
// subscriber that stops draining loses events rather than stalling
// decisions.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

const eventBufferSize = 64

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. Cancel closes
// the channel and drops the subscription.
func (b *eventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, eventBufferSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers to every subscriber without blocking. Returns the
// number of subscribers that missed the event.
func (b *eventBus) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
