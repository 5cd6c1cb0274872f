package ua

import (
	"sync"
	"sync/atomic"
)

// ConnTier represents the lifecycle stage of a client connection.
//
// Tiers are totally ordered, features that need an active session compare against
// TierSessionActive.
type ConnTier uint32

// Connection tiers in ascending order.
const (
	// TierDisconnected indicates that no transport connection exists.
	TierDisconnected ConnTier = iota
	// TierChannelNegotiating indicates that the transport is connected and the secure channel is being opened.
	TierChannelNegotiating
	// TierChannelOpen indicates that the secure channel is open but no session is active yet.
	TierChannelOpen
	// TierSessionActive indicates that the session is activated and service requests may be issued.
	TierSessionActive
)

// String returns string representation of the tier.
func (t ConnTier) String() string {
	switch t {
	case TierDisconnected:
		return "disconnected"
	case TierChannelNegotiating:
		return "channel-negotiating"
	case TierChannelOpen:
		return "channel-open"
	case TierSessionActive:
		return "session-active"
	default:
		return "unknown"
	}
}

// IsDisconnected returns if the tier is TierDisconnected.
func (t ConnTier) IsDisconnected() bool { return t == TierDisconnected }

// IsSessionActive returns if the tier has reached TierSessionActive.
func (t ConnTier) IsSessionActive() bool { return t >= TierSessionActive }

// AtLeast returns if t is the same as or above other.
func (t ConnTier) AtLeast(other ConnTier) bool { return t >= other }

// TierChangeHandler is invoked when a tier transition is observed.
//
// Note: the handler is invoked synchronously on the goroutine performing the transition.
// Take care with long-running implementations.
type TierChangeHandler func(prev ConnTier, cur ConnTier)

// TierTracker holds the current tier of a connection and notifies handlers of transitions.
//
// The tier value can be read from any goroutine; transitions and handler registration are
// serialized internally.
type TierTracker struct {
	mu       sync.Mutex
	tier     atomic.Uint32
	handlers []TierChangeHandler
}

// NewTierTracker creates a TierTracker starting at TierDisconnected.
func NewTierTracker(handlers ...TierChangeHandler) *TierTracker {
	t := &TierTracker{handlers: make([]TierChangeHandler, 0, len(handlers))}
	t.AddHandler(handlers...)

	return t
}

// Tier returns the current tier.
func (t *TierTracker) Tier() ConnTier {
	return ConnTier(t.tier.Load())
}

// AddHandler registers handlers invoked on tier transitions.
func (t *TierTracker) AddHandler(handlers ...TierChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			t.handlers = append(t.handlers, h)
		}
	}
}

// Set moves the tracker to tier and returns the previous tier.
// Handlers are invoked only when the tier actually changes.
func (t *TierTracker) Set(tier ConnTier) ConnTier {
	t.mu.Lock()
	prev := ConnTier(t.tier.Swap(uint32(tier)))
	if prev == tier {
		t.mu.Unlock()
		return prev
	}
	handlers := make([]TierChangeHandler, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(prev, tier)
	}

	return prev
}
