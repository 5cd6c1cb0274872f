package ua

import "time"

// Transport moves frames between the client and the server.
type Transport interface {
	// Send writes msg and returns the request id the frame was sent with.
	// If msg.RequestID is 0, the transport assigns one.
	Send(msg *Message) (uint32, error)

	// Receive blocks for at most budget waiting for one frame.
	// It returns ErrReceiveTimeout when no frame arrived within budget.
	// The returned message is owned by the caller, who should Free it when done.
	Receive(budget time.Duration) (*Message, error)
}

// ConnectionCollaborator establishes and maintains the secure channel and session.
type ConnectionCollaborator interface {
	// CurrentTier returns the current connection tier.
	CurrentTier() ConnTier

	// Advance performs one bounded step of connection establishment.
	Advance() error

	// RenewIfNeeded renews the secure channel token when it is about to expire.
	RenewIfNeeded() error
}

// ChannelMessageHandler is implemented by connection collaborators that consume
// KindChannel frames received by the run loop.
type ChannelMessageHandler interface {
	HandleChannelMessage(msg *Message)
}

// SubscriptionCollaborator keeps subscriptions alive and consumes notifications.
type SubscriptionCollaborator interface {
	// PublishDue sends publish requests when the server needs more of them.
	PublishDue() error

	// HandleNotification consumes a notification frame. The message is only valid
	// during the call; use Message.Clone to keep it.
	HandleNotification(msg *Message)
}

// InactivityChecker is implemented by subscription collaborators that detect
// publish inactivity. It is called once per iteration after the receive phase.
type InactivityChecker interface {
	CheckInactivity(now time.Time)
}

// Clock supplies monotonic timestamps.
type Clock interface {
	Now() time.Time
}
