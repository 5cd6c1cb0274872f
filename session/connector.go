// Package session implements a connection collaborator that establishes the secure channel
// and session over a frame transport, renews the channel token and reconnects with backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// Transport is the connection a Connector drives.
type Transport interface {
	ua.Transport

	// Dial opens the connection.
	Dial(ctx context.Context) error
	// Close closes the connection. It must be safe to call on a closed connection.
	Close() error
	// IsOpen returns if the connection is open.
	IsOpen() bool
}

// handshake step awaited by the connector.
type step int

const (
	stepIdle step = iota
	stepOpenChannel
	stepCreateSession
	stepActivateSession
)

var stepResponses = map[step]ua.ServiceType{
	stepOpenChannel:     ua.ServiceOpenSecureChannelResponse,
	stepCreateSession:   ua.ServiceCreateSessionResponse,
	stepActivateSession: ua.ServiceActivateSessionResponse,
}

// Connector establishes and maintains the secure channel and session.
// It implements ua.ConnectionCollaborator and ua.ChannelMessageHandler.
//
// Advance, RenewIfNeeded and HandleChannelMessage are meant to be called from the client run loop.
// Close may be called from any goroutine.
type Connector struct {
	cfg       *Config
	transport Transport
	logger    logger.Logger
	clock     ua.Clock
	idGen     *ua.RequestIDGenerator
	tier      *ua.TierTracker

	mu       sync.Mutex
	backoff  *backoff
	nextDial time.Time

	step              step
	pendingID         uint32
	handshakeDeadline time.Time

	token         ua.ChannelToken
	tokenIssuedAt time.Time
	session       ua.CreateSessionResponse

	renewID       uint32
	renewDeadline time.Time
	renewErr      error
}

var (
	_ ua.ConnectionCollaborator = (*Connector)(nil)
	_ ua.ChannelMessageHandler  = (*Connector)(nil)
)

// NewConnector creates a disconnected connector over transport.
//
// The handlers are invoked whenever the tier changes, on the goroutine that changed it.
// They must not call back into the connector.
func NewConnector(transport Transport, cfg *Config, handlers ...ua.TierChangeHandler) (*Connector, error) {
	if transport == nil {
		return nil, errors.New("transport is nil")
	}
	if cfg == nil {
		return nil, ua.ErrConfigNil
	}

	initial, maxDelay := cfg.ReconnectBackoff()

	c := &Connector{
		cfg:       cfg,
		transport: transport,
		logger:    cfg.Logger().With("component", "session"),
		clock:     cfg.Clock(),
		idGen:     ua.NewRequestIDGenerator(),
		backoff:   newBackoff(initial, maxDelay),
	}
	c.tier = ua.NewTierTracker(append([]ua.TierChangeHandler{c.logTierChange}, handlers...)...)

	return c, nil
}

func (c *Connector) logTierChange(prev, cur ua.ConnTier) {
	c.logger.Info("connection tier changed", "prev", prev.String(), "tier", cur.String())
}

// CurrentTier returns the current tier. A connection closed underneath the connector is
// observed here and reported as TierDisconnected.
func (c *Connector) CurrentTier() ua.ConnTier {
	c.mu.Lock()
	c.observeTransportLocked()
	c.mu.Unlock()

	return c.tier.Tier()
}

// Token returns the current secure channel token.
func (c *Connector) Token() ua.ChannelToken {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token
}

// SessionID returns the id of the current session, zero when no session was created.
func (c *Connector) SessionID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session.SessionID
}

// NextAttempt returns the earliest time of the next connection attempt.
func (c *Connector) NextAttempt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nextDial
}

// Advance performs one bounded step of connection establishment:
// dial when disconnected and the reconnect delay elapsed, otherwise wait at most the handshake
// poll budget for the response of the current handshake step.
func (c *Connector) Advance() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observeTransportLocked()

	switch c.tier.Tier() {
	case ua.TierDisconnected:
		return c.dialLocked()
	case ua.TierSessionActive:
		return nil
	default:
		return c.pollHandshakeLocked()
	}
}

func (c *Connector) dialLocked() error {
	now := c.clock.Now()
	if now.Before(c.nextDial) {
		return nil
	}

	if err := c.transport.Dial(context.Background()); err != nil {
		delay := c.backoff.next()
		c.nextDial = now.Add(delay)
		c.logger.Warn("connect failed", "error", err, "retry_in", delay)

		return err
	}

	c.handshakeDeadline = now.Add(c.cfg.HandshakeTimeout())
	body, err := c.openChannelBody(ua.TokenIssue)
	if err != nil {
		return c.failLocked(err)
	}
	if err = c.sendStepLocked(stepOpenChannel, ua.ServiceOpenSecureChannelRequest, body); err != nil {
		return c.failLocked(err)
	}
	c.tier.Set(ua.TierChannelNegotiating)

	return nil
}

// openChannelBody encodes an OpenSecureChannel request for the configured token lifetime.
func (c *Connector) openChannelBody(rt ua.SecurityTokenRequestType) ([]byte, error) {
	return ua.OpenSecureChannelRequest{
		RequestType:       rt,
		RequestedLifetime: uint32(c.cfg.ChannelLifetime().Milliseconds()), //nolint:gosec
	}.MarshalBinary()
}

func (c *Connector) sendStepLocked(next step, service ua.ServiceType, body []byte) error {
	id, err := c.send(service, body)
	if err != nil {
		return err
	}

	c.step = next
	c.pendingID = id

	return nil
}

func (c *Connector) send(service ua.ServiceType, body []byte) (uint32, error) {
	msg := ua.NewMessage(ua.KindChannel, service, c.idGen.Next(), body)
	defer msg.Free()

	return c.transport.Send(msg)
}

func (c *Connector) pollHandshakeLocked() error {
	msg, err := c.transport.Receive(c.cfg.HandshakePollBudget())
	if err != nil {
		if !errors.Is(err, ua.ErrReceiveTimeout) {
			return c.failLocked(err)
		}
		if !c.clock.Now().Before(c.handshakeDeadline) {
			return c.failLocked(fmt.Errorf("%w: handshake step %s got no response", ua.ErrTimeout, stepResponses[c.step]))
		}

		return nil
	}
	defer msg.Free()

	if msg.Kind != ua.KindChannel || msg.RequestID != c.pendingID {
		c.logger.Debug("ignore frame during handshake", msg.LogFields()...)
		return nil
	}

	if expected := stepResponses[c.step]; msg.Service != expected {
		return c.failLocked(fmt.Errorf("%w: expected %s, got %s", ua.ErrProtocol, expected, msg.Service))
	}
	if msg.Status.IsBad() {
		return c.failLocked(fmt.Errorf("%w: %s rejected: %s", ua.ErrProtocol, msg.Service, msg.Status))
	}

	switch c.step {
	case stepOpenChannel:
		var token ua.ChannelToken
		if err := token.UnmarshalBinary(msg.Payload); err != nil {
			return c.failLocked(err)
		}
		c.token = token
		c.tokenIssuedAt = c.clock.Now()
		c.tier.Set(ua.TierChannelOpen)

		if err := c.sendStepLocked(stepCreateSession, ua.ServiceCreateSessionRequest, nil); err != nil {
			return c.failLocked(err)
		}

	case stepCreateSession:
		var session ua.CreateSessionResponse
		if err := session.UnmarshalBinary(msg.Payload); err != nil {
			return c.failLocked(err)
		}
		c.session = session

		body, err := ua.ActivateSessionRequest{AuthenticationToken: session.AuthenticationToken}.MarshalBinary()
		if err != nil {
			return c.failLocked(err)
		}
		if err = c.sendStepLocked(stepActivateSession, ua.ServiceActivateSessionRequest, body); err != nil {
			return c.failLocked(err)
		}

	case stepActivateSession:
		c.step = stepIdle
		c.pendingID = 0
		c.backoff.reset()
		c.tier.Set(ua.TierSessionActive)
		c.logger.Info("session activated",
			"channel_id", c.token.ChannelID, "session_id", c.session.SessionID,
			"token_lifetime", time.Duration(c.token.RevisedLifetime)*time.Millisecond,
		)
	}

	return nil
}

// failLocked drops the connection after a failed handshake step and schedules the next attempt.
func (c *Connector) failLocked(err error) error {
	delay := c.backoff.next()
	c.nextDial = c.clock.Now().Add(delay)
	c.logger.Warn("connection handshake failed", "error", err, "retry_in", delay)
	c.dropLocked()

	return err
}

// dropLocked closes the transport and forgets the channel and session state.
func (c *Connector) dropLocked() {
	_ = c.transport.Close()

	c.step = stepIdle
	c.pendingID = 0
	c.token = ua.ChannelToken{}
	c.session = ua.CreateSessionResponse{}
	c.renewID = 0
	c.renewErr = nil
	c.tier.Set(ua.TierDisconnected)
}

func (c *Connector) observeTransportLocked() {
	if c.tier.Tier().IsDisconnected() || c.transport.IsOpen() {
		return
	}

	delay := c.backoff.next()
	c.nextDial = c.clock.Now().Add(delay)
	c.logger.Warn("transport closed", "tier", c.tier.Tier().String(), "retry_in", delay)
	c.dropLocked()
}

// renewAt returns the time the current token should be renewed, 75% into its lifetime.
func (c *Connector) renewAt() time.Time {
	lifetime := time.Duration(c.token.RevisedLifetime) * time.Millisecond
	return c.tokenIssuedAt.Add(lifetime * 3 / 4)
}

// RenewIfNeeded requests a new channel token once 75% of the current token lifetime elapsed.
//
// A renewal that is rejected, or not answered within the handshake timeout, drops the
// connection and returns an error.
func (c *Connector) RenewIfNeeded() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tier.Tier().AtLeast(ua.TierChannelOpen) {
		return nil
	}

	if c.renewErr != nil {
		return c.failLocked(c.renewErr)
	}

	now := c.clock.Now()
	if c.renewID != 0 {
		if now.Before(c.renewDeadline) {
			return nil
		}

		return c.failLocked(fmt.Errorf("%w: token renewal %d got no response", ua.ErrTimeout, c.renewID))
	}

	if now.Before(c.renewAt()) {
		return nil
	}

	body, err := c.openChannelBody(ua.TokenRenew)
	if err != nil {
		return c.failLocked(err)
	}
	id, err := c.send(ua.ServiceOpenSecureChannelRequest, body)
	if err != nil {
		return c.failLocked(err)
	}

	c.renewID = id
	c.renewDeadline = now.Add(c.cfg.HandshakeTimeout())
	c.logger.Debug("renewing channel token", "request_id", id, "channel_id", c.token.ChannelID)

	return nil
}

// HandleChannelMessage consumes channel frames received by the run loop once the session
// is active, i.e. token renewal responses.
func (c *Connector) HandleChannelMessage(msg *ua.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.renewID == 0 || msg.RequestID != c.renewID || msg.Service != ua.ServiceOpenSecureChannelResponse {
		c.logger.Warn("unexpected channel message", msg.LogFields()...)
		return
	}
	c.renewID = 0

	if msg.Status.IsBad() {
		c.renewErr = fmt.Errorf("%w: token renewal rejected: %s", ua.ErrProtocol, msg.Status)
		return
	}

	var token ua.ChannelToken
	if err := token.UnmarshalBinary(msg.Payload); err != nil {
		c.renewErr = err
		return
	}
	if token.ChannelID != c.token.ChannelID {
		c.renewErr = fmt.Errorf("%w: renewed token belongs to channel %d, expected %d", ua.ErrProtocol, token.ChannelID, c.token.ChannelID)
		return
	}

	c.token = token
	c.tokenIssuedAt = c.clock.Now()
	c.logger.Debug("channel token renewed", "token_id", token.TokenID, "lifetime", time.Duration(token.RevisedLifetime)*time.Millisecond)
}

// Close closes the session and the secure channel, then the transport.
// Close requests are sent without waiting for their responses.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tier.Tier().IsDisconnected() {
		return nil
	}

	if c.tier.Tier().IsSessionActive() {
		if _, err := c.send(ua.ServiceCloseSessionRequest, nil); err != nil {
			c.logger.Debug("failed to send close session", "error", err)
		}
	}
	if _, err := c.send(ua.ServiceCloseSecureChannelRequest, nil); err != nil {
		c.logger.Debug("failed to send close secure channel", "error", err)
	}

	c.dropLocked()

	return nil
}
