// Package client implements the run loop of a UA client.
//
// A Client owns the registry of outstanding asynchronous calls, the scheduled callbacks, the
// connectivity probe and the deferred reclamation queue. The embedder drives it by calling
// RunIterate repeatedly, or Run, from a single goroutine:
//
//	cfg, _ := client.NewConfig(client.WithConnectivityCheckInterval(5 * time.Second))
//	c, _ := client.NewClient(transport, connector, cfg)
//	defer c.Close()
//
//	for {
//	    if err := c.RunIterate(100 * time.Millisecond); err != nil {
//	        // decide whether to retry
//	    }
//	}
//
// Each iteration is bounded: only the network receive blocks, and never longer than the budget.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/go-uaclient/internal/pool"
	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// TierChangeHandler is invoked when the run loop observes a tier transition.
//
// Note: the handler is invoked on the goroutine running the iteration. It must not call RunIterate.
type TierChangeHandler func(c *Client, prev ua.ConnTier, cur ua.ConnTier)

// Client is the run loop of one connection.
type Client struct {
	id        string
	cfg       *Config
	logger    logger.Logger
	clock     ua.Clock
	transport ua.Transport
	conn      ua.ConnectionCollaborator
	sub       ua.SubscriptionCollaborator
	idGen     *ua.RequestIDGenerator

	registry *registry
	timers   *timerSet
	probe    *connectivityMonitor
	reclaim  *reclaimQueue
	worker   *worker
	inline   inlineExecutor
	tier     *ua.TierTracker

	iterating atomic.Bool
	closed    atomic.Bool

	metrics Metrics
}

// NewClient creates a Client driving conn over transport.
func NewClient(transport ua.Transport, conn ua.ConnectionCollaborator, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, ua.ErrConfigNil
	}
	if transport == nil {
		return nil, errors.New("transport is nil")
	}
	if conn == nil {
		return nil, errors.New("connection collaborator is nil")
	}

	id := uuid.NewString()
	c := &Client{
		id:        id,
		cfg:       cfg,
		logger:    cfg.Logger().With("client_id", id),
		clock:     cfg.Clock(),
		transport: transport,
		conn:      conn,
		sub:       cfg.Subscription(),
		idGen:     ua.NewRequestIDGenerator(),
		timers:    newTimerSet(),
	}

	c.registry = newRegistry(c.logger, &c.metrics)
	c.reclaim = newReclaimQueue(c.logger, &c.metrics)
	c.inline = inlineExecutor{logger: c.logger, metrics: &c.metrics}
	c.probe = newConnectivityMonitor(c, c.issue)
	c.tier = ua.NewTierTracker(c.sessionTierHandler)

	if cfg.WorkerExecution() {
		c.worker = newWorker(c.logger, &c.metrics)
	}

	return c, nil
}

// ID returns the unique id of the client instance.
func (c *Client) ID() string { return c.id }

// GetLogger returns the client logger.
func (c *Client) GetLogger() logger.Logger { return c.logger }

// GetMetrics returns the client metrics.
func (c *Client) GetMetrics() *Metrics { return &c.metrics }

// Tier returns the tier observed by the last iteration.
func (c *Client) Tier() ua.ConnTier { return c.tier.Tier() }

// PendingCalls returns the number of calls awaiting a response.
func (c *Client) PendingCalls() int { return c.registry.len() }

// UpdateConfigOptions applies runtime options to the client configuration.
func (c *Client) UpdateConfigOptions(opts ...Option) error {
	return applyRuntimeOptions(c.cfg, opts...)
}

// AddTierChangeHandler registers handlers invoked when the run loop observes a tier transition.
func (c *Client) AddTierChangeHandler(handlers ...TierChangeHandler) {
	for _, h := range handlers {
		if h == nil {
			continue
		}
		c.tier.AddHandler(func(prev, cur ua.ConnTier) {
			callWithRecover(c.logger, "tier change handler", func() { h(c, prev, cur) })
		})
	}
}

// RunIterate performs one iteration of the run loop, blocking at most budget on the network.
//
// The steps run in a fixed order and the first failing step ends the iteration:
//  1. with an active session, let the subscription collaborator send due publish requests
//  2. dispatch due timer callbacks, whatever the tier
//  3. without an active session, advance connection establishment and return its result
//  4. renew the secure channel if needed
//  5. send a connectivity probe if one is due
//  6. receive and dispatch at most one frame; no data within budget is not an error
//  7. time out expired calls
//  8. run deferred release actions, or hand them to the worker
//
// Failures of individual calls are delivered to their handlers and never returned here.
// RunIterate must not be called concurrently or from a callback; doing so returns
// ua.ErrReentrantIterate.
func (c *Client) RunIterate(budget time.Duration) error {
	if c.closed.Load() {
		return ua.ErrClientClosed
	}
	if !c.iterating.CompareAndSwap(false, true) {
		return ua.ErrReentrantIterate
	}
	defer c.iterating.Store(false)

	c.metrics.incIterationCount()

	if c.observeTier().IsSessionActive() && c.sub != nil {
		if err := c.sub.PublishDue(); err != nil {
			return err
		}
	}

	now := c.clock.Now()
	c.timers.processDue(now, c.executor())

	if !c.observeTier().IsSessionActive() {
		return ua.Wrap(ua.ErrConnectionAdvanceFailed, c.conn.Advance())
	}

	if err := c.conn.RenewIfNeeded(); err != nil {
		return ua.Wrap(ua.ErrChannelRenewalFailed, err)
	}

	if err := c.probe.maybeProbe(now); err != nil {
		return err
	}

	recvErr := c.receive(budget)

	if checker, ok := c.sub.(ua.InactivityChecker); ok {
		checker.CheckInactivity(c.clock.Now())
	}

	c.registry.sweep(c.clock.Now())

	c.releaseDeferred()

	return recvErr
}

// Run calls RunIterate until ctx is done or the client is closed.
// Iteration errors are logged; after a failed iteration Run waits budget before retrying.
// An iteration below TierSessionActive never blocks in receive, so when it leaves the tier
// unchanged Run also waits budget before the next one.
func (c *Client) Run(ctx context.Context, budget time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		before := c.conn.CurrentTier()
		err := c.RunIterate(budget)
		if err == nil {
			if cur := c.conn.CurrentTier(); cur.IsSessionActive() || cur != before {
				continue
			}
			if !pool.Wait(budget, ctx.Done()) {
				return ctx.Err()
			}

			continue
		}
		if errors.Is(err, ua.ErrClientClosed) {
			return err
		}

		c.logger.Warn("run iteration failed", "method", "Run", "tier", c.Tier().String(), "error", err)
		if !pool.Wait(budget, ctx.Done()) {
			return ctx.Err()
		}
	}
}

// Call sends an asynchronous service request using the configured request timeout.
// See CallWithTimeout.
func (c *Client) Call(service ua.ServiceType, payload []byte, handler ResponseHandler) (uint32, error) {
	return c.CallWithTimeout(service, payload, c.cfg.RequestTimeout(), handler)
}

// CallWithTimeout sends an asynchronous service request and returns its request id.
// handler receives the response, or the error ending the call, from a later iteration.
// A zero timeout means the call never times out.
//
// It returns ua.ErrNotConnected when no session is active and an error wrapping
// ua.ErrTransport when the request could not be sent; in both cases handler is never invoked.
func (c *Client) CallWithTimeout(service ua.ServiceType, payload []byte, timeout time.Duration, handler ResponseHandler) (uint32, error) {
	if c.closed.Load() {
		return 0, ua.ErrClientClosed
	}
	if timeout < 0 {
		return 0, fmt.Errorf("invalid timeout: %v", timeout)
	}
	if !c.conn.CurrentTier().IsSessionActive() {
		return 0, ua.ErrNotConnected
	}

	req := ua.NewMessage(ua.KindRequest, service, 0, payload)
	defer req.Free()

	return c.issue(req, timeout, handler)
}

// Cancel ends a pending call; its handler receives ua.ErrCancelled.
// It returns false if no call with id is pending.
func (c *Client) Cancel(id uint32) bool {
	return c.registry.cancel(id, ua.ErrCancelled)
}

// AddRepeatedCallback schedules cb to run every interval, first after one interval.
// A zero interval runs cb on every iteration.
func (c *Client) AddRepeatedCallback(name string, interval time.Duration, cb TimerCallback) (uint64, error) {
	if cb == nil {
		return 0, errors.New("callback is nil")
	}

	return c.timers.schedule(name, c.clock.Now(), interval, true, func() { cb(c) })
}

// AddTimedCallback schedules cb to run once, at the first iteration at or after at.
func (c *Client) AddTimedCallback(name string, at time.Time, cb TimerCallback) (uint64, error) {
	if cb == nil {
		return 0, errors.New("callback is nil")
	}

	return c.timers.scheduleAt(name, at, func() { cb(c) })
}

// ChangeRepeatedCallbackInterval reschedules a callback to run every interval starting now.
func (c *Client) ChangeRepeatedCallbackInterval(id uint64, interval time.Duration) error {
	return c.timers.changeInterval(id, c.clock.Now(), interval)
}

// RemoveCallback unschedules a callback. It may be called from any callback, including the
// one being removed.
func (c *Client) RemoveCallback(id uint64) error {
	return c.timers.remove(id)
}

// Defer queues action to run after the current iteration has finished dispatching, when no
// callback of the iteration can still reference what the action releases.
func (c *Client) Defer(action func()) {
	c.reclaim.add(action)
}

// Close cancels pending calls with ua.ErrClientClosed, runs queued release actions and stops
// the worker. The transport and connection collaborator are not closed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if n := c.registry.cancelAll(ua.ErrClientClosed); n > 0 {
		c.logger.Info("pending calls cancelled on close", "count", n)
	}

	c.releaseDeferred()
	if c.worker == nil {
		return nil
	}

	return c.worker.Stop(c.cfg.CloseTimeout())
}

// releaseDeferred is the reclamation barrier. Without a worker the queued actions run here;
// with a worker the batch queued so far is handed over and runs after every job submitted
// before it.
func (c *Client) releaseDeferred() {
	if c.worker == nil {
		c.reclaim.drain()
		return
	}

	batch := c.reclaim.take()
	if len(batch) == 0 {
		return
	}
	c.worker.submit("reclaim", func() { c.reclaim.run(batch) })
}

func (c *Client) executor() executor {
	if c.worker != nil {
		return c.worker
	}

	return c.inline
}

// observeTier reads the collaborator tier and records it, firing tier change handlers.
func (c *Client) observeTier() ua.ConnTier {
	cur := c.conn.CurrentTier()
	c.tier.Set(cur)

	return cur
}

// sessionTierHandler ends calls of a lost session and restarts the probe cadence of a new one.
func (c *Client) sessionTierHandler(prev, cur ua.ConnTier) {
	c.logger.Info("connection tier changed", "prev_tier", prev.String(), "tier", cur.String())

	switch {
	case prev.IsSessionActive() && !cur.IsSessionActive():
		if n := c.registry.cancelAll(ua.ErrSessionClosed); n > 0 {
			c.logger.Warn("pending calls cancelled by session loss", "count", n)
		}
	case !prev.IsSessionActive() && cur.IsSessionActive():
		c.probe.reset(c.clock.Now())
	}
}

func (c *Client) issue(req *ua.Message, timeout time.Duration, handler ResponseHandler) (uint32, error) {
	req.RequestID = c.idGen.Next()

	id, err := c.registry.issue(c.transport, req, c.clock.Now(), timeout, handler)
	if err != nil {
		return 0, err
	}

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("call issued", req.LogFields("timeout", timeout)...)
	}

	return id, nil
}

// receive waits at most budget for one frame and dispatches it. The frame is released at the
// reclamation barrier, after every handler of the iteration has run.
func (c *Client) receive(budget time.Duration) error {
	msg, err := c.transport.Receive(budget)
	if err != nil {
		if errors.Is(err, ua.ErrReceiveTimeout) {
			return nil
		}
		c.metrics.incFrameErrCount()
		if errors.Is(err, ua.ErrProtocol) {
			return err
		}

		return ua.Wrap(ua.ErrTransport, err)
	}
	if msg == nil {
		return nil
	}

	c.Defer(msg.Free)

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("frame received", msg.LogFields()...)
	}

	switch msg.Kind {
	case ua.KindResponse:
		if !c.registry.complete(msg) {
			c.metrics.incUnmatchedResponseCount()
			c.logger.Debug("drop unmatched response", "request_id", msg.RequestID, "service", msg.Service.String())
		}

	case ua.KindNotification:
		if c.sub == nil {
			c.logger.Debug("drop notification, no subscription collaborator")
			return nil
		}
		c.sub.HandleNotification(msg)

	case ua.KindChannel:
		if h, ok := c.conn.(ua.ChannelMessageHandler); ok {
			h.HandleChannelMessage(msg)
		}

	default:
		c.metrics.incFrameErrCount()
		return fmt.Errorf("%w: unexpected frame kind %s", ua.ErrProtocol, msg.Kind)
	}

	return nil
}
