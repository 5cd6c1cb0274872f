package client

import (
	"errors"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// probeIssuer sends the probe request and registers handler for its outcome.
type probeIssuer func(req *ua.Message, timeout time.Duration, handler ResponseHandler) (uint32, error)

// connectivityMonitor probes server liveness by reading the server state variable at a fixed
// cadence. At most one probe is in flight; pending is true exactly while it is.
type connectivityMonitor struct {
	mu          sync.Mutex
	pending     bool
	probeID     uint32
	lastChecked time.Time

	cfg     *Config
	client  *Client
	clock   ua.Clock
	issue   probeIssuer
	logger  logger.Logger
	metrics *Metrics
}

func newConnectivityMonitor(c *Client, issue probeIssuer) *connectivityMonitor {
	return &connectivityMonitor{
		cfg:     c.cfg,
		client:  c,
		clock:   c.clock,
		issue:   issue,
		logger:  c.logger,
		metrics: &c.metrics,
	}
}

// maybeProbe issues a probe unless probing is disabled, a probe is pending, or now is not
// past last-checked plus the interval. It returns the error of issuing the probe.
func (m *connectivityMonitor) maybeProbe(now time.Time) error {
	interval := m.cfg.ConnectivityCheckInterval()
	if interval == 0 {
		return nil
	}

	m.mu.Lock()
	if m.pending || !now.After(m.lastChecked.Add(interval)) {
		m.mu.Unlock()
		return nil
	}
	// claim the slot before sending so a concurrent caller can't issue a second probe
	m.pending = true
	m.mu.Unlock()

	payload, err := ua.NewServerStateReadRequest().MarshalBinary()
	if err != nil {
		m.setPending(false)
		return err
	}

	req := ua.NewMessage(ua.KindRequest, ua.ServiceReadRequest, 0, payload)
	defer req.Free()

	id, err := m.issue(req, m.cfg.RequestTimeout(), m.handleResult)
	if err != nil {
		m.setPending(false)
		m.logger.Warn("failed to issue connectivity probe", "method", "maybeProbe", "error", err)

		return err
	}

	m.mu.Lock()
	m.probeID = id
	m.mu.Unlock()
	m.metrics.incProbeSendCount()

	if m.logger.Level() == logger.DebugLevel {
		m.logger.Debug("connectivity probe sent", "request_id", id)
	}

	return nil
}

// handleResult is the probe's response handler. A timeout, whether detected locally or
// reported by the server, signals inactivity. Any outcome ends the probe and restarts the cadence.
func (m *connectivityMonitor) handleResult(resp *ua.Message, err error) {
	inactive := errors.Is(err, ua.ErrTimeout) || (err == nil && resp != nil && resp.Status == ua.StatusBadTimeout)

	m.mu.Lock()
	m.pending = false
	m.probeID = 0
	m.lastChecked = m.clock.Now()
	m.mu.Unlock()

	if !inactive {
		return
	}

	m.metrics.incProbeTimeoutCount()
	m.logger.Warn("connectivity probe timed out", "method", "handleResult", "error", err)

	if handler := m.cfg.InactivityHandler(); handler != nil {
		callWithRecover(m.logger, "inactivity handler", func() {
			handler(m.client)
		})
	}
}

// reset restarts the cadence from now. Called when a session becomes active.
func (m *connectivityMonitor) reset(now time.Time) {
	m.mu.Lock()
	m.lastChecked = now
	m.mu.Unlock()
}

func (m *connectivityMonitor) setPending(val bool) {
	m.mu.Lock()
	m.pending = val
	m.mu.Unlock()
}

// state returns the probe state.
func (m *connectivityMonitor) state() (pending bool, lastChecked time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pending, m.lastChecked
}
