// Package transport implements a TCP transport exchanging length-prefixed frames with a server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// Conn is a TCP transport. It implements ua.Transport.
//
// Send may be called from any goroutine; Receive must only be called from one goroutine at a time.
type Conn struct {
	cfg    *Config
	logger logger.Logger
	state  atomicState
	idGen  *ua.RequestIDGenerator

	mu      sync.RWMutex // protects netConn and reader
	netConn net.Conn
	reader  *frameReader

	writeMu sync.Mutex
	sendBuf []byte
}

var _ ua.Transport = (*Conn)(nil)

// NewConn creates a closed transport for cfg.
func NewConn(cfg *Config) (*Conn, error) {
	if cfg == nil {
		return nil, ua.ErrConfigNil
	}

	return &Conn{
		cfg:    cfg,
		logger: cfg.Logger().With("remote_address", cfg.Address()),
		idGen:  ua.NewRequestIDGenerator(),
	}, nil
}

// State returns the current state.
func (c *Conn) State() State { return c.state.get() }

// IsOpen returns if the connection is established.
func (c *Conn) IsOpen() bool { return c.state.get() == StateOpened }

// Dial connects to the server, bounded by ctx and the connect timeout.
func (c *Conn) Dial(ctx context.Context) error {
	if !c.state.toOpening() {
		return fmt.Errorf("transport is %s", c.state.get())
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		c.state.toClosing()
		c.state.toClosed()

		return fmt.Errorf("dial %s: %w", c.cfg.Address(), err)
	}

	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c.mu.Lock()
	c.netConn = netConn
	c.reader = newFrameReader(netConn, c.cfg.FrameTimeout(), c.cfg.MaxFrameSize())
	c.mu.Unlock()

	c.state.toOpened()
	c.logger.Info("transport connected", "local_address", netConn.LocalAddr().String())

	return nil
}

// Send writes msg as one frame. A request id is assigned when msg.RequestID is 0.
// A write failure closes the connection.
func (c *Conn) Send(msg *ua.Message) (uint32, error) {
	if msg == nil {
		return 0, errors.New("message is nil")
	}

	c.mu.RLock()
	netConn := c.netConn
	c.mu.RUnlock()
	if netConn == nil || !c.IsOpen() {
		return 0, ua.ErrNotConnected
	}

	if msg.RequestID == 0 {
		msg.RequestID = c.idGen.Next()
	}

	c.writeMu.Lock()
	c.sendBuf = AppendFrame(c.sendBuf[:0], msg)
	if err := netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout())); err != nil {
		c.writeMu.Unlock()
		return 0, fmt.Errorf("set write deadline: %w", err)
	}
	_, err := netConn.Write(c.sendBuf)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Error("failed to write frame", "method", "Send", "request_id", msg.RequestID, "error", err)
		_ = c.Close()

		return 0, fmt.Errorf("write frame: %w", err)
	}

	return msg.RequestID, nil
}

// Receive waits at most budget for one frame. It returns ua.ErrReceiveTimeout when no frame
// started within budget. Any other failure closes the connection, since the stream can no
// longer be trusted to be aligned on a frame boundary.
func (c *Conn) Receive(budget time.Duration) (*ua.Message, error) {
	c.mu.RLock()
	reader := c.reader
	c.mu.RUnlock()
	if reader == nil || !c.IsOpen() {
		return nil, ua.ErrNotConnected
	}

	msg, err := reader.readFrame(budget)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, ua.ErrReceiveTimeout) {
		return nil, err
	}

	if isClosedError(err) {
		c.logger.Info("transport closed by peer", "method", "Receive", "error", err)
	} else {
		c.logger.Error("failed to read frame", "method", "Receive", "error", err)
	}
	_ = c.Close()

	return nil, err
}

// Close closes the connection. It is safe to call Close multiple times.
func (c *Conn) Close() error {
	if !c.state.toClosing() {
		return nil
	}

	c.mu.Lock()
	netConn := c.netConn
	c.netConn = nil
	c.reader = nil
	c.mu.Unlock()

	var err error
	if netConn != nil {
		err = netConn.Close()
	}
	c.state.toClosed()
	c.logger.Debug("transport closed")

	return err
}
