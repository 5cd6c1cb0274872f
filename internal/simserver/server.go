// Package simserver provides an in-process server speaking the client frame protocol.
//
// It answers secure channel and session establishment, Read, Publish and CloseSession
// requests, and can be told to drop or delay reads to exercise timeout handling.
package simserver

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/transport"
	"github.com/arloliu/go-uaclient/ua"
)

// ServerStateRunning is the value returned for reads of the server status state node.
const ServerStateRunning uint32 = 0

// Stats is a snapshot of the request counters of a Server.
type Stats struct {
	Connections  uint64
	Channels     uint64
	Renewals     uint64
	Sessions     uint64
	Reads        uint64
	DroppedReads uint64
	Publishes    uint64
}

// Option configures a Server.
type Option func(*Server)

// WithMaxChannelLifetime caps the token lifetime granted to clients.
func WithMaxChannelLifetime(d time.Duration) Option {
	return func(s *Server) { s.maxLifetime = d }
}

// WithRejectRenewals makes the server reject token renewals.
func WithRejectRenewals() Option {
	return func(s *Server) { s.rejectRenewals = true }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is a simulated server. It is safe for concurrent use.
type Server struct {
	logger         logger.Logger
	maxLifetime    time.Duration
	rejectRenewals bool

	listener net.Listener
	conns    *xsync.MapOf[uint64, net.Conn]
	connSeq  atomic.Uint64
	idSeq    atomic.Uint32
	wg       sync.WaitGroup
	closed   atomic.Bool

	dropReads atomic.Bool
	readDelay atomic.Int64

	connections  atomic.Uint64
	channels     atomic.Uint64
	renewals     atomic.Uint64
	sessions     atomic.Uint64
	reads        atomic.Uint64
	droppedReads atomic.Uint64
	publishes    atomic.Uint64
}

// New creates a server. Call Start to begin accepting connections.
func New(opts ...Option) *Server {
	s := &Server{
		logger:      logger.GetLogger(),
		maxLifetime: time.Hour,
		conns:       xsync.NewMapOf[uint64, net.Conn](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "simserver")

	return s
}

// Start listens on addr, e.g. "127.0.0.1:0", and accepts connections in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// HostPort returns the listening host and port.
func (s *Server) HostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)

	return host, port
}

// DropReads makes the server silently discard Read requests while drop is true.
func (s *Server) DropReads(drop bool) { s.dropReads.Store(drop) }

// SetReadDelay delays Read responses by d.
func (s *Server) SetReadDelay(d time.Duration) { s.readDelay.Store(int64(d)) }

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int { return s.conns.Size() }

// DisconnectAll closes every client connection while the server keeps listening.
func (s *Server) DisconnectAll() {
	s.conns.Range(func(id uint64, conn net.Conn) bool {
		s.logger.Debug("disconnect client", "conn_id", id)
		_ = conn.Close()

		return true
	})
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:  s.connections.Load(),
		Channels:     s.channels.Load(),
		Renewals:     s.renewals.Load(),
		Sessions:     s.sessions.Load(),
		Reads:        s.reads.Load(),
		DroppedReads: s.droppedReads.Load(),
		Publishes:    s.publishes.Load(),
	}
}

// Close stops listening, closes all connections and waits for their handlers to exit.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.DisconnectAll()
	s.wg.Wait()

	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("failed to accept connection", "error", err)
			}

			return
		}

		id := s.connSeq.Add(1)
		s.conns.Store(id, conn)
		s.connections.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(id)

			sc := &serverConn{server: s, conn: conn, logger: s.logger.With("conn_id", id)}
			sc.serve()
		}()
	}
}

// serverConn holds the channel and session state of one client connection.
type serverConn struct {
	server *Server
	conn   net.Conn
	logger logger.Logger

	writeMu sync.Mutex

	channelID uint32
	sessionID uint32
	authToken uint32
	activated bool
}

func (sc *serverConn) serve() {
	defer sc.conn.Close()

	for {
		msg, err := transport.ReadFrame(sc.conn, transport.DefaultMaxFrameSize)
		if err != nil {
			sc.logger.Debug("connection finished", "error", err)
			return
		}

		keep := sc.handle(msg)
		msg.Free()
		if !keep {
			return
		}
	}
}

func (sc *serverConn) reply(requestID uint32, kind ua.Kind, service ua.ServiceType, status ua.StatusCode, payload []byte) {
	resp := ua.NewMessage(kind, service, requestID, payload)
	resp.Status = status

	sc.writeMu.Lock()
	err := transport.WriteFrame(sc.conn, resp)
	sc.writeMu.Unlock()
	resp.Free()

	if err != nil {
		sc.logger.Debug("failed to write response", "service", service, "error", err)
	}
}

// handle processes one request and reports whether the connection stays open.
func (sc *serverConn) handle(msg *ua.Message) bool {
	switch msg.Kind {
	case ua.KindChannel:
		return sc.handleChannel(msg)
	case ua.KindRequest:
		sc.handleRequest(msg)
	default:
		sc.logger.Warn("unexpected frame kind", msg.LogFields()...)
	}

	return true
}

func (sc *serverConn) handleChannel(msg *ua.Message) bool {
	s := sc.server

	switch msg.Service {
	case ua.ServiceOpenSecureChannelRequest:
		var req ua.OpenSecureChannelRequest
		if err := req.UnmarshalBinary(msg.Payload); err != nil {
			sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceOpenSecureChannelResponse, ua.StatusBadDecodingError, nil)
			return true
		}

		if req.RequestType == ua.TokenRenew {
			if sc.channelID == 0 || s.rejectRenewals {
				sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceOpenSecureChannelResponse, ua.StatusBadSecureChannelClosed, nil)
				return true
			}
			s.renewals.Add(1)
		} else {
			sc.channelID = s.idSeq.Add(1)
			s.channels.Add(1)
		}

		lifetime := uint32(s.maxLifetime.Milliseconds()) //nolint:gosec
		if req.RequestedLifetime > 0 && req.RequestedLifetime < lifetime {
			lifetime = req.RequestedLifetime
		}

		token := ua.ChannelToken{ChannelID: sc.channelID, TokenID: s.idSeq.Add(1), RevisedLifetime: lifetime}
		payload, _ := token.MarshalBinary()
		sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceOpenSecureChannelResponse, ua.StatusGood, payload)

	case ua.ServiceCreateSessionRequest:
		if sc.channelID == 0 {
			sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceCreateSessionResponse, ua.StatusBadSecureChannelClosed, nil)
			return true
		}

		sc.sessionID = s.idSeq.Add(1)
		sc.authToken = s.idSeq.Add(1)
		sc.activated = false
		s.sessions.Add(1)

		resp := ua.CreateSessionResponse{SessionID: sc.sessionID, AuthenticationToken: sc.authToken, RevisedSessionTimeout: 60000}
		payload, _ := resp.MarshalBinary()
		sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceCreateSessionResponse, ua.StatusGood, payload)

	case ua.ServiceActivateSessionRequest:
		var req ua.ActivateSessionRequest
		if err := req.UnmarshalBinary(msg.Payload); err != nil || sc.sessionID == 0 || req.AuthenticationToken != sc.authToken {
			sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceActivateSessionResponse, ua.StatusBadSessionIDInvalid, nil)
			return true
		}

		sc.activated = true
		sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceActivateSessionResponse, ua.StatusGood, nil)

	case ua.ServiceCloseSessionRequest:
		sc.activated = false
		sc.sessionID = 0
		sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceCloseSessionResponse, ua.StatusGood, nil)

	case ua.ServiceCloseSecureChannelRequest:
		sc.logger.Debug("secure channel closed by client")
		return false

	default:
		sc.reply(msg.RequestID, ua.KindChannel, ua.ServiceFault, ua.StatusBadServiceUnsupported, nil)
	}

	return true
}

func (sc *serverConn) handleRequest(msg *ua.Message) {
	s := sc.server

	if !sc.activated {
		sc.reply(msg.RequestID, ua.KindResponse, ua.ServiceFault, ua.StatusBadSessionIDInvalid, nil)
		return
	}

	switch msg.Service {
	case ua.ServiceReadRequest:
		s.reads.Add(1)
		if s.dropReads.Load() {
			s.droppedReads.Add(1)
			return
		}

		var req ua.ReadRequest
		if err := req.UnmarshalBinary(msg.Payload); err != nil {
			sc.reply(msg.RequestID, ua.KindResponse, ua.ServiceReadResponse, ua.StatusBadDecodingError, nil)
			return
		}

		payload := make([]byte, 0, 4*len(req.NodesToRead))
		for range req.NodesToRead {
			payload = binary.LittleEndian.AppendUint32(payload, ServerStateRunning)
		}

		delay := time.Duration(s.readDelay.Load())
		if delay <= 0 {
			sc.reply(msg.RequestID, ua.KindResponse, ua.ServiceReadResponse, ua.StatusGood, payload)
			return
		}

		requestID := msg.RequestID
		time.AfterFunc(delay, func() {
			sc.reply(requestID, ua.KindResponse, ua.ServiceReadResponse, ua.StatusGood, payload)
		})

	case ua.ServicePublishRequest:
		seq := s.publishes.Add(1)
		sc.reply(msg.RequestID, ua.KindResponse, ua.ServicePublishResponse, ua.StatusGood, binary.LittleEndian.AppendUint32(nil, uint32(seq))) //nolint:gosec

	default:
		sc.reply(msg.RequestID, ua.KindResponse, ua.ServiceFault, ua.StatusBadServiceUnsupported, nil)
	}
}
