// Package registration implements the TCP side of the relay: peers connect,
// send one register request naming their UDP port, and receive the
// identifier the server assigned to them.
package registration

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/session"
)

var (
	// ErrRateLimited is returned when a registration exceeds the configured rate.
	ErrRateLimited = errors.New("registration rate limit exceeded")

	// ErrServerBusy is returned when the connection limit is reached.
	ErrServerBusy = errors.New("server busy")
)

// Config holds registration service configuration.
type Config struct {
	// Address is the TCP address to listen on.
	Address string

	// ReadTimeout bounds how long a peer may take to send its request.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the response.
	WriteTimeout time.Duration

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// MaxRequestSize limits the size of one request in bytes.
	MaxRequestSize int

	// RateLimit is the sustained registrations per second (0 = unlimited).
	RateLimit float64

	// RateBurst is the token bucket size used with RateLimit.
	RateBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:        ":12345",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 256,
		MaxRequestSize: protocol.DefaultMaxMessageSize,
	}
}

// Service accepts registration connections and updates the session table.
type Service struct {
	cfg      Config
	table    *session.Table
	listener net.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a registration service writing into table.
func NewService(cfg Config, table *session.Table) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Unregistered()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = protocol.DefaultMaxMessageSize
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Service{
		cfg:         cfg,
		table:       table,
		logger:      logging.Component(cfg.Logger, "registration"),
		metrics:     m,
		limiter:     limiter,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start binds the listener and starts accepting connections.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("registration service already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	return s.Serve(ln)
}

// Serve starts accepting connections on an existing listener.
func (s *Service) Serve(ln net.Listener) error {
	if s.running.Swap(true) {
		return fmt.Errorf("registration service already running")
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("registration service started",
		logging.KeyAddress, ln.Addr().String())

	return nil
}

// Stop closes the listener and every open connection, then waits for all
// handlers to return.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}

		s.mu.Lock()
		for conn := range s.connections {
			conn.Close()
		}
		s.mu.Unlock()
	})

	s.wg.Wait()
	s.logger.Info("registration service stopped")
	return err
}

// Address returns the listening address, or nil before Start.
func (s *Service) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether the service is accepting connections.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// ConnectionCount returns the number of connections being served.
func (s *Service) ConnectionCount() int64 {
	return s.connCount.Load()
}

func (s *Service) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "registration.Service.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		// Stop may already have swept the connection map.
		s.mu.Lock()
		s.connections[conn] = struct{}{}
		if s.stopping() {
			conn.Close()
		}
		s.mu.Unlock()
		n := s.connCount.Add(1)
		s.metrics.RecordConnOpen()

		s.wg.Add(1)
		if s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
			go s.rejectConnection(conn, ErrServerBusy)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Service) release(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.connections, conn)
	s.mu.Unlock()
	s.connCount.Add(-1)
	s.metrics.RecordConnClose()
}

// rejectConnection answers a connection that was over the limit without
// reading its request.
func (s *Service) rejectConnection(conn net.Conn, reason error) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "registration.Service.rejectConnection")
	defer s.release(conn)

	s.logger.Debug("connection rejected",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyError, reason)
	s.metrics.RecordRegistration(metrics.ResultRejected, 0)
	s.reply(conn, protocol.Rejected(reason.Error()))
}

// handleConnection serves exactly one request/response exchange.
func (s *Service) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "registration.Service.handleConnection")
	defer s.release(conn)

	start := time.Now()
	remote := conn.RemoteAddr().String()

	id, err := s.Register(conn)
	latency := time.Since(start).Seconds()

	switch {
	case err == nil:
		s.logger.Info("peer registered",
			logging.KeyPeerID, id,
			logging.KeyRemoteAddr, remote)
	case id != "":
		s.logger.Warn("peer registered but reply failed",
			logging.KeyPeerID, id,
			logging.KeyError, err)
	case errors.Is(err, ErrRateLimited):
		s.metrics.RecordRegistration(metrics.ResultLimited, latency)
		s.logger.Warn("registration rate limited", logging.KeyRemoteAddr, remote)
	case s.stopping() && errors.Is(err, net.ErrClosed):
		// Closed by Stop.
	case errors.Is(err, io.EOF), isTimeout(err):
		s.logger.Debug("peer closed before sending a request",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
	default:
		s.metrics.RecordRegistration(metrics.ResultRejected, latency)
		s.logger.Debug("registration rejected",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
	}
}

// Register performs one registration exchange on conn: read the request,
// validate it, insert the peer, and write the reply. Protocol errors are
// answered with a failure response and returned; the table is only changed
// on success. The caller owns conn and closes it afterwards.
func (s *Service) Register(conn net.Conn) (string, error) {
	start := time.Now()

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	req, err := protocol.ReadRegisterRequest(conn, s.cfg.MaxRequestSize)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedRequest) || errors.Is(err, protocol.ErrMessageTooLarge) {
			s.reply(conn, protocol.Rejected(err.Error()))
		}
		return "", err
	}

	if err := req.Validate(); err != nil {
		msg := err.Error()
		if errors.Is(err, protocol.ErrUnknownAction) {
			msg = "Unknown action"
		}
		s.reply(conn, protocol.Rejected(msg))
		return "", err
	}
	port, _ := req.Port()

	if s.limiter != nil && !s.limiter.Allow() {
		s.reply(conn, protocol.Rejected(ErrRateLimited.Error()))
		return "", ErrRateLimited
	}

	host, err := remoteHost(conn)
	if err != nil {
		s.reply(conn, protocol.Rejected("cannot determine peer address"))
		return "", err
	}

	peer, created := s.table.Register(netip.AddrPortFrom(host, uint16(port)))
	s.metrics.SetPeers(s.table.Len())

	result := metrics.ResultRegistered
	if !created {
		result = metrics.ResultRefreshed
	}
	s.metrics.RecordRegistration(result, time.Since(start).Seconds())

	if err := s.reply(conn, protocol.Registered(peer.ID)); err != nil {
		// The entry stays: re-registering yields the same identifier.
		return peer.ID, fmt.Errorf("write response: %w", err)
	}

	return peer.ID, nil
}

func (s *Service) reply(conn net.Conn, resp protocol.RegisterResponse) error {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := protocol.WriteMessage(conn, resp); err != nil {
		s.logger.Debug("failed to write response",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
		return err
	}
	return nil
}

// remoteHost extracts the peer's IP from the connection's remote address.
func remoteHost(conn net.Conn) (netip.Addr, error) {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap(), nil
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse remote address: %w", err)
	}
	return ap.Addr().Unmap(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
