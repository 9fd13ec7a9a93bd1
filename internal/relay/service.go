// Package relay implements the UDP fan-out side of the relay.
//
// Every datagram received on the relay socket is written, byte for byte, to
// every registered peer except the one whose address matches the datagram's
// source address. The payload is never parsed; the identifier a peer puts in
// its envelope plays no part in sender exclusion.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/session"
)

// Config holds relay service configuration.
type Config struct {
	// Address is the UDP address to listen on.
	Address string

	// MaxDatagramSize is the receive buffer size; longer datagrams are truncated
	// by the kernel.
	MaxDatagramSize int

	// ReadBuffer and WriteBuffer set the socket buffer sizes (0 = OS default).
	ReadBuffer  int
	WriteBuffer int

	// TOS is the IPv4 type-of-service byte applied to relayed datagrams
	// (0 = leave unset). 0xb8 marks traffic as DSCP EF.
	TOS int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:         ":54321",
		MaxDatagramSize: 65535,
	}
}

// PacketWriter writes one datagram to an address. *net.UDPConn implements it.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Stats contains relay counters.
type Stats struct {
	DatagramsReceived  uint64 `json:"datagrams_received"`
	DatagramsForwarded uint64 `json:"datagrams_forwarded"`
	ForwardErrors      uint64 `json:"forward_errors"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesForwarded     uint64 `json:"bytes_forwarded"`
}

// Service receives datagrams and fans them out to registered peers.
type Service struct {
	cfg     Config
	table   *session.Table
	conn    *net.UDPConn
	writer  PacketWriter
	logger  *slog.Logger
	metrics *metrics.Metrics

	received  atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a relay service reading peers from table.
func NewService(cfg Config, table *session.Table) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Unregistered()
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = 65535
	}

	return &Service{
		cfg:     cfg,
		table:   table,
		logger:  logging.Component(cfg.Logger, "relay"),
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the relay socket and starts the read loop.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("relay service already running")
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	return s.Serve(conn)
}

// Serve starts relaying on an existing UDP socket.
func (s *Service) Serve(conn *net.UDPConn) error {
	if s.running.Swap(true) {
		return fmt.Errorf("relay service already running")
	}
	s.conn = conn
	if s.writer == nil {
		s.writer = conn
	}

	s.tune(conn)

	s.wg.Add(1)
	go s.readLoop()

	s.logger.Info("relay service started",
		logging.KeyAddress, conn.LocalAddr().String())

	return nil
}

// tune applies socket options. Failures only cost performance, so they are
// logged and ignored.
func (s *Service) tune(conn *net.UDPConn) {
	if s.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(s.cfg.ReadBuffer); err != nil {
			s.logger.Warn("failed to set read buffer", logging.KeyError, err)
		}
	}
	if s.cfg.WriteBuffer > 0 {
		if err := conn.SetWriteBuffer(s.cfg.WriteBuffer); err != nil {
			s.logger.Warn("failed to set write buffer", logging.KeyError, err)
		}
	}
	if s.cfg.TOS > 0 {
		if err := ipv4.NewConn(conn).SetTOS(s.cfg.TOS); err != nil {
			s.logger.Warn("failed to set TOS", "tos", s.cfg.TOS, logging.KeyError, err)
		}
	}
}

// Stop closes the socket, which unblocks the read loop, and waits for it.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.conn != nil {
			err = s.conn.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
	})

	s.wg.Wait()
	s.logger.Info("relay service stopped")
	return err
}

// Address returns the bound address, or nil before Start.
func (s *Service) Address() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// IsRunning reports whether the read loop is active.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Stats returns a snapshot of the relay counters.
func (s *Service) Stats() Stats {
	return Stats{
		DatagramsReceived:  s.received.Load(),
		DatagramsForwarded: s.forwarded.Load(),
		ForwardErrors:      s.failed.Load(),
		BytesReceived:      s.bytesIn.Load(),
		BytesForwarded:     s.bytesOut.Load(),
	}
}

func (s *Service) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()
	// A dead read loop must show up as not ready.
	defer recovery.RecoverWithCallback(s.logger, "relay.Service.readLoop", func(any) {
		s.running.Store(false)
	})

	buf := make([]byte, s.cfg.MaxDatagramSize)
	var scratch []netip.AddrPort

	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors from earlier writes surface here on some platforms.
			s.logger.Debug("read error", logging.KeyError, err)
			continue
		}

		scratch = s.Forward(buf[:n], src, scratch)
	}
}

// Forward writes payload to every registered peer whose address is not
// source, and returns the recipient list (reusing scratch as storage).
// A failed write to one peer does not affect the others.
func (s *Service) Forward(payload []byte, source netip.AddrPort, scratch []netip.AddrPort) []netip.AddrPort {
	recipients := s.table.Recipients(source, scratch)

	s.received.Add(1)
	s.bytesIn.Add(uint64(len(payload)))
	s.metrics.RecordDatagram(len(payload), len(recipients))

	for _, dst := range recipients {
		if _, err := s.writer.WriteToUDPAddrPort(payload, dst); err != nil {
			s.failed.Add(1)
			s.metrics.RecordForwardError()
			s.logger.Debug("forward failed",
				logging.KeyRemoteAddr, dst.String(),
				logging.KeyError, err)
			continue
		}
		s.forwarded.Add(1)
		s.bytesOut.Add(uint64(len(payload)))
		s.metrics.RecordForward(len(payload))
	}

	return recipients
}
