// Package client implements a relay peer.
//
// A Client registers its local UDP port with the relay over TCP, then sends
// envelopes to the relay socket and collects every datagram the relay forwards
// to it in an inbox that the application drains at its own pace.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
)

var (
	// ErrNotRegistered is returned by Send before a successful Register.
	ErrNotRegistered = errors.New("client not registered")

	// ErrRegistrationRejected is returned when the server answers with success=false.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrClientStopped is returned when using a client after Stop.
	ErrClientStopped = errors.New("client stopped")
)

// Config holds client configuration.
type Config struct {
	// ServerHost is the relay server's host name or IP.
	ServerHost string

	RegistrationPort int
	RelayPort        int

	// LocalAddress is the UDP address to bind. Port 0 lets the OS choose.
	LocalAddress string

	// DialTimeout bounds the registration exchange when the context has no
	// deadline of its own.
	DialTimeout time.Duration

	// InboxLimit caps the number of undrained datagrams (0 = unbounded).
	// When full, the oldest entry is dropped.
	InboxLimit int

	// MaxDatagramSize is the receive buffer size.
	MaxDatagramSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config pointing at a relay on localhost.
func DefaultConfig() Config {
	return Config{
		ServerHost:       "127.0.0.1",
		RegistrationPort: 12345,
		RelayPort:        54321,
		LocalAddress:     ":0",
		DialTimeout:      5 * time.Second,
		MaxDatagramSize:  65535,
	}
}

// Client is one relay peer.
type Client struct {
	cfg       Config
	conn      *net.UDPConn
	relayAddr *net.UDPAddr
	regAddr   string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	idMu       sync.RWMutex
	identifier string

	inboxMu sync.Mutex
	inbox   [][]byte
	dropped atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New binds the local UDP socket and resolves the relay address. The receive
// loop is not started until Start.
func New(cfg Config) (*Client, error) {
	if cfg.ServerHost == "" {
		return nil, fmt.Errorf("server host is required")
	}
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = ":0"
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = 65535
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.Unregistered()
	}

	// Resolve once: registration and datagrams must reach the same server
	// address so the relay records the address this peer sends from.
	relayAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.RelayPort)))
	if err != nil {
		return nil, fmt.Errorf("resolve relay address: %w", err)
	}
	regAddr := net.JoinHostPort(relayAddr.AddrPort().Addr().Unmap().String(), strconv.Itoa(cfg.RegistrationPort))

	local, err := net.ResolveUDPAddr("udp", cfg.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.LocalAddress, err)
	}

	return &Client{
		cfg:       cfg,
		conn:      conn,
		relayAddr: relayAddr,
		regAddr:   regAddr,
		logger:    logging.Component(cfg.Logger, "client"),
		metrics:   m,
		stopCh:    make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Identifier returns the identifier assigned at registration, or "".
func (c *Client) Identifier() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.identifier
}

// Register performs the registration handshake and stores the identifier.
// It does not retry.
func (c *Client) Register(ctx context.Context) (string, error) {
	if c.stopped() {
		return "", ErrClientStopped
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.regAddr)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", c.regAddr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	port := c.LocalAddr().Port
	if err := protocol.WriteMessage(conn, protocol.NewRegisterRequest(port)); err != nil {
		return "", fmt.Errorf("send register request: %w", err)
	}

	resp, err := protocol.ReadRegisterResponse(conn, 0)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("read register response: %w", ctx.Err())
		}
		return "", fmt.Errorf("read register response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrRegistrationRejected, resp.Message)
	}

	c.idMu.Lock()
	c.identifier = resp.Identifier
	c.idMu.Unlock()

	c.logger.Info("registered",
		logging.KeyPeerID, resp.Identifier,
		logging.KeyLocalAddr, c.LocalAddr().String())

	return resp.Identifier, nil
}

// Send wraps message in an envelope and sends one datagram to the relay.
// Nothing is sent before registration.
func (c *Client) Send(message any) error {
	id := c.Identifier()
	if id == "" {
		return ErrNotRegistered
	}
	if c.stopped() {
		return ErrClientStopped
	}

	data, err := protocol.EncodeEnvelope(id, message)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDP(data, c.relayAddr); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}

	c.metrics.RecordClientSend()
	return nil
}

// Start launches the receive loop.
func (c *Client) Start() error {
	if c.stopped() {
		return ErrClientStopped
	}
	if c.running.Swap(true) {
		return fmt.Errorf("client already started")
	}

	c.wg.Add(1)
	go c.receiveLoop()
	return nil
}

// Stop ends the receive loop and closes the socket. Closing the socket is
// what unblocks a pending read. Safe to call more than once.
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.running.Store(false)
		close(c.stopCh)
		err = c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	c.wg.Wait()
	return err
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "client.Client.receiveLoop")

	buf := make([]byte, c.cfg.MaxDatagramSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("receive loop stopped", logging.KeyError, err)
			return
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		c.enqueue(datagram)
	}
}

func (c *Client) enqueue(datagram []byte) {
	c.inboxMu.Lock()
	if c.cfg.InboxLimit > 0 && len(c.inbox) >= c.cfg.InboxLimit {
		c.inbox[0] = nil
		c.inbox = c.inbox[1:]
		c.dropped.Add(1)
		c.metrics.RecordClientDrop()
	}
	c.inbox = append(c.inbox, datagram)
	c.inboxMu.Unlock()

	c.metrics.RecordClientReceive()
}

// Drain removes and returns every queued datagram in arrival order.
func (c *Client) Drain() []Message {
	c.inboxMu.Lock()
	pending := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	out := make([]Message, len(pending))
	for i, raw := range pending {
		out[i] = Decode(raw)
	}
	return out
}

// Pending returns the number of undrained datagrams.
func (c *Client) Pending() int {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return len(c.inbox)
}

// Dropped returns how many datagrams were evicted from a full inbox.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}
