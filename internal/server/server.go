// Package server wires the session table, the registration and relay
// services, and the optional health and control endpoints into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/control"
	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/registration"
	"github.com/postalsys/muti-relay/internal/relay"
	"github.com/postalsys/muti-relay/internal/session"
)

// Options overrides process-wide defaults. The zero value uses a logger built
// from the config and the default Prometheus registry.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server is a running relay instance.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	table         *session.Table
	registration  *registration.Service
	relay         *relay.Service
	healthServer  *health.Server
	controlServer *control.Server

	startedAt time.Time
	running   atomic.Bool
	stopOnce  sync.Once
}

// New builds a server from cfg. Nothing is bound until Start.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		table:   session.NewTable(),
	}

	reg := cfg.Server.Registration
	s.registration = registration.NewService(registration.Config{
		Address:        reg.Address,
		ReadTimeout:    reg.ReadTimeout,
		WriteTimeout:   reg.WriteTimeout,
		MaxConnections: reg.MaxConnections,
		MaxRequestSize: reg.MaxRequestSize,
		RateLimit:      reg.RateLimit,
		RateBurst:      reg.RateBurst,
		Logger:         logger,
		Metrics:        m,
	}, s.table)

	rel := cfg.Server.Relay
	s.relay = relay.NewService(relay.Config{
		Address:         rel.Address,
		MaxDatagramSize: rel.MaxDatagramSize,
		ReadBuffer:      rel.ReadBuffer,
		WriteBuffer:     rel.WriteBuffer,
		TOS:             rel.TOS,
		Logger:          logger,
		Metrics:         m,
	}, s.table)

	if cfg.Health.Enabled {
		s.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     gatherer,
			Logger:       logger,
		}, &statsProvider{server: s})
	}

	if cfg.Control.Enabled {
		s.controlServer = control.NewServer(control.ServerConfig{
			SocketPath:   cfg.Control.SocketPath,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Logger:       logger,
		}, s)
	}

	return s, nil
}

// Start binds every listener. On failure everything already started is
// stopped again.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	s.logger.Info("starting relay server",
		"registration", s.cfg.Server.Registration.Address,
		"relay", s.cfg.Server.Relay.Address)

	s.startedAt = time.Now()

	if err := s.registration.Start(); err != nil {
		return fmt.Errorf("start registration service: %w", err)
	}

	if err := s.relay.Start(); err != nil {
		s.registration.Stop()
		return fmt.Errorf("start relay service: %w", err)
	}

	if s.healthServer != nil {
		if err := s.healthServer.Start(); err != nil {
			s.relay.Stop()
			s.registration.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	if s.controlServer != nil {
		if dir := filepath.Dir(s.cfg.Control.SocketPath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				s.stopServices()
				return fmt.Errorf("create control socket directory: %w", err)
			}
		}
		if err := s.controlServer.Start(); err != nil {
			s.stopServices()
			return fmt.Errorf("start control server: %w", err)
		}
	}

	s.running.Store(true)

	s.logger.Info("relay server started",
		"registration", s.registration.Address().String(),
		"relay", s.relay.Address().String())

	return nil
}

// Stop shuts down every component and waits for their goroutines.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping relay server")
		s.running.Store(false)

		if s.controlServer != nil {
			if cerr := s.controlServer.Stop(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("stop control server: %w", cerr))
			}
		}
		err = errors.Join(err, s.stopServices())

		s.logger.Info("relay server stopped", "peers", s.table.Len())
	})
	return err
}

// stopServices stops everything except the control server, newest first.
func (s *Server) stopServices() error {
	var errs []error
	if s.healthServer != nil {
		if err := s.healthServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP server: %w", err))
		}
	}
	if err := s.relay.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop relay service: %w", err))
	}
	if err := s.registration.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop registration service: %w", err))
	}
	return errors.Join(errs...)
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// StartedAt returns when Start completed.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Addresses returns the bound registration and relay addresses.
func (s *Server) Addresses() (registration, relay string) {
	if addr := s.registration.Address(); addr != nil {
		registration = addr.String()
	}
	if addr := s.relay.Address(); addr != nil {
		relay = addr.String()
	}
	return registration, relay
}

// RelayStats returns the relay counters.
func (s *Server) RelayStats() relay.Stats {
	return s.relay.Stats()
}

// Peers returns every registered peer.
func (s *Server) Peers() []session.Peer {
	return s.table.Peers()
}

// RemovePeer drops a peer from the session table.
func (s *Server) RemovePeer(id string) bool {
	if !s.table.Remove(id) {
		return false
	}
	s.metrics.RecordPeerRemoved()
	s.metrics.SetPeers(s.table.Len())
	s.logger.Info("peer removed", logging.KeyPeerID, id)
	return true
}

// Table returns the session table.
func (s *Server) Table() *session.Table {
	return s.table
}

// HealthAddress returns the HTTP listen address, or "" when disabled.
func (s *Server) HealthAddress() string {
	if s.healthServer == nil || s.healthServer.Address() == nil {
		return ""
	}
	return s.healthServer.Address().String()
}

// statsProvider adapts Server to health.StatsProvider.
type statsProvider struct {
	server *Server
}

func (p *statsProvider) IsRunning() bool {
	return p.server.IsRunning()
}

func (p *statsProvider) Stats() health.Stats {
	s := p.server
	regAddr, relayAddr := s.Addresses()
	rs := s.relay.Stats()

	var uptime time.Duration
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}

	return health.Stats{
		PeerCount:           s.table.Len(),
		RegistrationRunning: s.registration.IsRunning(),
		RelayRunning:        s.relay.IsRunning(),
		RegistrationAddress: regAddr,
		RelayAddress:        relayAddr,
		DatagramsReceived:   rs.DatagramsReceived,
		DatagramsForwarded:  rs.DatagramsForwarded,
		ForwardErrors:       rs.ForwardErrors,
		BytesReceived:       rs.BytesReceived,
		BytesForwarded:      rs.BytesForwarded,
		Uptime:              uptime,
	}
}
