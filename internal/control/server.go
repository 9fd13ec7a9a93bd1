// Package control provides a Unix socket control interface for Muti Relay.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/relay"
	"github.com/postalsys/muti-relay/internal/session"
	"github.com/postalsys/muti-relay/internal/sysinfo"
)

// RelayInfo provides relay server information for the control interface.
type RelayInfo interface {
	// IsRunning returns true if the relay server is running.
	IsRunning() bool

	// StartedAt returns when the server started.
	StartedAt() time.Time

	// Addresses returns the registration and relay listen addresses.
	Addresses() (registration, relay string)

	// RelayStats returns the fan-out counters.
	RelayStats() relay.Stats

	// Peers returns every registered peer.
	Peers() []session.Peer

	// RemovePeer drops a peer from the session table.
	RemovePeer(id string) bool
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running             bool         `json:"running"`
	StartedAt           time.Time    `json:"started_at"`
	RegistrationAddress string       `json:"registration_address"`
	RelayAddress        string       `json:"relay_address"`
	PeerCount           int          `json:"peer_count"`
	Relay               relay.Stats  `json:"relay"`
	Host                sysinfo.Info `json:"host"`
}

// PeerInfo describes one registered peer.
type PeerInfo struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// PeersResponse is the response for the peers endpoint.
type PeersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

// RemoveResponse is the response for a peer removal.
type RemoveResponse struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	relay    RelayInfo
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, info RelayInfo) *Server {
	s := &Server{
		cfg:    cfg,
		relay:  info,
		logger: logging.Component(cfg.Logger, "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("DELETE /peers/{id}", s.handleRemovePeer)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by an unclean exit
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "control.Server.Serve")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("control server started", "socket", s.cfg.SocketPath)
	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	regAddr, relayAddr := s.relay.Addresses()

	writeJSON(w, http.StatusOK, StatusResponse{
		Running:             s.relay.IsRunning(),
		StartedAt:           s.relay.StartedAt(),
		RegistrationAddress: regAddr,
		RelayAddress:        relayAddr,
		PeerCount:           len(s.relay.Peers()),
		Relay:               s.relay.RelayStats(),
		Host:                sysinfo.Collect(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.relay.Peers()
	out := make([]PeerInfo, len(peers))
	for i, p := range peers {
		out[i] = PeerInfo{
			ID:           p.ID,
			Address:      p.Addr.String(),
			RegisteredAt: p.RegisteredAt,
			LastSeen:     p.LastSeen,
		}
	}

	writeJSON(w, http.StatusOK, PeersResponse{Peers: out})
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.relay.RemovePeer(id) {
		writeJSON(w, http.StatusNotFound, RemoveResponse{ID: id})
		return
	}

	s.logger.Info("peer removed", logging.KeyPeerID, id)
	writeJSON(w, http.StatusOK, RemoveResponse{ID: id, Removed: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
