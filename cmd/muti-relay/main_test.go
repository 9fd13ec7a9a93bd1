package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/muti-relay/internal/control"
	"github.com/postalsys/muti-relay/internal/loadtest"
	"github.com/postalsys/muti-relay/internal/relay"
)

func TestWithPort(t *testing.T) {
	tests := []struct {
		addr string
		port int
		want string
	}{
		{":12345", 7000, ":7000"},
		{"0.0.0.0:12345", 7000, "0.0.0.0:7000"},
		{"[::1]:54321", 9000, "[::1]:9000"},
		{"garbage", 9000, ":9000"},
	}

	for _, tc := range tests {
		if got := withPort(tc.addr, tc.port); got != tc.want {
			t.Errorf("withPort(%q, %d) = %q, want %q", tc.addr, tc.port, got, tc.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("implicit missing config should fall back to defaults: %v", err)
	}
	if cfg.Server.Relay.Address != ":54321" {
		t.Errorf("relay address = %q", cfg.Server.Relay.Address)
	}

	if _, err := loadConfig(missing, true); err == nil {
		t.Error("explicit missing config should fail")
	}

	if err := os.WriteFile(missing, []byte("server:\n  relay:\n    address: \":6000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(missing, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Relay.Address != ":6000" {
		t.Errorf("relay address = %q, want :6000", cfg.Server.Relay.Address)
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(&control.StatusResponse{
		Running:             true,
		StartedAt:           time.Now().Add(-time.Hour),
		RegistrationAddress: "0.0.0.0:12345",
		RelayAddress:        "0.0.0.0:54321",
		PeerCount:           1200,
		Relay:               relay.Stats{DatagramsForwarded: 5, BytesForwarded: 2_500_000},
	})

	for _, want := range []string{"running", "0.0.0.0:54321", "1,200", "2.5 MB"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPeers(t *testing.T) {
	now := time.Now()
	out := renderPeers([]control.PeerInfo{
		{ID: "10.0.0.1:4000", Address: "10.0.0.1:4000", RegisteredAt: now, LastSeen: now},
		{ID: "10.0.0.2:4000", Address: "10.0.0.2:4000", RegisteredAt: now, LastSeen: now},
	})

	if !strings.Contains(out, "10.0.0.2:4000") || !strings.Contains(out, "2 peer(s)") {
		t.Errorf("peers output:\n%s", out)
	}
}

func TestRenderFanOut(t *testing.T) {
	out := renderFanOut(&loadtest.FanOutMetrics{
		Peers:             4,
		MessagesSent:      4000,
		Expected:          12000,
		Delivered:         11990,
		Lost:              10,
		DeliveryRatio:     11990.0 / 12000.0,
		AvgLatencyMs:      0.5,
		MessagesPerSecond: 2400,
		Duration:          5 * time.Second,
	})

	for _, want := range []string{"12,000", "11,990", "99.9%", "2,400 msg/s", "5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("bench output missing %q:\n%s", want, out)
		}
	}
}
