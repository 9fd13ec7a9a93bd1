package loadtest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/muti-relay/internal/client"
	"github.com/postalsys/muti-relay/internal/registration"
	"github.com/postalsys/muti-relay/internal/relay"
	"github.com/postalsys/muti-relay/internal/session"
)

func startRelay(t *testing.T) ClientFactory {
	t.Helper()

	table := session.NewTable()

	regCfg := registration.DefaultConfig()
	regCfg.Address = "127.0.0.1:0"
	reg := registration.NewService(regCfg, table)
	if err := reg.Start(); err != nil {
		t.Fatalf("registration Start() error = %v", err)
	}
	t.Cleanup(func() { reg.Stop() })

	relCfg := relay.DefaultConfig()
	relCfg.Address = "127.0.0.1:0"
	rel := relay.NewService(relCfg, table)
	if err := rel.Start(); err != nil {
		t.Fatalf("relay Start() error = %v", err)
	}
	t.Cleanup(func() { rel.Stop() })

	cfg := client.DefaultConfig()
	cfg.ServerHost = "127.0.0.1"
	cfg.RegistrationPort = reg.Address().(*net.TCPAddr).Port
	cfg.RelayPort = rel.Address().(*net.UDPAddr).Port
	cfg.LocalAddress = "127.0.0.1:0"
	cfg.DialTimeout = 2 * time.Second

	return func() (*client.Client, error) { return client.New(cfg) }
}

func TestFanOutGenerator(t *testing.T) {
	factory := startRelay(t)

	gen := NewFanOutGenerator(3, 10, time.Millisecond).
		WithPayloadSize(64).
		WithSettle(300 * time.Millisecond)

	m, err := gen.Run(context.Background(), factory)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if m.Peers != 3 {
		t.Errorf("Peers = %d, want 3", m.Peers)
	}
	if m.MessagesSent != 30 {
		t.Errorf("MessagesSent = %d, want 30", m.MessagesSent)
	}
	if m.Expected != 60 {
		t.Errorf("Expected = %d, want 60", m.Expected)
	}
	// Loopback UDP at this rate should not lose anything, but allow a little.
	if m.Delivered < 54 || m.Delivered > 60 {
		t.Errorf("Delivered = %d, want close to 60", m.Delivered)
	}
	if m.Lost != m.Expected-m.Delivered {
		t.Errorf("Lost = %d, want %d", m.Lost, m.Expected-m.Delivered)
	}
	if m.Foreign != 0 {
		t.Errorf("Foreign = %d, want 0", m.Foreign)
	}
	if m.MaxLatencyMs < m.MinLatencyMs {
		t.Errorf("latency min %v > max %v", m.MinLatencyMs, m.MaxLatencyMs)
	}
	if m.DeliveryRatio <= 0 || m.DeliveryRatio > 1 {
		t.Errorf("DeliveryRatio = %v", m.DeliveryRatio)
	}
}

func TestFanOutGenerator_NeedsTwoPeers(t *testing.T) {
	gen := NewFanOutGenerator(1, 1, 0)
	if _, err := gen.Run(context.Background(), nil); err == nil {
		t.Error("Run() with one peer should fail")
	}
}

func TestFanOutGenerator_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	gen := NewFanOutGenerator(2, 1, 0)

	_, err := gen.Run(context.Background(), func() (*client.Client, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want boom", err)
	}
}

func TestFanOutGenerator_RelayDown(t *testing.T) {
	cfg := client.DefaultConfig()
	cfg.ServerHost = "127.0.0.1"
	cfg.RegistrationPort = 1
	cfg.LocalAddress = "127.0.0.1:0"
	cfg.DialTimeout = 500 * time.Millisecond

	gen := NewFanOutGenerator(2, 1, 0)
	_, err := gen.Run(context.Background(), func() (*client.Client, error) { return client.New(cfg) })
	if err == nil {
		t.Error("Run() should fail when registration is unreachable")
	}
}

func TestRegistrationChurnTester(t *testing.T) {
	factory := startRelay(t)

	tester := NewRegistrationChurnTester(2, 200*time.Millisecond)
	m, err := tester.Run(context.Background(), factory)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if m.Successful == 0 {
		t.Error("expected at least one successful registration")
	}
	if m.Failed != 0 {
		t.Errorf("Failed = %d, want 0", m.Failed)
	}
	if m.Attempts != m.Successful+m.Failed {
		t.Errorf("Attempts = %d, want %d", m.Attempts, m.Successful+m.Failed)
	}
	if m.RegistrationsPerSecond <= 0 {
		t.Errorf("RegistrationsPerSecond = %v", m.RegistrationsPerSecond)
	}
}
