package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Server.Registration.Address != ":12345" {
		t.Errorf("Registration.Address = %s, want :12345", cfg.Server.Registration.Address)
	}
	if cfg.Server.Relay.Address != ":54321" {
		t.Errorf("Relay.Address = %s, want :54321", cfg.Server.Relay.Address)
	}
	if cfg.Client.RegistrationPort != DefaultRegistrationPort {
		t.Errorf("Client.RegistrationPort = %d, want %d", cfg.Client.RegistrationPort, DefaultRegistrationPort)
	}
	if cfg.Client.InboxLimit != 0 {
		t.Errorf("Client.InboxLimit = %d, want 0 (unbounded)", cfg.Client.InboxLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

server:
  registration:
    address: "0.0.0.0:7000"
    read_timeout: 3s
    max_connections: 10
    rate_limit: 5
    rate_burst: 2
  relay:
    address: "0.0.0.0:7001"
    max_datagram_size: 1472
    tos: 184

client:
  server_host: "relay.example.com"
  registration_port: 7000
  relay_port: 7001
  inbox_limit: 128

health:
  enabled: true
  address: "127.0.0.1:9090"

control:
  enabled: true
  socket_path: "/tmp/relay.sock"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Server.Registration.ReadTimeout != 3*time.Second {
		t.Errorf("ReadTimeout = %v, want 3s", cfg.Server.Registration.ReadTimeout)
	}
	if cfg.Server.Registration.RateLimit != 5 {
		t.Errorf("RateLimit = %v, want 5", cfg.Server.Registration.RateLimit)
	}
	if cfg.Server.Relay.MaxDatagramSize != 1472 {
		t.Errorf("MaxDatagramSize = %d, want 1472", cfg.Server.Relay.MaxDatagramSize)
	}
	if cfg.Server.Relay.TOS != 184 {
		t.Errorf("TOS = %d, want 184", cfg.Server.Relay.TOS)
	}
	if cfg.Client.ServerHost != "relay.example.com" {
		t.Errorf("ServerHost = %s", cfg.Client.ServerHost)
	}
	if cfg.Client.InboxLimit != 128 {
		t.Errorf("InboxLimit = %d, want 128", cfg.Client.InboxLimit)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9090" {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if !cfg.Control.Enabled || cfg.Control.SocketPath != "/tmp/relay.sock" {
		t.Errorf("Control = %+v", cfg.Control)
	}
	// Unset fields keep their defaults.
	if cfg.Server.Registration.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want default 10s", cfg.Server.Registration.WriteTimeout)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("log: [unclosed"))
	if err == nil {
		t.Fatal("Parse() should fail on invalid YAML")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "bad log level",
			yaml:      "log:\n  level: loud\n",
			wantError: "invalid log.level",
		},
		{
			name:      "bad log format",
			yaml:      "log:\n  format: xml\n",
			wantError: "invalid log.format",
		},
		{
			name:      "registration address without port",
			yaml:      "server:\n  registration:\n    address: \"localhost\"\n",
			wantError: "server.registration.address",
		},
		{
			name:      "relay datagram size too small",
			yaml:      "server:\n  relay:\n    max_datagram_size: 100\n",
			wantError: "max_datagram_size",
		},
		{
			name:      "tos out of range",
			yaml:      "server:\n  relay:\n    tos: 300\n",
			wantError: "server.relay.tos",
		},
		{
			name:      "rate limit without burst",
			yaml:      "server:\n  registration:\n    rate_limit: 1\n    rate_burst: 0\n",
			wantError: "rate_burst",
		},
		{
			name:      "client port out of range",
			yaml:      "client:\n  relay_port: 70000\n",
			wantError: "client.relay_port",
		},
		{
			name:      "negative inbox limit",
			yaml:      "client:\n  inbox_limit: -1\n",
			wantError: "client.inbox_limit",
		},
		{
			name:      "health enabled without address",
			yaml:      "health:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_ReportsAllErrors(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: loud\n  format: xml\n"))
	if err == nil {
		t.Fatal("Parse() should fail")
	}
	if !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "log.format") {
		t.Errorf("expected both errors, got: %v", err)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_HOST", "10.0.0.7")
	t.Setenv("TEST_RELAY_ADDR", "0.0.0.0:6000")

	yamlConfig := `
server:
  relay:
    address: "$TEST_RELAY_ADDR"
client:
  server_host: "${TEST_RELAY_HOST}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Client.ServerHost != "10.0.0.7" {
		t.Errorf("ServerHost = %s, want 10.0.0.7", cfg.Client.ServerHost)
	}
	if cfg.Server.Relay.Address != "0.0.0.0:6000" {
		t.Errorf("Relay.Address = %s, want 0.0.0.0:6000", cfg.Server.Relay.Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("MUTI_RELAY_UNSET_VAR")

	cfg, err := Parse([]byte("client:\n  server_host: \"${MUTI_RELAY_UNSET_VAR:-game.local}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Client.ServerHost != "game.local" {
		t.Errorf("ServerHost = %s, want game.local", cfg.Client.ServerHost)
	}
}

func TestExpandEnvVars_UnknownKept(t *testing.T) {
	os.Unsetenv("MUTI_RELAY_UNSET_VAR")

	got := expandEnvVars("host=${MUTI_RELAY_UNSET_VAR}")
	if got != "host=${MUTI_RELAY_UNSET_VAR}" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	if err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")

	cfg := Default()
	cfg.Client.ServerHost = "192.168.1.20"
	cfg.Control.Enabled = true

	if err := cfg.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Client.ServerHost != "192.168.1.20" {
		t.Errorf("ServerHost = %s", loaded.Client.ServerHost)
	}
	if !loaded.Control.Enabled {
		t.Error("Control.Enabled should survive the round trip")
	}
}
