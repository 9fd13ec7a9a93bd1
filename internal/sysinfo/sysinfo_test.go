package sysinfo

import (
	"net"
	"os"
	"runtime"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version == "dev" {
		t.Error("Version should not be plain 'dev' after init")
	}

	valid := false
	for _, prefix := range []string{"dev-", "v", "latest"} {
		if strings.HasPrefix(Version, prefix) {
			valid = true
			break
		}
	}
	if !valid {
		t.Errorf("Version %q has unexpected format", Version)
	}
}

func TestEnhanceDevVersion(t *testing.T) {
	version := enhanceDevVersion()

	if !strings.HasPrefix(version, "dev-") {
		t.Errorf("enhanceDevVersion() = %q, want dev- prefix", version)
	}
	if strings.TrimPrefix(version, "dev-") == "" {
		t.Error("enhanceDevVersion() should have content after 'dev-'")
	}
}

func TestCollect(t *testing.T) {
	info := Collect()

	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("platform = %s/%s", info.OS, info.Arch)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if !info.StartTime.Equal(StartTime()) {
		t.Errorf("StartTime = %v, want %v", info.StartTime, StartTime())
	}
	if Uptime() < 0 {
		t.Error("Uptime() is negative")
	}
}

func TestLocalIPs(t *testing.T) {
	ips := LocalIPs()

	if len(ips) > 10 {
		t.Errorf("LocalIPs() returned %d addresses, want at most 10", len(ips))
	}
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Errorf("invalid IP %q", s)
			continue
		}
		if ip.IsLoopback() {
			t.Errorf("loopback address %q included", s)
		}
	}
}
