// Package sysinfo describes the host and build a relay is running on.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

// Version is the release version, set at build time via ldflags.
// Example: go build -ldflags="-X github.com/postalsys/muti-relay/internal/sysinfo.Version=v1.0.0"
var Version = "dev"

var startTime = time.Now()

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// Info is reported by the status endpoints.
type Info struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	Version     string    `json:"version"`
	GoVersion   string    `json:"go_version"`
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time"`
	IPAddresses []string  `json:"ip_addresses,omitempty"`
}

// Collect gathers local host information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Version:     Version,
		GoVersion:   runtime.Version(),
		PID:         os.Getpid(),
		StartTime:   startTime,
		IPAddresses: LocalIPs(),
	}
}

// enhanceDevVersion turns "dev" into dev-<commit>[-dirty] from the embedded
// VCS stamp, or dev-<timestamp> when the binary carries none.
func enhanceDevVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var dirty bool
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if revision != "" {
			if len(revision) > 7 {
				revision = revision[:7]
			}
			if dirty {
				revision += "-dirty"
			}
			return "dev-" + revision
		}
	}
	return "dev-" + startTime.UTC().Format("20060102-150405")
}

// LocalIPs returns up to ten non-loopback unicast addresses, IPv4 first.
func LocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var v4, v6 []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		if ip.To4() != nil {
			v4 = append(v4, ip.String())
		} else {
			v6 = append(v6, ip.String())
		}
	}

	ips := append(v4, v6...)
	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
