package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/control"
	"github.com/postalsys/muti-relay/internal/server"
	"github.com/postalsys/muti-relay/internal/sysinfo"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(16)
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	peerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
)

func field(label, value string) string {
	return "  " + labelStyle.Render(label) + value
}

func printServeBanner(srv *server.Server, cfg *config.Config) {
	regAddr, relayAddr := srv.Addresses()

	lines := []string{
		titleStyle.Render("Muti Relay " + sysinfo.Version),
		field("Registration", "tcp://"+regAddr),
		field("Relay", "udp://"+relayAddr),
	}
	if cfg.Server.Relay.TOS != 0 {
		lines = append(lines, field("TOS", fmt.Sprintf("0x%02x", cfg.Server.Relay.TOS)))
	}
	if addr := srv.HealthAddress(); addr != "" {
		lines = append(lines, field("Health", "http://"+addr+"/healthz"))
	}
	if cfg.Control.Enabled {
		lines = append(lines, field("Control", cfg.Control.SocketPath))
	}
	lines = append(lines, "", mutedStyle.Render("  Press Ctrl+C to stop."))

	fmt.Println(strings.Join(lines, "\n"))
}

func renderStatus(s *control.StatusResponse) string {
	state := errorStyle.Render("stopped")
	if s.Running {
		state = okStyle.Render("running")
	}

	started := "-"
	if !s.StartedAt.IsZero() {
		started = fmt.Sprintf("%s (%s)", s.StartedAt.Format(time.RFC3339), humanize.Time(s.StartedAt))
	}

	lines := []string{
		titleStyle.Render("Relay Status"),
		field("State", state),
		field("Started", started),
		field("Host", hostLine(s.Host)),
		field("Registration", s.RegistrationAddress),
		field("Relay", s.RelayAddress),
		field("Peers", humanize.Comma(int64(s.PeerCount))),
		field("Received", fmt.Sprintf("%s datagrams, %s",
			humanize.Comma(int64(s.Relay.DatagramsReceived)),
			humanize.Bytes(s.Relay.BytesReceived))),
		field("Forwarded", fmt.Sprintf("%s datagrams, %s",
			humanize.Comma(int64(s.Relay.DatagramsForwarded)),
			humanize.Bytes(s.Relay.BytesForwarded))),
		field("Errors", humanize.Comma(int64(s.Relay.ForwardErrors))),
	}
	return strings.Join(lines, "\n")
}

func hostLine(h sysinfo.Info) string {
	if h.Hostname == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%s/%s, %s, pid %d)", h.Hostname, h.OS, h.Arch, h.Version, h.PID)
}

func renderPeers(peers []control.PeerInfo) string {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, []string{
			p.ID,
			p.Address,
			humanize.Time(p.RegisteredAt),
			humanize.Time(p.LastSeen),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "ADDRESS", "REGISTERED", "LAST SEEN").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			if col == 0 {
				return peerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	return t.Render() + "\n" + mutedStyle.Render(fmt.Sprintf("%d peer(s)", len(peers)))
}
