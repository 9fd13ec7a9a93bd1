package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/client"
	"github.com/postalsys/muti-relay/internal/loadtest"
)

func benchCmd() *cobra.Command {
	var (
		serverHost string
		tcpPort    int
		udpPort    int
		peers      int
		messages   int
		interval   time.Duration
		size       int
		settle     time.Duration
		churn      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure fan-out delivery against a running relay",
		Long: `Register a set of load peers with a running relay, have each of them
broadcast a number of messages, and report how much of the expected
fan-out arrived and how long it took.

With --churn, repeatedly register and discard peers for the given
duration instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ccfg := client.DefaultConfig()
			ccfg.ServerHost = serverHost
			ccfg.RegistrationPort = tcpPort
			ccfg.RelayPort = udpPort
			factory := func() (*client.Client, error) { return client.New(ccfg) }

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if churn > 0 {
				m, err := loadtest.NewRegistrationChurnTester(peers, churn).Run(ctx, factory)
				if err != nil {
					return err
				}
				fmt.Println(renderChurn(m))
				return nil
			}

			m, err := loadtest.NewFanOutGenerator(peers, messages, interval).
				WithPayloadSize(size).
				WithSettle(settle).
				Run(ctx, factory)
			if err != nil {
				return err
			}
			fmt.Println(renderFanOut(m))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverHost, "server", "127.0.0.1", "Relay server host")
	cmd.Flags().IntVar(&tcpPort, "tcp", 12345, "Registration (TCP) port")
	cmd.Flags().IntVar(&udpPort, "udp", 54321, "Relay (UDP) port")
	cmd.Flags().IntVarP(&peers, "peers", "n", 4, "Number of load peers (workers with --churn)")
	cmd.Flags().IntVarP(&messages, "messages", "m", 100, "Messages sent by each peer")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "Delay between messages from one peer")
	cmd.Flags().IntVar(&size, "size", 0, "Padding added to each message in bytes")
	cmd.Flags().DurationVar(&settle, "settle", time.Second, "How long to keep collecting after the last send")
	cmd.Flags().DurationVar(&churn, "churn", 0, "Run a registration churn test for this long")

	return cmd
}

func renderFanOut(m *loadtest.FanOutMetrics) string {
	ratio := okStyle.Render(fmt.Sprintf("%.1f%%", m.DeliveryRatio*100))
	if m.Lost > 0 {
		ratio = errorStyle.Render(fmt.Sprintf("%.1f%%", m.DeliveryRatio*100))
	}

	lines := []string{
		titleStyle.Render("Fan-out benchmark"),
		field("Peers", humanize.Comma(int64(m.Peers))),
		field("Sent", humanize.Comma(m.MessagesSent)),
		field("Expected", humanize.Comma(m.Expected)),
		field("Delivered", humanize.Comma(m.Delivered)+" ("+ratio+")"),
		field("Lost", humanize.Comma(m.Lost)),
		field("Latency", fmt.Sprintf("avg %.2fms  min %.2fms  max %.2fms", m.AvgLatencyMs, m.MinLatencyMs, m.MaxLatencyMs)),
		field("Rate", humanize.CommafWithDigits(m.MessagesPerSecond, 0)+" msg/s"),
		field("Duration", m.Duration.Round(time.Millisecond).String()),
	}
	if m.SendErrors > 0 {
		lines = append(lines, field("Send errors", errorStyle.Render(humanize.Comma(m.SendErrors))))
	}
	if m.Foreign > 0 {
		lines = append(lines, field("Foreign", mutedStyle.Render(humanize.Comma(m.Foreign))))
	}
	return strings.Join(lines, "\n")
}

func renderChurn(m *loadtest.ChurnMetrics) string {
	failed := humanize.Comma(m.Failed)
	if m.Failed > 0 {
		failed = errorStyle.Render(failed)
	}

	return strings.Join([]string{
		titleStyle.Render("Registration churn"),
		field("Attempts", humanize.Comma(m.Attempts)),
		field("Successful", humanize.Comma(m.Successful)),
		field("Failed", failed),
		field("Avg register", fmt.Sprintf("%.2fms", m.AvgRegisterTimeMs)),
		field("Rate", humanize.CommafWithDigits(m.RegistrationsPerSecond, 1)+" reg/s"),
		field("Duration", m.Duration.Round(time.Millisecond).String()),
	}, "\n")
}
