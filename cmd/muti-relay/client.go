package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/muti-relay/internal/client"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
)

func clientCmd() *cobra.Command {
	var (
		configPath string
		serverHost string
		tcpPort    int
		udpPort    int
		localAddr  string
		inboxLimit int
		poll       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run an interactive demo peer",
		Long: `Register with a relay and exchange messages with other peers.

Each line read from stdin is sent as one message. Messages from other
peers are printed as they are drained from the inbox.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}

			ccfg := client.Config{
				ServerHost:       cfg.Client.ServerHost,
				RegistrationPort: cfg.Client.RegistrationPort,
				RelayPort:        cfg.Client.RelayPort,
				LocalAddress:     cfg.Client.LocalAddress,
				DialTimeout:      cfg.Client.DialTimeout,
				InboxLimit:       cfg.Client.InboxLimit,
				Logger:           logging.NewLogger(cfg.Log.Level, cfg.Log.Format),
				Metrics:          metrics.Default(),
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				ccfg.ServerHost = serverHost
			}
			if flags.Changed("tcp") {
				ccfg.RegistrationPort = tcpPort
			}
			if flags.Changed("udp") {
				ccfg.RelayPort = udpPort
			}
			if flags.Changed("local") {
				ccfg.LocalAddress = localAddr
			}
			if flags.Changed("inbox-limit") {
				ccfg.InboxLimit = inboxLimit
			}
			interval := cfg.Client.PollInterval
			if flags.Changed("poll") || interval <= 0 {
				interval = poll
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runClient(ctx, ccfg, interval)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&serverHost, "server", "127.0.0.1", "Relay server host")
	cmd.Flags().IntVar(&tcpPort, "tcp", 12345, "Registration (TCP) port")
	cmd.Flags().IntVar(&udpPort, "udp", 54321, "Relay (UDP) port")
	cmd.Flags().StringVar(&localAddr, "local", ":0", "Local UDP address to bind")
	cmd.Flags().IntVar(&inboxLimit, "inbox-limit", 0, "Maximum undrained messages (0 = unbounded)")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "Inbox drain interval")

	return cmd
}

func runClient(ctx context.Context, cfg client.Config, interval time.Duration) error {
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Stop()

	id, err := c.Register(ctx)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	fmt.Println(okStyle.Render("✓ ") + "Registered as " + peerStyle.Render(id))
	if interactive {
		fmt.Println(mutedStyle.Render("  Type a message and press Enter. Ctrl+D or Ctrl+C to quit."))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var dropped uint64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printInbox(c, &dropped)
			return nil

		case line, ok := <-lines:
			if !ok {
				// Give replies to the last message a chance to arrive.
				time.Sleep(interval)
				printInbox(c, &dropped)
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := c.Send(line); err != nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render("send failed: ")+err.Error())
			}

		case <-ticker.C:
			printInbox(c, &dropped)
		}
	}
}

func printInbox(c *client.Client, reported *uint64) {
	for _, msg := range c.Drain() {
		from := msg.Identifier
		if from == "" {
			from = "?"
		}
		fmt.Printf("%s %s\n", peerStyle.Render("["+from+"]"), msg.Text())
	}
	if n := c.Dropped(); n > *reported {
		fmt.Println(mutedStyle.Render(fmt.Sprintf("  (%d messages dropped from a full inbox)", n-*reported)))
		*reported = n
	}
}
