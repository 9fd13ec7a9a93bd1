// Package main provides the CLI entry point for the Muti Relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/control"
	"github.com/postalsys/muti-relay/internal/server"
	"github.com/postalsys/muti-relay/internal/sysinfo"
	"github.com/postalsys/muti-relay/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muti-relay",
		Short: "Muti Relay - real-time datagram relay",
		Long: `Muti Relay is a rendezvous and fan-out server for small groups of
peers. Peers register their UDP port over TCP, then every datagram a
peer sends to the relay is forwarded unchanged to all other peers.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(kickCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a YAML configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Setup cancelled.")
				return nil
			}
			return err
		},
	}
}

// loadConfig reads path. When the path was not given explicitly and the
// default file does not exist, the built-in defaults are used.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withPort replaces the port of a listen address, keeping its host.
func withPort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		tcpPort    int
		udpPort    int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run the relay server",
		Long:    "Start the registration and relay services with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("tcp") {
				cfg.Server.Registration.Address = withPort(cfg.Server.Registration.Address, tcpPort)
			}
			if cmd.Flags().Changed("udp") {
				cfg.Server.Relay.Address = withPort(cfg.Server.Relay.Address, udpPort)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			srv, err := server.New(cfg, server.Options{})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			printServeBanner(srv, cfg)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().IntVar(&tcpPort, "tcp", config.DefaultRegistrationPort, "Registration (TCP) port")
	cmd.Flags().IntVar(&udpPort, "udp", config.DefaultRelayPort, "Relay (UDP) port")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	return cmd
}

func socketFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "socket", "s", config.Default().Control.SocketPath, "Path to the control socket")
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the status of a running relay through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl := control.NewClient(socketPath)
			defer ctl.Close()

			status, err := ctl.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("query %s: %w", socketPath, err)
			}

			fmt.Println(renderStatus(status))
			return nil
		},
	}

	socketFlag(cmd, &socketPath)
	return cmd
}

func peersCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List registered peers",
		Long:  "Display every peer in the session table of a running relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl := control.NewClient(socketPath)
			defer ctl.Close()

			peers, err := ctl.Peers(cmd.Context())
			if err != nil {
				return fmt.Errorf("query %s: %w", socketPath, err)
			}

			if len(peers.Peers) == 0 {
				fmt.Println(mutedStyle.Render("No peers registered."))
				return nil
			}
			fmt.Println(renderPeers(peers.Peers))
			return nil
		},
	}

	socketFlag(cmd, &socketPath)
	return cmd
}

func kickCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "kick <peer-id>",
		Short: "Remove a peer from the session table",
		Long:  "Remove a registered peer. It stops receiving relayed datagrams until it registers again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl := control.NewClient(socketPath)
			defer ctl.Close()

			if err := ctl.Kick(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Println(okStyle.Render("✓ ") + "Removed " + args[0])
			return nil
		},
	}

	socketFlag(cmd, &socketPath)
	return cmd
}
