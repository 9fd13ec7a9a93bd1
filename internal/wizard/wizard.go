// Package wizard provides an interactive setup wizard for Muti Relay.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/muti-relay/internal/config"
)

// TOS presets offered by the wizard.
const (
	tosNone = "none"
	tosEF   = "ef"
	tosAF41 = "af41"
)

var tosValues = map[string]int{
	tosNone: 0,
	tosEF:   0xb8,
	tosAF41: 0x88,
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// Answers holds everything the user entered.
type Answers struct {
	ConfigPath string
	DataDir    string

	BindHost         string
	RegistrationPort string
	RelayPort        string
	RateLimit        string
	TOS              string

	ClientServerHost string
	InboxLimit       string

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// DefaultAnswers returns the values pre-filled in the forms.
func DefaultAnswers() Answers {
	return Answers{
		ConfigPath:       "./config.yaml",
		DataDir:          "./data",
		BindHost:         "",
		RegistrationPort: strconv.Itoa(config.DefaultRegistrationPort),
		RelayPort:        strconv.Itoa(config.DefaultRelayPort),
		RateLimit:        "0",
		TOS:              tosNone,
		ClientServerHost: "127.0.0.1",
		InboxLimit:       "0",
		LogLevel:         "info",
		HealthEnabled:    true,
		ControlEnabled:   true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askServerConfig(&a); err != nil {
		return nil, err
	}
	if err := w.askClientConfig(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DataDir:    a.DataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  __  __       _   _   ____      _
 |  \/  |_   _| |_(_) |  _ \ ___| | __ _ _   _
 | |\/| | | | | __| | | |_) / _ \ |/ _' | | | |
 | |  | | |_| | |_| | |  _ <  __/ | (_| | |_| |
 |_|  |_|\__,_|\__|_| |_| \_\___|_|\__,_|\__, |
                                         |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Real-time Datagram Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where the relay keeps its files."),

			huh.NewInput().
				Title("Data Directory").
				Description("Holds the control socket").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askServerConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Server").
				Description("Peers register over TCP and exchange datagrams over UDP."),

			huh.NewInput().
				Title("Bind Host").
				Description("Leave empty to listen on all interfaces").
				Value(&a.BindHost).
				Validate(validateHost),

			huh.NewInput().
				Title("Registration Port (TCP)").
				Value(&a.RegistrationPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Relay Port (UDP)").
				Value(&a.RelayPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Registration Rate Limit").
				Description("Registrations per second, 0 for unlimited").
				Value(&a.RateLimit).
				Validate(validateNonNegativeFloat),

			huh.NewSelect[string]().
				Title("Datagram Priority (IPv4 TOS)").
				Options(
					huh.NewOption("None", tosNone),
					huh.NewOption("Expedited Forwarding (real-time)", tosEF),
					huh.NewOption("AF41 (interactive video)", tosAF41),
				).
				Value(&a.TOS),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askClientConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Defaults").
				Description("Used by 'muti-relay client' when no flags are given."),

			huh.NewInput().
				Title("Server Host").
				Description("Address peers use to reach this relay").
				Value(&a.ClientServerHost).
				Validate(required("server host")),

			huh.NewInput().
				Title("Inbox Limit").
				Description("Undrained datagrams kept per client, 0 for unbounded").
				Value(&a.InboxLimit).
				Validate(validateNonNegativeInt),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, peers, kick)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	regPort, err := strconv.Atoi(strings.TrimSpace(a.RegistrationPort))
	if err != nil {
		return nil, fmt.Errorf("registration port: %w", err)
	}
	relayPort, err := strconv.Atoi(strings.TrimSpace(a.RelayPort))
	if err != nil {
		return nil, fmt.Errorf("relay port: %w", err)
	}

	host := strings.TrimSpace(a.BindHost)
	cfg.Server.Registration.Address = net.JoinHostPort(host, strconv.Itoa(regPort))
	cfg.Server.Relay.Address = net.JoinHostPort(host, strconv.Itoa(relayPort))

	if s := strings.TrimSpace(a.RateLimit); s != "" {
		rate, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		cfg.Server.Registration.RateLimit = rate
	}
	cfg.Server.Relay.TOS = tosValues[a.TOS]

	cfg.Client.ServerHost = strings.TrimSpace(a.ClientServerHost)
	cfg.Client.RegistrationPort = regPort
	cfg.Client.RelayPort = relayPort
	if s := strings.TrimSpace(a.InboxLimit); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("inbox limit: %w", err)
		}
		cfg.Client.InboxLimit = limit
	}

	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	cfg.Log.Format = "text"

	cfg.Health.Enabled = a.HealthEnabled
	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.DataDir, "control.sock")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Muti Relay Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:   %s\n", configPath)
	fmt.Printf("  Registration:  tcp://%s\n", cfg.Server.Registration.Address)
	fmt.Printf("  Relay:         udp://%s\n", cfg.Server.Relay.Address)
	if cfg.Server.Relay.TOS != 0 {
		fmt.Printf("  TOS:           0x%02x\n", cfg.Server.Relay.TOS)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:        http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:       %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    muti-relay serve -c %s\n", configPath)
	fmt.Println()
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHost(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "localhost" {
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("bind host must be an IP address")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validateNonNegativeFloat(s string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}
