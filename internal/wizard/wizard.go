// Package wizard provides an interactive terminal form for producing a
// client config.yaml, used by the mtproto-cli configure subcommand.
package wizard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/mtproto-core/internal/config"
)

var bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))

// Wizard drives the interactive prompts that build a client Config.
type Wizard struct{}

// New creates a configuration wizard.
func New() *Wizard {
	return &Wizard{}
}

// Run prompts for the fields required by Config.Validate and returns the
// resulting config. It does not write anything to disk.
func (w *Wizard) Run() (*config.Config, error) {
	fmt.Println(bannerStyle.Render("mtproto-core configure"))

	var (
		apiID         string
		apiHash       string
		address       string
		transportName = "tcp"
		framingName   = "intermediate"
		protoVersion  = "2"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API ID").
				Description("Application identifier issued by the server operator").
				Value(&apiID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("api_id is required")
					}
					_, err := strconv.Atoi(strings.TrimSpace(s))
					return err
				}),
			huh.NewInput().
				Title("API Hash").
				Description("Application secret paired with the API ID").
				EchoMode(huh.EchoModePassword).
				Value(&apiHash).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("api_hash is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Server address").
				Placeholder("149.154.167.50:443").
				Value(&address).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("address is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP", "tcp"),
					huh.NewOption("QUIC", "quic"),
					huh.NewOption("HTTP/2", "h2"),
					huh.NewOption("WebSocket", "ws"),
				).
				Value(&transportName),
			huh.NewSelect[string]().
				Title("Framing").
				Description("Length framing used on the chosen transport").
				Options(
					huh.NewOption("Intermediate", "intermediate"),
					huh.NewOption("Abridged", "abridged"),
					huh.NewOption("Full", "full"),
				).
				Value(&framingName),
			huh.NewSelect[string]().
				Title("Protocol version").
				Options(
					huh.NewOption("2 (msg_key v2, SHA-256)", "2"),
					huh.NewOption("1 (msg_key v1, legacy SHA-1)", "1"),
				).
				Value(&protoVersion),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("configure wizard: %w", err)
	}

	cfg, err := buildConfig(apiID, apiHash, address, transportName, framingName, protoVersion)
	if err != nil {
		return nil, err
	}

	fmt.Println(bannerStyle.Render("Configuration ready"))
	return cfg, nil
}

// buildConfig turns the wizard's raw field values into a validated Config.
// Split out from Run so it can be exercised without a terminal.
func buildConfig(apiID, apiHash, address, transportName, framingName, protoVersion string) (*config.Config, error) {
	apiIDInt, err := strconv.Atoi(strings.TrimSpace(apiID))
	if err != nil {
		return nil, fmt.Errorf("invalid api_id: %w", err)
	}
	version, err := strconv.Atoi(protoVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol version: %w", err)
	}

	cfg := config.Default()
	cfg.Auth = config.AuthConfig{
		APIID:   apiIDInt,
		APIHash: strings.TrimSpace(apiHash),
	}
	cfg.Protocol.Version = version
	cfg.Servers = []config.ServerConfig{{
		Address:   strings.TrimSpace(address),
		Transport: transportName,
		Framing:   framingName,
	}}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}

	return cfg, nil
}
