package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/config"
)

// onboardCmd walks through first-run setup and writes config.json.
// Secrets are never written; the closing message lists the TORBO_* env
// vars to export instead.
func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(cfgPath string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("Config already exists at %s. Overwrite?", cfgPath)).
			Value(&overwrite).Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	cfg := config.Default()
	host := cfg.Gateway.Host
	port := strconv.Itoa(cfg.Gateway.Port)
	level := strconv.Itoa(cfg.Gateway.AccessLevel)
	workspace := cfg.Tools.Workspace
	localURL := cfg.Providers.Local.BaseURL
	var trustTailnet bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bind host").
				Description("127.0.0.1 keeps the gateway local-only").
				Value(&host),
			huh.NewInput().
				Title("Port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("port must be 1..65535")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Default access level").
				Options(
					huh.NewOption("CHAT (2) - chat only", "2"),
					huh.NewOption("READ (3) - chat + read tools", "3"),
					huh.NewOption("WRITE (4) - chat + read/write tools", "4"),
					huh.NewOption("FULL (5) - everything", "5"),
				).
				Value(&level),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Root for the file tools; nothing outside it is reachable").
				Value(&workspace),
			huh.NewInput().
				Title("Local model runner URL (optional)").
				Description("OpenAI-compatible endpoint, e.g. http://localhost:11434/v1").
				Value(&localURL),
			huh.NewConfirm().
				Title("Trust the tailnet for auto-pairing?").
				Description("Devices on 100.64.0.0/10 can pair without a code").
				Value(&trustTailnet),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding aborted: %w", err)
	}

	cfg.Gateway.Host = host
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Gateway.AccessLevel, _ = strconv.Atoi(level)
	cfg.Tools.Workspace = workspace
	cfg.Providers.Local.BaseURL = localURL
	if trustTailnet {
		cfg.Gateway.TrustedCIDRs = []string{"100.64.0.0/10"}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("\nWrote %s\n\n", cfgPath)
	fmt.Println("Secrets stay out of the config file. Export what you use:")
	fmt.Println("  TORBO_MASTER_TOKEN      server bearer token (required)")
	fmt.Println("  TORBO_ANTHROPIC_API_KEY Anthropic")
	fmt.Println("  TORBO_OPENAI_API_KEY    OpenAI")
	fmt.Println("  TORBO_GEMINI_API_KEY    Gemini")
	fmt.Println("  TORBO_XAI_API_KEY       xAI")
	fmt.Printf("\nThen start the gateway: torbo (level %s)\n", access.Level(cfg.Gateway.AccessLevel).String())
	return nil
}
