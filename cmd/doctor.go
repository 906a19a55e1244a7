package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("torbo doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND - run: torbo onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-14s %s:%d\n", "Bind:", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("    %-14s %s\n", "Access level:", access.Level(cfg.Gateway.AccessLevel).String())
	checkSecret("Master token:", cfg.Gateway.MasterToken, "TORBO_MASTER_TOKEN not set")
	fmt.Printf("    %-14s %d origins, %d trusted CIDRs\n", "Network:",
		len(cfg.Gateway.AllowedOrigins), len(cfg.Gateway.TrustedCIDRs))

	fmt.Println()
	fmt.Println("  State:")
	stateDir := config.ExpandHome(cfg.Gateway.StateDir)
	fmt.Printf("    %-14s %s", "Dir:", stateDir)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}
	if s, err := store.Open(cfg); err != nil {
		fmt.Printf("    %-14s FAILED (%s)\n", "Store:", err)
	} else {
		fmt.Printf("    %-14s %s (OK)\n", "Store:", cfg.Database.Mode)
		s.Close()
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey != "")
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey != "")
	checkProvider("Gemini", cfg.Providers.Gemini.APIKey != "")
	checkProvider("xAI", cfg.Providers.XAI.APIKey != "")
	checkProvider("Local", cfg.Providers.Local.BaseURL != "")

	fmt.Println()
	fmt.Println("  Tools:")
	ws := cfg.WorkspacePath()
	fmt.Printf("    %-14s %s", "Workspace:", ws)
	if info, err := os.Stat(ws); err != nil || !info.IsDir() {
		fmt.Println(" (MISSING)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("    %-14s %v\n", "SSRF guard:", cfg.Tools.SSRFProtectEnabled)
	fmt.Printf("    %-14s %d configured\n", "MCP servers:", len(cfg.MCP))
}

func checkProvider(name string, configured bool) {
	status := "not configured"
	if configured {
		status = "OK"
	}
	fmt.Printf("    %-14s %s\n", name+":", status)
}

func checkSecret(label, value, hint string) {
	if value == "" {
		fmt.Printf("    %-14s MISSING (%s)\n", label, hint)
		return
	}
	fmt.Printf("    %-14s set (%d chars)\n", label, len(value))
}
