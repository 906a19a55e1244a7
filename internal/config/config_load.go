package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           8780,
			AccessLevel:    1, // CHAT
			RateLimitRPM:   60,
			PairRatePerMin: 10,
			TrustedCIDRs:   []string{"100.64.0.0/10"},
			MaxBodyBytes:   20 << 20,
			StateDir:       "~/.torbo",
		},
		Providers: ProvidersConfig{
			Local:    LocalConfig{BaseURL: "http://127.0.0.1:11434/v1"},
			Fallback: []string{"anthropic", "openai", "gemini", "xai", "local"},
		},
		Chat: ChatConfig{
			DefaultAgent:  DefaultAgentID,
			MaxToolRounds: 5,
		},
		Convo: ConvoConfig{
			MaxWindow:      20,
			IdleTimeoutMin: 30,
		},
		Tools: ToolsConfig{
			Workspace:          "~/.torbo/workspace",
			WebSearchMax:       5,
			WebFetchMaxChars:   50000,
			SSRFProtectEnabled: true,
		},
		Database: DatabaseConfig{Mode: "file"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values; all secrets arrive this way.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets: env only, never persisted.
	envStr("TORBO_MASTER_TOKEN", &c.Gateway.MasterToken)
	envStr("TORBO_CLOUD_JWT_SECRET", &c.Gateway.CloudJWTSecret)
	envStr("TORBO_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("TORBO_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("TORBO_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("TORBO_XAI_API_KEY", &c.Providers.XAI.APIKey)
	envStr("TORBO_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TORBO_TELEGRAM_TOKEN", &c.Notify.TelegramToken)
	envStr("TORBO_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	// BIND_HOST restricts the listener; the documented escape hatch for
	// loopback-only operation.
	envStr("BIND_HOST", &c.Gateway.Host)
	envStr("TORBO_HOST", &c.Gateway.Host)
	if v := os.Getenv("TORBO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("TORBO_LOCAL_BASE_URL", &c.Providers.Local.BaseURL)
	envStr("TORBO_LOCAL_MODEL", &c.Providers.Local.Model)
	envStr("TORBO_STATE_DIR", &c.Gateway.StateDir)
	envStr("TORBO_DB_MODE", &c.Database.Mode)

	if v := os.Getenv("TORBO_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Gateway.RateLimitRPM = n
		}
	}
	if v := os.Getenv("TORBO_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = splitTrim(v)
	}
	if v := os.Getenv("TORBO_TRUSTED_CIDRS"); v != "" {
		c.Gateway.TrustedCIDRs = splitTrim(v)
	}
	if v := os.Getenv("TORBO_SSRF_PROTECT"); v != "" {
		c.Tools.SSRFProtectEnabled = v == "true" || v == "1"
	}

	// Telemetry
	envStr("TORBO_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TORBO_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TORBO_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TORBO_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	envStr("TORBO_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TORBO_TSNET_DIR", &c.Tailscale.StateDir)
	if v := os.Getenv("TORBO_TSNET_ENABLED"); v != "" {
		c.Tailscale.Enabled = v == "true" || v == "1"
	}
}

func splitTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the config to disk atomically. Secret fields carry `json:"-"`
// so nothing sensitive can end up in the file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// StatePath expands StateDir and joins the given elements under it.
func (c *Config) StatePath(elem ...string) string {
	c.mu.RLock()
	dir := ExpandHome(c.Gateway.StateDir)
	c.mu.RUnlock()
	return filepath.Join(append([]string{dir}, elem...)...)
}

// WorkspacePath returns the expanded tool workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Tools.Workspace)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// DefaultPath returns the config file location, honouring TORBO_CONFIG.
func DefaultPath() string {
	if v := os.Getenv("TORBO_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.torbo/config.json")
}
