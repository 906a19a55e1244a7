// Package config owns the torbo configuration: a JSON5 file overlaid by
// TORBO_* environment variables. Secrets come from env only and are never
// written back to disk.
package config

import (
	"sync"

	"github.com/torbolabs/torbo/internal/access"
)

const DefaultAgentID = "main"

// Config is safe for concurrent use; hot reload swaps the contents under
// the embedded mutex via ReplaceFrom.
type Config struct {
	mu sync.RWMutex `json:"-"`

	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Chat      ChatConfig      `json:"chat"`
	Convo     ConvoConfig     `json:"conversation"`
	Tools     ToolsConfig     `json:"tools"`
	MCP       []MCPServer     `json:"mcp,omitempty"`
	Database  DatabaseConfig  `json:"database"`
	Notify    NotifyConfig    `json:"notify"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Tailscale TailscaleConfig `json:"tailscale"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// MasterToken is the server bearer token. NEVER read from config.json;
	// env (TORBO_MASTER_TOKEN) only.
	MasterToken string `json:"-"`

	// CloudJWTSecret enables the optional cloud-auth path when set.
	CloudJWTSecret string `json:"-"`

	AccessLevel    int      `json:"accessLevel"`
	RateLimitRPM   int      `json:"rateLimitRPM"`
	PairRatePerMin int      `json:"pairRatePerMin"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	TrustedCIDRs   []string `json:"trustedCIDRs,omitempty"`
	MaxBodyBytes   int64    `json:"maxBodyBytes"`

	// StateDir holds paired devices, agent configs and the SQLite store.
	StateDir string `json:"stateDir"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	Gemini    ProviderConfig `json:"gemini"`
	XAI       ProviderConfig `json:"xai"`
	Local     LocalConfig    `json:"local"`

	// Fallback is the provider order tried when the primary fails.
	Fallback []string `json:"fallback,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `json:"-"`
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

type LocalConfig struct {
	BaseURL string `json:"baseURL,omitempty"`
	Model   string `json:"model,omitempty"`
}

type ChatConfig struct {
	DefaultAgent          string `json:"defaultAgent"`
	SettingsPrompt        string `json:"settingsPrompt,omitempty"`
	SettingsPromptEnabled bool   `json:"settingsPromptEnabled"`
	MaxToolRounds         int    `json:"maxToolRounds"`
}

type ConvoConfig struct {
	MaxWindow      int    `json:"maxWindow"`
	IdleTimeoutMin int    `json:"idleTimeoutMin"`
	SummaryModel   string `json:"summaryModel,omitempty"`
}

type ToolsConfig struct {
	Workspace          string `json:"workspace"`
	WebSearchMax       int    `json:"webSearchMax"`
	WebFetchMaxChars   int    `json:"webFetchMaxChars"`
	SSRFProtectEnabled bool   `json:"ssrfProtectEnabled"`
}

type MCPServer struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"` // stdio | sse
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	URL       string   `json:"url,omitempty"`
}

type DatabaseConfig struct {
	// Mode selects the conversation/audit store: "file" (SQLite under
	// StateDir) or "postgres".
	Mode        string `json:"mode"`
	PostgresDSN string `json:"-"`
}

type NotifyConfig struct {
	TelegramToken  string `json:"-"`
	TelegramChatID int64  `json:"telegramChatID,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // grpc | http
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

type TailscaleConfig struct {
	Enabled  bool   `json:"enabled"`
	Hostname string `json:"hostname,omitempty"`
	AuthKey  string `json:"-"`
	StateDir string `json:"stateDir,omitempty"`
}

// GlobalLevel returns the gateway-wide access level.
func (c *Config) GlobalLevel() access.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := access.Level(c.Gateway.AccessLevel)
	if !l.Valid() {
		return access.LevelOff
	}
	return l
}

// SetGlobalLevel updates the gateway-wide access level.
func (c *Config) SetGlobalLevel(l access.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.AccessLevel = int(l)
}

// RateLimitRPM returns the per-IP requests-per-minute limit.
func (c *Config) RateLimitRPM() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.RateLimitRPM
}

// Origins returns the allowed CORS origins.
func (c *Config) Origins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Gateway.AllowedOrigins))
	copy(out, c.Gateway.AllowedOrigins)
	return out
}

// TrustedCIDRs returns the auto-pair trusted networks.
func (c *Config) TrustedCIDRs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Gateway.TrustedCIDRs))
	copy(out, c.Gateway.TrustedCIDRs)
	return out
}

// ReplaceFrom swaps the config contents, preserving the mutex. Secrets
// (always env-sourced) survive because the replacement went through
// ApplyEnvOverrides.
func (c *Config) ReplaceFrom(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = next.Gateway
	c.Providers = next.Providers
	c.Chat = next.Chat
	c.Convo = next.Convo
	c.Tools = next.Tools
	c.MCP = next.MCP
	c.Database = next.Database
	c.Notify = next.Notify
	c.Telemetry = next.Telemetry
	c.Tailscale = next.Tailscale
}
