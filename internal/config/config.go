package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Ledger backends
const (
	LedgerLocal    = "local"
	LedgerBridge   = "bridge"
	LedgerPostgres = "postgres"
)

// Idempotency cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Agent personas
const (
	PersonaDataScientist  = "data_scientist"
	PersonaContentCreator = "content_creator"
)

// DefaultBridgeURL is the Bridge API used when none is configured
const DefaultBridgeURL = "https://api.bridge.xyz/v0"

// Config represents the main Walta configuration
type Config struct {
	// Gateway server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Ledger backend selection
	Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`

	// Bridge API credentials
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Agents run by the demo
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Idempotent request replay
	Idempotency IdempotencyConfig `json:"idempotency" mapstructure:"idempotency"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Host            string `json:"host" mapstructure:"host"`
	Port            int    `json:"port" mapstructure:"port"`
	ShutdownTimeout int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// URL returns the websocket endpoint clients dial
func (s ServerConfig) URL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("ws://%s:%d/ws", host, s.Port)
}

// LedgerConfig selects the backend that moves value
type LedgerConfig struct {
	Backend     string `json:"backend" mapstructure:"backend"` // local, bridge, postgres
	CustomerID  string `json:"customer_id" mapstructure:"customer_id"`
	DatabaseURL string `json:"database_url" mapstructure:"database_url"`
}

// BridgeConfig holds Bridge API settings
type BridgeConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles        []AIProfile `json:"profiles" mapstructure:"profiles"`
	OpenAIAPIKey    string      `json:"openai_api_key" mapstructure:"openai_api_key"`
	AnthropicAPIKey string      `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	Temperature     float64     `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int         `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries      int         `json:"max_retries" mapstructure:"max_retries"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"` // JSON lines of registrations and payments
}

// AgentConfig represents an agent run by the demo
type AgentConfig struct {
	Name           string  `json:"name" mapstructure:"name"`
	Persona        string  `json:"persona" mapstructure:"persona"` // data_scientist, content_creator
	InitialFunding float64 `json:"initial_funding" mapstructure:"initial_funding"`
}

// IdempotencyConfig selects the response cache for idempotent requests
type IdempotencyConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"` // memory, redis
	RedisURL string `json:"redis_url" mapstructure:"redis_url"`
	TTL      int    `json:"ttl" mapstructure:"ttl"` // seconds
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8765,
			ShutdownTimeout: 10,
		},
		Ledger: LedgerConfig{
			Backend: LedgerLocal,
		},
		Bridge: BridgeConfig{
			BaseURL: DefaultBridgeURL,
			Timeout: 30,
		},
		AI: AIConfig{
			Profiles:    []AIProfile{},
			Temperature: 0.7,
			MaxTokens:   300,
			MaxRetries:  3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Agents: []AgentConfig{
			{Name: "alice_data_scientist", Persona: PersonaDataScientist, InitialFunding: 200},
			{Name: "bob_content_creator", Persona: PersonaContentCreator, InitialFunding: 150},
		},
		Idempotency: IdempotencyConfig{
			Backend: CacheMemory,
			TTL:     300,
		},
		Tracing: TracingConfig{
			ServiceName: "walta",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Bridge.APIKey = mask(c.Bridge.APIKey)
	masked.AI.OpenAIAPIKey = mask(c.AI.OpenAIAPIKey)
	masked.AI.AnthropicAPIKey = mask(c.AI.AnthropicAPIKey)
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// EffectiveProfiles returns the configured AI profiles, or profiles built from
// the plain OpenAI and Anthropic keys when none are listed. OpenAI comes first.
func (c *Config) EffectiveProfiles() []AIProfile {
	if len(c.AI.Profiles) > 0 {
		return c.AI.Profiles
	}

	var profiles []AIProfile
	if c.AI.OpenAIAPIKey != "" {
		profiles = append(profiles, AIProfile{ID: "openai", Provider: "openai", APIKey: c.AI.OpenAIAPIKey, Priority: 1})
	}
	if c.AI.AnthropicAPIKey != "" {
		profiles = append(profiles, AIProfile{ID: "anthropic", Provider: "anthropic", APIKey: c.AI.AnthropicAPIKey, Priority: 2})
	}
	return profiles
}

// RequireAI checks that at least one usable AI profile is configured
func (c *Config) RequireAI() error {
	if len(c.EffectiveProfiles()) == 0 {
		return fmt.Errorf("no AI credentials configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or ai.profiles")
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Ledger.Backend {
	case LedgerLocal:
	case LedgerBridge:
		if c.Bridge.APIKey == "" {
			return fmt.Errorf("bridge API key is required for the bridge ledger backend (set BRIDGE_API_KEY)")
		}
	case LedgerPostgres:
		if c.Ledger.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for the postgres ledger backend (set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("invalid ledger backend %s (must be: local, bridge, postgres)", c.Ledger.Backend)
	}

	switch c.Idempotency.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Idempotency.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis idempotency backend (set REDIS_URL)")
		}
	default:
		return fmt.Errorf("invalid idempotency backend %s (must be: memory, redis)", c.Idempotency.Backend)
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if agent.Persona != PersonaDataScientist && agent.Persona != PersonaContentCreator {
			return fmt.Errorf("agent %s: invalid persona %s", agent.Name, agent.Persona)
		}
		if agent.InitialFunding < 0 {
			return fmt.Errorf("agent %s: initial funding must not be negative", agent.Name)
		}
	}

	return nil
}
