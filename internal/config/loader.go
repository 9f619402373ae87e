package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envAliases binds config keys to the environment names operators already use
var envAliases = map[string][]string{
	"server.host":             {"WALTA_SERVER_HOST"},
	"server.port":             {"WALTA_SERVER_PORT"},
	"server.shutdown_timeout": {"WALTA_SERVER_SHUTDOWN_TIMEOUT"},
	"ledger.backend":          {"WALTA_LEDGER_BACKEND"},
	"ledger.customer_id":      {"WALTA_LEDGER_CUSTOMER_ID", "WALTA_CUSTOMER_ID"},
	"ledger.database_url":     {"WALTA_LEDGER_DATABASE_URL", "DATABASE_URL"},
	"bridge.base_url":         {"WALTA_BRIDGE_BASE_URL", "BRIDGE_API_URL"},
	"bridge.api_key":          {"WALTA_BRIDGE_API_KEY", "BRIDGE_API_KEY"},
	"bridge.timeout":          {"WALTA_BRIDGE_TIMEOUT"},
	"ai.openai_api_key":       {"WALTA_AI_OPENAI_API_KEY", "OPENAI_API_KEY"},
	"ai.anthropic_api_key":    {"WALTA_AI_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"},
	"ai.temperature":          {"WALTA_AI_TEMPERATURE"},
	"ai.max_tokens":           {"WALTA_AI_MAX_TOKENS"},
	"ai.max_retries":          {"WALTA_AI_MAX_RETRIES"},
	"idempotency.backend":     {"WALTA_IDEMPOTENCY_BACKEND"},
	"idempotency.redis_url":   {"WALTA_IDEMPOTENCY_REDIS_URL", "REDIS_URL"},
	"idempotency.ttl":         {"WALTA_IDEMPOTENCY_TTL"},
	"logging.level":           {"WALTA_LOGGING_LEVEL"},
	"logging.file":            {"WALTA_LOGGING_FILE"},
	"logging.pretty":          {"WALTA_LOGGING_PRETTY"},
	"logging.redaction":       {"WALTA_LOGGING_REDACTION"},
	"logging.audit_file":      {"WALTA_LOGGING_AUDIT_FILE"},
	"tracing.enabled":         {"WALTA_TRACING_ENABLED"},
	"tracing.service_name":    {"WALTA_TRACING_SERVICE_NAME"},
	"data_dir":                {"WALTA_DATA_DIR"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file if present, overlays environment variables and
// fills in derived defaults. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("WALTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys only reach Unmarshal once viper knows them, so every env name is bound explicitly
	for key, envs := range envAliases {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if v.IsSet("agents") {
		// decoding into a longer default slice would keep its trailing entries
		cfg.Agents = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".walta")
	}

	// A Bridge key with no explicit backend choice means the operator wants real payments
	if cfg.Bridge.APIKey != "" && !v.IsSet("ledger.backend") {
		cfg.Ledger.Backend = LedgerBridge
	}

	return cfg, nil
}

// Save writes cfg to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", cfg.Server)
	v.Set("ledger", cfg.Ledger)
	v.Set("bridge", cfg.Bridge)
	v.Set("ai", cfg.AI)
	v.Set("logging", cfg.Logging)
	v.Set("agents", cfg.Agents)
	v.Set("idempotency", cfg.Idempotency)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".walta", "walta.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
