package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an LLM API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateBridgeKey validates a Bridge API key
func (v *Validator) ValidateBridgeKey(key string) error {
	if key == "" {
		return fmt.Errorf("bridge API key cannot be empty")
	}
	if strings.ContainsAny(key, " \t\n") {
		return fmt.Errorf("bridge API key must not contain whitespace")
	}
	return nil
}

// ValidateURL checks that raw parses as an absolute URL with one of schemes
func (v *Validator) ValidateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid URL %q: scheme must be one of: %s", raw, strings.Join(schemes, ", "))
}

// ValidateLedgerBackend validates a ledger backend name
func (v *Validator) ValidateLedgerBackend(backend string) error {
	switch backend {
	case LedgerLocal, LedgerBridge, LedgerPostgres:
		return nil
	}
	return fmt.Errorf("invalid ledger backend: %s (must be one of: local, bridge, postgres)", backend)
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig reports every suspicious value. Unlike Config.Validate none of
// these stop the server; callers log them as warnings.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.EffectiveProfiles() {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}
	if err := v.ValidateTemperature(cfg.AI.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("ai: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.AI.MaxTokens); err != nil {
		errors = append(errors, fmt.Errorf("ai: %w", err))
	}

	if err := v.ValidateLedgerBackend(cfg.Ledger.Backend); err != nil {
		errors = append(errors, err)
	}
	if cfg.Ledger.Backend == LedgerBridge {
		if err := v.ValidateBridgeKey(cfg.Bridge.APIKey); err != nil {
			errors = append(errors, err)
		}
		if err := v.ValidateURL(cfg.Bridge.BaseURL, "https", "http"); err != nil {
			errors = append(errors, fmt.Errorf("bridge: %w", err))
		}
	}
	if cfg.Ledger.Backend == LedgerPostgres {
		if err := v.ValidateURL(cfg.Ledger.DatabaseURL, "postgres", "postgresql"); err != nil {
			errors = append(errors, fmt.Errorf("ledger: %w", err))
		}
	}
	if cfg.Idempotency.Backend == CacheRedis {
		if err := v.ValidateURL(cfg.Idempotency.RedisURL, "redis", "rediss"); err != nil {
			errors = append(errors, fmt.Errorf("idempotency: %w", err))
		}
	}
	if cfg.Idempotency.TTL <= 0 {
		errors = append(errors, fmt.Errorf("idempotency ttl must be positive, got %d", cfg.Idempotency.TTL))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
