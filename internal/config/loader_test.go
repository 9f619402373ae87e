package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, envs := range envAliases {
		for _, env := range envs {
			t.Setenv(env, "")
		}
	}
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 8765, cfg.Server.Port)
		assert.Equal(t, LedgerLocal, cfg.Ledger.Backend)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "config.json")

		testConfig := `{
			"server": {"port": 9000},
			"ledger": {"backend": "postgres", "database_url": "postgres://localhost/walta"},
			"agents": [{"name": "solo", "persona": "data_scientist", "initial_funding": 10}],
			"ai": {"profiles": [{"id": "p", "provider": "openai", "api_key": "sk-x", "priority": 1}]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, LedgerPostgres, cfg.Ledger.Backend)
		assert.Equal(t, "postgres://localhost/walta", cfg.Ledger.DatabaseURL)
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, "solo", cfg.Agents[0].Name)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "sk-x", cfg.AI.Profiles[0].APIKey)
	})

	t.Run("original environment names", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("BRIDGE_API_KEY", "bridge-key")
		t.Setenv("BRIDGE_API_URL", "https://api.sandbox.bridge.xyz/v0")
		t.Setenv("OPENAI_API_KEY", "sk-openai")
		t.Setenv("WALTA_CUSTOMER_ID", "cust_123")
		t.Setenv("REDIS_URL", "redis://localhost:6379/0")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "bridge-key", cfg.Bridge.APIKey)
		assert.Equal(t, "https://api.sandbox.bridge.xyz/v0", cfg.Bridge.BaseURL)
		assert.Equal(t, "sk-openai", cfg.AI.OpenAIAPIKey)
		assert.Equal(t, "cust_123", cfg.Ledger.CustomerID)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Idempotency.RedisURL)
		// a Bridge key selects the bridge backend unless one is chosen
		assert.Equal(t, LedgerBridge, cfg.Ledger.Backend)
	})

	t.Run("prefixed environment overrides file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("WALTA_SERVER_PORT", "9100")
		t.Setenv("WALTA_LEDGER_BACKEND", "local")
		t.Setenv("BRIDGE_API_KEY", "bridge-key")

		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 9000}}`), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, LedgerLocal, cfg.Ledger.Backend)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "nested", "walta.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Server.Port = 9200
	cfg.Ledger.Backend = LedgerBridge
	cfg.Bridge.APIKey = "bridge-key"
	cfg.Logging.Level = "debug"

	require.NoError(t, loader.Save(cfg))
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, loaded.Server.Port)
	assert.Equal(t, LedgerBridge, loaded.Ledger.Backend)
	assert.Equal(t, "bridge-key", loaded.Bridge.APIKey)
	assert.Equal(t, "debug", loaded.Logging.Level)
	assert.Len(t, loaded.Agents, 2)
}

func TestLoadConvenience(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
