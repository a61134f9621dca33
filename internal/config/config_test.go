package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns a Config that passes validation for monitor mode.
func validBase() Config {
	cfg := Defaults()
	cfg.Position.Wallet = "0x1111111111111111111111111111111111111111"
	cfg.Position.Assets = []AssetConfig{{
		Symbol:     "WETH",
		Underlying: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		AToken:     "0x030bA81f1c18d280636F32af80b9AAd02Cf0854e",
		Decimals:   18,
		PriceFeed:  "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
	}}
	cfg.Safety.MaxActionAmount = 500
	cfg.Eth.RPCURL = "https://eth.example.org"
	cfg.Eth.PrivateKey = "ab"
	cfg.Advisor.APIKey = "test-key"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.InDelta(t, 1.5, cfg.Risk.HealthFactorMin, 1e-9)
	assert.InDelta(t, 0.05, cfg.Risk.WarningBuffer, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Guard.Interval.Duration)
	assert.Equal(t, 3, cfg.Guard.MaxRetryAttempts)
	assert.Equal(t, time.Hour, cfg.Prices.StaleQuote.Duration)
	assert.Equal(t, "gpt-4", cfg.Advisor.Model)
	assert.InDelta(t, 0.3, cfg.Advisor.Temperature, 1e-9)
	assert.Equal(t, 500, cfg.Advisor.MaxTokens)
	assert.Equal(t, uint64(500_000), cfg.Eth.GasLimit)
	assert.Zero(t, cfg.Safety.MaxActionAmount, "the action cap must be an explicit choice")
	assert.Contains(t, cfg.Notify.Events, "risk.critical")
	assert.Contains(t, cfg.Notify.Events, "guard.stopped")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "check"
log_level = "debug"

[position]
wallet = "0x2222222222222222222222222222222222222222"

  [[position.assets]]
  symbol = "WETH"
  underlying = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
  atoken = "0x030bA81f1c18d280636F32af80b9AAd02Cf0854e"
  decimals = 18
  price_feed = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

[risk]
health_factor_min = 1.2

[guard]
interval = "90s"
dry_run = true

[eth]
rpc_url = "https://rpc.example.org"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "check", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", cfg.Position.Wallet)
	assert.InDelta(t, 1.2, cfg.Risk.HealthFactorMin, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Guard.Interval.Duration)
	assert.True(t, cfg.Guard.DryRun)

	// Untouched sections keep their defaults.
	assert.InDelta(t, 0.05, cfg.Risk.WarningBuffer, 1e-9)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadSecretsNeverComeFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[eth]
rpc_url = "https://rpc.example.org"
private_key = "from-toml"
key_password = "from-toml"
`), 0o600))

	t.Setenv("GUARD_PRIVATE_KEY", "0xab12")
	t.Setenv("GUARD_ADVISOR_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0xab12", cfg.Eth.PrivateKey, "key material in the TOML file is ignored")
	assert.Empty(t, cfg.Eth.KeyPassword)
	assert.Equal(t, "sk-test", cfg.Advisor.APIKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GUARD_MODE", "server")
	t.Setenv("GUARD_INTERVAL", "30s")
	t.Setenv("GUARD_RISK_HEALTH_FACTOR_MIN", "1.8")
	t.Setenv("GUARD_DRY_RUN", "true")
	t.Setenv("GUARD_ETH_CHAIN_ID", "137")
	t.Setenv("GUARD_ETH_GAS_LIMIT", "750000")
	t.Setenv("GUARD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 30*time.Second, cfg.Guard.Interval.Duration)
	assert.InDelta(t, 1.8, cfg.Risk.HealthFactorMin, 1e-9)
	assert.True(t, cfg.Guard.DryRun)
	assert.Equal(t, int64(137), cfg.Eth.ChainID)
	assert.Equal(t, uint64(750_000), cfg.Eth.GasLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestEnvAdvisorKeyAliasPrecedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-alias")

	cfg := Defaults()
	applyEnvOverrides(&cfg)
	assert.Equal(t, "sk-alias", cfg.Advisor.APIKey, "alias alone is honoured")

	t.Setenv("GUARD_ADVISOR_API_KEY", "sk-primary")
	cfg = Defaults()
	applyEnvOverrides(&cfg)
	assert.Equal(t, "sk-primary", cfg.Advisor.APIKey, "dedicated variable wins over the alias")
}

func TestValidateAcceptsCompleteMonitorConfig(t *testing.T) {
	cfg := validBase()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "banana"
	cfg.LogLevel = "loud"
	cfg.Risk.HealthFactorMin = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "banana"`)
	assert.Contains(t, err.Error(), `unknown log_level "loud"`)
	assert.Contains(t, err.Error(), "health_factor_min must be > 0")
	assert.GreaterOrEqual(t, strings.Count(err.Error(), "\n  - "), 2, "every problem is reported at once")
}

func TestValidateModeGatedRequirements(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"monitor requires wallet",
			func(c *Config) { c.Position.Wallet = "" },
			"position: wallet must be set",
		},
		{
			"monitor requires assets",
			func(c *Config) { c.Position.Assets = nil },
			"at least one asset",
		},
		{
			"monitor requires rpc url",
			func(c *Config) { c.Eth.RPCURL = "" },
			"eth: rpc_url must be set",
		},
		{
			"monitor requires action cap",
			func(c *Config) { c.Safety.MaxActionAmount = 0 },
			"safety: max_action_amount must be > 0",
		},
		{
			"monitor requires advisor key",
			func(c *Config) { c.Advisor.APIKey = "" },
			"advisor: GUARD_ADVISOR_API_KEY must be set",
		},
		{
			"live monitor requires key material",
			func(c *Config) { c.Eth.PrivateKey = "" },
			"either GUARD_PRIVATE_KEY or keystore_path",
		},
		{
			"keystore needs password",
			func(c *Config) { c.Eth.KeystorePath = "/etc/guard/key.json"; c.Eth.KeyPassword = "" },
			"GUARD_KEY_PASSWORD is required",
		},
		{
			"asset without feed",
			func(c *Config) { c.Position.Assets[0].PriceFeed = "" },
			"price_feed must be set",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDryRunSkipsKeyMaterial(t *testing.T) {
	cfg := validBase()
	cfg.Eth.PrivateKey = ""
	cfg.Guard.DryRun = true
	require.NoError(t, cfg.Validate())
}

func TestValidateServerModeSkipsChainRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	require.NoError(t, cfg.Validate(), "server mode needs neither wallet nor RPC nor advisor key")
}

func TestValidateBackingServicesPerMode(t *testing.T) {
	t.Run("monitor runs without redis or postgres", func(t *testing.T) {
		cfg := validBase()
		cfg.Redis.Addr = ""
		cfg.Postgres.Host = ""
		cfg.Postgres.Database = ""
		cfg.S3.Bucket = ""
		require.NoError(t, cfg.Validate())
	})

	t.Run("server mode requires redis", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "server"
		cfg.Redis.Addr = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis: addr must be set for mode server")
	})

	t.Run("server mode requires postgres", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "server"
		cfg.Postgres.Host = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres: host must not be empty")
	})

	t.Run("archive mode requires s3", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "archive"
		cfg.S3.Bucket = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3: bucket must not be empty")
	})

	t.Run("configured redis still gets bounds checked in monitor mode", func(t *testing.T) {
		cfg := validBase()
		cfg.Redis.PoolSize = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis: pool_size must be >= 1")
	})

	t.Run("server mode validates port even when enabled is false", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "server"
		cfg.Server.Enabled = false
		cfg.Server.Port = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server: port must be 1-65535")
	})
}

func TestValidateGuardBounds(t *testing.T) {
	cfg := validBase()
	cfg.Guard.MaxRetryAttempts = 0
	cfg.Guard.BackoffMax = duration{time.Second}
	cfg.Guard.BackoffInitial = duration{5 * time.Second}
	cfg.Guard.BackoffMultiplier = 0.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retry_attempts must be >= 1")
	assert.Contains(t, err.Error(), "backoff_max must not be below backoff_initial")
	assert.Contains(t, err.Error(), "backoff_multiplier must be >= 1")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validBase()
	cfg.Eth.PrivateKey = "deadbeef"
	cfg.Eth.KeyPassword = "pw"
	cfg.Advisor.APIKey = "sk-secret"
	cfg.Postgres.Password = "dbpw"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Redis.Password = "redispw"
	cfg.S3.AccessKey = "AK"
	cfg.S3.SecretKey = "SK"
	cfg.Server.APIKey = "api"
	cfg.Notify.TelegramToken = "tg"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/webhook"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Eth.PrivateKey)
	assert.Equal(t, "***", red.Eth.KeyPassword)
	assert.Equal(t, "***", red.Advisor.APIKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Postgres.DSN)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.AccessKey)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "***", red.Notify.DiscordWebhookURL)

	// Non-secret values survive, and the original is untouched.
	assert.Equal(t, cfg.Position.Wallet, red.Position.Wallet)
	assert.Equal(t, "deadbeef", cfg.Eth.PrivateKey)

	// Mutating the redacted copy's slices must not leak back.
	red.Position.Assets[0].Symbol = "MUTATED"
	assert.Equal(t, "WETH", cfg.Position.Assets[0].Symbol)
}

func TestEmptySecretStaysEmptyWhenRedacted(t *testing.T) {
	cfg := Defaults()
	red := RedactedConfig(&cfg)
	assert.Empty(t, red.Eth.PrivateKey, "empty fields are not replaced, so absence stays visible")
}

func TestDurationTOMLRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("2m30s")))
	assert.Equal(t, 150*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
