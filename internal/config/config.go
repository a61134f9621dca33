// Package config defines the top-level configuration for the position guard
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GUARD_* environment variables.
type Config struct {
	Position PositionConfig `toml:"position"`
	Risk     RiskConfig     `toml:"risk"`
	Safety   SafetyConfig   `toml:"safety"`
	Guard    GuardConfig    `toml:"guard"`
	Prices   PricesConfig   `toml:"prices"`
	Advisor  AdvisorConfig  `toml:"advisor"`
	Eth      EthConfig      `toml:"eth"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PositionConfig identifies the guarded position.
type PositionConfig struct {
	// Wallet is the address whose lending-pool position is monitored.
	Wallet string `toml:"wallet"`
	// Assets lists the reserves the wallet may hold or owe.
	Assets []AssetConfig `toml:"assets"`
}

// AssetConfig describes one tracked reserve.
type AssetConfig struct {
	Symbol     string `toml:"symbol"`
	Underlying string `toml:"underlying"`
	AToken     string `toml:"atoken"`
	Decimals   int    `toml:"decimals"`
	PriceFeed  string `toml:"price_feed"`
}

// RiskConfig holds the health-factor classification thresholds.
type RiskConfig struct {
	HealthFactorMin   float64 `toml:"health_factor_min"`
	WarningBuffer     float64 `toml:"warning_buffer"`
	DivergenceWarnPct float64 `toml:"divergence_warn_pct"`
}

// SafetyConfig holds the hard limits applied to every proposed action.
type SafetyConfig struct {
	MaxActionAmount float64 `toml:"max_action_amount"`
	ClampOnExceed   bool    `toml:"clamp_on_exceed"`
}

// GuardConfig holds the monitoring-loop parameters.
type GuardConfig struct {
	Interval          duration `toml:"interval"`
	CycleTimeout      duration `toml:"cycle_timeout"`
	DryRun            bool     `toml:"dry_run"`
	MaxRetryAttempts  int      `toml:"max_retry_attempts"`
	BackoffInitial    duration `toml:"backoff_initial"`
	BackoffMax        duration `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	// HistoryLimit caps the in-memory cycle record history.
	HistoryLimit int `toml:"history_limit"`
}

// PricesConfig holds oracle quote handling parameters.
type PricesConfig struct {
	// StaleQuote is the maximum acceptable quote age; older quotes
	// invalidate the cycle.
	StaleQuote duration `toml:"stale_quote"`
	// CacheTTL bounds how long a quote may be served from Redis before the
	// oracle is consulted again.
	CacheTTL duration `toml:"cache_ttl"`
}

// AdvisorConfig holds model-recommendation parameters. The API key is a
// secret and can only be supplied through the environment.
type AdvisorConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"-"`
	Model         string   `toml:"model"`
	Temperature   float64  `toml:"temperature"`
	MaxTokens     int      `toml:"max_tokens"`
	Timeout       duration `toml:"timeout"`
	MinConfidence float64  `toml:"min_confidence"`
	HistoryDepth  int      `toml:"history_depth"`
}

// EthConfig holds chain access and signing-key parameters. Key material is
// secret and can only be supplied through the environment
// (GUARD_PRIVATE_KEY, GUARD_KEY_PASSWORD).
type EthConfig struct {
	RPCURL       string `toml:"rpc_url"`
	ChainID      int64  `toml:"chain_id"`
	LendingPool  string `toml:"lending_pool"`
	GasLimit     uint64 `toml:"gas_limit"`
	KeystorePath string `toml:"keystore_path"`
	PrivateKey   string `toml:"-"`
	KeyPassword  string `toml:"-"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage and archival parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	RetentionDays  int    `toml:"retention_days"`
	// ArchiveCron schedules recurring archive runs in archive mode, in
	// 5-field cron form ("0 3 * * *"). Empty means a single run.
	ArchiveCron string `toml:"archive_cron"`
}

// ServerConfig holds HTTP server parameters. The API key is a secret and can
// only be supplied through the environment (GUARD_SERVER_API_KEY).
type ServerConfig struct {
	// Enabled controls whether full mode starts the HTTP API alongside the
	// loop; server mode runs it regardless.
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"-"`
	// RateLimit is the per-client request budget per minute; 0 disables
	// limiting.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// Loading a file overrides them field by field.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			HealthFactorMin:   1.5,
			WarningBuffer:     0.05,
			DivergenceWarnPct: 5.0,
		},
		Safety: SafetyConfig{
			MaxActionAmount: 0, // required; no safe default exists
			ClampOnExceed:   false,
		},
		Guard: GuardConfig{
			Interval:          duration{5 * time.Minute},
			CycleTimeout:      duration{time.Minute},
			DryRun:            false,
			MaxRetryAttempts:  3,
			BackoffInitial:    duration{2 * time.Second},
			BackoffMax:        duration{30 * time.Second},
			BackoffMultiplier: 2.0,
			HistoryLimit:      1000,
		},
		Prices: PricesConfig{
			StaleQuote: duration{time.Hour},
			CacheTTL:   duration{30 * time.Second},
		},
		Advisor: AdvisorConfig{
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-4",
			Temperature:  0.3,
			MaxTokens:    500,
			Timeout:      duration{30 * time.Second},
			HistoryDepth: 1000,
		},
		Eth: EthConfig{
			ChainID:     1,
			LendingPool: "0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9",
			GasLimit:    500_000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "positionguard-data",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "archive",
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{
				"risk.warning",
				"risk.critical",
				"episode.confirmed",
				"episode.failed",
				"guard.started",
				"guard.stopped",
			},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
	"archive": true,
	"check":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug":    true,
	"info":     true,
	"warn":     true,
	"warning":  true,
	"error":    true,
	"critical": true,
}

// needsChain reports whether the mode reads the position over RPC.
func (c *Config) needsChain() bool {
	switch strings.ToLower(c.Mode) {
	case "monitor", "full", "check":
		return true
	}
	return false
}

// needsLoop reports whether the mode runs the full decision loop.
func (c *Config) needsLoop() bool {
	m := strings.ToLower(c.Mode)
	return m == "monitor" || m == "full"
}

// needsPostgres reports whether the mode persists to the database. Monitor
// mode runs on in-memory stores.
func (c *Config) needsPostgres() bool {
	switch strings.ToLower(c.Mode) {
	case "server", "full", "archive":
		return true
	}
	return false
}

// needsRedis reports whether the mode cannot run without Redis. Monitor mode
// treats an empty redis.addr as "feature off": no wallet lock, no quote
// cache, no signal bus.
func (c *Config) needsRedis() bool {
	switch strings.ToLower(c.Mode) {
	case "server", "full":
		return true
	}
	return false
}

// needsS3 reports whether the mode touches object storage.
func (c *Config) needsS3() bool {
	return strings.ToLower(c.Mode) == "archive"
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full, archive, check)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warning, error, critical)", c.LogLevel))
	}

	// Position — required whenever the chain is read.
	if c.needsChain() {
		if c.Position.Wallet == "" {
			errs = append(errs, "position: wallet must be set for mode "+c.Mode)
		}
		if len(c.Position.Assets) == 0 {
			errs = append(errs, "position: at least one asset must be configured for mode "+c.Mode)
		}
		for i, a := range c.Position.Assets {
			if a.Symbol == "" {
				errs = append(errs, fmt.Sprintf("position: assets[%d]: symbol must not be empty", i))
			}
			if a.Underlying == "" || a.AToken == "" {
				errs = append(errs, fmt.Sprintf("position: assets[%d] (%s): underlying and atoken must be set", i, a.Symbol))
			}
			if a.Decimals <= 0 || a.Decimals > 36 {
				errs = append(errs, fmt.Sprintf("position: assets[%d] (%s): decimals must be 1-36, got %d", i, a.Symbol, a.Decimals))
			}
			if a.PriceFeed == "" {
				errs = append(errs, fmt.Sprintf("position: assets[%d] (%s): price_feed must be set", i, a.Symbol))
			}
		}
	}

	// Eth
	if c.needsChain() {
		if c.Eth.RPCURL == "" {
			errs = append(errs, "eth: rpc_url must be set for mode "+c.Mode)
		}
		if c.Eth.ChainID <= 0 {
			errs = append(errs, "eth: chain_id must be positive")
		}
		if c.Eth.LendingPool == "" {
			errs = append(errs, "eth: lending_pool must not be empty")
		}
		if c.Eth.GasLimit == 0 {
			errs = append(errs, "eth: gas_limit must be positive")
		}
	}

	// Key material — required when actions can actually be submitted.
	if c.needsLoop() && !c.Guard.DryRun {
		if c.Eth.PrivateKey == "" && c.Eth.KeystorePath == "" {
			errs = append(errs, "eth: either GUARD_PRIVATE_KEY or keystore_path must be set for live mode "+c.Mode)
		}
	}
	if c.Eth.KeystorePath != "" && c.Eth.KeyPassword == "" {
		errs = append(errs, "eth: GUARD_KEY_PASSWORD is required when keystore_path is set")
	}

	// Risk
	if c.Risk.HealthFactorMin <= 0 {
		errs = append(errs, fmt.Sprintf("risk: health_factor_min must be > 0, got %v", c.Risk.HealthFactorMin))
	}
	if c.Risk.WarningBuffer < 0 {
		errs = append(errs, "risk: warning_buffer must be >= 0")
	}

	// Safety — the action cap has no safe default and must be set wherever
	// the loop runs.
	if c.needsLoop() && c.Safety.MaxActionAmount <= 0 {
		errs = append(errs, "safety: max_action_amount must be > 0 for mode "+c.Mode)
	}

	// Guard
	if c.Guard.Interval.Duration <= 0 {
		errs = append(errs, "guard: interval must be > 0")
	}
	if c.Guard.CycleTimeout.Duration <= 0 {
		errs = append(errs, "guard: cycle_timeout must be > 0")
	}
	if c.Guard.MaxRetryAttempts < 1 {
		errs = append(errs, "guard: max_retry_attempts must be >= 1")
	}
	if c.Guard.BackoffInitial.Duration <= 0 {
		errs = append(errs, "guard: backoff_initial must be > 0")
	}
	if c.Guard.BackoffMax.Duration < c.Guard.BackoffInitial.Duration {
		errs = append(errs, "guard: backoff_max must not be below backoff_initial")
	}
	if c.Guard.BackoffMultiplier < 1 {
		errs = append(errs, "guard: backoff_multiplier must be >= 1")
	}
	if c.Guard.HistoryLimit < 1 {
		errs = append(errs, "guard: history_limit must be >= 1")
	}

	// Prices
	if c.Prices.StaleQuote.Duration <= 0 {
		errs = append(errs, "prices: stale_quote must be > 0")
	}

	// Advisor — the model only runs inside the loop.
	if c.needsLoop() {
		if c.Advisor.APIKey == "" {
			errs = append(errs, "advisor: GUARD_ADVISOR_API_KEY must be set for mode "+c.Mode)
		}
	}
	if c.Advisor.BaseURL == "" {
		errs = append(errs, "advisor: base_url must not be empty")
	}
	if c.Advisor.Model == "" {
		errs = append(errs, "advisor: model must not be empty")
	}
	if c.Advisor.Temperature < 0 || c.Advisor.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("advisor: temperature must be 0-2, got %v", c.Advisor.Temperature))
	}
	if c.Advisor.MaxTokens < 1 {
		errs = append(errs, "advisor: max_tokens must be >= 1")
	}
	if c.Advisor.MinConfidence < 0 || c.Advisor.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("advisor: min_confidence must be 0-1, got %v", c.Advisor.MinConfidence))
	}

	// Postgres — only modes that persist dial it.
	if c.needsPostgres() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn) for mode "+c.Mode)
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis — required for server and full; monitor mode may blank the addr
	// to run without the lock, cache and bus.
	if c.needsRedis() && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must be set for mode "+c.Mode)
	}
	if c.Redis.Addr != "" {
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be > 0")
		}
	}

	// S3 — archive mode only.
	if c.needsS3() {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
	}

	// Server — server mode always runs the API; full mode consults Enabled.
	if c.Server.Enabled || strings.ToLower(c.Mode) == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
