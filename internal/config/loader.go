package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets (signing key material, API keys) have no TOML binding at
// all and only ever arrive this way.
func applyEnvOverrides(cfg *Config) {
	// ── Position ──
	setStr(&cfg.Position.Wallet, "GUARD_POSITION_WALLET")

	// ── Risk ──
	setFloat64(&cfg.Risk.HealthFactorMin, "GUARD_RISK_HEALTH_FACTOR_MIN")
	setFloat64(&cfg.Risk.WarningBuffer, "GUARD_RISK_WARNING_BUFFER")
	setFloat64(&cfg.Risk.DivergenceWarnPct, "GUARD_RISK_DIVERGENCE_WARN_PCT")

	// ── Safety ──
	setFloat64(&cfg.Safety.MaxActionAmount, "GUARD_SAFETY_MAX_ACTION_AMOUNT")
	setBool(&cfg.Safety.ClampOnExceed, "GUARD_SAFETY_CLAMP_ON_EXCEED")

	// ── Guard loop ──
	setDuration(&cfg.Guard.Interval, "GUARD_INTERVAL")
	setDuration(&cfg.Guard.CycleTimeout, "GUARD_CYCLE_TIMEOUT")
	setBool(&cfg.Guard.DryRun, "GUARD_DRY_RUN")
	setInt(&cfg.Guard.MaxRetryAttempts, "GUARD_MAX_RETRY_ATTEMPTS")
	setDuration(&cfg.Guard.BackoffInitial, "GUARD_BACKOFF_INITIAL")
	setDuration(&cfg.Guard.BackoffMax, "GUARD_BACKOFF_MAX")
	setFloat64(&cfg.Guard.BackoffMultiplier, "GUARD_BACKOFF_MULTIPLIER")
	setInt(&cfg.Guard.HistoryLimit, "GUARD_HISTORY_LIMIT")

	// ── Prices ──
	setDuration(&cfg.Prices.StaleQuote, "GUARD_PRICES_STALE_QUOTE")
	setDuration(&cfg.Prices.CacheTTL, "GUARD_PRICES_CACHE_TTL")

	// ── Advisor ──
	setStr(&cfg.Advisor.BaseURL, "GUARD_ADVISOR_BASE_URL")
	setStr(&cfg.Advisor.APIKey, "OPENAI_API_KEY") // compatibility alias
	setStr(&cfg.Advisor.APIKey, "GUARD_ADVISOR_API_KEY")
	setStr(&cfg.Advisor.Model, "GUARD_ADVISOR_MODEL")
	setFloat64(&cfg.Advisor.Temperature, "GUARD_ADVISOR_TEMPERATURE")
	setInt(&cfg.Advisor.MaxTokens, "GUARD_ADVISOR_MAX_TOKENS")
	setDuration(&cfg.Advisor.Timeout, "GUARD_ADVISOR_TIMEOUT")
	setFloat64(&cfg.Advisor.MinConfidence, "GUARD_ADVISOR_MIN_CONFIDENCE")
	setInt(&cfg.Advisor.HistoryDepth, "GUARD_ADVISOR_HISTORY_DEPTH")

	// ── Eth ──
	setStr(&cfg.Eth.RPCURL, "GUARD_ETH_RPC_URL")
	setInt64(&cfg.Eth.ChainID, "GUARD_ETH_CHAIN_ID")
	setStr(&cfg.Eth.LendingPool, "GUARD_ETH_LENDING_POOL")
	setUint64(&cfg.Eth.GasLimit, "GUARD_ETH_GAS_LIMIT")
	setStr(&cfg.Eth.KeystorePath, "GUARD_KEYSTORE_PATH")
	setStr(&cfg.Eth.PrivateKey, "GUARD_PRIVATE_KEY")
	setStr(&cfg.Eth.KeyPassword, "GUARD_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "GUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GUARD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GUARD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "GUARD_REDIS_LOCK_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "GUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "GUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GUARD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "GUARD_S3_PREFIX")
	setInt(&cfg.S3.RetentionDays, "GUARD_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "GUARD_S3_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GUARD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "GUARD_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GUARD_MODE")
	setStr(&cfg.LogLevel, "GUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
