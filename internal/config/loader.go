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
// built-in defaults, applies ARBD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ARBD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.Address, "ARBD_WALLET_ADDRESS")
	setStr(&cfg.Wallet.PrivateKey, "ARBD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ARBD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ARBD_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "ARBD_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "ARBD_POLYMARKET_GAMMA_HOST")

	// ── Kalshi ──
	setStr(&cfg.Kalshi.ApiKey, "ARBD_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "ARBD_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.BaseURL, "ARBD_KALSHI_BASE_URL")

	// ── Payment ──
	setStr(&cfg.Payment.RpcURL, "ARBD_PAYMENT_RPC_URL")
	setStr(&cfg.Payment.UsdcContract, "ARBD_PAYMENT_USDC_CONTRACT")
	setFloat64(&cfg.Payment.FeeUSDC, "ARBD_PAYMENT_FEE_USDC")
	setFloat64(&cfg.Payment.ProfitSharePct, "ARBD_PAYMENT_PROFIT_SHARE_PCT")
	setDuration(&cfg.Payment.VerifyTimeout, "ARBD_PAYMENT_VERIFY_TIMEOUT")
	setBool(&cfg.Payment.MockVerifier, "ARBD_PAYMENT_MOCK_VERIFIER")
	setDuration(&cfg.Payment.BalancePollInterval, "ARBD_PAYMENT_BALANCE_POLL_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBD_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBD_S3_FORCE_PATH_STYLE")

	// ── Detector ──
	setDuration(&cfg.Detector.Interval, "ARBD_DETECTOR_INTERVAL")
	setDuration(&cfg.Detector.QuoteTTL, "ARBD_DETECTOR_QUOTE_TTL")
	setDuration(&cfg.Detector.OpportunityTTL, "ARBD_DETECTOR_OPPORTUNITY_TTL")
	setFloat64(&cfg.Detector.MinProfitUSD, "ARBD_DETECTOR_MIN_PROFIT_USD")
	setFloat64(&cfg.Detector.MinSpreadPct, "ARBD_DETECTOR_MIN_SPREAD_PCT")
	setStringSlice(&cfg.Detector.Events, "ARBD_DETECTOR_EVENTS")

	// ── Registry ──
	setDuration(&cfg.Registry.SweepInterval, "ARBD_REGISTRY_SWEEP_INTERVAL")

	// ── Executor ──
	setDuration(&cfg.Executor.LegTimeout, "ARBD_EXECUTOR_LEG_TIMEOUT")
	setDuration(&cfg.Executor.LockTTL, "ARBD_EXECUTOR_LOCK_TTL")
	setBool(&cfg.Executor.AutoExecute, "ARBD_EXECUTOR_AUTO_EXECUTE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "ARBD_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBD_MODE")
	setStr(&cfg.LogLevel, "ARBD_LOG_LEVEL")
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
