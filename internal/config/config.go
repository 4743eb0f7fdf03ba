// Package config defines the top-level configuration for the arbitrage
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBD_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Kalshi     KalshiConfig     `toml:"kalshi"`
	Payment    PaymentConfig    `toml:"payment"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Detector   DetectorConfig   `toml:"detector"`
	Registry   RegistryConfig   `toml:"registry"`
	Executor   ExecutorConfig   `toml:"executor"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the service (treasury) wallet credentials used for
// payment verification and profit distribution.
type WalletConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
}

// KalshiConfig holds Kalshi exchange API credentials.
type KalshiConfig struct {
	ApiKey            string `toml:"api_key"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
	BaseURL           string `toml:"base_url"`
}

// PaymentConfig holds the unlock-fee parameters and the on-chain
// verification endpoint.
type PaymentConfig struct {
	RpcURL         string   `toml:"rpc_url"`
	UsdcContract   string   `toml:"usdc_contract"`
	FeeUSDC        float64  `toml:"fee_usdc"`
	ProfitSharePct float64  `toml:"profit_share_pct"`
	VerifyTimeout  duration `toml:"verify_timeout"`
	MockVerifier   bool     `toml:"mock_verifier"`
	// BalancePollInterval sets how often user wallet balances are refreshed
	// into the balance cache.
	BalancePollInterval duration `toml:"balance_poll_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters. When DSN and Host
// are both empty the service falls back to in-memory stores.
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the history
// archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// DetectorConfig holds the detection loop parameters.
type DetectorConfig struct {
	Interval       duration `toml:"interval"`
	QuoteTTL       duration `toml:"quote_ttl"`
	OpportunityTTL duration `toml:"opportunity_ttl"`
	MinProfitUSD   float64  `toml:"min_profit_usd"`
	MinSpreadPct   float64  `toml:"min_spread_pct"`
	Events         []string `toml:"events"`
}

// RegistryConfig holds the registry sweep parameters.
type RegistryConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
}

// ExecutorConfig holds execution orchestration parameters.
type ExecutorConfig struct {
	LegTimeout  duration `toml:"leg_timeout"`
	LockTTL     duration `toml:"lock_ttl"`
	AutoExecute bool     `toml:"auto_execute"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
		},
		Kalshi: KalshiConfig{
			BaseURL: "https://api.elections.kalshi.com/trade-api/v2",
		},
		Payment: PaymentConfig{
			RpcURL:         "",
			UsdcContract:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			FeeUSDC:        2.00,
			ProfitSharePct: 5.0,
			VerifyTimeout:  duration{10 * time.Second},
			MockVerifier:   false,

			BalancePollInterval: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbd",
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
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbd-history",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Detector: DetectorConfig{
			Interval:       duration{30 * time.Second},
			QuoteTTL:       duration{15 * time.Second},
			OpportunityTTL: duration{5 * time.Minute},
			MinProfitUSD:   10.0,
			MinSpreadPct:   5.0,
			Events:         []string{},
		},
		Registry: RegistryConfig{
			SweepInterval: duration{15 * time.Second},
		},
		Executor: ExecutorConfig{
			LegTimeout:  duration{20 * time.Second},
			LockTTL:     duration{2 * time.Minute},
			AutoExecute: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"execution_failed", "profit_distributed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"detect": true,
	"serve":  true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: detect, serve, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — a key source is required whenever profit distribution can run.
	needsWallet := c.Mode == "serve" || c.Mode == "full"
	if needsWallet && !c.Payment.MockVerifier {
		if c.Wallet.Address == "" {
			errs = append(errs, "wallet: address must be set for mode "+c.Mode)
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Venue endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Kalshi.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}
	if (c.Mode == "detect" || c.Mode == "full") && c.Kalshi.ApiKey == "" {
		errs = append(errs, "kalshi: api_key is required for mode "+c.Mode)
	}

	// Payment
	if c.Payment.FeeUSDC < 0 {
		errs = append(errs, "payment: fee_usdc must not be negative")
	}
	if c.Payment.ProfitSharePct < 0 || c.Payment.ProfitSharePct > 100 {
		errs = append(errs, fmt.Sprintf("payment: profit_share_pct must be 0-100, got %.2f", c.Payment.ProfitSharePct))
	}
	if !c.Payment.MockVerifier && c.Payment.RpcURL == "" && (c.Mode == "serve" || c.Mode == "full") {
		errs = append(errs, "payment: rpc_url is required unless mock_verifier is enabled")
	}
	if c.Payment.BalancePollInterval.Duration <= 0 {
		errs = append(errs, "payment: balance_poll_interval must be positive")
	}

	// Postgres — optional, but when configured the pool bounds must be sane.
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Detector
	if c.Detector.Interval.Duration <= 0 {
		errs = append(errs, "detector: interval must be > 0")
	}
	if c.Detector.QuoteTTL.Duration <= 0 {
		errs = append(errs, "detector: quote_ttl must be > 0")
	}
	if c.Detector.OpportunityTTL.Duration <= 0 {
		errs = append(errs, "detector: opportunity_ttl must be > 0")
	}
	if c.Detector.MinProfitUSD < 0 {
		errs = append(errs, "detector: min_profit_usd must not be negative")
	}

	// Registry
	if c.Registry.SweepInterval.Duration <= 0 {
		errs = append(errs, "registry: sweep_interval must be > 0")
	}

	// Executor
	if c.Executor.LegTimeout.Duration <= 0 {
		errs = append(errs, "executor: leg_timeout must be > 0")
	}
	if c.Executor.LockTTL.Duration <= 0 {
		errs = append(errs, "executor: lock_ttl must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
