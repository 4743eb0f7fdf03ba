package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := Defaults()
	cfg.Mode = "serve"
	cfg.Wallet.Address = "0x1111111111111111111111111111111111111111"
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Payment.RpcURL = "https://mainnet.base.org"
	cfg.Kalshi.ApiKey = "key-id"
	return cfg
}

func TestDefaultsValidateWithRequiredFields(t *testing.T) {
	cfg := validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "verbose"
	cfg.Redis.Addr = ""
	cfg.Payment.ProfitSharePct = 150
	cfg.Detector.Interval = duration{0}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "bogus"`,
		`unknown log_level "verbose"`,
		"redis: addr must not be empty",
		"profit_share_pct must be 0-100",
		"detector: interval must be > 0",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateMockVerifierSkipsWalletChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "serve"
	cfg.Payment.MockVerifier = true
	cfg.Kalshi.ApiKey = "key-id"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("mock_verifier mode should not require wallet: %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "detect"
log_level = "debug"

[detector]
interval = "45s"
min_profit_usd = 25.0
events = ["fed-rate-cut-march", "eth-etf-approval"]

[redis]
addr = "redis.internal:6379"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ARBD_REDIS_ADDR", "override:6380")
	t.Setenv("ARBD_DETECTOR_QUOTE_TTL", "7s")
	t.Setenv("ARBD_PAYMENT_FEE_USDC", "3.5")
	t.Setenv("ARBD_EXECUTOR_AUTO_EXECUTE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "detect" {
		t.Errorf("mode = %q, want detect", cfg.Mode)
	}
	if cfg.Detector.Interval.Duration != 45*time.Second {
		t.Errorf("detector interval = %v, want 45s", cfg.Detector.Interval.Duration)
	}
	if got := cfg.Detector.Events; len(got) != 2 || got[0] != "fed-rate-cut-march" {
		t.Errorf("detector events = %v", got)
	}
	if cfg.Redis.Addr != "override:6380" {
		t.Errorf("redis addr = %q, env override should win", cfg.Redis.Addr)
	}
	if cfg.Detector.QuoteTTL.Duration != 7*time.Second {
		t.Errorf("quote_ttl = %v, want 7s", cfg.Detector.QuoteTTL.Duration)
	}
	if cfg.Payment.FeeUSDC != 3.5 {
		t.Errorf("fee_usdc = %v, want 3.5", cfg.Payment.FeeUSDC)
	}
	if cfg.Executor.AutoExecute {
		t.Error("auto_execute should be overridden to false")
	}
	// Untouched values stay at defaults.
	if cfg.Payment.ProfitSharePct != 5.0 {
		t.Errorf("profit_share_pct = %v, want default 5.0", cfg.Payment.ProfitSharePct)
	}
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validTestConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "redispw"
	cfg.Notify.TelegramToken = "123:abc"
	cfg.S3.SecretKey = "s3secret"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"wallet private key": red.Wallet.PrivateKey,
		"postgres password":  red.Postgres.Password,
		"redis password":     red.Redis.Password,
		"telegram token":     red.Notify.TelegramToken,
		"s3 secret key":      red.S3.SecretKey,
	} {
		if got != redacted {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}
	// Non-secret fields pass through.
	if red.Wallet.Address != cfg.Wallet.Address {
		t.Error("wallet address should not be redacted")
	}
	// Original untouched.
	if cfg.Postgres.Password != "hunter2" {
		t.Error("RedactedConfig mutated the original")
	}
}
