package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TRANSMIT_AUTHORITY_ENDPOINT", "https://authority.example/submit")
	t.Setenv("TRANSMIT_WEBHOOK_SECRET", "whsec")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.HTTPAddr != ":8080" || cfg.App.Env != "development" {
		t.Fatalf("unexpected app config %+v", cfg.App)
	}
	if cfg.Retry.DefaultStrategy != retry.Exponential || cfg.Retry.DefaultMaxRetries != 3 || cfg.Retry.DefaultBaseDelay != time.Second {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.CoolDown != time.Minute {
		t.Fatalf("unexpected breaker defaults %+v", cfg.Breaker)
	}
	if got := cfg.RateLimit.Tiers[ratelimit.TierDefault]; got.TransmissionsPerMinute != 60 || got.BurstCapacity != 10 {
		t.Fatalf("unexpected default tier %+v", got)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("kafka should be disabled by default: %v", cfg.Kafka.Brokers)
	}
	oc := cfg.OrchestratorConfig()
	if oc.SubmitTimeout != 30*time.Second || oc.RateLimitedMinDelay != 5*time.Second {
		t.Fatalf("unexpected orchestrator config %+v", oc)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSMIT_HTTP_ADDR", ":9090")
	t.Setenv("TRANSMIT_RETRY_DEFAULT_STRATEGY", "Linear")
	t.Setenv("TRANSMIT_RETRY_DEFAULT_BASE_DELAY", "250ms")
	t.Setenv("TRANSMIT_BREAKER_COOL_DOWN", "30")
	t.Setenv("TRANSMIT_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TRANSMIT_VAULT_MASTER_KEY", "base64:MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.HTTPAddr != ":9090" {
		t.Fatalf("addr %q", cfg.App.HTTPAddr)
	}
	if cfg.Retry.DefaultStrategy != retry.Linear || cfg.Retry.DefaultBaseDelay != 250*time.Millisecond {
		t.Fatalf("retry %+v", cfg.Retry)
	}
	if cfg.Breaker.CoolDown != 30*time.Second {
		t.Fatalf("bare integers are seconds, got %s", cfg.Breaker.CoolDown)
	}
	if strings.Join(cfg.Kafka.Brokers, ",") != "k1:9092,k2:9092" {
		t.Fatalf("brokers %v", cfg.Kafka.Brokers)
	}
	if len(cfg.Vault.MasterKey) != 32 {
		t.Fatalf("master key length %d", len(cfg.Vault.MasterKey))
	}
}

func TestLoadAccumulatesErrors(t *testing.T) {
	t.Setenv("TRANSMIT_AUTHORITY_ENDPOINT", "")
	t.Setenv("TRANSMIT_WEBHOOK_SECRET", "")
	t.Setenv("TRANSMIT_RETRY_DEFAULT_STRATEGY", "fibonacci")
	t.Setenv("TRANSMIT_WEBHOOK_MAX_ATTEMPTS", "many")
	t.Setenv("TRANSMIT_RETRY_DEFAULT_BASE_DELAY", "1m")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"config validation failed",
		"TRANSMIT_AUTHORITY_ENDPOINT is required",
		"TRANSMIT_WEBHOOK_SECRET is required",
		"TRANSMIT_RETRY_DEFAULT_STRATEGY",
		"TRANSMIT_WEBHOOK_MAX_ATTEMPTS must be a valid integer",
		"TRANSMIT_RETRY_DEFAULT_BASE_DELAY must be between",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestMasterKeyRequiredWithDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSMIT_DATABASE_URL", "postgres://localhost/transmit")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "TRANSMIT_VAULT_MASTER_KEY is required") {
		t.Fatalf("expected master key error, got %v", err)
	}

	t.Setenv("TRANSMIT_VAULT_MASTER_KEY", "short")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "at least 16 bytes") {
		t.Fatalf("expected length error, got %v", err)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTiersFile(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSMIT_TIERS_FILE", writeFile(t, `
tiers:
  premium:
    transmissions_per_minute: 600
    burst_capacity: 120
    max_payload_size_mb: 20
    concurrent_transmissions: 40
assignments:
  "org:acme": premium
retry:
  default_strategy: random
  default_max_retries: 6
  default_base_delay: 500ms
`))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	premium := cfg.RateLimit.Tiers[ratelimit.TierPremium]
	if premium.Name != ratelimit.TierPremium || premium.TransmissionsPerMinute != 600 || premium.BurstCapacity != 120 {
		t.Fatalf("premium tier %+v", premium)
	}
	if cfg.RateLimit.Tiers[ratelimit.TierDefault].BurstCapacity != 10 {
		t.Fatal("built-in tiers must survive a partial file")
	}
	if cfg.RateLimit.Assignments["org:acme"] != ratelimit.TierPremium {
		t.Fatalf("assignments %+v", cfg.RateLimit.Assignments)
	}
	if cfg.Retry.DefaultStrategy != retry.Random || cfg.Retry.DefaultMaxRetries != 6 || cfg.Retry.DefaultBaseDelay != 500*time.Millisecond {
		t.Fatalf("retry defaults from file %+v", cfg.Retry)
	}

	t.Setenv("TRANSMIT_RETRY_DEFAULT_MAX_RETRIES", "2")
	cfg, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.DefaultMaxRetries != 2 {
		t.Fatalf("env should override file, got %d", cfg.Retry.DefaultMaxRetries)
	}
}

func TestTiersFileRejectsUnknownNames(t *testing.T) {
	cases := map[string]string{
		"tier":       "tiers:\n  platinum:\n    burst_capacity: 5\n",
		"assignment": "assignments:\n  \"org:x\": gold\n",
		"field":      "tiers:\n  default:\n    burst: 5\n",
		"invalid":    "tiers:\n  default:\n    burst_capacity: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("TRANSMIT_TIERS_FILE", writeFile(t, body))
			if _, err := Load(); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}
