package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"invoicegate.org/internal/authority"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
	"invoicegate.org/internal/vault"
	"invoicegate.org/internal/webhook"
)

// Prefix is prepended to every environment key read by Load.
const Prefix = "TRANSMIT_"

// Config captures the runtime configuration of the transmission daemon.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Authority AuthorityConfig
	Vault     VaultConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Batch     BatchConfig
	Kafka     KafkaConfig
	Operator  OperatorConfig
}

type AppConfig struct {
	Env             string
	LogLevel        string
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// DatabaseConfig is optional; an empty URL keeps all state in memory.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type AuthorityConfig struct {
	Endpoint  string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

type VaultConfig struct {
	MasterKey        []byte
	RotationInterval time.Duration
	UsageThreshold   int64
	MaxActiveKeys    int
	RetiredGrace     time.Duration
}

// RetryConfig holds orchestrator defaults for new transmissions.
type RetryConfig struct {
	DefaultStrategy     retry.Strategy
	DefaultMaxRetries   int
	DefaultBaseDelay    time.Duration
	MaxDelay            time.Duration
	RateLimitedMinDelay time.Duration
	SubmitTimeout       time.Duration
	DiscardOnCancel     bool
}

type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	Window           int
	DegradedRatio    float64
}

type WebhookConfig struct {
	Secret      string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Concurrency int
}

// RateLimitConfig carries the tier table and static scope assignments.
type RateLimitConfig struct {
	TiersFile   string
	Tiers       map[ratelimit.TierName]ratelimit.Tier
	Assignments map[string]ratelimit.TierName
	IdleTTL     time.Duration
	PerIP       bool
}

type BatchConfig struct {
	Retain int
}

// KafkaConfig enables the intake consumer when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Group       string
	StatusTopic string // receives every status change when set
}

// OperatorConfig enables bearer auth on the control API when Secret is set.
type OperatorConfig struct {
	Secret string
	Issuer string
}

// Load reads environment variables (and a .env file when present),
// applies defaults, validates values and returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{prefix: Prefix}
	cfg := &Config{}

	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.HTTPAddr = ldr.getString("HTTP_ADDR", ":8080", false)
	cfg.App.ShutdownTimeout = ldr.getDuration("SHUTDOWN_TIMEOUT", 10*time.Second, false)

	cfg.Database.URL = ldr.getString("DATABASE_URL", "", false)
	cfg.Database.MaxOpenConns = ldr.getInt("DB_MAX_OPEN_CONNS", 10, false)
	cfg.Database.ConnMaxLifetime = ldr.getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute, false)
	cfg.Database.AutoMigrate = ldr.getBool("DB_AUTO_MIGRATE", false, false)

	cfg.Authority.Endpoint = ldr.getString("AUTHORITY_ENDPOINT", "", true)
	cfg.Authority.APIKey = ldr.getString("AUTHORITY_API_KEY", "", false)
	cfg.Authority.APISecret = ldr.getString("AUTHORITY_API_SECRET", "", false)
	cfg.Authority.Timeout = ldr.getDuration("AUTHORITY_TIMEOUT", 30*time.Second, false)

	cfg.Vault.MasterKey = ldr.getKey("VAULT_MASTER_KEY", cfg.Database.URL != "")
	cfg.Vault.RotationInterval = ldr.getDuration("VAULT_ROTATION_INTERVAL", 24*time.Hour, false)
	cfg.Vault.UsageThreshold = int64(ldr.getInt("VAULT_USAGE_THRESHOLD", 10000, false))
	cfg.Vault.MaxActiveKeys = ldr.getInt("VAULT_MAX_ACTIVE_KEYS", 3, false)
	cfg.Vault.RetiredGrace = ldr.getDuration("VAULT_RETIRED_GRACE", 30*24*time.Hour, false)

	cfg.RateLimit.TiersFile = ldr.getString("TIERS_FILE", "", false)
	file := &fileConfig{}
	if cfg.RateLimit.TiersFile != "" {
		f, err := readFile(cfg.RateLimit.TiersFile)
		if err != nil {
			ldr.addError(err.Error())
		} else {
			file = f
		}
	}
	tiers, assignments, errs := file.tiers()
	for _, err := range errs {
		ldr.addError(err.Error())
	}
	cfg.RateLimit.Tiers = tiers
	cfg.RateLimit.Assignments = assignments
	cfg.RateLimit.IdleTTL = ldr.getDuration("RATE_LIMIT_IDLE_TTL", 10*time.Minute, false)
	cfg.RateLimit.PerIP = ldr.getBool("RATE_LIMIT_PER_IP", true, false)

	defStrategy, defRetries, defBase := file.retryDefaults()
	strategy := ldr.getString("RETRY_DEFAULT_STRATEGY", defStrategy, false)
	if s, err := retry.ParseStrategy(strategy); err != nil {
		ldr.addError(fmt.Sprintf("%sRETRY_DEFAULT_STRATEGY: %v", Prefix, err))
	} else {
		cfg.Retry.DefaultStrategy = s
	}
	cfg.Retry.DefaultMaxRetries = ldr.getInt("RETRY_DEFAULT_MAX_RETRIES", defRetries, false)
	cfg.Retry.DefaultBaseDelay = ldr.getDuration("RETRY_DEFAULT_BASE_DELAY", defBase, false)
	cfg.Retry.MaxDelay = ldr.getDuration("RETRY_MAX_DELAY", retry.DefaultMaxDelay, false)
	cfg.Retry.RateLimitedMinDelay = ldr.getDuration("RETRY_RATE_LIMITED_MIN_DELAY", 5*time.Second, false)
	cfg.Retry.SubmitTimeout = ldr.getDuration("SUBMIT_TIMEOUT", 30*time.Second, false)
	cfg.Retry.DiscardOnCancel = ldr.getBool("DISCARD_WEBHOOKS_ON_CANCEL", false, false)
	if cfg.Retry.DefaultMaxRetries < transmission.MinMaxRetries || cfg.Retry.DefaultMaxRetries > transmission.MaxMaxRetries {
		ldr.addError(fmt.Sprintf("%sRETRY_DEFAULT_MAX_RETRIES must be between %d and %d", Prefix, transmission.MinMaxRetries, transmission.MaxMaxRetries))
	}
	if cfg.Retry.DefaultBaseDelay < transmission.MinBaseDelay || cfg.Retry.DefaultBaseDelay > transmission.MaxBaseDelay {
		ldr.addError(fmt.Sprintf("%sRETRY_DEFAULT_BASE_DELAY must be between %s and %s", Prefix, transmission.MinBaseDelay, transmission.MaxBaseDelay))
	}

	cfg.Breaker.FailureThreshold = ldr.getInt("BREAKER_FAILURE_THRESHOLD", 5, false)
	cfg.Breaker.CoolDown = ldr.getDuration("BREAKER_COOL_DOWN", 60*time.Second, false)
	cfg.Breaker.Window = ldr.getInt("BREAKER_WINDOW", 20, false)
	cfg.Breaker.DegradedRatio = ldr.getFloat("BREAKER_DEGRADED_RATIO", 0.5, false)

	cfg.Webhook.Secret = ldr.getString("WEBHOOK_SECRET", "", true)
	cfg.Webhook.MaxAttempts = ldr.getInt("WEBHOOK_MAX_ATTEMPTS", 5, false)
	cfg.Webhook.BaseDelay = ldr.getDuration("WEBHOOK_BASE_DELAY", time.Second, false)
	cfg.Webhook.MaxDelay = ldr.getDuration("WEBHOOK_MAX_DELAY", 5*time.Minute, false)
	cfg.Webhook.Timeout = ldr.getDuration("WEBHOOK_TIMEOUT", 10*time.Second, false)
	cfg.Webhook.Concurrency = ldr.getInt("WEBHOOK_CONCURRENCY", 10, false)

	cfg.Batch.Retain = ldr.getInt("BATCH_RETAIN", 100, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.Topic = ldr.getString("KAFKA_TOPIC", "einvoice.transmissions", false)
	cfg.Kafka.Group = ldr.getString("KAFKA_GROUP", "transmitd", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "", false)

	cfg.Operator.Secret = ldr.getString("OPERATOR_SECRET", "", false)
	cfg.Operator.Issuer = ldr.getString("OPERATOR_ISSUER", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OrchestratorConfig maps retry settings onto the orchestrator.
func (c *Config) OrchestratorConfig() transmission.Config {
	oc := transmission.DefaultConfig()
	oc.SubmitTimeout = c.Retry.SubmitTimeout
	oc.RateLimitedMinDelay = c.Retry.RateLimitedMinDelay
	oc.DefaultMaxRetries = c.Retry.DefaultMaxRetries
	oc.DefaultStrategy = c.Retry.DefaultStrategy
	oc.DefaultBaseDelay = c.Retry.DefaultBaseDelay
	oc.DiscardOnCancel = c.Retry.DiscardOnCancel
	return oc
}

func (c *Config) BreakerConfig() retry.BreakerConfig {
	return retry.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		CoolDown:         c.Breaker.CoolDown,
		Window:           c.Breaker.Window,
		DegradedRatio:    c.Breaker.DegradedRatio,
	}
}

func (c *Config) VaultConfig() vault.Config {
	return vault.Config{
		RotationInterval: c.Vault.RotationInterval,
		UsageThreshold:   c.Vault.UsageThreshold,
		MaxActiveKeys:    c.Vault.MaxActiveKeys,
		RetiredGrace:     c.Vault.RetiredGrace,
	}
}

func (c *Config) WebhookConfig() webhook.Config {
	return webhook.Config{
		Secret:      []byte(c.Webhook.Secret),
		MaxAttempts: c.Webhook.MaxAttempts,
		BaseDelay:   c.Webhook.BaseDelay,
		MaxDelay:    c.Webhook.MaxDelay,
		Timeout:     c.Webhook.Timeout,
		Concurrency: c.Webhook.Concurrency,
	}
}

func (c *Config) AuthorityConfig() authority.Config {
	return authority.Config{
		Endpoint:  c.Authority.Endpoint,
		APIKey:    c.Authority.APIKey,
		APISecret: []byte(c.Authority.APISecret),
		Timeout:   c.Authority.Timeout,
	}
}

type envLoader struct {
	prefix string
	errs   []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	name := l.prefix + key
	val, ok := os.LookupEnv(name)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", name))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s%s must be a valid integer", l.prefix, key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s%s must be a valid number", l.prefix, key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s%s must be a valid boolean", l.prefix, key))
		return def
	}
	return parsed
}

// getDuration accepts Go duration strings or a bare integer of seconds.
func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		l.addError(fmt.Sprintf("%s%s must be a valid duration", l.prefix, key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s%s must contain at least one entry", l.prefix, key))
	}
	return out
}

// getKey reads key material given as "base64:<std encoding>" or raw text.
func (l *envLoader) getKey(key string, required bool) []byte {
	val, ok := l.lookup(key, required)
	if !ok {
		return nil
	}
	out := []byte(val)
	if enc, found := strings.CutPrefix(val, "base64:"); found {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			l.addError(fmt.Sprintf("%s%s is not valid base64", l.prefix, key))
			return nil
		}
		out = raw
	}
	if len(out) < 16 {
		l.addError(fmt.Sprintf("%s%s must be at least 16 bytes", l.prefix, key))
		return nil
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
