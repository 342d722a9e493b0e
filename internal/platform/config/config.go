// Package config loads service configuration from the environment with an
// optional YAML overlay (DOCSEAL_CONFIG). Environment variables win over the
// file so deployments can patch single values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
	Keys     Keys           `yaml:"keys"`
	Anchor   Anchor         `yaml:"anchor"`
	Features SecurityConfig `yaml:"features"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Limits   RateLimit      `yaml:"rate_limit"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string        `yaml:"addr"`
	Issuer         string        `yaml:"issuer"`
	JWTSigningKey  string        `yaml:"jwt_signing_key"`
	JWTAudience    string        `yaml:"jwt_audience"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Keys points at PEM/base64 material loaded by key custody.
type Keys struct {
	SigningKeyPath     string `yaml:"signing_key_path"`
	SigningKeyID       string `yaml:"signing_key_id"`
	RecipientKeyPath   string `yaml:"recipient_key_path"`
	BiometricKeyPath   string `yaml:"biometric_key_path"`
	TrustedIssuersPath string `yaml:"trusted_issuers_path"`
}

type Anchor struct {
	Backend          string        `yaml:"backend"` // memory, http, redis, postgres, badger
	Timeout          time.Duration `yaml:"timeout"`
	URL              string        `yaml:"url"`
	Stream           string        `yaml:"stream"`
	BadgerPath       string        `yaml:"badger_path"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	ReconcileBuffer  int           `yaml:"reconcile_buffer"`
	ReconcileEvery   time.Duration `yaml:"reconcile_every"`
}

// SecurityConfig holds the default feature toggles applied to requests that
// do not specify their own.
type SecurityConfig struct {
	Watermark  bool `yaml:"watermark"`
	Hologram   bool `yaml:"hologram"`
	Microprint bool `yaml:"microprint"`
	UVFeatures bool `yaml:"uv_features"`
	RFIDChip   bool `yaml:"rfid_chip"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RateLimit throttles the public verification endpoints per client IP.
// Windows live in Redis when REDIS_URL is set.
type RateLimit struct {
	Enabled     bool          `yaml:"enabled"`
	VerifyLimit int           `yaml:"verify_limit"`
	Window      time.Duration `yaml:"window"`
}

// Defaults returns a config suitable for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:           ":8080",
			Issuer:         "DHA",
			JWTSigningKey:  "dev-secret-key-change-in-production",
			JWTAudience:    "docseal",
			RequestTimeout: 30 * time.Second,
			TokenTTL:       24 * time.Hour,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Keys:    Keys{SigningKeyID: "issuer-1"},
		Anchor: Anchor{
			Backend:          "memory",
			Timeout:          2 * time.Second,
			Stream:           "docseal:anchors",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         30 * time.Second,
			ReconcileBuffer:  1024,
			ReconcileEvery:   time.Minute,
		},
		Features: SecurityConfig{Watermark: true, Hologram: true, Microprint: true, UVFeatures: true, RFIDChip: true},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka:  KafkaConfig{Topic: "docseal.audit"},
		Limits: RateLimit{Enabled: true, VerifyLimit: 120, Window: time.Minute},
	}
}

// Load reads the optional YAML file named by DOCSEAL_CONFIG, then applies
// environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("DOCSEAL_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromEnv is Load without the file overlay.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("DOCSEAL_ADDR", &c.Server.Addr)
	str("DOCSEAL_ISSUER", &c.Server.Issuer)
	str("JWT_SIGNING_KEY", &c.Server.JWTSigningKey)
	str("DOCSEAL_JWT_AUDIENCE", &c.Server.JWTAudience)
	dur("DOCSEAL_REQUEST_TIMEOUT", &c.Server.RequestTimeout)
	dur("DOCSEAL_TOKEN_TTL", &c.Server.TokenTTL)

	str("DOCSEAL_LOG_LEVEL", &c.Logging.Level)
	str("DOCSEAL_LOG_FORMAT", &c.Logging.Format)

	str("DOCSEAL_SIGNING_KEY", &c.Keys.SigningKeyPath)
	str("DOCSEAL_SIGNING_KEY_ID", &c.Keys.SigningKeyID)
	str("DOCSEAL_RECIPIENT_KEY", &c.Keys.RecipientKeyPath)
	str("DOCSEAL_BIOMETRIC_KEY", &c.Keys.BiometricKeyPath)
	str("DOCSEAL_TRUSTED_ISSUERS", &c.Keys.TrustedIssuersPath)

	str("DOCSEAL_ANCHOR_BACKEND", &c.Anchor.Backend)
	dur("DOCSEAL_ANCHOR_TIMEOUT", &c.Anchor.Timeout)
	str("DOCSEAL_ANCHOR_URL", &c.Anchor.URL)
	str("DOCSEAL_ANCHOR_STREAM", &c.Anchor.Stream)
	str("DOCSEAL_ANCHOR_BADGER_PATH", &c.Anchor.BadgerPath)
	num("DOCSEAL_ANCHOR_FAILURE_THRESHOLD", &c.Anchor.FailureThreshold)
	num("DOCSEAL_ANCHOR_SUCCESS_THRESHOLD", &c.Anchor.SuccessThreshold)
	dur("DOCSEAL_ANCHOR_COOLDOWN", &c.Anchor.Cooldown)
	dur("DOCSEAL_ANCHOR_RECONCILE_EVERY", &c.Anchor.ReconcileEvery)

	flag("DOCSEAL_FEATURE_WATERMARK", &c.Features.Watermark)
	flag("DOCSEAL_FEATURE_HOLOGRAM", &c.Features.Hologram)
	flag("DOCSEAL_FEATURE_MICROPRINT", &c.Features.Microprint)
	flag("DOCSEAL_FEATURE_UV", &c.Features.UVFeatures)
	flag("DOCSEAL_FEATURE_RFID", &c.Features.RFIDChip)

	str("REDIS_URL", &c.Redis.URL)
	str("DATABASE_URL", &c.Postgres.DSN)
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	str("DOCSEAL_AUDIT_TOPIC", &c.Kafka.Topic)

	flag("DOCSEAL_RATE_LIMIT_ENABLED", &c.Limits.Enabled)
	num("DOCSEAL_RATE_LIMIT_VERIFY", &c.Limits.VerifyLimit)
	dur("DOCSEAL_RATE_LIMIT_WINDOW", &c.Limits.Window)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Anchor.Backend {
	case "memory", "badger":
	case "http":
		if c.Anchor.URL == "" {
			return fmt.Errorf("anchor backend http requires DOCSEAL_ANCHOR_URL")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("anchor backend redis requires REDIS_URL")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("anchor backend postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown anchor backend %q", c.Anchor.Backend)
	}
	if c.Anchor.Timeout <= 0 {
		return fmt.Errorf("anchor timeout must be positive")
	}
	if c.Limits.Enabled && (c.Limits.VerifyLimit <= 0 || c.Limits.Window <= 0) {
		return fmt.Errorf("rate limit requires a positive limit and window")
	}
	if c.Server.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	return nil
}

func splitList(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}
