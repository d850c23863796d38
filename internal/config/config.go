package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all runtime options for the gateway. Values load from an
// optional YAML file and are then overridden by environment variables, so a
// containerized deployment can run with env-only configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	OTP        OTPConfig        `yaml:"otp"`
	Session    SessionConfig    `yaml:"session"`
	Escalation EscalationConfig `yaml:"escalation"`
	Media      MediaConfig      `yaml:"media"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Redis      RedisConfig      `yaml:"redis"`
	Audit      AuditConfig      `yaml:"audit"`
	OCR        OCRConfig        `yaml:"ocr"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	Env                string `yaml:"env"`
	EventBudgetSeconds int    `yaml:"event_budget_seconds"`
	// InternalAPIToken gates the vendor/merchant endpoints. Empty disables
	// them entirely.
	InternalAPIToken string `yaml:"internal_api_token"`
}

type WebhookConfig struct {
	VerifyToken string `yaml:"verify_token"`
	// DefaultTenantID resolves unbound channels; single-tenant/dev only.
	DefaultTenantID string `yaml:"default_tenant_id"`
	// Per-platform app secrets keying inbound signature verification.
	WhatsAppAppSecret  string `yaml:"whatsapp_app_secret"`
	InstagramAppSecret string `yaml:"instagram_app_secret"`
}

type OTPConfig struct {
	TTLSeconds     int  `yaml:"ttl_seconds"`
	DebugExposeOTP bool `yaml:"debug_expose_otp"`
}

type SessionConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type EscalationConfig struct {
	// HighValueThreshold is in minor currency units.
	HighValueThreshold int64         `yaml:"high_value_threshold"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	PendingTTL         time.Duration `yaml:"pending_ttl"`
	OCRMinConfidence   float64       `yaml:"ocr_min_confidence"`
}

type MediaConfig struct {
	MaxBytes int64  `yaml:"max_bytes"`
	Bucket   string `yaml:"bucket"`
}

type OutboundConfig struct {
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	PerTenantInFlight  int64         `yaml:"per_tenant_in_flight"`
	WhatsAppAPIBaseURL string        `yaml:"whatsapp_api_base_url"`
	InstagramAPIBaseURL string       `yaml:"instagram_api_base_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type OCRConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Load reads the YAML file at path (if it exists), applies defaults, then
// applies environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			Env:                "development",
			EventBudgetSeconds: 20,
		},
		OTP: OTPConfig{
			TTLSeconds: 300,
		},
		Session: SessionConfig{
			TTLSeconds: 1800,
		},
		Escalation: EscalationConfig{
			HighValueThreshold: 1_000_000,
			SweepInterval:      5 * time.Minute,
			PendingTTL:         24 * time.Hour,
			OCRMinConfidence:   0.60,
		},
		Media: MediaConfig{
			MaxBytes: 10 * 1024 * 1024,
			Bucket:   "receipts",
		},
		Outbound: OutboundConfig{
			AttemptTimeout:      10 * time.Second,
			MaxAttempts:         3,
			BackoffBase:         500 * time.Millisecond,
			BackoffCap:          8 * time.Second,
			PerTenantInFlight:   16,
			WhatsAppAPIBaseURL:  "https://graph.facebook.com/v19.0",
			InstagramAPIBaseURL: "https://graph.facebook.com/v19.0",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v, ok := envInt("EVENT_BUDGET_SECONDS"); ok {
		cfg.Server.EventBudgetSeconds = v
	}
	if v := os.Getenv("INTERNAL_API_TOKEN"); v != "" {
		cfg.Server.InternalAPIToken = v
	}
	if v := os.Getenv("WEBHOOK_VERIFY_TOKEN"); v != "" {
		cfg.Webhook.VerifyToken = v
	}
	if v := os.Getenv("DEFAULT_TENANT_ID"); v != "" {
		cfg.Webhook.DefaultTenantID = v
	}
	if v := os.Getenv("WHATSAPP_APP_SECRET"); v != "" {
		cfg.Webhook.WhatsAppAppSecret = v
	}
	if v := os.Getenv("INSTAGRAM_APP_SECRET"); v != "" {
		cfg.Webhook.InstagramAppSecret = v
	}
	if v, ok := envInt("OTP_TTL_SECONDS"); ok {
		cfg.OTP.TTLSeconds = v
	}
	if v := os.Getenv("DEBUG_EXPOSE_OTP"); v != "" {
		cfg.OTP.DebugExposeOTP = v == "true" || v == "1"
	}
	if v, ok := envInt("SESSION_TTL_SECONDS"); ok {
		cfg.Session.TTLSeconds = v
	}
	if v, ok := envInt64("HIGH_VALUE_THRESHOLD"); ok {
		cfg.Escalation.HighValueThreshold = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AUDIT_POSTGRES_DSN"); v != "" {
		cfg.Audit.PostgresDSN = v
	}
	if v := os.Getenv("OCR_PROJECT_ID"); v != "" {
		cfg.OCR.ProjectID = v
		cfg.OCR.Enabled = true
	}
	if v := os.Getenv("OCR_TOPIC_ID"); v != "" {
		cfg.OCR.TopicID = v
	}
	if v := os.Getenv("RECEIPTS_BUCKET"); v != "" {
		cfg.Media.Bucket = v
	}
}

// Validate enforces hard limits on the loaded configuration.
func (c *Config) Validate() error {
	if c.OTP.TTLSeconds <= 0 || c.OTP.TTLSeconds > 900 {
		return fmt.Errorf("otp ttl_seconds must be in (0, 900], got %d", c.OTP.TTLSeconds)
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session ttl_seconds must be positive, got %d", c.Session.TTLSeconds)
	}
	if c.Server.EventBudgetSeconds <= 0 {
		return fmt.Errorf("event_budget_seconds must be positive, got %d", c.Server.EventBudgetSeconds)
	}
	if c.OTP.DebugExposeOTP && c.Server.Env == "production" {
		return fmt.Errorf("DEBUG_EXPOSE_OTP must not be set in production")
	}
	return nil
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// EventBudget returns the total handler budget as a duration.
func (c *Config) EventBudget() time.Duration {
	return time.Duration(c.Server.EventBudgetSeconds) * time.Second
}

// OTPTTL returns the OTP lifetime as a duration.
func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTP.TTLSeconds) * time.Second
}

// SessionTTL returns the conversation state lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
