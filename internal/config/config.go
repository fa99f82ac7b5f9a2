package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "internal/config/config.yaml"

// Config top-level struct
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Auth         AuthConfig         `yaml:"auth"`
	Verification VerificationConfig `yaml:"verification"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Mail         MailConfig         `yaml:"mail"`
}

type ServerConfig struct {
	Port       int `yaml:"port"`
	HealthPort int `yaml:"health_port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig selects the gorm dialector. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig is optional; an empty Addr disables redis-backed features.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	JWTTTL     time.Duration `yaml:"jwt_ttl"`
	Issuer     string        `yaml:"issuer"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

type VerificationConfig struct {
	TokenTTL    time.Duration `yaml:"token_ttl"`
	LinkBaseURL string        `yaml:"link_base_url"`
	RedirectURL string        `yaml:"redirect_url"`
}

// OutboxConfig drives the dispatcher loop.
type OutboxConfig struct {
	// Embedded runs the dispatcher inside the API server process.
	Embedded      bool          `yaml:"embedded"`
	BatchSize     int           `yaml:"batch_size"`
	IdleInterval  time.Duration `yaml:"idle_interval"`
	ErrorBackoff  time.Duration `yaml:"error_backoff"`
	MaxRetries    int           `yaml:"max_retries"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// MailConfig.Transport is "kafka" or "log".
type MailConfig struct {
	Transport string `yaml:"transport"`
	From      string `yaml:"from"`
}

// Default returns the built-in settings every file is layered on.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080, HealthPort: 8081},
		Log:       LogConfig{Level: "info"},
		Database:  DatabaseConfig{Driver: "postgres"},
		Kafka:     KafkaConfig{Topic: "notifications.email"},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Auth: AuthConfig{
			JWTTTL:     12 * time.Hour,
			Issuer:     "firm-records",
			BcryptCost: 12,
		},
		Verification: VerificationConfig{TokenTTL: 24 * time.Hour},
		Outbox: OutboxConfig{
			Embedded:      true,
			BatchSize:     10,
			IdleInterval:  10 * time.Second,
			ErrorBackoff:  30 * time.Second,
			MaxRetries:    10,
			PruneInterval: time.Hour,
			LockTTL:       time.Minute,
			StaleAfter:    2 * time.Minute,
		},
		Mail: MailConfig{Transport: "log"},
	}
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml on top of Default, applies env overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" && cfg.Database.Driver == "postgres" {
		cfg.Database.DSN = cfg.Database.DSN + " password=" + pw
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PathFromEnv returns CONFIG_PATH or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	if c.Verification.TokenTTL <= 0 {
		errs = append(errs, errors.New("verification.token_ttl must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.IdleInterval <= 0 || c.Outbox.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("outbox intervals must be positive"))
	}
	if c.Outbox.MaxRetries < 0 {
		errs = append(errs, errors.New("outbox.max_retries cannot be negative"))
	}
	switch c.Mail.Transport {
	case "log":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers required for mail.transport=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("mail.transport %q not supported", c.Mail.Transport))
	}
	return errors.Join(errs...)
}
