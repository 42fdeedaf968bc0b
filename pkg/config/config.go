package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/akikaku/akikaku-engine/pkg/crypto"
)

// Config holds all configuration for akikaku-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, tokens, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3500"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server and pipelines.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Portal    PortalConfig    `yaml:"portal"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Session   SessionConfig   `yaml:"session"`
	Checker   CheckerConfig   `yaml:"checker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Notify    NotifyConfig    `yaml:"notify"`

	// Key used to decrypt channel passwords that carry the "enc:" prefix.
	// Either a base64 32-byte key (openssl rand -base64 32) or a passphrase.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"akikaku"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"akikaku_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"0"` // 0 sizes the pool from pipeline.max_concurrent
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// RedisConfig holds Redis configuration. Redis is optional; an empty host
// disables the distributed refresh lock.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// AMQPConfig configures the optional check.completed event publisher.
type AMQPConfig struct {
	URL      string `yaml:"-" env:"AMQP_URL"` // Contains credentials - env only
	Exchange string `yaml:"exchange" env:"AMQP_EXCHANGE" env-default:"akikaku.events"`
}

// PortalConfig controls fetching of public listing pages.
type PortalConfig struct {
	UserAgent      string        `yaml:"user_agent" env:"PORTAL_USER_AGENT" env-default:"Mozilla/5.0 (compatible; akikaku-engine)"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"PORTAL_REQUEST_TIMEOUT" env-default:"20s"`
	MaxRetries     int           `yaml:"max_retries" env:"PORTAL_MAX_RETRIES" env-default:"2"`
	RatePerSecond  float64       `yaml:"rate_per_second" env:"PORTAL_RATE_PER_SECOND" env-default:"1"`
	Burst          int           `yaml:"burst" env:"PORTAL_BURST" env-default:"2"`
}

// ChannelCredentials holds login settings for one channel portal.
type ChannelCredentials struct {
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"-" env:"PASSWORD"` // Secret - may carry the "enc:" prefix
}

// Configured reports whether both halves of the login are present.
func (c ChannelCredentials) Configured() bool {
	return c.Username != "" && c.Password != ""
}

// ChannelsConfig holds credentials for every supported channel.
type ChannelsConfig struct {
	Itanji   ChannelCredentials `yaml:"itanji" env-prefix:"ITANJI_"`
	Ierabu   ChannelCredentials `yaml:"ierabu" env-prefix:"IERABU_"`
	ESSquare ChannelCredentials `yaml:"es_square" env-prefix:"ES_SQUARE_"`
}

// Lookup returns the credentials for a channel by its identifier.
func (c *ChannelsConfig) Lookup(channel string) (ChannelCredentials, bool) {
	switch channel {
	case "itanji":
		return c.Itanji, true
	case "ierabu":
		return c.Ierabu, true
	case "es_square":
		return c.ESSquare, true
	default:
		return ChannelCredentials{}, false
	}
}

func (c *ChannelsConfig) all() []*ChannelCredentials {
	return []*ChannelCredentials{&c.Itanji, &c.Ierabu, &c.ESSquare}
}

// SessionConfig controls the channel session manager.
type SessionConfig struct {
	AcquireTimeout    time.Duration `yaml:"acquire_timeout" env:"SESSION_ACQUIRE_TIMEOUT" env-default:"30s"`
	MaxConcurrentUses int64         `yaml:"max_concurrent_uses" env:"SESSION_MAX_CONCURRENT_USES" env-default:"1"`
	MaxReauthFailures int           `yaml:"max_reauth_failures" env:"SESSION_MAX_REAUTH_FAILURES" env-default:"3"`
	LoginTimeout      time.Duration `yaml:"login_timeout" env:"SESSION_LOGIN_TIMEOUT" env-default:"60s"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout" env:"SESSION_PROBE_TIMEOUT" env-default:"20s"`
}

// CheckerConfig controls vacancy queries against channel portals.
type CheckerConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"CHECKER_MAX_RETRIES" env-default:"2"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"CHECKER_ATTEMPT_TIMEOUT" env-default:"45s"`
	RatePerSecond  float64       `yaml:"rate_per_second" env:"CHECKER_RATE_PER_SECOND" env-default:"0.5"`
}

// PipelineConfig controls the background check runner.
type PipelineConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" env:"PIPELINE_MAX_CONCURRENT" env-default:"8"`
	Timeout       time.Duration `yaml:"timeout" env:"PIPELINE_TIMEOUT" env-default:"5m"`
}

// SchedulerConfig holds cron specs for periodic jobs.
type SchedulerConfig struct {
	Timezone      string        `yaml:"timezone" env:"SCHEDULER_TIMEZONE" env-default:"Asia/Tokyo"`
	RefreshSpec   string        `yaml:"refresh_spec" env:"SCHEDULER_REFRESH_SPEC" env-default:"0 0,12 * * *"`
	HeartbeatSpec string        `yaml:"heartbeat_spec" env:"SCHEDULER_HEARTBEAT_SPEC" env-default:"@every 5m"`
	LockTTL       time.Duration `yaml:"lock_ttl" env:"SCHEDULER_LOCK_TTL" env-default:"35m"`
}

// DatasetConfig locates the property dataset and the crawler that refreshes it.
type DatasetConfig struct {
	Path         string        `yaml:"path" env:"DATASET_PATH" env-default:"./data/properties.json"`
	CrawlCommand string        `yaml:"crawl_command" env:"DATASET_CRAWL_COMMAND" env-default:""` // Empty means reload the file only
	CrawlTimeout time.Duration `yaml:"crawl_timeout" env:"DATASET_CRAWL_TIMEOUT" env-default:"30m"`
}

// MatcherConfig tunes property matching.
type MatcherConfig struct {
	Threshold         float64 `yaml:"threshold" env:"MATCHER_THRESHOLD" env-default:"0.72"`
	AbbreviationsFile string  `yaml:"abbreviations_file" env:"MATCHER_ABBREVIATIONS_FILE" env-default:""`
}

// NotifyConfig holds completion notification targets. All optional.
type NotifyConfig struct {
	SlackWebhookURL  string        `yaml:"-" env:"SLACK_WEBHOOK_URL"`         // Secret - not in YAML
	LineChannelToken string        `yaml:"-" env:"LINE_CHANNEL_ACCESS_TOKEN"` // Secret - not in YAML
	LineTo           string        `yaml:"line_to" env:"LINE_TO" env-default:""`
	Timeout          time.Duration `yaml:"timeout" env:"NOTIFY_TIMEOUT" env-default:"10s"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Environment variables override YAML values. Secrets must come from environment
// variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.decryptChannelPasswords(); err != nil {
		return nil, fmt.Errorf("failed to decrypt channel credentials: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

// MaxRetries caps the retries allowed after a first attempt at any external call.
const MaxRetries = 2

func (c *Config) validate() error {
	if c.Matcher.Threshold <= 0 || c.Matcher.Threshold > 1 {
		return fmt.Errorf("matcher.threshold must be in (0, 1], got %v", c.Matcher.Threshold)
	}
	if c.Session.MaxConcurrentUses < 1 {
		return fmt.Errorf("session.max_concurrent_uses must be at least 1")
	}
	if c.Session.MaxReauthFailures < 1 {
		return fmt.Errorf("session.max_reauth_failures must be at least 1")
	}
	if c.Portal.MaxRetries < 0 || c.Portal.MaxRetries > MaxRetries {
		return fmt.Errorf("portal.max_retries must be between 0 and %d, got %d", MaxRetries, c.Portal.MaxRetries)
	}
	if c.Checker.MaxRetries < 0 || c.Checker.MaxRetries > MaxRetries {
		return fmt.Errorf("checker.max_retries must be between 0 and %d, got %d", MaxRetries, c.Checker.MaxRetries)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// decryptChannelPasswords replaces "enc:"-prefixed passwords with plaintext.
// The key is only required when at least one password is encrypted.
func (c *Config) decryptChannelPasswords() error {
	var encryptor *crypto.CredentialEncryptor
	for _, creds := range c.Channels.all() {
		if !crypto.IsSealed(creds.Password) {
			continue
		}
		if encryptor == nil {
			enc, err := crypto.NewCredentialEncryptor(c.CredentialsKey)
			if err != nil {
				return fmt.Errorf("CREDENTIALS_KEY: %w", err)
			}
			encryptor = enc
		}
		plain, err := encryptor.Open(creds.Password)
		if err != nil {
			return err
		}
		creds.Password = plain
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns host:port for the Redis client, or "" when Redis is disabled.
func (c *RedisConfig) Addr() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}

// Location returns the scheduler time zone. Load has already validated it.
func (c *SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
