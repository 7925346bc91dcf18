package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds all application configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Webhook       WebhookConfig
	JobRunner     JobRunnerConfig
	RateLimit     RateLimitConfig
	Redis         RedisConfig
	Search        SearchConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins feeds the CORS middleware. Empty disables CORS headers.
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies, webhooks included.
	MaxBodyBytes int64
	// TrustProxyHeaders takes the client address from forwarding headers.
	TrustProxyHeaders bool
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database configuration. URL wins over the parts.
type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns a connection string for pgx.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Database,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// AuthConfig describes the bearer tokens issued by the hosted auth backend.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// WebhookConfig holds the shared secret the job runner signs callbacks with.
type WebhookConfig struct {
	Secret string
}

// JobRunnerConfig configures the scraping job runner client.
type JobRunnerConfig struct {
	BaseURL     string
	Token       string
	ActorID     string
	CallbackURL string
	Timeout     time.Duration
	MaxRetries  int
	MaxElapsed  time.Duration
}

// RateLimitConfig holds the global token bucket and the fixed windows on
// tenant bootstrap and search triggers.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	AuthWindow        time.Duration
	AuthMax           int
	SearchWindow      time.Duration
	SearchMax         int
	SweepInterval     time.Duration
	// WebhookPerMinute caps webhook and progress callbacks per client IP.
	WebhookPerMinute  int
}

// RedisConfig enables the shared rate limit store when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SearchConfig controls the stale session sweeper.
type SearchConfig struct {
	StaleAfter time.Duration
	SweepBatch int
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	OTELEndpoint   string
	SamplingRate   float64
	MetricsEnabled bool
	MetricsPrefix  string
	ServiceName    string
	ServiceVersion string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment take precedence over .env.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a Config from the environment without validating it.
func FromEnv() *Config {
	return &Config{
		Environment: strings.ToLower(getEnv("APP_ENV", EnvDevelopment)),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
			AllowedOrigins:  parseList("SERVER_ALLOWED_ORIGINS"),
			MaxBodyBytes:    int64(parseInt("SERVER_MAX_BODY_BYTES", 10<<20)),

			TrustProxyHeaders: parseBool("SERVER_TRUST_PROXY_HEADERS", false),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "opencrm"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "opencrm"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_JWT_ISSUER", ""),
			Audience:  getEnv("AUTH_JWT_AUDIENCE", ""),
			Leeway:    parseDuration("AUTH_JWT_LEEWAY", "30s"),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
		JobRunner: JobRunnerConfig{
			BaseURL:     getEnv("JOB_RUNNER_BASE_URL", "https://api.apify.com"),
			Token:       getEnv("JOB_RUNNER_TOKEN", ""),
			ActorID:     getEnv("JOB_RUNNER_ACTOR_ID", ""),
			CallbackURL: getEnv("JOB_RUNNER_CALLBACK_URL", ""),
			Timeout:     parseDuration("JOB_RUNNER_TIMEOUT", "30s"),
			MaxRetries:  parseInt("JOB_RUNNER_MAX_RETRIES", 3),
			MaxElapsed:  parseDuration("JOB_RUNNER_MAX_ELAPSED", "1m"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
			AuthWindow:        parseDuration("RATELIMIT_AUTH_WINDOW", "1m"),
			AuthMax:           parseInt("RATELIMIT_AUTH_MAX", 10),
			SearchWindow:      parseDuration("RATELIMIT_SEARCH_WINDOW", "1h"),
			SearchMax:         parseInt("RATELIMIT_SEARCH_MAX", 20),
			SweepInterval:     parseDuration("RATELIMIT_SWEEP_INTERVAL", "1m"),
			WebhookPerMinute:  parseInt("RATELIMIT_WEBHOOK_PER_MINUTE", 120),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       parseInt("REDIS_DB", 0),
		},
		Search: SearchConfig{
			StaleAfter: parseDuration("SEARCH_STALE_AFTER", "30m"),
			SweepBatch: parseInt("SEARCH_SWEEP_BATCH", 500),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			OTELEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SamplingRate:   parseFloat("OTEL_SAMPLING_RATE", 1),
			MetricsEnabled: parseBool("METRICS_ENABLED", true),
			MetricsPrefix:  getEnv("METRICS_PREFIX", "opencrm"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "opencrm"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
	}
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" && c.Database.Password == "" {
		errs = append(errs, errors.New("DATABASE_URL or DB_PASSWORD is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.IsProduction() && c.Webhook.Secret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required in production"))
	}
	if c.RateLimit.AuthMax <= 0 || c.RateLimit.SearchMax <= 0 {
		errs = append(errs, errors.New("rate limit maxima must be positive"))
	}
	if c.JobRunner.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.JobRunner.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("JOB_RUNNER_BASE_URL: %w", err))
		}
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV %q is not one of development, production, test", c.Environment))
	}
	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
