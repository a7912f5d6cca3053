package config

import (
	"fmt"
	"time"

	"github.com/utafrali/identity/internal/auth"
	pkgconfig "github.com/utafrali/identity/pkg/config"
	"github.com/utafrali/identity/pkg/database"
)

const (
	// EnvDevelopment is the only environment that may run without a JWT
	// secret.
	EnvDevelopment = "development"

	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	minSecretLength = 32
)

// Config holds all configuration for the identity service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"5000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Storage
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`

	// PostgreSQL
	PostgresHost         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser         string        `env:"POSTGRES_USER" envDefault:"identity"`
	PostgresPass         string        `env:"POSTGRES_PASSWORD" envDefault:"identity_secret"`
	PostgresDB           string        `env:"POSTGRES_DB" envDefault:"identity_db"`
	PostgresSSL          string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns           int32         `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetime    time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	SlowQueryThresholdMS int           `env:"SLOW_QUERY_THRESHOLD_MS" envDefault:"200"`

	// Redis (OAuth state). Empty host keeps state in process.
	RedisHost     string `env:"REDIS_HOST"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	EventsEnabled bool     `env:"EVENTS_ENABLED" envDefault:"false"`

	// Credentials
	JWTSecret          string `env:"JWT_SECRET"`
	HashMaxConcurrency int    `env:"HASH_MAX_CONCURRENCY" envDefault:"0"`

	// Browser-facing
	FrontendURL        string   `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	// OAuth providers. A provider without a client id is disabled.
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string        `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:5000/api/auth/google/callback"`
	GitHubClientID     string        `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string        `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string        `env:"GITHUB_REDIRECT_URL" envDefault:"http://localhost:5000/api/auth/github/callback"`
	OAuthStateTTL      time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`

	// Rate limiting on credential endpoints
	AuthRateLimitRPS   float64 `env:"AUTH_RATE_LIMIT_RPS" envDefault:"5"`
	AuthRateLimitBurst int     `env:"AUTH_RATE_LIMIT_BURST" envDefault:"10"`
	TrustProxy         bool    `env:"TRUST_PROXY" envDefault:"false"`

	// Tracing
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	UserDirectoryEnabled bool `env:"USER_DIRECTORY_ENABLED" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load identity config: %w", err)
	}
	return finish(cfg)
}

// LoadFrom reads configuration from vars instead of the environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadFrom(cfg, vars); err != nil {
		return nil, fmt.Errorf("load identity config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = auth.DevelopmentSigningKey
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q: want %q or %q", c.StorageDriver, StorageDriverPostgres, StorageDriverMemory)
	}

	// Outside development, require an explicitly set, strong JWT secret.
	if c.Environment != EnvDevelopment {
		if c.JWTSecret == "" || c.JWTSecret == auth.DevelopmentSigningKey {
			return fmt.Errorf("JWT_SECRET must be explicitly set via environment variable in %q mode", c.Environment)
		}
		if len(c.JWTSecret) < minSecretLength {
			return fmt.Errorf("JWT_SECRET must be at least %d characters long, got %d", minSecretLength, len(c.JWTSecret))
		}
	}

	if c.AuthRateLimitRPS <= 0 || c.AuthRateLimitBurst < 1 {
		return fmt.Errorf("auth rate limit must be positive, got rps=%v burst=%d", c.AuthRateLimitRPS, c.AuthRateLimitBurst)
	}
	if c.OAuthStateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL must be positive, got %s", c.OAuthStateTTL)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %v", c.OTELSampleRate)
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// Postgres returns the pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: c.DBMaxConnLifetime,
		MaxConnIdleTime: c.DBMaxConnIdleTime,
	}
}

// SlowQueryThreshold is the duration above which queries are logged.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMS) * time.Millisecond
}

// Redis returns the Redis client configuration.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}
