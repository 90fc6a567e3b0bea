package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	PresenceRedis  = "redis"
	PresenceMemory = "memory"
)

type Config struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPath     string // sqlite file, only used with DB_DRIVER=sqlite

	RedisURL string

	// Presence tuning
	PresenceBackend       string
	PresenceTimeout       time.Duration
	PresenceSweepInterval time.Duration
	StoreTimeout          time.Duration

	// Lock lease granted on acquire and refresh
	LockLease time.Duration

	SecretKey      string
	TokenTTL       time.Duration
	AllowedOrigins []string

	ServerPort string
	ServerHost string

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
	LogLevel       string
	LogFormat      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBDriver:   getEnv("DB_DRIVER", DriverPostgres),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "labelflow"),
		DBPassword: getEnv("DB_PASSWORD", "changeme"),
		DBName:     getEnv("DB_NAME", "labelflow"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBPath:     getEnv("DB_PATH", "labelflow.db"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		PresenceBackend:       getEnv("PRESENCE_BACKEND", PresenceRedis),
		PresenceTimeout:       getEnvDuration("PRESENCE_TIMEOUT", 30*time.Second),
		PresenceSweepInterval: getEnvDuration("PRESENCE_SWEEP_INTERVAL", 10*time.Second),
		StoreTimeout:          getEnvDuration("STORE_TIMEOUT", 3*time.Second),

		LockLease: getEnvDuration("LOCK_LEASE", 30*time.Minute),

		SecretKey:      getEnv("SECRET_KEY", ""),
		TokenTTL:       getEnvDuration("ACCESS_TOKEN_TTL", 24*time.Hour),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		ServerPort: getEnv("SERVER_PORT", "8000"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.PresenceBackend {
	case PresenceRedis, PresenceMemory:
	default:
		return fmt.Errorf("unsupported PRESENCE_BACKEND %q", c.PresenceBackend)
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("PRESENCE_TIMEOUT must be positive")
	}
	if c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("PRESENCE_SWEEP_INTERVAL must be positive")
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("LOCK_LEASE must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return defaultValue
	}
}

// getEnvDuration accepts Go duration strings ("45s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n := getEnvInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
