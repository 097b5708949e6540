package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	// HTTP Server
	Port string `toml:"port"`

	// Backend selection
	DataBackend string `toml:"data_backend"`
	// Database
	SQLiteDBPath string `toml:"sqlite_db_path"`
	// Memory backend seed directory (accounts.toml)
	DataDir string `toml:"data_dir"`

	// AMQP
	AMQPURL      string `toml:"amqp_url"`
	AMQPExchange string `toml:"amqp_exchange"`
	AMQPQueue    string `toml:"amqp_queue"`

	// Auth
	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`

	// Rate limiting
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`

	// Account directory cache
	AccountCacheSize int           `toml:"account_cache_size"`
	AccountCacheTTL  time.Duration `toml:"-"`
	AccountCacheTTLS string        `toml:"account_cache_ttl"`

	// Ledger behaviour
	PromoteOnHeadDelete bool   `toml:"promote_on_head_delete"`
	DefaultTimezone     string `toml:"default_timezone"`

	LogLevel string `toml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:                "8081",
		DataBackend:         "memory",
		SQLiteDBPath:        "./data/fintrack.db",
		DataDir:             "data",
		AMQPExchange:        "fintrack",
		RateLimitPerMinute:  120,
		AccountCacheSize:    256,
		AccountCacheTTL:     time.Minute,
		PromoteOnHeadDelete: true,
		DefaultTimezone:     "UTC",
		LogLevel:            "info",
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile overlays the values present in a TOML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if c.AccountCacheTTLS != "" {
		d, err := time.ParseDuration(c.AccountCacheTTLS)
		if err != nil {
			return fmt.Errorf("parse config file %s: account_cache_ttl: %w", path, err)
		}
		c.AccountCacheTTL = d
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.DataBackend = getEnv("DATA_BACKEND", c.DataBackend)
	c.SQLiteDBPath = getEnv("SQLITE_DB_PATH", c.SQLiteDBPath)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)

	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)
	c.AMQPQueue = getEnv("AMQP_QUEUE", c.AMQPQueue)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)

	c.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.AccountCacheSize = getEnvInt("ACCOUNT_CACHE_SIZE", c.AccountCacheSize)
	c.AccountCacheTTL = getEnvDuration("ACCOUNT_CACHE_TTL", c.AccountCacheTTL)

	c.PromoteOnHeadDelete = getEnvBool("PROMOTE_ON_HEAD_DELETE", c.PromoteOnHeadDelete)
	c.DefaultTimezone = getEnv("DEFAULT_TIMEZONE", c.DefaultTimezone)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Location returns the configured default timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// AMQP is optional; when set it needs a valid URL and an exchange
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.JWTSecret == "" {
		errors = append(errors, "JWT secret is required")
	} else if len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT secret must be at least 32 bytes")
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}

	if c.AccountCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid account cache size %d: must be at least 1", c.AccountCacheSize))
	}
	if c.AccountCacheTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid account cache TTL %v: must be at least 1 second", c.AccountCacheTTL))
	} else if c.AccountCacheTTL > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid account cache TTL %v: must be at most 24 hours", c.AccountCacheTTL))
	}

	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil || c.DefaultTimezone == "" {
		errors = append(errors, fmt.Sprintf("invalid default timezone '%s'", c.DefaultTimezone))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
