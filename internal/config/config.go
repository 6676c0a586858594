// Package config provides configuration loading from a YAML file,
// environment variables, and command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the proxy server.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// API settings
	APIKey string

	// Account store
	AccountsPath string
	// RedisURL enables Redis persistence instead of the accounts file when
	// non-empty, e.g. "localhost:6379".
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Dispatcher settings
	MaxRetries         int
	DefaultCooldown    time.Duration
	MaxWaitBeforeError time.Duration
	FallbackEnabled    bool

	// Auth settings
	TokenTTL         time.Duration
	DefaultProjectID string

	// Logging
	LogLevel string
	LogJSON  bool
}

// fileConfig is the optional YAML config file shape. Only the fields people
// actually want in a file; secrets stay in the environment.
type fileConfig struct {
	Port               int    `yaml:"port"`
	Host               string `yaml:"host"`
	AccountsPath       string `yaml:"accountsPath"`
	RedisURL           string `yaml:"redisUrl"`
	MaxRetries         int    `yaml:"maxRetries"`
	DefaultCooldownMs  int64  `yaml:"defaultCooldownMs"`
	MaxWaitMs          int64  `yaml:"maxWaitBeforeErrorMs"`
	FallbackEnabled    *bool  `yaml:"fallbackEnabled"`
	TokenCacheTtlMs    int64  `yaml:"tokenCacheTtlMs"`
	DefaultProjectID   string `yaml:"defaultProjectId"`
	LogLevel           string `yaml:"logLevel"`
	LogJSON            *bool  `yaml:"logJson"`
	GracefulTimeoutSec int    `yaml:"gracefulTimeoutSec"`
}

// Load reads configuration, lowest precedence first: defaults, YAML file,
// environment variables, command-line flags.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               8085,
		Host:               "0.0.0.0",
		GracefulTimeout:    30 * time.Second,
		AccountsPath:       "accounts.json",
		MaxRetries:         5,
		DefaultCooldown:    60 * time.Second,
		MaxWaitBeforeError: 2 * time.Minute,
		TokenTTL:           5 * time.Minute,
		LogLevel:           "info",
		LogJSON:            false,
	}

	configFile := os.Getenv("ANTIGRAVITY_CONFIG")
	if configFile != "" {
		if err := cfg.loadFromFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.Host != "" {
		c.Host = fc.Host
	}
	if fc.AccountsPath != "" {
		c.AccountsPath = fc.AccountsPath
	}
	if fc.RedisURL != "" {
		c.RedisURL = fc.RedisURL
	}
	if fc.MaxRetries != 0 {
		c.MaxRetries = fc.MaxRetries
	}
	if fc.DefaultCooldownMs != 0 {
		c.DefaultCooldown = time.Duration(fc.DefaultCooldownMs) * time.Millisecond
	}
	if fc.MaxWaitMs != 0 {
		c.MaxWaitBeforeError = time.Duration(fc.MaxWaitMs) * time.Millisecond
	}
	if fc.FallbackEnabled != nil {
		c.FallbackEnabled = *fc.FallbackEnabled
	}
	if fc.TokenCacheTtlMs != 0 {
		c.TokenTTL = time.Duration(fc.TokenCacheTtlMs) * time.Millisecond
	}
	if fc.DefaultProjectID != "" {
		c.DefaultProjectID = fc.DefaultProjectID
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.LogJSON != nil {
		c.LogJSON = *fc.LogJSON
	}
	if fc.GracefulTimeoutSec != 0 {
		c.GracefulTimeout = time.Duration(fc.GracefulTimeoutSec) * time.Second
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("ANTIGRAVITY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("ANTIGRAVITY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("ANTIGRAVITY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("ANTIGRAVITY_ACCOUNTS_PATH"); v != "" {
		c.AccountsPath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.RedisDB = db
		}
	}
	if v := os.Getenv("ANTIGRAVITY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("ANTIGRAVITY_DEFAULT_COOLDOWN_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.DefaultCooldown = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ANTIGRAVITY_MAX_WAIT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxWaitBeforeError = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ANTIGRAVITY_FALLBACK_ENABLED"); v != "" {
		c.FallbackEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ANTIGRAVITY_TOKEN_TTL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TokenTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ANTIGRAVITY_DEFAULT_PROJECT_ID"); v != "" {
		c.DefaultProjectID = v
	}
	if v := os.Getenv("ANTIGRAVITY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ANTIGRAVITY_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
}

func (c *Config) parseFlags() {
	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication (empty disables auth)")
	flag.StringVar(&c.AccountsPath, "accounts", c.AccountsPath, "Path to the accounts state file")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis address for state persistence (empty uses the accounts file)")
	flag.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Dispatcher attempt budget floor")
	flag.BoolVar(&c.FallbackEnabled, "fallback", c.FallbackEnabled, "Enable model fallback when all accounts are exhausted")
	flag.StringVar(&c.DefaultProjectID, "default-project", c.DefaultProjectID, "Project id used when discovery fails")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "Output logs in JSON format")
	flag.Parse()
}
