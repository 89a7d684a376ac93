package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Engine  EngineConfig  `json:"engine"`
	Store   StoreConfig   `json:"store"`
	Redis   RedisConfig   `json:"redis"`
	Advisor AdvisorConfig `json:"advisor"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server configuration for the ops daemon
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// EngineConfig contains the resilience engine tuning knobs.
// Every field has a documented default; zero values are replaced on Load.
type EngineConfig struct {
	MaxAttempts           int           `json:"max_attempts"`
	BaseDelay             time.Duration `json:"base_delay"`
	MaxDelay              time.Duration `json:"max_delay"`
	BackoffFactor         float64       `json:"backoff_factor"`
	FailureThreshold      int           `json:"failure_threshold"`
	RecoveryTimeout       time.Duration `json:"recovery_timeout"`
	HalfOpenProbes        int           `json:"half_open_probes"`
	BlacklistThreshold    int           `json:"blacklist_threshold"`
	BlacklistWindow       time.Duration `json:"blacklist_window"`
	InstabilityWindow     time.Duration `json:"instability_window"`
	MaxAlternatives       int           `json:"max_alternatives"`
	MaxParallelStrategies int           `json:"max_parallel_strategies"`
	MaxCreativeCalls      int           `json:"max_creative_calls"`
	PerStrategyTimeout    time.Duration `json:"per_strategy_timeout"`
	OperationTimeout      time.Duration `json:"operation_timeout"`
}

// StoreConfig contains failure store configuration.
// Driver is "sqlite" (embedded, default) or "postgres".
type StoreConfig struct {
	Driver        string        `json:"driver"`
	DSN           string        `json:"dsn"`
	RetentionDays int           `json:"retention_days"`
	PurgeSchedule string        `json:"purge_schedule"`
	MaxOpenConns  int           `json:"max_open_conns"`
	MaxIdleConns  int           `json:"max_idle_conns"`
	BusyTimeout   time.Duration `json:"busy_timeout"`
}

// RedisConfig contains the optional fallback cache connection
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// AdvisorConfig contains the language-model advisor client configuration
type AdvisorConfig struct {
	Endpoint  string        `json:"endpoint"`
	APIKey    string        `json:"api_key"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// DefaultEngineConfig returns the documented engine defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:           5,
		BaseDelay:             1 * time.Second,
		MaxDelay:              60 * time.Second,
		BackoffFactor:         2.0,
		FailureThreshold:      5,
		RecoveryTimeout:       60 * time.Second,
		HalfOpenProbes:        1,
		BlacklistThreshold:    2,
		BlacklistWindow:       7 * 24 * time.Hour,
		InstabilityWindow:     1 * time.Hour,
		MaxAlternatives:       3,
		MaxParallelStrategies: 4,
		MaxCreativeCalls:      2,
		PerStrategyTimeout:    30 * time.Second,
		OperationTimeout:      300 * time.Second,
	}
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	defaults := DefaultEngineConfig()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Engine: EngineConfig{
			MaxAttempts:           getEnvInt("ENGINE_MAX_ATTEMPTS", defaults.MaxAttempts),
			BaseDelay:             getEnvDuration("ENGINE_BASE_DELAY", defaults.BaseDelay),
			MaxDelay:              getEnvDuration("ENGINE_MAX_DELAY", defaults.MaxDelay),
			BackoffFactor:         getEnvFloat("ENGINE_BACKOFF_FACTOR", defaults.BackoffFactor),
			FailureThreshold:      getEnvInt("ENGINE_FAILURE_THRESHOLD", defaults.FailureThreshold),
			RecoveryTimeout:       getEnvDuration("ENGINE_RECOVERY_TIMEOUT", defaults.RecoveryTimeout),
			HalfOpenProbes:        getEnvInt("ENGINE_HALF_OPEN_PROBES", defaults.HalfOpenProbes),
			BlacklistThreshold:    getEnvInt("ENGINE_BLACKLIST_THRESHOLD", defaults.BlacklistThreshold),
			BlacklistWindow:       getEnvDuration("ENGINE_BLACKLIST_WINDOW", defaults.BlacklistWindow),
			InstabilityWindow:     getEnvDuration("ENGINE_INSTABILITY_WINDOW", defaults.InstabilityWindow),
			MaxAlternatives:       getEnvInt("ENGINE_MAX_ALTERNATIVES", defaults.MaxAlternatives),
			MaxParallelStrategies: getEnvInt("ENGINE_MAX_PARALLEL_STRATEGIES", defaults.MaxParallelStrategies),
			MaxCreativeCalls:      getEnvInt("ENGINE_MAX_CREATIVE_CALLS", defaults.MaxCreativeCalls),
			PerStrategyTimeout:    getEnvDuration("ENGINE_PER_STRATEGY_TIMEOUT", defaults.PerStrategyTimeout),
			OperationTimeout:      getEnvDuration("ENGINE_OPERATION_TIMEOUT", defaults.OperationTimeout),
		},
		Store: StoreConfig{
			Driver:        getEnvString("STORE_DRIVER", "sqlite"),
			DSN:           getEnvString("STORE_DSN", "rebound.db"),
			RetentionDays: getEnvInt("STORE_RETENTION_DAYS", 30),
			PurgeSchedule: getEnvString("STORE_PURGE_SCHEDULE", "@daily"),
			MaxOpenConns:  getEnvInt("STORE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:  getEnvInt("STORE_MAX_IDLE_CONNS", 2),
			BusyTimeout:   getEnvDuration("STORE_BUSY_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Advisor: AdvisorConfig{
			Endpoint:  getEnvString("ADVISOR_ENDPOINT", ""),
			APIKey:    getEnvString("ADVISOR_API_KEY", ""),
			Model:     getEnvString("ADVISOR_MODEL", "gpt-4o-mini"),
			MaxTokens: getEnvInt("ADVISOR_MAX_TOKENS", 1024),
			Timeout:   getEnvDuration("ADVISOR_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store DSN is required")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine max attempts must be at least 1")
	}
	if c.Engine.BackoffFactor < 1.0 {
		return fmt.Errorf("engine backoff factor must be at least 1.0")
	}
	if c.Engine.MaxParallelStrategies < 1 {
		return fmt.Errorf("engine max parallel strategies must be at least 1")
	}
	if c.Advisor.Endpoint != "" && c.Advisor.APIKey == "" {
		return fmt.Errorf("advisor API key is required when an endpoint is configured")
	}
	return nil
}

// RedisAddr returns the Redis address in host:port form
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
