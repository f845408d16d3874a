// Package config loads server settings from a config file, the environment
// and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CARTRULES"

// Storage drivers accepted by storage.driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverFile     = "file"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Cache      CacheConfig
	Evaluation EvaluationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Addr is the listen address for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	Driver      string
	DatabaseURL string
	// RulesDir holds one YAML rules file per shop store for the file driver.
	RulesDir string
	Watch    bool
}

type CacheConfig struct {
	TTL           time.Duration
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

type EvaluationConfig struct {
	MaxBatchSize   int
	MaxConcurrency int
}

type LogConfig struct {
	Level           string
	ErrorSampleRate int
}

// Load reads configuration with flag-free precedence: environment
// (CARTRULES_SERVER_PORT and so on) over the config file over defaults.
// An empty configPath skips the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.rules_dir", "./rules.d")
	v.SetDefault("storage.watch", true)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("evaluation.max_batch_size", 500)
	v.SetDefault("evaluation.max_concurrency", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.error_sample_rate", 1)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := validateNoSecretsInFile(configPath); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(v.GetString("storage.driver")),
			DatabaseURL: v.GetString("storage.database_url"),
			RulesDir:    v.GetString("storage.rules_dir"),
			Watch:       v.GetBool("storage.watch"),
		},
		Cache: CacheConfig{
			TTL:           v.GetDuration("cache.ttl"),
			RedisAddr:     v.GetString("cache.redis_addr"),
			RedisDB:       v.GetInt("cache.redis_db"),
			RedisPassword: v.GetString("cache.redis_password"),
		},
		Evaluation: EvaluationConfig{
			MaxBatchSize:   v.GetInt("evaluation.max_batch_size"),
			MaxConcurrency: v.GetInt("evaluation.max_concurrency"),
		},
		Log: LogConfig{
			Level:           v.GetString("log.level"),
			ErrorSampleRate: v.GetInt("log.error_sample_rate"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and driver specific requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read and write timeouts must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("storage.database_url is required for the postgres driver (set %s_STORAGE_DATABASE_URL)", envPrefix))
		}
	case DriverFile:
		if c.Storage.RulesDir == "" {
			errs = append(errs, errors.New("storage.rules_dir is required for the file driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be one of memory, postgres, file; got %q", c.Storage.Driver))
	}

	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative, got %v", c.Cache.TTL))
	}
	if c.Cache.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("cache.redis_db must not be negative, got %d", c.Cache.RedisDB))
	}
	if c.Evaluation.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("evaluation.max_batch_size must be positive, got %d", c.Evaluation.MaxBatchSize))
	}
	if c.Evaluation.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("evaluation.max_concurrency must be positive, got %d", c.Evaluation.MaxConcurrency))
	}
	if c.Log.ErrorSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("log.error_sample_rate must be positive, got %d", c.Log.ErrorSampleRate))
	}
	return errors.Join(errs...)
}

// validateNoSecretsInFile rejects credentials written into the config file.
// Secrets are accepted from the environment only.
func validateNoSecretsInFile(configPath string) error {
	f := viper.New()
	f.SetConfigFile(configPath)
	if err := f.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if f.GetString("cache.redis_password") != "" {
		return fmt.Errorf("redis password not allowed in config files (use %s_CACHE_REDIS_PASSWORD)", envPrefix)
	}
	if raw := f.GetString("storage.database_url"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid storage.database_url: %w", err)
		}
		if _, ok := u.User.Password(); ok {
			return fmt.Errorf("database password not allowed in config files (use %s_STORAGE_DATABASE_URL)", envPrefix)
		}
	}
	return nil
}
