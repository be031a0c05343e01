package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. Values come from defaults,
// an optional YAML file and SCANFLOW_* environment variables, in
// ascending precedence.
type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogLevel       string   `mapstructure:"log_level"`

	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`

	ChunkBackend string `mapstructure:"chunk_backend"` // fs | s3
	ChunkDir     string `mapstructure:"chunk_dir"`
	ArtifactDir  string `mapstructure:"artifact_dir"`
	S3Bucket     string `mapstructure:"s3_bucket"`
	S3Region     string `mapstructure:"s3_region"`

	ProgressBackend string        `mapstructure:"progress_backend"` // memory | redis
	ProgressLogCap  int           `mapstructure:"progress_log_cap"`
	ProgressLogTTL  time.Duration `mapstructure:"progress_log_ttl"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Load reads configuration from the given file (optional, "" skips it)
// and the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("log_level", "info")
	v.SetDefault("max_upload_bytes", int64(100<<20))
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("reap_interval", 10*time.Minute)
	v.SetDefault("chunk_backend", "fs")
	v.SetDefault("chunk_dir", "./data/chunks")
	v.SetDefault("artifact_dir", "./data/artifacts")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("progress_backend", "memory")
	v.SetDefault("progress_log_cap", 1000)
	v.SetDefault("progress_log_ttl", time.Hour)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("metrics_enabled", true)

	v.SetEnvPrefix("SCANFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.ChunkBackend {
	case "fs":
		if c.ChunkDir == "" {
			return fmt.Errorf("chunk_dir is required for the fs chunk backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3_bucket is required for the s3 chunk backend")
		}
	default:
		return fmt.Errorf("chunk_backend must be fs or s3, got %q", c.ChunkBackend)
	}

	switch c.ProgressBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("progress_backend must be memory or redis, got %q", c.ProgressBackend)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if c.ProgressLogCap <= 0 {
		return fmt.Errorf("progress_log_cap must be positive")
	}
	return nil
}
