// Package config loads the immutable configuration record for the
// research idea aggregation engine. It is built once at startup and
// passed explicitly into every component; nothing re-reads the
// environment at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and inbound-auth settings.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	APIKey       string        `mapstructure:"api_key"`
	BodyMaxBytes int64         `mapstructure:"body_max_bytes"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// LLMConfig contains LLM provider configurations and fan-out policy.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
	FastMode  bool                   `mapstructure:"fast_mode"`
	DefaultProvider string          `mapstructure:"default_provider"`
}

// LLMProvider represents a single LLM provider/adapter configuration.
type LLMProvider struct {
	Type            string        `mapstructure:"type"` // openai, anthropic, gemini
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	SupportsJSONMode bool         `mapstructure:"supports_json_mode"`
	Enabled         bool          `mapstructure:"enabled"`
	DeepeningOnly   bool          `mapstructure:"deepening_only"`
}

// LLMRoutingConfig selects which configured provider drives single-provider calls.
type LLMRoutingConfig struct {
	Deepening string `mapstructure:"deepening"`
}

// EmbeddingConfig configures the embedding client (C4).
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

func (c EmbeddingConfig) Normalize() EmbeddingConfig {
	if c.Dimensions <= 0 {
		c.Dimensions = 1536
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// SimilarityConfig configures the clustering/dedup engine (C5).
type SimilarityConfig struct {
	ClusterThreshold float64 `mapstructure:"cluster_threshold"`
	DedupThreshold   float64 `mapstructure:"dedup_threshold"`
}

func (c SimilarityConfig) Normalize() SimilarityConfig {
	if c.ClusterThreshold <= 0 {
		c.ClusterThreshold = 0.80
	}
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = 0.85
	}
	return c
}

func (c SimilarityConfig) Validate() error {
	if c.ClusterThreshold < -1 || c.ClusterThreshold > 1 {
		return fmt.Errorf("similarity.cluster_threshold must be in [-1,1]")
	}
	if c.DedupThreshold < -1 || c.DedupThreshold > 1 {
		return fmt.Errorf("similarity.dedup_threshold must be in [-1,1]")
	}
	if c.DedupThreshold < c.ClusterThreshold {
		return fmt.Errorf("similarity.dedup_threshold must be >= cluster_threshold")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	PoolMax         int           `mapstructure:"pool_max"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	VectorEnabled   bool          `mapstructure:"vector_enabled"`
}

func (p PostgresConfig) Normalize() PostgresConfig {
	if p.PoolMax <= 0 {
		p.PoolMax = 10
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = 10 * time.Second
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = 2 * time.Second
	}
	return p
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configuration.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the job queue.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// QueueConfig controls the durable job queue and worker pool (C8).
type QueueConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	Attempts            int           `mapstructure:"attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	StalledTimeout      time.Duration `mapstructure:"stalled_timeout"`
	MaxStalledCount     int           `mapstructure:"max_stalled_count"`
	CompletedRetention  time.Duration `mapstructure:"completed_retention"`
	CompletedRetainMax  int           `mapstructure:"completed_retain_max"`
	FailedRetention     time.Duration `mapstructure:"failed_retention"`
}

func (c QueueConfig) Normalize() QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.Attempts <= 0 {
		c.Attempts = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.StalledTimeout <= 0 {
		c.StalledTimeout = 30 * time.Second
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = 1
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
	if c.CompletedRetainMax <= 0 {
		c.CompletedRetainMax = 1000
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	return c
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MetricsPort      int    `mapstructure:"metrics_port"`
	OTLPEndpoint     string `mapstructure:"otlp_endpoint"`
	SlowQueryMillis  int64  `mapstructure:"slow_query_millis"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if t.SlowQueryMillis <= 0 {
		t.SlowQueryMillis = 1000
	}
	return t
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from a file (JSON/YAML) plus IDEAFORGE_-prefixed
// environment overrides. Panics on a malformed or incomplete configuration
// so misconfiguration is caught at startup, not mid-pipeline.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.body_max_bytes", 50*1024)
	viper.SetDefault("server.drain_timeout", "10s")
	viper.SetDefault("llm.fast_mode", false)
	viper.SetDefault("embedding.batch_size", 100)
	viper.SetDefault("embedding.dimensions", 1536)
	viper.SetDefault("similarity.cluster_threshold", 0.80)
	viper.SetDefault("similarity.dedup_threshold", 0.85)
	viper.SetDefault("queue.concurrency", 3)
	viper.SetDefault("queue.attempts", 2)
	viper.SetDefault("queue.backoff_base", "5s")
	viper.SetDefault("queue.stalled_timeout", "30s")
	viper.SetDefault("queue.max_stalled_count", 1)

	if path == "" {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("IDEAFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error unmarshalling config: %w", err))
	}

	cfg.Embedding = cfg.Embedding.Normalize()
	cfg.Similarity = cfg.Similarity.Normalize()
	cfg.Storage.Postgres = cfg.Storage.Postgres.Normalize()
	cfg.Queue = cfg.Queue.Normalize()
	cfg.Telemetry = cfg.Telemetry.Normalize()

	if err := cfg.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Similarity.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if strings.TrimSpace(cfg.Server.APIKey) == "" {
		panic(fmt.Errorf("server.api_key is required"))
	}
	if len(cfg.LLM.Providers) == 0 {
		panic(fmt.Errorf("at least one llm provider must be configured"))
	}
	anyEnabled := false
	for name, p := range cfg.LLM.Providers {
		if p.Enabled {
			anyEnabled = true
		}
		if p.Enabled && strings.TrimSpace(p.APIKey) == "" {
			panic(fmt.Errorf("llm.providers.%s.api_key is required when enabled", name))
		}
	}
	if !anyEnabled {
		panic(fmt.Errorf("at least one llm provider must be enabled"))
	}

	return &cfg
}
