// Package config loads ragvault's process configuration from a YAML file layered with
// environment overrides, following the same shape as the teacher's root config.go.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // openai|generic
	Host       string        `yaml:"host"`
	APIKey     string        `yaml:"api_key"`
	APIHeader  string        `yaml:"api_header"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	BatchSize  int           `yaml:"batch_size"`
}

// CompletionConfig configures the completion provider chain.
type CompletionConfig struct {
	Provider     string        `yaml:"provider"` // anthropic|openai|google
	Fallbacks    []string      `yaml:"fallbacks"`
	APIKey       string        `yaml:"api_key"`
	FastModel    string        `yaml:"fast_model"`
	QualityModel string        `yaml:"quality_model"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	TokenTimeout time.Duration `yaml:"token_timeout"`
}

// VectorStoreConfig selects and configures the chunk/embedding backend.
type VectorStoreConfig struct {
	Backend    string `yaml:"backend"` // pgvector|qdrant|clickhouse|memory
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
	Metric     string `yaml:"metric"` // cosine|l2|ip
}

// BlobStoreConfig selects and configures the document byte source.
type BlobStoreConfig struct {
	Backend string `yaml:"backend"` // s3|memory
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

// SchedulerConfig bounds the ingestion worker pool.
type SchedulerConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	SoftDeadline time.Duration `yaml:"soft_deadline"`
	Queue        string        `yaml:"queue"` // channel|kafka
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
}

// ChunkingConfig holds the default chunker parameters and the adaptive flag.
type ChunkingConfig struct {
	Size     int  `yaml:"size"`
	Overlap  int  `yaml:"overlap"`
	Adaptive bool `yaml:"adaptive"`
}

// TelemetryConfig mirrors the teacher's TelemetryConfig.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// DedupeConfig configures the optional Redis store the scheduler uses to drop a repeated
// submission of the same document within TTL.
type DedupeConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// Config is the top-level, immutable process configuration. One value is built at startup
// and passed by reference into component constructors; there are no package-level globals.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`

	// MasterKeyB64 is the 32-byte KeyVault master key, base64-encoded. The process refuses
	// to start if this is missing or does not decode to exactly 32 bytes.
	MasterKeyB64 string `yaml:"master_key"`

	DatabaseDSN string `yaml:"database_dsn"`

	Embedding  EmbeddingConfig   `yaml:"embedding"`
	Completion CompletionConfig  `yaml:"completion"`
	Vector     VectorStoreConfig `yaml:"vector_store"`
	Blob       BlobStoreConfig   `yaml:"blob_store"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Chunking   ChunkingConfig    `yaml:"chunking"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Dedupe     DedupeConfig      `yaml:"dedupe"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// Default returns a Config populated with the defaults named throughout spec sections 4-6.
func Default() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     8090,
		LogLevel: "info",
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Dimensions: 1536,
			Timeout:    30 * time.Second,
			BatchSize:  50,
		},
		Completion: CompletionConfig{
			Provider:     "anthropic",
			Fallbacks:    []string{"openai", "google"},
			FastModel:    "fast",
			QualityModel: "quality",
			Temperature:  0.2,
			MaxTokens:    1024,
			CallTimeout:  60 * time.Second,
			TokenTimeout: 30 * time.Second,
		},
		Vector: VectorStoreConfig{
			Backend: "pgvector",
			Metric:  "cosine",
		},
		Blob: BlobStoreConfig{
			Backend: "s3",
		},
		Scheduler: SchedulerConfig{
			Workers:      0, // 0 means "number of cores"; Load resolves it via runtime.NumCPU
			QueueSize:    256,
			SoftDeadline: 10 * time.Minute,
			Queue:        "channel",
		},
		Chunking: ChunkingConfig{
			Size:     3200, // ~800 tokens
			Overlap:  600,  // ~150 tokens
			Adaptive: false,
		},
		Dedupe: DedupeConfig{
			TTL: 24 * time.Hour,
		},
	}
}

// Load reads a YAML file at path (if non-empty and present), loads a .env file from the
// working directory when present, then applies environment overrides. Unlike the legacy
// yaml.v2-based root config, Load never panics on a missing file — it falls back to Default.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.MasterKeyB64 == "" {
		return nil, fmt.Errorf("config: master_key is required")
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Host, "RAGVAULT_HOST")
	setInt(&cfg.Port, "RAGVAULT_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogPath, "LOG_PATH")
	setString(&cfg.MasterKeyB64, "RAGVAULT_MASTER_KEY")
	setString(&cfg.DatabaseDSN, "DATABASE_DSN")

	setString(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Host, "EMBEDDING_HOST")
	setString(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimensions, "EMBEDDING_DIMENSIONS")

	setString(&cfg.Completion.Provider, "COMPLETION_PROVIDER")
	setString(&cfg.Completion.APIKey, "COMPLETION_API_KEY")
	setString(&cfg.Completion.FastModel, "COMPLETION_FAST_MODEL")
	setString(&cfg.Completion.QualityModel, "COMPLETION_QUALITY_MODEL")

	setString(&cfg.Vector.Backend, "VECTOR_BACKEND")
	setString(&cfg.Vector.DSN, "VECTOR_DSN")
	setString(&cfg.Vector.Collection, "VECTOR_COLLECTION")

	setString(&cfg.Blob.Backend, "BLOB_BACKEND")
	setString(&cfg.Blob.Bucket, "BLOB_BUCKET")
	setString(&cfg.Blob.Region, "BLOB_REGION")

	setInt(&cfg.Scheduler.Workers, "SCHEDULER_WORKERS")
	setString(&cfg.Scheduler.Queue, "SCHEDULER_QUEUE")

	setInt(&cfg.Chunking.Size, "CHUNK_SIZE")
	setInt(&cfg.Chunking.Overlap, "CHUNK_OVERLAP")
	setBool(&cfg.Chunking.Adaptive, "CHUNK_ADAPTIVE")

	setString(&cfg.Dedupe.RedisAddr, "DEDUPE_REDIS_ADDR")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
