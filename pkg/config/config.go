// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Blob, Enrichment, Search, Pipeline, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Blob       BlobConfig       `yaml:"blob"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Search     SearchConfig     `yaml:"search"`
	Layout     LayoutConfig     `yaml:"layout"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// RateLimitPerMinute bounds ingestion submissions per client address;
	// zero disables the limit.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
	RateLimitBurst     int `yaml:"rateLimitBurst"`
}

// PostgresConfig holds PostgreSQL connection parameters for the run ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	MaxDeliveries int         `yaml:"maxDeliveries"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical pipeline stages to their Kafka topic strings.
type KafkaTopics struct {
	ProcessDocument     string `yaml:"processDocument"`
	GenerateEmbeddings  string `yaml:"generateEmbeddings"`
	GenerateKeyphrases  string `yaml:"generateKeyphrases"`
	GenerateSummaries   string `yaml:"generateSummaries"`
	EnrichmentCompleted string `yaml:"enrichmentCompleted"`
	DocumentCompleted   string `yaml:"documentCompleted"`
	DeadLetter          string `yaml:"deadLetter"`
}

// RedisConfig holds Redis connection parameters for the state store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// BlobConfig holds the S3-compatible object store settings. Credentials are
// resolved through the secret provider using the named keys.
type BlobConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"useSSL"`
	AccessKeySecret string `yaml:"accessKeySecret"`
	SecretKeySecret string `yaml:"secretKeySecret"`
}

// EnrichmentConfig controls the OpenAI-compatible enrichment services and
// their retry budget for rate-limited calls.
type EnrichmentConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	APIKeySecret   string        `yaml:"apiKeySecret"`
	EmbeddingModel string        `yaml:"embeddingModel"`
	ChatModel      string        `yaml:"chatModel"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialDelay   time.Duration `yaml:"initialDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
}

// SearchConfig holds the indexing service endpoint.
type SearchConfig struct {
	ServiceURL   string        `yaml:"serviceUrl"`
	APIVersion   string        `yaml:"apiVersion"`
	APIKeySecret string        `yaml:"apiKeySecret"`
	Timeout      time.Duration `yaml:"timeout"`

	// BlobConnectionSecret names the secret handed to the indexing service so
	// its datasource can read staged artifacts.
	BlobConnectionSecret string `yaml:"blobConnectionSecret"`
	VectorDimensions     int    `yaml:"vectorDimensions"`
}

// LayoutConfig selects the layout analyzer used by the document processor.
// An empty Endpoint selects the plain-text analyzer.
type LayoutConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	APIKeySecret string        `yaml:"apiKeySecret"`
	Timeout      time.Duration `yaml:"timeout"`
}

// PipelineConfig controls segmentation, batching, and join behaviour.
type PipelineConfig struct {
	BatchSize       int           `yaml:"batchSize"`
	SectionLength   int           `yaml:"sectionLength"`
	SentenceSearch  int           `yaml:"sentenceSearchLimit"`
	SectionOverlap  int           `yaml:"sectionOverlap"`
	CASMaxAttempts  int           `yaml:"casMaxAttempts"`
	CASInitialDelay time.Duration `yaml:"casInitialDelay"`
	MergeClaimTTL   time.Duration `yaml:"mergeClaimTTL"`

	// CompletionMode is "set" (explicit completed-batch set) or "listing"
	// (count stored artifacts by prefix listing).
	CompletionMode  string        `yaml:"completionMode"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	MaxPollAttempts int           `yaml:"maxPollAttempts"`
	CleanupWorkers  int           `yaml:"cleanupWorkers"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batchSize must be positive, got %d", p.BatchSize)
	}
	if p.SectionLength <= 0 || p.SentenceSearch < 0 || p.SectionOverlap < 0 {
		return fmt.Errorf("pipeline segmentation lengths must be non-negative with a positive sectionLength")
	}
	if p.SectionOverlap >= p.SectionLength {
		return fmt.Errorf("pipeline.sectionOverlap (%d) must be smaller than sectionLength (%d)", p.SectionOverlap, p.SectionLength)
	}
	switch p.CompletionMode {
	case "set", "listing":
	default:
		return fmt.Errorf("pipeline.completionMode must be \"set\" or \"listing\", got %q", p.CompletionMode)
	}
	if p.MaxPollAttempts <= 0 {
		return fmt.Errorf("pipeline.maxPollAttempts must be positive")
	}
	return nil
}

// defaultConfig returns a Config with defaults suited for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,

			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
		},
		Postgres: PostgresConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			Database:        "enrichment",
			User:            "enrichment",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "enrichment-pipeline",
			MaxDeliveries: 5,
			Topics: KafkaTopics{
				ProcessDocument:     "process-document",
				GenerateEmbeddings:  "generate-embeddings",
				GenerateKeyphrases:  "generate-keyphrases",
				GenerateSummaries:   "generate-summaries",
				EnrichmentCompleted: "enrichment-completed",
				DocumentCompleted:   "document-completed",
				DeadLetter:          "dead-letter",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Blob: BlobConfig{
			Endpoint:        "localhost:9000",
			Bucket:          "documents",
			UseSSL:          false,
			AccessKeySecret: "BLOB_ACCESS_KEY",
			SecretKeySecret: "BLOB_SECRET_KEY",
		},
		Enrichment: EnrichmentConfig{
			BaseURL:        "http://localhost:11434/v1",
			APIKeySecret:   "OPENAI_KEY",
			EmbeddingModel: "text-embedding-ada-002",
			ChatModel:      "gpt-4o-mini",
			MaxAttempts:    30,
			InitialDelay:   15 * time.Second,
			MaxDelay:       60 * time.Second,
		},
		Search: SearchConfig{
			ServiceURL:           "http://localhost:7700",
			APIVersion:           "2023-11-01",
			APIKeySecret:         "SEARCH_KEY",
			Timeout:              30 * time.Second,
			BlobConnectionSecret: "BLOB_CONNECTION_STRING",
			VectorDimensions:     1536,
		},
		Layout: LayoutConfig{
			APIKeySecret: "LAYOUT_KEY",
			Timeout:      2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			BatchSize:       8,
			SectionLength:   1000,
			SentenceSearch:  100,
			SectionOverlap:  100,
			CASMaxAttempts:  5,
			CASInitialDelay: 50 * time.Millisecond,
			MergeClaimTTL:   5 * time.Minute,
			CompletionMode:  "set",
			PollInterval:    5 * time.Second,
			MaxPollAttempts: 360,
			CleanupWorkers:  8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads EP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EP_POSTGRES_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = enabled
		}
	}
	if v := os.Getenv("EP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("EP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("EP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("EP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("EP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("EP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("EP_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("EP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EP_BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("EP_BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("EP_ENRICHMENT_BASE_URL"); v != "" {
		cfg.Enrichment.BaseURL = v
	}
	if v := os.Getenv("EP_SEARCH_SERVICE_URL"); v != "" {
		cfg.Search.ServiceURL = v
	}
	if v := os.Getenv("EP_LAYOUT_ENDPOINT"); v != "" {
		cfg.Layout.Endpoint = v
	}
	if v := os.Getenv("EP_PIPELINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.BatchSize = n
		}
	}
	if v := os.Getenv("EP_PIPELINE_COMPLETION_MODE"); v != "" {
		cfg.Pipeline.CompletionMode = v
	}
	if v := os.Getenv("EP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
