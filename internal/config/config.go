// Package config loads engine configuration from the environment, with
// optional .env file support for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// PostgresOptions configures the primary relational store.
type PostgresOptions struct {
	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:""`
	Database string `env:"POSTGRES_DB" envDefault:"revisit"`
}

// DSN renders the pgx connection string.
func (o PostgresOptions) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		o.User, o.Password, o.Host, o.Port, o.Database)
}

// NebulaOptions configures the graph store.
type NebulaOptions struct {
	Host     string `env:"NEBULA_HOST" envDefault:"localhost"`
	Port     int    `env:"NEBULA_PORT" envDefault:"9669"`
	User     string `env:"NEBULA_USER" envDefault:"root"`
	Password string `env:"NEBULA_PASSWORD" envDefault:"nebula"`
	Space    string `env:"NEBULA_SPACE" envDefault:"revisit"`
}

// QdrantOptions configures the vector store and its embedding provider.
type QdrantOptions struct {
	Host           string `env:"QDRANT_HOST" envDefault:"localhost"`
	Port           int    `env:"QDRANT_PORT" envDefault:"6334"`
	APIKey         string `env:"QDRANT_API_KEY"`
	OpenAIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `env:"OPENAI_API_BASE"`
	EmbeddingModel string `env:"OPENAI_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
}

// ClickHouseOptions configures the analytics store.
type ClickHouseOptions struct {
	Host     string `env:"CLICKHOUSE_HOST" envDefault:"localhost"`
	Port     int    `env:"CLICKHOUSE_PORT" envDefault:"9000"`
	User     string `env:"CLICKHOUSE_USER" envDefault:"default"`
	Password string `env:"CLICKHOUSE_PASSWORD" envDefault:""`
	Database string `env:"CLICKHOUSE_DB" envDefault:"revisit"`
}

// ArchiveOptions configures the optional batch archive.
type ArchiveOptions struct {
	Driver string `env:"ARCHIVE_DRIVER" envDefault:""`
	Root   string `env:"ARCHIVE_ROOT" envDefault:"./archive"`
	Bucket string `env:"ARCHIVE_S3_BUCKET"`
	Region string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
}

// SyncOptions tunes the engine's retry, timeout and concurrency behavior.
type SyncOptions struct {
	DataDir            string        `env:"DATA_DIR" envDefault:"./data/import"`
	CheckpointPath     string        `env:"CHECKPOINT_PATH" envDefault:"./data/checkpoint.db"`
	CallTimeout        time.Duration `env:"SYNC_CALL_TIMEOUT" envDefault:"10s"`
	BatchRetries       int           `env:"SYNC_BATCH_RETRIES" envDefault:"3"`
	PropagationRetries int           `env:"SYNC_PROPAGATION_RETRIES" envDefault:"3"`
	BackoffBase        time.Duration `env:"SYNC_BACKOFF_BASE" envDefault:"200ms"`
	BreakerThreshold   int           `env:"SYNC_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown    time.Duration `env:"SYNC_BREAKER_COOLDOWN" envDefault:"1m"`
	Workers            int           `env:"SYNC_WORKERS" envDefault:"4"`
}

// Config is the full engine configuration.
type Config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	Postgres   PostgresOptions
	Nebula     NebulaOptions
	Qdrant     QdrantOptions
	ClickHouse ClickHouseOptions
	Archive    ArchiveOptions
	Sync       SyncOptions
}

// Load reads .env files (when present) and then the environment.
func Load(envFiles ...string) (*Config, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
