// Package config defines the top-level configuration for the trade CDC
// pipeline and provides validation helpers.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADECDC_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Table    TableConfig    `toml:"table"`
	Enrich   EnrichConfig   `toml:"enrich"`
	Firehose FirehoseConfig `toml:"firehose"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds connection parameters of the queryable table copy.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the lake copy
// of the table.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// RetainFiles is the number of files kept per partition. Zero keeps
	// every file.
	RetainFiles int `toml:"retain_files"`
}

// TableConfig identifies the merged table.
type TableConfig struct {
	Database        string `toml:"database"`
	Name            string `toml:"name"`
	StoragePrefix   string `toml:"storage_prefix"`
	PartitionColumn string `toml:"partition_column"`
	RecordKeyColumn string `toml:"record_key_column"`
	PrecombineField string `toml:"precombine_field"`
	Shards          int    `toml:"shards"`
	// BootstrapFromS3 seeds the in-memory table from the latest partition
	// files on startup.
	BootstrapFromS3 bool `toml:"bootstrap_from_s3"`
}

// EnrichConfig holds the price normalization table. Risk and fee tiers are
// fixed business rules and not configurable.
type EnrichConfig struct {
	Multipliers map[string]string `toml:"multipliers"`
}

// MultiplierTable parses Multipliers into exact decimals.
func (e EnrichConfig) MultiplierTable() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(e.Multipliers))
	for exchange, raw := range e.Multipliers {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("enrich: multiplier for %s: %w", exchange, err)
		}
		out[exchange] = d
	}
	return out, nil
}

// FirehoseConfig holds parameters of the transformation endpoint.
type FirehoseConfig struct {
	Workers int `toml:"workers"`
	// PublishToStream appends every Ok payload to the delivery stream so
	// the merge job can pick it up.
	PublishToStream bool   `toml:"publish_to_stream"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	AccessKey       string `toml:"access_key"`
}

// PipelineConfig holds parameters of the batch merge job.
type PipelineConfig struct {
	Stream       string   `toml:"stream"`
	Consumer     string   `toml:"consumer"`
	BatchSize    int      `toml:"batch_size"`
	PollInterval duration `toml:"poll_interval"`
	Cron         string   `toml:"cron"`
	LockTTL      duration `toml:"lock_ttl"`
	// NotifyChannel is the Pub/Sub channel the transform endpoint publishes
	// to after appending to the stream. The merge job runs early on every
	// notification. Empty disables it.
	NotifyChannel string `toml:"notify_channel"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Defaults returns a Config populated with reasonable default values.
// An empty configuration path runs on these alone.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "crypto",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradecdc-lake",
			ForcePathStyle: true,
			RetainFiles:    10,
		},
		Table: TableConfig{
			Database:        "crypto",
			Name:            "processed_crypto_txn",
			StoragePrefix:   "crypto_processed/",
			PartitionColumn: "exchange",
			RecordKeyColumn: "transaction_id",
			PrecombineField: "timestamp",
			Shards:          64,
			BootstrapFromS3: true,
		},
		Enrich: EnrichConfig{
			Multipliers: map[string]string{
				"Binance":  "1.00",
				"Coinbase": "1.02",
				"Kraken":   "0.98",
				"OKX":      "1.01",
				"FTX":      "0.99",
				"Bitfinex": "1.03",
			},
		},
		Firehose: FirehoseConfig{
			Workers:         8,
			PublishToStream: true,
			MaxBodyBytes:    6 << 20,
		},
		Pipeline: PipelineConfig{
			Stream:        "tradecdc:events",
			Consumer:      "merge-job",
			BatchSize:     500,
			PollInterval:  duration{time.Minute},
			LockTTL:       duration{30 * time.Second},
			NotifyChannel: "tradecdc:appended",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"transform": true,
	"merge":     true,
	"full":      true,
}

// SlogLevel parses LogLevel. It accepts the names understood by
// slog.Level, case-insensitively.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: transform, merge, full)", c.Mode))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	merging := mode == "merge" || mode == "full"

	// Postgres
	if c.Postgres.Enabled && merging {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis carries the delivery stream, checkpoints and shard locks.
	if merging || c.Firehose.PublishToStream {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && merging {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetainFiles < 0 {
			errs = append(errs, "s3: retain_files must be >= 0")
		}
	}

	// Table
	if c.Table.Name == "" {
		errs = append(errs, "table: name must not be empty")
	}
	if c.Table.Shards < 1 {
		errs = append(errs, "table: shards must be >= 1")
	}
	if c.Table.PartitionColumn != "exchange" || c.Table.RecordKeyColumn != "transaction_id" || c.Table.PrecombineField != "timestamp" {
		errs = append(errs, "table: only partition_column=exchange, record_key_column=transaction_id, precombine_field=timestamp are supported")
	}

	// Enrich
	table, err := c.Enrich.MultiplierTable()
	if err != nil {
		errs = append(errs, err.Error())
	}
	for exchange, m := range table {
		if !m.IsPositive() {
			errs = append(errs, fmt.Sprintf("enrich: multiplier for %s must be > 0, got %s", exchange, m))
		}
	}

	// Firehose
	if c.Firehose.Workers < 1 {
		errs = append(errs, "firehose: workers must be >= 1")
	}
	if c.Firehose.MaxBodyBytes < 1 {
		errs = append(errs, "firehose: max_body_bytes must be >= 1")
	}

	// Pipeline
	if merging || c.Firehose.PublishToStream {
		if c.Pipeline.Stream == "" {
			errs = append(errs, "pipeline: stream must not be empty")
		}
	}
	if merging {
		if c.Pipeline.Consumer == "" {
			errs = append(errs, "pipeline: consumer must not be empty")
		}
		if c.Pipeline.BatchSize < 1 {
			errs = append(errs, "pipeline: batch_size must be >= 1")
		}
		if c.Pipeline.PollInterval.Duration <= 0 && c.Pipeline.Cron == "" {
			errs = append(errs, "pipeline: poll_interval must be > 0 unless cron is set")
		}
		if c.Pipeline.LockTTL.Duration <= 0 {
			errs = append(errs, "pipeline: lock_ttl must be > 0")
		}
	}

	// Server
	if c.Server.Enabled || mode == "transform" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
