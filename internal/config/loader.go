package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADECDC_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

const envPrefix = "TRADECDC_"

// applyEnvOverrides overwrites Config fields from TRADECDC_* variables.
// Unset, empty or unparsable variables leave the field alone. DATABASE_URL
// is honoured when TRADECDC_POSTGRES_DSN is not set.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	override(&cfg.Postgres.Enabled, "POSTGRES_ENABLED", strconv.ParseBool)
	override(&cfg.Postgres.DSN, "POSTGRES_DSN", parseString)
	if v := os.Getenv("DATABASE_URL"); v != "" && os.Getenv(envPrefix+"POSTGRES_DSN") == "" {
		cfg.Postgres.DSN = v
	}
	override(&cfg.Postgres.Host, "POSTGRES_HOST", parseString)
	override(&cfg.Postgres.Port, "POSTGRES_PORT", strconv.Atoi)
	override(&cfg.Postgres.Database, "POSTGRES_DATABASE", parseString)
	override(&cfg.Postgres.User, "POSTGRES_USER", parseString)
	override(&cfg.Postgres.Password, "POSTGRES_PASSWORD", parseString)
	override(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE", parseString)
	override(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS", strconv.Atoi)
	override(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS", strconv.Atoi)
	override(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS", strconv.ParseBool)

	// ── Redis ──
	override(&cfg.Redis.Addr, "REDIS_ADDR", parseString)
	override(&cfg.Redis.Password, "REDIS_PASSWORD", parseString)
	override(&cfg.Redis.DB, "REDIS_DB", strconv.Atoi)
	override(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE", strconv.Atoi)
	override(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES", strconv.Atoi)
	override(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED", strconv.ParseBool)

	// ── S3 ──
	override(&cfg.S3.Enabled, "S3_ENABLED", strconv.ParseBool)
	override(&cfg.S3.Endpoint, "S3_ENDPOINT", parseString)
	override(&cfg.S3.Region, "S3_REGION", parseString)
	override(&cfg.S3.Bucket, "S3_BUCKET", parseString)
	override(&cfg.S3.AccessKey, "S3_ACCESS_KEY", parseString)
	override(&cfg.S3.SecretKey, "S3_SECRET_KEY", parseString)
	override(&cfg.S3.UseSSL, "S3_USE_SSL", strconv.ParseBool)
	override(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE", strconv.ParseBool)
	override(&cfg.S3.RetainFiles, "S3_RETAIN_FILES", strconv.Atoi)

	// ── Table ──
	override(&cfg.Table.Database, "TABLE_DATABASE", parseString)
	override(&cfg.Table.Name, "TABLE_NAME", parseString)
	override(&cfg.Table.StoragePrefix, "TABLE_STORAGE_PREFIX", parseString)
	override(&cfg.Table.Shards, "TABLE_SHARDS", strconv.Atoi)
	override(&cfg.Table.BootstrapFromS3, "TABLE_BOOTSTRAP_FROM_S3", strconv.ParseBool)

	// ── Enrich ──
	mergeEnvMap(&cfg.Enrich.Multipliers, "ENRICH_MULTIPLIERS")

	// ── Firehose ──
	override(&cfg.Firehose.Workers, "FIREHOSE_WORKERS", strconv.Atoi)
	override(&cfg.Firehose.PublishToStream, "FIREHOSE_PUBLISH_TO_STREAM", strconv.ParseBool)
	override(&cfg.Firehose.MaxBodyBytes, "FIREHOSE_MAX_BODY_BYTES", parseInt64)
	override(&cfg.Firehose.AccessKey, "FIREHOSE_ACCESS_KEY", parseString)

	// ── Pipeline ──
	override(&cfg.Pipeline.Stream, "PIPELINE_STREAM", parseString)
	override(&cfg.Pipeline.Consumer, "PIPELINE_CONSUMER", parseString)
	override(&cfg.Pipeline.BatchSize, "PIPELINE_BATCH_SIZE", strconv.Atoi)
	override(&cfg.Pipeline.PollInterval, "PIPELINE_POLL_INTERVAL", parseDuration)
	override(&cfg.Pipeline.Cron, "PIPELINE_CRON", parseString)
	override(&cfg.Pipeline.LockTTL, "PIPELINE_LOCK_TTL", parseDuration)
	override(&cfg.Pipeline.NotifyChannel, "PIPELINE_NOTIFY_CHANNEL", parseString)

	// ── Server ──
	override(&cfg.Server.Enabled, "SERVER_ENABLED", strconv.ParseBool)
	override(&cfg.Server.Port, "SERVER_PORT", strconv.Atoi)
	override(&cfg.Server.APIKey, "SERVER_API_KEY", parseString)
	override(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS", parseList)

	// ── Top-level ──
	override(&cfg.Mode, "MODE", parseString)
	override(&cfg.LogLevel, "LOG_LEVEL", parseString)
}

// override sets *dst to parse(value) when envPrefix+key is set and parses.
func override[T any](dst *T, key string, parse func(string) (T, error)) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	if parsed, err := parse(strings.TrimSpace(v)); err == nil {
		*dst = parsed
	}
}

func parseString(v string) (string, error) { return v, nil }

func parseInt64(v string) (int64, error) { return strconv.ParseInt(v, 10, 64) }

func parseDuration(v string) (duration, error) {
	d, err := time.ParseDuration(v)
	return duration{d}, err
}

// parseList splits a comma separated list, dropping empty items.
func parseList(v string) ([]string, error) {
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty list")
	}
	return out, nil
}

// mergeEnvMap merges "k1=v1,k2=v2" pairs from envPrefix+key into dst.
func mergeEnvMap(dst *map[string]string, key string) {
	pairs, err := parseList(os.Getenv(envPrefix + key))
	if err != nil {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string, len(pairs))
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			(*dst)[k] = v
		}
	}
}
