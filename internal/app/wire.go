package app

import (
	"context"
	"fmt"
	"strings"

	s3blob "github.com/alanyoungcy/tradecdc/internal/blob/s3"
	"github.com/alanyoungcy/tradecdc/internal/cache/redis"
	"github.com/alanyoungcy/tradecdc/internal/config"
	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/store/postgres"
)

// Dependencies bundles the infrastructure clients and the adapters built on
// them. Fields stay nil when the configuration or the mode does not need
// the backing service. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Redis: delivery stream, append notifications, checkpoints, shard locks.
	Redis       *redis.Client
	Stream      *redis.Stream
	Checkpoints *redis.CheckpointStore
	Locks       *redis.LockManager

	// Postgres: queryable copy of the table and the commit log.
	Postgres   *postgres.Client
	TradeTable *postgres.TradeTable
	AuditStore *postgres.AuditStore

	// S3: lake copy of the table.
	S3     *s3blob.Client
	Bucket *s3blob.Bucket
}

func merging(mode string) bool {
	switch strings.ToLower(mode) {
	case "merge", "full":
		return true
	default:
		return false
	}
}

// needsRedis returns true when the stream or the merge job is in use.
func needsRedis(cfg *config.Config) bool {
	return merging(cfg.Mode) || cfg.Firehose.PublishToStream
}

// needsPostgres returns true for modes that write the queryable table.
func needsPostgres(cfg *config.Config) bool {
	return cfg.Postgres.Enabled && merging(cfg.Mode)
}

// needsS3 returns true for modes that write the lake table.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled && merging(cfg.Mode)
}

// TableSpec returns the identity of the merged table.
func TableSpec(cfg *config.Config) domain.TableSpec {
	return domain.TableSpec{
		Database:        cfg.Table.Database,
		Name:            cfg.Table.Name,
		StoragePrefix:   cfg.Table.StoragePrefix,
		PartitionColumn: cfg.Table.PartitionColumn,
		RecordKeyColumn: cfg.Table.RecordKeyColumn,
		PrecombineField: cfg.Table.PrecombineField,
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis ---
	if needsRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Stream = redis.NewStream(redisClient)
		deps.Checkpoints = redis.NewCheckpointStore(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	}

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgCfg := postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		}
		if cfg.Postgres.RunMigrations {
			if err := postgres.EnsureDatabase(ctx, pgCfg); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres: %w", err)
			}
		}
		pgClient, err := postgres.New(ctx, pgCfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.TradeTable = postgres.NewTradeTable(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.S3 = s3Client
		deps.Bucket = s3blob.NewBucket(s3Client)
	}

	return deps, cleanup, nil
}
