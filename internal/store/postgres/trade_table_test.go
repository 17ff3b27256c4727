//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// setupTestDatabase starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDatabase(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("crypto"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: connStr, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// Applying twice is a no-op.
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func enriched(id, exchange string, ts time.Time, price string) domain.EnrichedTrade {
	return domain.EnrichedTrade{
		Trade: domain.Trade{
			TransactionID: id,
			Timestamp:     ts,
			Exchange:      exchange,
			TradingPair:   "BTC/USD",
			OrderType:     "LIMIT",
			Quantity:      decimal.RequireFromString("1.250000"),
			Price:         decimal.RequireFromString(price),
			TradeFee:      decimal.RequireFromString("3.1250"),
			TradeStatus:   "COMPLETED",
		},
		IngestionTime:    ts.Add(time.Minute),
		RiskFlag:         domain.LowRisk,
		NormalizedPrice:  decimal.RequireFromString(price),
		AdjustedTradeFee: decimal.RequireFromString("3.1250"),
		UserCategory:     domain.CategoryActive,
		HourBucket:       ts.Format("2006-01-02 15:00:00"),
	}
}

func commitOf(rows ...domain.EnrichedTrade) domain.Commit {
	c := domain.Commit{ID: "c", Table: "processed_crypto_txn", Partitions: map[string][]domain.EnrichedTrade{}}
	for _, r := range rows {
		c.Partitions[r.Exchange] = append(c.Partitions[r.Exchange], r)
	}
	return c
}

func TestTradeTable_UpsertAndRead(t *testing.T) {
	client := setupTestDatabase(t)
	table := NewTradeTable(client.Pool())
	ctx := context.Background()

	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	require.NoError(t, table.Upsert(ctx, commitOf(
		enriched("tx-1", "Binance", ts, "42000.10"),
		enriched("tx-2", "Binance", ts, "41000.00"),
		enriched("tx-3", "Kraken", ts, "100.00"),
	)))

	got, err := table.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("42000.10").Equal(got.Price))
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, domain.CategoryActive, got.UserCategory)
	assert.Equal(t, "2024-01-15 10:00:00", got.HourBucket)

	rows, err := table.ListPartition(ctx, "Binance", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "tx-1", rows[0].TransactionID)
	assert.Equal(t, "tx-2", rows[1].TransactionID)

	_, err = table.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTradeTable_PrecombineGuard(t *testing.T) {
	client := setupTestDatabase(t)
	table := NewTradeTable(client.Pool())
	ctx := context.Background()

	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	require.NoError(t, table.Upsert(ctx, commitOf(enriched("tx-1", "Binance", ts, "100.00"))))

	// Older row is ignored.
	require.NoError(t, table.Upsert(ctx, commitOf(enriched("tx-1", "Binance", ts.Add(-time.Hour), "1.00"))))
	got, err := table.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100").Equal(got.Price))

	// Newer row moves the trade to another partition.
	require.NoError(t, table.Upsert(ctx, commitOf(enriched("tx-1", "OKX", ts.Add(time.Hour), "200.00"))))
	got, err = table.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "OKX", got.Exchange)

	binance, err := table.ListPartition(ctx, "Binance", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, binance)

	// Replaying the same commit leaves the row unchanged.
	again := commitOf(enriched("tx-1", "OKX", ts.Add(time.Hour), "200.00"))
	require.NoError(t, table.Upsert(ctx, again))
	replayed, err := table.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(replayed.Price))
	assert.True(t, got.Timestamp.Equal(replayed.Timestamp))
}

func TestAuditStore_CommitLog(t *testing.T) {
	client := setupTestDatabase(t)
	audit := NewAuditStore(client.Pool())
	ctx := context.Background()

	require.NoError(t, audit.Log(ctx, "job.started", map[string]any{"consumer": "merge-job"}))
	commit := commitOf(enriched("tx-1", "Binance", time.Now().UTC(), "1.00"))
	commit.Inserted = 1
	require.NoError(t, audit.Upsert(ctx, commit))
	require.NoError(t, audit.Upsert(ctx, commit), "re-sent commit")

	all, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	commits, err := audit.ListCommits(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, EventCommit, commits[0].Event)
	assert.Equal(t, "c", commits[0].Detail["commit_id"])
	assert.EqualValues(t, 1, commits[0].Detail["inserted"])
}
