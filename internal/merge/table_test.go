package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

var exchanges = []string{"Binance", "Coinbase", "Kraken", "OKX", "FTX", "Bitfinex"}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testSpec() domain.TableSpec {
	return domain.TableSpec{
		Database:        "crypto",
		Name:            "processed_crypto_txn",
		PartitionColumn: "exchange",
		RecordKeyColumn: "transaction_id",
		PrecombineField: "timestamp",
	}
}

func newTestTable(opts ...Option) *Table {
	return NewTable(testSpec(), slog.New(slog.NewJSONHandler(io.Discard, nil)), opts...)
}

func row(id, exchange string, ts time.Time, price string) domain.EnrichedTrade {
	return domain.EnrichedTrade{
		Trade: domain.Trade{
			TransactionID: id,
			Timestamp:     ts,
			Exchange:      exchange,
			Quantity:      decimal.NewFromInt(1),
			Price:         decimal.RequireFromString(price),
			TradeFee:      decimal.RequireFromString("0.1"),
			TradeStatus:   "COMPLETED",
		},
		RiskFlag:     domain.LowRisk,
		UserCategory: domain.CategoryCasual,
		HourBucket:   ts.Format("2006-01-02 15:00:00"),
	}
}

// fakeBatch builds n rows over a small key space so that keys repeat.
func fakeBatch(f *gofakeit.Faker, n, keys int) []domain.EnrichedTrade {
	rows := make([]domain.EnrichedTrade, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tx-%04d", f.Number(0, keys-1))
		ts := base.Add(time.Duration(f.Number(0, 3600)) * time.Second)
		price := decimal.NewFromFloat(f.Float64Range(1, 90000)).Round(domain.PriceScale)
		r := row(id, f.RandomString(exchanges), ts, price.String())
		r.Quantity = decimal.NewFromFloat(f.Float64Range(0.000001, 5)).Round(domain.QuantityScale)
		rows = append(rows, r)
	}
	return rows
}

func snapshotBytes(t *testing.T, tbl *Table) []byte {
	t.Helper()
	b, err := json.Marshal(tbl.Snapshot())
	require.NoError(t, err)
	return b
}

func TestMerge_InsertAndUpdate(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	commit, stats, err := tbl.Merge(ctx, []domain.EnrichedTrade{
		row("a", "Binance", base, "10"),
		row("b", "Kraken", base, "20"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 2, commit.Inserted)
	assert.NotEmpty(t, commit.ID)
	assert.Equal(t, "processed_crypto_txn", commit.Table)
	assert.Equal(t, []string{"Binance", "Kraken"}, commit.Touched())

	commit, stats, err = tbl.Merge(ctx, []domain.EnrichedTrade{
		row("a", "Binance", base.Add(time.Minute), "11"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, commit.Updated)
	require.Len(t, commit.Partitions["Binance"], 1)

	got, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, "11", got.Price.String())
	assert.Equal(t, 2, tbl.Len())
}

func TestMerge_StaleRowIsIgnored(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	_, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base.Add(time.Hour), "10")})
	require.NoError(t, err)

	commit, stats, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base, "99")})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stale)
	assert.True(t, commit.Empty())

	got, _ := tbl.Get("a")
	assert.Equal(t, "10", got.Price.String())
}

func TestMerge_ReenrichedRowIsUnchanged(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	first := row("a", "Binance", base, "10")
	first.IngestionTime = base.Add(time.Minute)
	_, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{first})
	require.NoError(t, err)

	again := first
	again.IngestionTime = base.Add(2 * time.Minute)
	commit, stats, err := tbl.Merge(ctx, []domain.EnrichedTrade{again})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Zero(t, stats.Updated)
	assert.True(t, commit.Empty())

	got, _ := tbl.Get("a")
	assert.True(t, got.IngestionTime.Equal(first.IngestionTime))
}

func TestMerge_EqualTimestampReapplies(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	_, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base, "10")})
	require.NoError(t, err)

	_, stats, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base, "12")})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	got, _ := tbl.Get("a")
	assert.Equal(t, "12", got.Price.String())
}

func TestPrecombine(t *testing.T) {
	rows := []domain.EnrichedTrade{
		row("a", "Binance", base.Add(2*time.Minute), "1"),
		row("b", "Binance", base, "2"),
		row("a", "Binance", base.Add(time.Minute), "3"),
		row("b", "Binance", base, "4"),
		row("a", "Binance", base.Add(2*time.Minute), "5"),
	}

	got := Precombine(rows)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TransactionID)
	assert.Equal(t, "5", got[0].Price.String(), "tie keeps the later row")
	assert.Equal(t, "b", got[1].TransactionID)
	assert.Equal(t, "4", got[1].Price.String())
}

func TestMerge_PrecombineBeforeCompare(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	_, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base.Add(time.Minute), "10")})
	require.NoError(t, err)

	// Only the newest row of the batch is compared with the stored one.
	_, stats, err := tbl.Merge(ctx, []domain.EnrichedTrade{
		row("a", "Binance", base.Add(2*time.Minute), "30"),
		row("a", "Binance", base, "5"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Precombined)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Stale)

	got, _ := tbl.Get("a")
	assert.Equal(t, "30", got.Price.String())
}

func TestMerge_ExchangeChangeMovesPartition(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	_, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base, "10")})
	require.NoError(t, err)

	commit, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Kraken", base.Add(time.Second), "10")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Binance"}, commit.Vacated)
	assert.Equal(t, []string{"Binance", "Kraken"}, commit.Touched())

	assert.Empty(t, tbl.Scan("Binance"))
	require.Len(t, tbl.Scan("Kraken"), 1)
	assert.Equal(t, []string{"Kraken"}, tbl.Partitions())
}

func TestMerge_ScanIsPartitionLocal(t *testing.T) {
	tbl := newTestTable(WithShards(4))
	f := gofakeit.New(7)

	_, _, err := tbl.Merge(context.Background(), fakeBatch(f, 500, 200))
	require.NoError(t, err)

	total := 0
	for _, p := range tbl.Partitions() {
		rows := tbl.Scan(p)
		for i, r := range rows {
			assert.Equal(t, p, r.Exchange)
			if i > 0 {
				assert.Less(t, rows[i-1].TransactionID, r.TransactionID)
			}
		}
		total += len(rows)
	}
	assert.Equal(t, tbl.Len(), total)
}

func TestMerge_ReapplyIsByteForByteIdempotent(t *testing.T) {
	f := gofakeit.New(42)
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		tbl := newTestTable()
		batch := fakeBatch(f, 400, 150)

		_, _, err := tbl.Merge(ctx, batch)
		require.NoError(t, err)
		before := snapshotBytes(t, tbl)

		commit, stats, err := tbl.Merge(ctx, batch)
		require.NoError(t, err)
		assert.True(t, commit.Empty(), "round %d", round)
		assert.Zero(t, stats.Inserted+stats.Updated)
		assert.Equal(t, before, snapshotBytes(t, tbl), "round %d", round)
	}
}

func TestMerge_OrderOfBatchesDoesNotMatter(t *testing.T) {
	f := gofakeit.New(99)
	ctx := context.Background()

	// Distinct timestamps per key so the winner is unique.
	var batch []domain.EnrichedTrade
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("tx-%03d", f.Number(0, 49))
		r := row(id, f.RandomString(exchanges), base.Add(time.Duration(i)*time.Second), "1")
		batch = append(batch, r)
	}

	forward := newTestTable()
	for i := 0; i < len(batch); i += 37 {
		_, _, err := forward.Merge(ctx, batch[i:min(i+37, len(batch))])
		require.NoError(t, err)
	}

	backward := newTestTable()
	for i := len(batch); i > 0; i -= 41 {
		_, _, err := backward.Merge(ctx, batch[max(i-41, 0):i])
		require.NoError(t, err)
	}

	oneShot := newTestTable()
	_, _, err := oneShot.Merge(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, snapshotBytes(t, oneShot), snapshotBytes(t, forward))
	assert.Equal(t, snapshotBytes(t, oneShot), snapshotBytes(t, backward))
}

func TestMerge_ConcurrentSameKey(t *testing.T) {
	tbl := newTestTable(WithShards(8))
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ts := base.Add(time.Duration(w*50+i) * time.Millisecond)
				_, _, err := tbl.Merge(ctx, []domain.EnrichedTrade{
					row("hot", exchanges[w%len(exchanges)], ts, fmt.Sprintf("%d", w*50+i+1)),
					row(fmt.Sprintf("cold-%d-%d", w, i), "OKX", ts, "1"),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, ok := tbl.Get("hot")
	require.True(t, ok)
	assert.Equal(t, base.Add((writers*50-1)*time.Millisecond), got.Timestamp)
	assert.Equal(t, fmt.Sprintf("%d", writers*50), got.Price.String())
	assert.Equal(t, 1+writers*50, tbl.Len())
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	denials  int
	acquired int
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		f.denials++
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	f.acquired++
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

func TestMerge_WaitsForHeldLock(t *testing.T) {
	locks := &fakeLocks{held: make(map[string]bool)}
	tbl := newTestTable(WithShards(1), WithLockManager(locks, time.Second))

	// Simulate another process holding the only shard.
	release, err := locks.Acquire(context.Background(), tbl.lockKey(0), time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := tbl.Merge(context.Background(), []domain.EnrichedTrade{row("a", "Binance", base, "1")})
		done <- err
	}()

	time.Sleep(3 * lockRetryInterval)
	release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("merge did not finish after lock release")
	}

	locks.mu.Lock()
	assert.Positive(t, locks.denials)
	locks.mu.Unlock()
	_, ok := tbl.Get("a")
	assert.True(t, ok)
}

func TestMerge_LockWaitHonoursContext(t *testing.T) {
	locks := &fakeLocks{held: make(map[string]bool)}
	tbl := newTestTable(WithShards(1), WithLockManager(locks, time.Second))
	_, err := locks.Acquire(context.Background(), tbl.lockKey(0), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err = tbl.Merge(ctx, []domain.EnrichedTrade{row("a", "Binance", base, "1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContextDone)
	assert.Zero(t, tbl.Len())
}

func TestLoad(t *testing.T) {
	tbl := newTestTable()

	n := tbl.Load([]domain.EnrichedTrade{
		row("a", "Binance", base, "1"),
		row("a", "Binance", base.Add(time.Second), "2"),
		row("b", "OKX", base, "3"),
	})
	assert.Equal(t, 2, n)

	got, _ := tbl.Get("a")
	assert.Equal(t, "2", got.Price.String())

	commit, _, err := tbl.Merge(context.Background(), []domain.EnrichedTrade{row("b", "OKX", base, "3")})
	require.NoError(t, err)
	assert.True(t, commit.Empty())
}
