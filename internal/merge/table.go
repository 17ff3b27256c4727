// Package merge holds the exchange-partitioned trade table and applies
// upsert batches to it.
//
// Rows are spread over shards by a hash of their record key. Each shard is
// locked independently, so merges touching disjoint keys run in parallel
// while merges touching the same key are serialized. A shard indexes its
// rows by partition, which lets Scan visit one exchange without reading any
// other.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/metrics"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// lockRetryInterval is how long a merge waits before retrying a shard lock
// held by another process.
const lockRetryInterval = 50 * time.Millisecond

type shard struct {
	mu sync.Mutex
	// partition of every key stored in this shard
	keys map[string]string
	// partition -> key -> row
	byPartition map[string]map[string]domain.EnrichedTrade
}

func newShard() *shard {
	return &shard{
		keys:        make(map[string]string),
		byPartition: make(map[string]map[string]domain.EnrichedTrade),
	}
}

func (s *shard) get(key string) (domain.EnrichedTrade, bool) {
	p, ok := s.keys[key]
	if !ok {
		return domain.EnrichedTrade{}, false
	}
	row, ok := s.byPartition[p][key]
	return row, ok
}

func (s *shard) put(row domain.EnrichedTrade) (vacated string) {
	key := row.TransactionID
	if old, ok := s.keys[key]; ok && old != row.Exchange {
		delete(s.byPartition[old], key)
		if len(s.byPartition[old]) == 0 {
			delete(s.byPartition, old)
		}
		vacated = old
	}
	part, ok := s.byPartition[row.Exchange]
	if !ok {
		part = make(map[string]domain.EnrichedTrade)
		s.byPartition[row.Exchange] = part
	}
	part[key] = row
	s.keys[key] = row.Exchange
	return vacated
}

// Option configures a Table.
type Option func(*Table)

// WithShards sets the shard count. Values below one are ignored.
func WithShards(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.shards = make([]*shard, n)
		}
	}
}

// WithLockManager makes every shard update also hold a distributed lock,
// serializing same-key merges across processes sharing the table.
func WithLockManager(lm domain.LockManager, ttl time.Duration) Option {
	return func(t *Table) {
		t.locks = lm
		t.lockTTL = ttl
	}
}

// WithClock sets the source of commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// Table is the merged trade table.
type Table struct {
	spec    domain.TableSpec
	shards  []*shard
	locks   domain.LockManager
	lockTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewTable creates an empty table.
func NewTable(spec domain.TableSpec, logger *slog.Logger, opts ...Option) *Table {
	t := &Table{
		spec:    spec,
		shards:  make([]*shard, DefaultShards),
		lockTTL: 30 * time.Second,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "merge"), slog.String("table", spec.Name)),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.shards {
		t.shards[i] = newShard()
	}
	return t
}

// Spec returns the table's identity.
func (t *Table) Spec() domain.TableSpec { return t.spec }

func (t *Table) shardIndex(key string) int {
	return int(xxh3.HashString(key) % uint64(len(t.shards)))
}

// Stats counts what a merge did with its input rows.
type Stats struct {
	Input       int
	Precombined int // dropped in favour of a later row with the same key
	Inserted    int
	Updated     int
	Unchanged   int // identical to the stored row
	Stale       int // older than the stored row
}

// shardResult is what one shard contributes to a commit.
type shardResult struct {
	changed []domain.EnrichedTrade
	vacated []string
	stats   Stats
}

// Merge upserts rows into the table. Rows sharing a record key are first
// reduced to the one with the greatest timestamp (the later occurrence on
// ties). A resolved row is inserted when its key is absent and replaces the
// stored row when its timestamp is not older. Re-applying a batch changes
// nothing and yields an empty commit.
func (t *Table) Merge(ctx context.Context, rows []domain.EnrichedTrade) (domain.Commit, Stats, error) {
	start := time.Now()
	defer func() { metrics.MergeDuration.Observe(time.Since(start).Seconds()) }()

	resolved := Precombine(rows)
	stats := Stats{Input: len(rows), Precombined: len(rows) - len(resolved)}

	groups := make([][]domain.EnrichedTrade, len(t.shards))
	for _, row := range resolved {
		i := t.shardIndex(row.TransactionID)
		groups[i] = append(groups[i], row)
	}

	results := make([]shardResult, len(t.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		g.Go(func() error {
			res, err := t.applyShard(gctx, i, group)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Commit{}, stats, fmt.Errorf("merge: %w", err)
	}

	commit := domain.Commit{
		ID:         uuid.New().String(),
		Table:      t.spec.Name,
		CreatedAt:  t.now().UTC(),
		Partitions: make(map[string][]domain.EnrichedTrade),
	}
	vacated := make(map[string]struct{})
	for _, res := range results {
		for _, row := range res.changed {
			commit.Partitions[row.Exchange] = append(commit.Partitions[row.Exchange], row)
		}
		for _, p := range res.vacated {
			vacated[p] = struct{}{}
		}
		stats.Inserted += res.stats.Inserted
		stats.Updated += res.stats.Updated
		stats.Unchanged += res.stats.Unchanged
		stats.Stale += res.stats.Stale
	}
	for p, rows := range commit.Partitions {
		sortByKey(rows)
		commit.Partitions[p] = rows
	}
	commit.Vacated = domain.SortedPartitions(vacated)
	commit.Inserted = stats.Inserted
	commit.Updated = stats.Updated

	metrics.MergeRows.WithLabelValues("inserted").Add(float64(stats.Inserted))
	metrics.MergeRows.WithLabelValues("updated").Add(float64(stats.Updated))
	metrics.MergeRows.WithLabelValues("unchanged").Add(float64(stats.Unchanged))
	metrics.MergeRows.WithLabelValues("stale").Add(float64(stats.Stale))
	metrics.MergeRows.WithLabelValues("precombined").Add(float64(stats.Precombined))

	t.logger.InfoContext(ctx, "merge applied",
		slog.String("commit_id", commit.ID),
		slog.Int("input", stats.Input),
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("unchanged", stats.Unchanged),
		slog.Int("stale", stats.Stale),
		slog.Int("partitions", len(commit.Touched())),
	)
	return commit, stats, nil
}

func (t *Table) applyShard(ctx context.Context, i int, rows []domain.EnrichedTrade) (shardResult, error) {
	if t.locks != nil {
		unlock, err := t.acquire(ctx, t.lockKey(i))
		if err != nil {
			return shardResult{}, err
		}
		defer unlock()
	}

	s := t.shards[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	var res shardResult
	for _, row := range rows {
		stored, ok := s.get(row.TransactionID)
		switch {
		case !ok:
			res.stats.Inserted++
		case row.Timestamp.Before(stored.Timestamp):
			res.stats.Stale++
			continue
		case row.SameContent(stored):
			// The stored row keeps its original ingestion time.
			res.stats.Unchanged++
			continue
		default:
			res.stats.Updated++
		}
		if v := s.put(row); v != "" {
			res.vacated = append(res.vacated, v)
		}
		res.changed = append(res.changed, row)
	}
	return res, nil
}

func (t *Table) lockKey(i int) string {
	return "merge:" + t.spec.Name + ":shard:" + strconv.Itoa(i)
}

// acquire takes a distributed lock, retrying while another holder has it.
func (t *Table) acquire(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := t.locks.Acquire(ctx, key, t.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for lock %s", domain.ErrContextDone, key)
		case <-time.After(lockRetryInterval):
		}
	}
}

// Precombine reduces rows to one per record key, keeping the row with the
// greatest timestamp and, on equal timestamps, the later one. The result
// keeps the order in which keys first appeared.
func Precombine(rows []domain.EnrichedTrade) []domain.EnrichedTrade {
	idx := make(map[string]int, len(rows))
	out := make([]domain.EnrichedTrade, 0, len(rows))
	for _, row := range rows {
		j, seen := idx[row.TransactionID]
		if !seen {
			idx[row.TransactionID] = len(out)
			out = append(out, row)
			continue
		}
		if !row.Timestamp.Before(out[j].Timestamp) {
			out[j] = row
		}
	}
	return out
}

// Get returns the stored row for a record key.
func (t *Table) Get(key string) (domain.EnrichedTrade, bool) {
	s := t.shards[t.shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

// Scan returns every row of one partition ordered by record key.
func (t *Table) Scan(partition string) []domain.EnrichedTrade {
	var out []domain.EnrichedTrade
	for _, s := range t.shards {
		s.mu.Lock()
		for _, row := range s.byPartition[partition] {
			out = append(out, row)
		}
		s.mu.Unlock()
	}
	sortByKey(out)
	return out
}

// Partitions returns the names of all non-empty partitions.
func (t *Table) Partitions() []string {
	set := make(map[string]struct{})
	for _, s := range t.shards {
		s.mu.Lock()
		for p := range s.byPartition {
			set[p] = struct{}{}
		}
		s.mu.Unlock()
	}
	return domain.SortedPartitions(set)
}

// Len returns the number of stored rows.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns the whole table grouped by partition, each partition
// ordered by record key.
func (t *Table) Snapshot() map[string][]domain.EnrichedTrade {
	out := make(map[string][]domain.EnrichedTrade)
	for _, p := range t.Partitions() {
		out[p] = t.Scan(p)
	}
	return out
}

// Load seeds the table with rows read back from storage. It applies the
// same precedence rules as Merge but produces no commit.
func (t *Table) Load(rows []domain.EnrichedTrade) int {
	loaded := 0
	for _, row := range Precombine(rows) {
		s := t.shards[t.shardIndex(row.TransactionID)]
		s.mu.Lock()
		stored, ok := s.get(row.TransactionID)
		if !ok || !row.Timestamp.Before(stored.Timestamp) {
			s.put(row)
			loaded++
		}
		s.mu.Unlock()
	}
	return loaded
}

func sortByKey(rows []domain.EnrichedTrade) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].TransactionID < rows[j].TransactionID })
}
