package domain

import (
	"context"
	"sort"
	"time"
)

// TableSpec identifies the merged analytical table and its key columns.
type TableSpec struct {
	Database        string
	Name            string
	StoragePrefix   string
	PartitionColumn string
	RecordKeyColumn string
	PrecombineField string
}

// Commit is the set of rows a single merge changed, grouped by partition.
// Partitions maps an exchange name to the changed rows in that partition.
// Vacated lists partitions that lost a row because its exchange changed.
type Commit struct {
	ID         string
	Table      string
	CreatedAt  time.Time
	Partitions map[string][]EnrichedTrade
	Vacated    []string
	Inserted   int
	Updated    int
}

// Empty reports whether the commit changed nothing.
func (c Commit) Empty() bool {
	return c.Inserted == 0 && c.Updated == 0
}

// Touched returns every partition whose contents the commit changed, in
// ascending order.
func (c Commit) Touched() []string {
	set := make(map[string]struct{}, len(c.Partitions)+len(c.Vacated))
	for p := range c.Partitions {
		set[p] = struct{}{}
	}
	for _, p := range c.Vacated {
		set[p] = struct{}{}
	}
	return SortedPartitions(set)
}

// Rows returns every row of the commit in partition order.
func (c Commit) Rows() []EnrichedTrade {
	n := 0
	for _, rows := range c.Partitions {
		n += len(rows)
	}
	out := make([]EnrichedTrade, 0, n)
	for _, p := range SortedPartitions(c.Partitions) {
		out = append(out, c.Partitions[p]...)
	}
	return out
}

// TableSink persists a merge commit to an external copy of the table.
// Implementations must be idempotent: applying the same commit twice
// leaves the sink unchanged.
type TableSink interface {
	Upsert(ctx context.Context, commit Commit) error
}

// SortedPartitions returns the keys of a partition map in ascending order.
func SortedPartitions[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
