package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	contentTypeJSON  = "application/json"

	// multipartThreshold is the file size above which partition files are
	// uploaded in parts.
	multipartThreshold = 16 << 20

	timelineDir = ".timeline"
)

// PartitionSource returns the full current contents of a partition.
type PartitionSource interface {
	Scan(partition string) []domain.EnrichedTrade
}

// TimelineEntry is the commit file written to the timeline once every
// partition file of the commit is in place.
type TimelineEntry struct {
	CommitID   string            `json:"commit_id"`
	Table      string            `json:"table"`
	CreatedAt  time.Time         `json:"created_at"`
	Operation  string            `json:"operation"`
	Inserted   int               `json:"inserted"`
	Updated    int               `json:"updated"`
	Files      map[string]string `json:"files"` // partition -> object key
	RowCounts  map[string]int    `json:"row_counts"`
	Partitions []string          `json:"partitions"`
}

// TableSink writes the table copy-on-write. For every commit it rewrites
// each touched partition in full, then appends a timeline entry. Readers
// take the newest file of each partition, so a commit whose timeline entry
// is missing is simply superseded by the next one.
type TableSink struct {
	writer  domain.BlobWriter
	deleter domain.BlobDeleter
	reader  domain.BlobReader
	source  PartitionSource
	spec    domain.TableSpec
	retain  int
	logger  *slog.Logger
}

// SinkOption configures a TableSink.
type SinkOption func(*TableSink)

// WithCleaner keeps only the newest retain files of every touched
// partition, deleting older ones after each commit.
func WithCleaner(reader domain.BlobReader, deleter domain.BlobDeleter, retain int) SinkOption {
	return func(s *TableSink) {
		s.reader = reader
		s.deleter = deleter
		s.retain = retain
	}
}

// NewTableSink creates a TableSink.
func NewTableSink(writer domain.BlobWriter, source PartitionSource, spec domain.TableSpec, logger *slog.Logger, opts ...SinkOption) *TableSink {
	s := &TableSink{
		writer: writer,
		source: source,
		spec:   spec,
		logger: logger.With(slog.String("component", "s3_table_sink")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert implements domain.TableSink.
func (s *TableSink) Upsert(ctx context.Context, commit domain.Commit) error {
	touched := commit.Touched()
	if len(touched) == 0 {
		return nil
	}

	entry := TimelineEntry{
		CommitID:   commit.ID,
		Table:      commit.Table,
		CreatedAt:  commit.CreatedAt,
		Operation:  "upsert",
		Inserted:   commit.Inserted,
		Updated:    commit.Updated,
		Files:      make(map[string]string, len(touched)),
		RowCounts:  make(map[string]int, len(touched)),
		Partitions: touched,
	}

	for _, p := range touched {
		rows := s.source.Scan(p)
		buf, err := marshalJSONL(rows)
		if err != nil {
			return fmt.Errorf("s3blob: marshal partition %s: %w", p, err)
		}

		key := PartitionFile(s.spec, p, commit)
		if len(buf) > multipartThreshold {
			err = s.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
		} else {
			err = s.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
		}
		if err != nil {
			return fmt.Errorf("s3blob: write partition %s: %w", p, err)
		}
		entry.Files[p] = key
		entry.RowCounts[p] = len(rows)
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("s3blob: marshal timeline entry: %w", err)
	}
	timelineKey := TimelineFile(s.spec, commit)
	if err := s.writer.Put(ctx, timelineKey, bytes.NewReader(body), contentTypeJSON); err != nil {
		return fmt.Errorf("s3blob: write timeline entry %s: %w", commit.ID, err)
	}

	s.logger.InfoContext(ctx, "commit written",
		slog.String("commit_id", commit.ID),
		slog.Int("partitions", len(touched)),
		slog.String("timeline", timelineKey),
	)

	if s.retain > 0 && s.deleter != nil && s.reader != nil {
		for _, p := range touched {
			if err := s.clean(ctx, p); err != nil {
				// Cleanup failures never fail the commit.
				s.logger.WarnContext(ctx, "partition cleanup failed",
					slog.String("partition", p),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// clean deletes all but the newest retain files of a partition.
func (s *TableSink) clean(ctx context.Context, partition string) error {
	infos, err := s.reader.List(ctx, PartitionDir(s.spec, partition)+"/")
	if err != nil {
		return err
	}
	keys := dataFiles(infos)
	if len(keys) <= s.retain {
		return nil
	}
	for _, k := range keys[:len(keys)-s.retain] {
		if err := s.deleter.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// PartitionDir returns the object prefix of a partition, e.g.
//
//	crypto_processed/exchange=Binance
func PartitionDir(spec domain.TableSpec, partition string) string {
	return path.Join(spec.StoragePrefix, spec.PartitionColumn+"="+partition)
}

// PartitionFile returns the object key of a partition file written by a
// commit. Keys sort by commit time.
//
//	crypto_processed/exchange=Binance/20240115T103000.000000000Z_<id>.jsonl
func PartitionFile(spec domain.TableSpec, partition string, commit domain.Commit) string {
	return path.Join(PartitionDir(spec, partition), commitStamp(commit)+".jsonl")
}

// TimelineFile returns the object key of a commit's timeline entry.
func TimelineFile(spec domain.TableSpec, commit domain.Commit) string {
	return path.Join(spec.StoragePrefix, timelineDir, commitStamp(commit)+".commit")
}

func commitStamp(commit domain.Commit) string {
	return commit.CreatedAt.UTC().Format("20060102T150405.000000000Z") + "_" + commit.ID
}

// dataFiles returns the partition data files among infos, oldest first.
func dataFiles(infos []domain.BlobInfo) []string {
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			keys = append(keys, info.Path)
		}
	}
	sort.Strings(keys)
	return keys
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.TableSink = (*TableSink)(nil)
