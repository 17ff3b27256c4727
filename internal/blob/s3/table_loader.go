package s3blob

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// maxLineBytes bounds a single JSONL row when reading partition files.
const maxLineBytes = 1 << 20

// TableLoader reads the newest snapshot of every partition back from the
// bucket. It is used to seed the in-memory table on startup.
type TableLoader struct {
	reader domain.BlobReader
	spec   domain.TableSpec
	logger *slog.Logger
}

// NewTableLoader creates a TableLoader.
func NewTableLoader(reader domain.BlobReader, spec domain.TableSpec, logger *slog.Logger) *TableLoader {
	return &TableLoader{
		reader: reader,
		spec:   spec,
		logger: logger.With(slog.String("component", "s3_table_loader")),
	}
}

// LatestFiles returns the newest data file of each partition.
func (l *TableLoader) LatestFiles(ctx context.Context) (map[string]string, error) {
	prefix := path.Join(l.spec.StoragePrefix, l.spec.PartitionColumn+"=")
	infos, err := l.reader.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list table files: %w", err)
	}

	latest := make(map[string]string)
	for _, key := range dataFiles(infos) {
		partition, ok := l.partitionOf(key)
		if !ok {
			continue
		}
		// dataFiles is sorted, so later keys are newer.
		latest[partition] = key
	}
	return latest, nil
}

// partitionOf extracts the partition value from a data file key.
func (l *TableLoader) partitionOf(key string) (string, bool) {
	dir := path.Dir(key)
	if path.Clean(path.Dir(dir)) != path.Clean(l.spec.StoragePrefix) {
		return "", false
	}
	value, found := strings.CutPrefix(path.Base(dir), l.spec.PartitionColumn+"=")
	return value, found && value != ""
}

// LoadLatest reads every row of the newest file of each partition.
func (l *TableLoader) LoadLatest(ctx context.Context) ([]domain.EnrichedTrade, error) {
	files, err := l.LatestFiles(ctx)
	if err != nil {
		return nil, err
	}

	var rows []domain.EnrichedTrade
	for _, partition := range domain.SortedPartitions(files) {
		part, err := l.readFile(ctx, files[partition])
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}

	l.logger.InfoContext(ctx, "table snapshot loaded",
		slog.Int("partitions", len(files)),
		slog.Int("rows", len(rows)),
	)
	return rows, nil
}

func (l *TableLoader) readFile(ctx context.Context, key string) ([]domain.EnrichedTrade, error) {
	body, err := l.reader.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", key, err)
	}
	defer body.Close()

	var rows []domain.EnrichedTrade
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var row domain.EnrichedTrade
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s line %d: %w", key, line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: scan %s: %w", key, err)
	}
	return rows, nil
}
