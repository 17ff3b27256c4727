package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/merge"
	"github.com/alanyoungcy/tradecdc/internal/metrics"
)

// Enricher turns coerced trades into enriched rows, dropping invalid ones.
type Enricher interface {
	EnrichAll(trades []domain.Trade) []domain.EnrichedTrade
}

// Merger applies enriched rows to the merged table.
type Merger interface {
	Merge(ctx context.Context, rows []domain.EnrichedTrade) (domain.Commit, merge.Stats, error)
}

// NamedSink is a table sink with a name used in logs and metrics.
type NamedSink struct {
	Name string
	Sink domain.TableSink
}

// JobConfig holds the stream coordinates of the merge job.
type JobConfig struct {
	Stream    string
	Consumer  string
	BatchSize int
}

// Stats describes one run of the merge job.
type Stats struct {
	Messages    int
	Unparseable int
	Rejected    int
	Merge       merge.Stats
	CommitID    string
	Checkpoint  string
	Retried     int // pending commits re-sent to the sinks
}

// Job reads delivered rows from the stream, enriches and merges them, and
// hands every resulting commit to the sinks. The checkpoint advances only
// after all sinks accepted the commit. A commit that a sink rejected is
// kept and re-sent before anything new is read.
type Job struct {
	cfg         JobConfig
	stream      domain.DeliveryStream
	checkpoints domain.CheckpointStore
	enricher    Enricher
	merger      Merger
	sinks       []NamedSink
	logger      *slog.Logger

	mu      sync.Mutex
	pending []pendingCommit
}

// pendingCommit is a merged commit whose sinks have not all succeeded.
type pendingCommit struct {
	commit     domain.Commit
	checkpoint string
}

// NewJob creates a Job.
func NewJob(
	cfg JobConfig,
	stream domain.DeliveryStream,
	checkpoints domain.CheckpointStore,
	enricher Enricher,
	merger Merger,
	sinks []NamedSink,
	logger *slog.Logger,
) *Job {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	return &Job{
		cfg:         cfg,
		stream:      stream,
		checkpoints: checkpoints,
		enricher:    enricher,
		merger:      merger,
		sinks:       sinks,
		logger:      logger.With(slog.String("component", "merge_job")),
	}
}

// Pending returns the number of commits waiting to be re-sent to the sinks.
func (j *Job) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// RunOnce processes at most one batch of stream messages after the
// consumer's checkpoint.
func (j *Job) RunOnce(ctx context.Context) (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stats Stats
	if err := j.flushPending(ctx, &stats); err != nil {
		return stats, err
	}

	last, err := j.checkpoints.Get(ctx, j.cfg.Consumer)
	if err != nil {
		return stats, fmt.Errorf("pipeline: load checkpoint: %w", err)
	}
	msgs, err := j.stream.StreamRead(ctx, j.cfg.Stream, last, j.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("pipeline: read stream: %w", err)
	}
	stats.Messages = len(msgs)
	if len(msgs) == 0 {
		stats.Checkpoint = last
		return stats, nil
	}

	trades := make([]domain.Trade, 0, len(msgs))
	for _, msg := range msgs {
		t, err := ParseTrade(msg.Payload)
		if err != nil {
			stats.Unparseable++
			metrics.RowsUnparseable.Inc()
			j.logger.WarnContext(ctx, "skipping unparseable row",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		trades = append(trades, t)
	}

	rows := j.enricher.EnrichAll(trades)
	stats.Rejected = len(trades) - len(rows)

	commit, mstats, err := j.merger.Merge(ctx, rows)
	stats.Merge = mstats
	if err != nil {
		return stats, fmt.Errorf("pipeline: merge: %w", err)
	}

	next := msgs[len(msgs)-1].ID
	if !commit.Empty() {
		stats.CommitID = commit.ID
		if err := j.publish(ctx, commit); err != nil {
			j.pending = append(j.pending, pendingCommit{commit: commit, checkpoint: next})
			return stats, err
		}
	}

	if err := j.checkpoints.Set(ctx, j.cfg.Consumer, next); err != nil {
		return stats, fmt.Errorf("pipeline: save checkpoint: %w", err)
	}
	stats.Checkpoint = next

	j.logger.InfoContext(ctx, "merge job batch done",
		slog.Int("messages", stats.Messages),
		slog.Int("unparseable", stats.Unparseable),
		slog.Int("rejected", stats.Rejected),
		slog.Int("inserted", mstats.Inserted),
		slog.Int("updated", mstats.Updated),
		slog.String("checkpoint", next),
	)
	return stats, nil
}

// Drain runs batches until the stream has no more messages after the
// checkpoint, or a batch fails.
func (j *Job) Drain(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		s, err := j.RunOnce(ctx)
		total.add(s)
		if err != nil || s.Messages < j.cfg.BatchSize {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *Stats) add(o Stats) {
	s.Messages += o.Messages
	s.Unparseable += o.Unparseable
	s.Rejected += o.Rejected
	s.Retried += o.Retried
	s.Merge.Input += o.Merge.Input
	s.Merge.Precombined += o.Merge.Precombined
	s.Merge.Inserted += o.Merge.Inserted
	s.Merge.Updated += o.Merge.Updated
	s.Merge.Unchanged += o.Merge.Unchanged
	s.Merge.Stale += o.Merge.Stale
	if o.CommitID != "" {
		s.CommitID = o.CommitID
	}
	if o.Checkpoint != "" {
		s.Checkpoint = o.Checkpoint
	}
}

// flushPending re-sends commits that a sink previously rejected, oldest
// first, advancing the checkpoint after each one.
func (j *Job) flushPending(ctx context.Context, stats *Stats) error {
	for len(j.pending) > 0 {
		p := j.pending[0]
		if err := j.publish(ctx, p.commit); err != nil {
			return err
		}
		if err := j.checkpoints.Set(ctx, j.cfg.Consumer, p.checkpoint); err != nil {
			return fmt.Errorf("pipeline: save checkpoint: %w", err)
		}
		j.pending = j.pending[1:]
		stats.Retried++
		j.logger.InfoContext(ctx, "pending commit delivered",
			slog.String("commit_id", p.commit.ID),
			slog.String("checkpoint", p.checkpoint),
		)
	}
	return nil
}

// publish hands the commit to every sink. All sinks are attempted even when
// one fails. Sinks are idempotent, so re-sending to the ones that succeeded
// is harmless.
func (j *Job) publish(ctx context.Context, commit domain.Commit) error {
	var errs []error
	for _, s := range j.sinks {
		if err := s.Sink.Upsert(ctx, commit); err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name).Inc()
			j.logger.ErrorContext(ctx, "sink rejected commit",
				slog.String("sink", s.Name),
				slog.String("commit_id", commit.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pipeline: commit %s: %w", commit.ID, errors.Join(errs...))
	}
	return nil
}
