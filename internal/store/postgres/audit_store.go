package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// EventCommit is the audit event recorded for every applied merge commit.
const EventCommit = "table.commit"

// AuditStore is the append-only audit log. Merge commits are recorded in
// it once per commit id, which makes it usable as a table sink.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an audit entry. detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	return s.insert(ctx, event, nil, detail)
}

// Upsert records commit in the log. Re-sending a commit that is already
// recorded is a no-op.
func (s *AuditStore) Upsert(ctx context.Context, commit domain.Commit) error {
	return s.insert(ctx, EventCommit, &commit.ID, CommitDetail(commit))
}

func (s *AuditStore) insert(ctx context.Context, event string, commitID *string, detail map[string]any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	const query = `
		INSERT INTO audit_log (event, commit_id, detail) VALUES ($1, $2, $3)
		ON CONFLICT (commit_id) WHERE commit_id IS NOT NULL DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, event, commitID, body); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// CommitDetail summarizes a commit for the audit log.
func CommitDetail(commit domain.Commit) map[string]any {
	counts := make(map[string]int, len(commit.Partitions))
	for p, rows := range commit.Partitions {
		counts[p] = len(rows)
	}
	return map[string]any{
		"commit_id":  commit.ID,
		"table":      commit.Table,
		"created_at": commit.CreatedAt,
		"inserted":   commit.Inserted,
		"updated":    commit.Updated,
		"partitions": counts,
		"vacated":    commit.Vacated,
	}
}

// List returns audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.list(ctx, "", opts)
}

// ListCommits returns only the commit entries, newest first.
func (s *AuditStore) ListCommits(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.list(ctx, EventCommit, opts)
}

func (s *AuditStore) list(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if event != "" {
		where = append(where, "event = "+arg(event))
	}
	if opts.Since != nil {
		where = append(where, "created_at >= "+arg(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= "+arg(*opts.Until))
	}

	var b strings.Builder
	b.WriteString("SELECT id, event, detail, created_at FROM audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT " + arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET " + arg(opts.Offset))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var e domain.AuditEntry
		var detail []byte
		if err := row.Scan(&e.ID, &e.Event, &detail, &e.CreatedAt); err != nil {
			return e, err
		}
		if detail != nil {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return e, fmt.Errorf("detail of entry %d: %w", e.ID, err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit entries: %w", err)
	}
	return entries, nil
}

var (
	_ domain.AuditStore = (*AuditStore)(nil)
	_ domain.TableSink  = (*AuditStore)(nil)
)
