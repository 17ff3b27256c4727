package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// TradeTable is the queryable copy of the merged table. It implements
// domain.TableSink and domain.TradeReader.
type TradeTable struct {
	pool *pgxpool.Pool
}

// NewTradeTable creates a TradeTable backed by the given connection pool.
func NewTradeTable(pool *pgxpool.Pool) *TradeTable {
	return &TradeTable{pool: pool}
}

const tradeTableCols = `transaction_id, "timestamp", exchange, trading_pair, order_type,
	quantity, price, trade_fee, trade_status, ingestion_time, risk_flag,
	normalized_price, adjusted_trade_fee, user_category, hour_bucket`

// The WHERE clause repeats the precombine rule so that a replayed or
// out-of-order commit never moves a row back in time.
const upsertTradeSQL = `
	INSERT INTO processed_crypto_txn (` + tradeTableCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (transaction_id) DO UPDATE SET
		"timestamp"        = EXCLUDED."timestamp",
		exchange           = EXCLUDED.exchange,
		trading_pair       = EXCLUDED.trading_pair,
		order_type         = EXCLUDED.order_type,
		quantity           = EXCLUDED.quantity,
		price              = EXCLUDED.price,
		trade_fee          = EXCLUDED.trade_fee,
		trade_status       = EXCLUDED.trade_status,
		ingestion_time     = EXCLUDED.ingestion_time,
		risk_flag          = EXCLUDED.risk_flag,
		normalized_price   = EXCLUDED.normalized_price,
		adjusted_trade_fee = EXCLUDED.adjusted_trade_fee,
		user_category      = EXCLUDED.user_category,
		hour_bucket        = EXCLUDED.hour_bucket
	WHERE processed_crypto_txn."timestamp" <= EXCLUDED."timestamp"`

// Upsert writes every row of the commit in one transaction using a pgx
// Batch.
func (t *TradeTable) Upsert(ctx context.Context, commit domain.Commit) error {
	rows := commit.Rows()
	if len(rows) == 0 {
		return nil
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin commit %s: %w", commit.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertTradeSQL,
			r.TransactionID, r.Timestamp, r.Exchange, r.TradingPair, r.OrderType,
			r.Quantity, r.Price, r.TradeFee, r.TradeStatus, r.IngestionTime,
			string(r.RiskFlag), r.NormalizedPrice, r.AdjustedTradeFee,
			string(r.UserCategory), r.HourBucket,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for _, r := range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: upsert trade %s: %w", r.TransactionID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close batch for commit %s: %w", commit.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit %s: %w", commit.ID, err)
	}
	return nil
}

func scanEnriched(row pgx.Row) (domain.EnrichedTrade, error) {
	var (
		e        domain.EnrichedTrade
		risk     string
		category string
	)
	err := row.Scan(
		&e.TransactionID, &e.Timestamp, &e.Exchange, &e.TradingPair, &e.OrderType,
		&e.Quantity, &e.Price, &e.TradeFee, &e.TradeStatus, &e.IngestionTime,
		&risk, &e.NormalizedPrice, &e.AdjustedTradeFee, &category, &e.HourBucket,
	)
	e.RiskFlag = domain.RiskFlag(risk)
	e.UserCategory = domain.UserCategory(category)
	return e, err
}

// Get returns the row stored for a transaction.
func (t *TradeTable) Get(ctx context.Context, transactionID string) (domain.EnrichedTrade, error) {
	query := `SELECT ` + tradeTableCols + ` FROM processed_crypto_txn WHERE transaction_id = $1`
	e, err := scanEnriched(t.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EnrichedTrade{}, fmt.Errorf("postgres: trade %s: %w", transactionID, domain.ErrNotFound)
		}
		return domain.EnrichedTrade{}, fmt.Errorf("postgres: get trade %s: %w", transactionID, err)
	}
	return e, nil
}

// ListPartition returns the rows of one exchange ordered by transaction id.
// Since and Until filter on the trade timestamp.
func (t *TradeTable) ListPartition(ctx context.Context, exchange string, opts domain.ListOpts) ([]domain.EnrichedTrade, error) {
	query := `SELECT ` + tradeTableCols + ` FROM processed_crypto_txn WHERE exchange = $1`
	args := []any{exchange}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(` AND "timestamp" >= $%d`, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(` AND "timestamp" <= $%d`, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY transaction_id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list partition %s: %w", exchange, err)
	}
	defer rows.Close()

	var out []domain.EnrichedTrade
	for rows.Next() {
		e, err := scanEnriched(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list partition %s rows: %w", exchange, err)
	}
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.TableSink   = (*TradeTable)(nil)
	_ domain.TradeReader = (*TradeTable)(nil)
)
