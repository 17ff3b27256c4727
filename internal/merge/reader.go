package merge

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// Reader returns a domain.TradeReader over the in-memory table.
func (t *Table) Reader() domain.TradeReader {
	return tableReader{t: t}
}

type tableReader struct {
	t *Table
}

func (r tableReader) Get(_ context.Context, transactionID string) (domain.EnrichedTrade, error) {
	row, ok := r.t.Get(transactionID)
	if !ok {
		return domain.EnrichedTrade{}, fmt.Errorf("merge: trade %s: %w", transactionID, domain.ErrNotFound)
	}
	return row, nil
}

func (r tableReader) ListPartition(_ context.Context, exchange string, opts domain.ListOpts) ([]domain.EnrichedTrade, error) {
	rows := r.t.Scan(exchange)
	out := rows[:0]
	for _, row := range rows {
		if opts.Since != nil && row.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && row.Timestamp.After(*opts.Until) {
			continue
		}
		out = append(out, row)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
