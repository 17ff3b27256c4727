package enrich

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/metrics"
)

// DefaultMultipliers is the stock price normalization table.
func DefaultMultipliers() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"Binance":  decimal.RequireFromString("1.00"),
		"Coinbase": decimal.RequireFromString("1.02"),
		"Kraken":   decimal.RequireFromString("0.98"),
		"OKX":      decimal.RequireFromString("1.01"),
		"FTX":      decimal.RequireFromString("0.99"),
		"Bitfinex": decimal.RequireFromString("1.03"),
	}
}

// Engine applies the rule set and the validity filter. It holds no mutable
// state besides the rejection counter and is safe for concurrent use.
type Engine struct {
	rules    []Rule
	rejected atomic.Int64
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	multipliers map[string]decimal.Decimal
	now         func() time.Time
}

// WithMultipliers replaces the price normalization table.
func WithMultipliers(m map[string]decimal.Decimal) Option {
	return func(o *engineOptions) {
		o.multipliers = make(map[string]decimal.Decimal, len(m))
		for k, v := range m {
			o.multipliers[k] = v
		}
	}
}

// WithClock sets the source of ingestion_time.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// NewEngine builds an Engine.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	o := engineOptions{
		multipliers: DefaultMultipliers(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		rules: []Rule{
			IngestionTime(o.now),
			RiskFlag,
			NormalizedPrice(o.multipliers),
			AdjustedFee,
			UserCategory,
			HourBucket,
		},
		logger: logger.With(slog.String("component", "enrich")),
	}
}

// Enrich derives every attribute of t. It returns false when t fails the
// validity filter; such trades are counted, not reported as errors.
func (e *Engine) Enrich(t domain.Trade) (domain.EnrichedTrade, bool) {
	if reason := Validate(t); reason != "" {
		e.rejected.Add(1)
		metrics.TradesRejected.WithLabelValues(reason).Inc()
		e.logger.Debug("trade rejected",
			slog.String("transaction_id", t.TransactionID),
			slog.String("reason", reason),
		)
		return domain.EnrichedTrade{}, false
	}

	out := domain.EnrichedTrade{Trade: t}
	for _, rule := range e.rules {
		out = rule(out)
	}
	return out, true
}

// EnrichAll enriches trades in order, dropping rejected ones.
func (e *Engine) EnrichAll(trades []domain.Trade) []domain.EnrichedTrade {
	out := make([]domain.EnrichedTrade, 0, len(trades))
	for _, t := range trades {
		if et, ok := e.Enrich(t); ok {
			out = append(out, et)
		}
	}
	return out
}

// Rejected returns how many trades the filter has dropped so far.
func (e *Engine) Rejected() int64 {
	return e.rejected.Load()
}
