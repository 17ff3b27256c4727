// Package enrich derives the business attributes of a trade and filters out
// trades that must never reach the merged table.
//
// Every rule is a pure function from an EnrichedTrade value to a new one;
// rules read only the embedded Trade, so their order does not matter.
package enrich

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// Rule derives one attribute.
type Rule func(domain.EnrichedTrade) domain.EnrichedTrade

var (
	highRiskNotional   = decimal.NewFromInt(500_000)
	mediumRiskNotional = decimal.NewFromInt(100_000)

	tier1FeeNotional = decimal.NewFromInt(100_000)
	tier2FeeNotional = decimal.NewFromInt(50_000)
	tier1FeeFactor   = decimal.RequireFromString("0.90")
	tier2FeeFactor   = decimal.RequireFromString("0.95")

	vipQuantity    = decimal.NewFromInt(2)
	activeQuantity = decimal.NewFromInt(1)

	defaultMultiplier = decimal.NewFromInt(1)
)

// HourBucketLayout is the fixed-width label format of hour_bucket.
const HourBucketLayout = "2006-01-02 15:00:00"

// RiskFlag classifies by notional with strict thresholds, so a notional of
// exactly 500,000 is MEDIUM_RISK.
func RiskFlag(e domain.EnrichedTrade) domain.EnrichedTrade {
	notional := e.Notional()
	switch {
	case notional.GreaterThan(highRiskNotional):
		e.RiskFlag = domain.HighRisk
	case notional.GreaterThan(mediumRiskNotional):
		e.RiskFlag = domain.MediumRisk
	default:
		e.RiskFlag = domain.LowRisk
	}
	return e
}

// AdjustedFee discounts the fee by notional tier. Tier boundaries are
// inclusive, unlike RiskFlag.
func AdjustedFee(e domain.EnrichedTrade) domain.EnrichedTrade {
	notional := e.Notional()
	fee := e.TradeFee
	switch {
	case notional.GreaterThanOrEqual(tier1FeeNotional):
		fee = fee.Mul(tier1FeeFactor)
	case notional.GreaterThanOrEqual(tier2FeeNotional):
		fee = fee.Mul(tier2FeeFactor)
	}
	e.AdjustedTradeFee = fee.Round(domain.FeeScale)
	return e
}

// UserCategory buckets by quantity.
func UserCategory(e domain.EnrichedTrade) domain.EnrichedTrade {
	switch {
	case e.Quantity.GreaterThan(vipQuantity):
		e.UserCategory = domain.CategoryVIP
	case e.Quantity.GreaterThan(activeQuantity):
		e.UserCategory = domain.CategoryActive
	default:
		e.UserCategory = domain.CategoryCasual
	}
	return e
}

// HourBucket labels the trade with its hour in the timestamp's own zone.
func HourBucket(e domain.EnrichedTrade) domain.EnrichedTrade {
	e.HourBucket = e.Timestamp.Format(HourBucketLayout)
	return e
}

// NormalizedPrice returns a rule that scales the price by the exchange's
// multiplier and rounds half away from zero to the price scale. Exchanges
// missing from multipliers pass the price through.
func NormalizedPrice(multipliers map[string]decimal.Decimal) Rule {
	return func(e domain.EnrichedTrade) domain.EnrichedTrade {
		m, ok := multipliers[e.Exchange]
		if !ok {
			m = defaultMultiplier
		}
		e.NormalizedPrice = e.Price.Mul(m).Round(domain.PriceScale)
		return e
	}
}

// IngestionTime returns a rule stamping the row with now().
func IngestionTime(now func() time.Time) Rule {
	return func(e domain.EnrichedTrade) domain.EnrichedTrade {
		e.IngestionTime = now().UTC()
		return e
	}
}

// Rejection reasons reported by Validate.
const (
	ReasonFailedStatus     = "failed_status"
	ReasonNonPositiveQty   = "non_positive_quantity"
	ReasonNonPositivePrice = "non_positive_price"
)

// Validate returns the reason t must be rejected, or "" when it is valid.
func Validate(t domain.Trade) string {
	switch {
	case t.TradeStatus == domain.StatusFailed:
		return ReasonFailedStatus
	case !t.Quantity.IsPositive():
		return ReasonNonPositiveQty
	case !t.Price.IsPositive():
		return ReasonNonPositivePrice
	}
	return ""
}
