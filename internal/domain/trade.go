package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Column scales of the trade table.
const (
	QuantityScale = 6
	PriceScale    = 2
	FeeScale      = 4
)

// Trade is a row of the raw transaction table after type coercion.
type Trade struct {
	TransactionID string          `json:"transaction_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Exchange      string          `json:"exchange"`
	TradingPair   string          `json:"trading_pair,omitempty"`
	OrderType     string          `json:"order_type,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TradeFee      decimal.Decimal `json:"trade_fee"`
	TradeStatus   string          `json:"trade_status"`
}

// Notional returns quantity × price.
func (t Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// RiskFlag classifies a trade by notional size.
type RiskFlag string

const (
	HighRisk   RiskFlag = "HIGH_RISK"
	MediumRisk RiskFlag = "MEDIUM_RISK"
	LowRisk    RiskFlag = "LOW_RISK"
)

// UserCategory buckets traders by trade quantity.
type UserCategory string

const (
	CategoryVIP    UserCategory = "VIP"
	CategoryActive UserCategory = "ACTIVE"
	CategoryCasual UserCategory = "CASUAL"
)

// StatusFailed is the trade_status value of trades that never settled.
const StatusFailed = "FAILED"

// EnrichedTrade is a Trade plus the derived business attributes stored in
// the processed table.
type EnrichedTrade struct {
	Trade
	IngestionTime    time.Time       `json:"ingestion_time"`
	RiskFlag         RiskFlag        `json:"risk_flag"`
	NormalizedPrice  decimal.Decimal `json:"normalized_price"`
	AdjustedTradeFee decimal.Decimal `json:"adjusted_trade_fee"`
	UserCategory     UserCategory    `json:"user_category"`
	HourBucket       string          `json:"hour_bucket"`
}

// SameContent reports whether two enriched rows carry identical values,
// ignoring IngestionTime, which is restamped every time a row is enriched.
// Decimals compare by value, instants by Equal.
func (e EnrichedTrade) SameContent(o EnrichedTrade) bool {
	return e.TransactionID == o.TransactionID &&
		e.Timestamp.Equal(o.Timestamp) &&
		e.Exchange == o.Exchange &&
		e.TradingPair == o.TradingPair &&
		e.OrderType == o.OrderType &&
		e.Quantity.Equal(o.Quantity) &&
		e.Price.Equal(o.Price) &&
		e.TradeFee.Equal(o.TradeFee) &&
		e.TradeStatus == o.TradeStatus &&
		e.RiskFlag == o.RiskFlag &&
		e.NormalizedPrice.Equal(o.NormalizedPrice) &&
		e.AdjustedTradeFee.Equal(o.AdjustedTradeFee) &&
		e.UserCategory == o.UserCategory &&
		e.HourBucket == o.HourBucket
}
