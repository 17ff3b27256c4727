package enrich

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(slog.New(slog.NewJSONHandler(io.Discard, nil)), opts...)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(qty, price, fee string) domain.Trade {
	return domain.Trade{
		TransactionID: "tx-1",
		Timestamp:     time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC),
		Exchange:      "Binance",
		TradingPair:   "BTC/USD",
		OrderType:     "LIMIT",
		Quantity:      d(qty),
		Price:         d(price),
		TradeFee:      d(fee),
		TradeStatus:   "COMPLETED",
	}
}

func TestRiskFlag(t *testing.T) {
	tests := []struct {
		name       string
		qty, price string
		want       domain.RiskFlag
	}{
		{"small trade", "3", "10", domain.LowRisk},
		{"exactly 100k is low", "1000", "100", domain.LowRisk},
		{"just above 100k", "1000", "100.01", domain.MediumRisk},
		{"exactly 500k is medium", "10000", "50", domain.MediumRisk},
		{"just above 500k", "10000", "50.01", domain.HighRisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RiskFlag(domain.EnrichedTrade{Trade: trade(tt.qty, tt.price, "0")})
			assert.Equal(t, tt.want, got.RiskFlag)
		})
	}
}

func TestAdjustedFee(t *testing.T) {
	tests := []struct {
		name       string
		qty, price string
		fee        string
		want       string
	}{
		{"below both tiers", "1", "49999.99", "10.0000", "10"},
		{"exactly 50k gets 5%", "1", "50000", "10", "9.5"},
		{"between tiers", "2", "30000", "12.3456", "11.7283"},
		{"exactly 100k gets 10%", "1000", "100", "10", "9"},
		{"large trade", "10", "60000", "123.4567", "111.111"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustedFee(domain.EnrichedTrade{Trade: trade(tt.qty, tt.price, tt.fee)})
			assert.True(t, d(tt.want).Equal(got.AdjustedTradeFee), "got %s", got.AdjustedTradeFee)
		})
	}
}

func TestUserCategory(t *testing.T) {
	tests := []struct {
		qty  string
		want domain.UserCategory
	}{
		{"2.000001", domain.CategoryVIP},
		{"2", domain.CategoryActive},
		{"1.5", domain.CategoryActive},
		{"1", domain.CategoryCasual},
		{"0.01", domain.CategoryCasual},
	}

	for _, tt := range tests {
		t.Run(tt.qty, func(t *testing.T) {
			got := UserCategory(domain.EnrichedTrade{Trade: trade(tt.qty, "1", "0")})
			assert.Equal(t, tt.want, got.UserCategory)
		})
	}
}

func TestNormalizedPrice(t *testing.T) {
	rule := NormalizedPrice(DefaultMultipliers())

	tests := []struct {
		exchange string
		price    string
		want     string
	}{
		{"Binance", "100.00", "100.00"},
		{"Coinbase", "100.00", "102.00"},
		{"Kraken", "33.33", "32.66"},
		{"Bitfinex", "10.05", "10.35"},
		{"OKX", "0.50", "0.51"},
		{"UnknownDEX", "123.45", "123.45"},
	}

	for _, tt := range tests {
		t.Run(tt.exchange, func(t *testing.T) {
			tr := trade("1", tt.price, "0")
			tr.Exchange = tt.exchange
			got := rule(domain.EnrichedTrade{Trade: tr})
			assert.True(t, d(tt.want).Equal(got.NormalizedPrice), "got %s", got.NormalizedPrice)
		})
	}
}

func TestHourBucket_KeepsZone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)

	tr := trade("1", "1", "0")
	tr.Timestamp = time.Date(2024, 1, 15, 10, 45, 12, 0, ist)
	got := HourBucket(domain.EnrichedTrade{Trade: tr})
	assert.Equal(t, "2024-01-15 10:00:00", got.HourBucket)

	tr.Timestamp = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	got = HourBucket(domain.EnrichedTrade{Trade: tr})
	assert.Equal(t, "2024-01-15 00:00:00", got.HourBucket)
}

func TestEnrich_AllFields(t *testing.T) {
	e := newTestEngine()

	tr := trade("2.5", "45000.00", "25.0000")
	tr.Exchange = "Coinbase"

	got, ok := e.Enrich(tr)
	require.True(t, ok)

	assert.Equal(t, tr, got.Trade)
	assert.Equal(t, fixedNow, got.IngestionTime)
	assert.Equal(t, domain.MediumRisk, got.RiskFlag) // 112,500
	assert.True(t, d("45900").Equal(got.NormalizedPrice))
	assert.True(t, d("22.5").Equal(got.AdjustedTradeFee))
	assert.Equal(t, domain.CategoryVIP, got.UserCategory)
	assert.Equal(t, "2024-02-29 23:00:00", got.HourBucket)
}

func TestEnrich_Rejections(t *testing.T) {
	e := newTestEngine()

	failed := trade("5", "1000", "1")
	failed.TradeStatus = domain.StatusFailed

	tests := []struct {
		name string
		in   domain.Trade
	}{
		{"failed status", failed},
		{"zero quantity", trade("0", "10", "1")},
		{"negative quantity", trade("-1", "10", "1")},
		{"zero price", trade("1", "0", "1")},
		{"negative price", trade("1", "-0.01", "1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := e.Enrich(tt.in)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, int64(len(tests)), e.Rejected())
}

func TestEnrich_FailedRejectedRegardlessOfValues(t *testing.T) {
	e := newTestEngine()
	for _, status := range []string{"FAILED"} {
		for _, qty := range []string{"0.000001", "1", "10000"} {
			tr := trade(qty, "99999.99", "1")
			tr.TradeStatus = status
			_, ok := e.Enrich(tr)
			assert.False(t, ok)
		}
	}
	assert.Equal(t, int64(3), e.Rejected())
}

func TestEnrichAll_DropsRejectedKeepsOrder(t *testing.T) {
	e := newTestEngine(WithMultipliers(map[string]decimal.Decimal{"Binance": d("2")}))

	a := trade("1", "10", "0")
	a.TransactionID = "a"
	bad := trade("0", "10", "0")
	bad.TransactionID = "bad"
	b := trade("1", "20", "0")
	b.TransactionID = "b"

	got := e.EnrichAll([]domain.Trade{a, bad, b})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TransactionID)
	assert.Equal(t, "b", got[1].TransactionID)
	assert.True(t, d("40").Equal(got[1].NormalizedPrice))
	assert.Equal(t, int64(1), e.Rejected())
}

func TestRulesArePure(t *testing.T) {
	in := domain.EnrichedTrade{Trade: trade("3", "10", "1")}
	before := in

	for _, rule := range []Rule{RiskFlag, AdjustedFee, UserCategory, HourBucket, NormalizedPrice(DefaultMultipliers())} {
		_ = rule(in)
	}
	assert.True(t, before.Equal(in))

	first := RiskFlag(in)
	second := RiskFlag(in)
	assert.True(t, first.Equal(second))
	assert.Equal(t, domain.LowRisk, first.RiskFlag)
}
