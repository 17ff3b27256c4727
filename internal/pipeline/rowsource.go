package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/enrich"
)

// ParseTrade coerces one delivered JSON row into a Trade. Decimal columns
// accept JSON numbers or numeric strings and are rounded to the table's
// column scales. A missing trade_fee reads as zero. Errors wrap
// domain.ErrInvalidRow.
func ParseTrade(line []byte) (domain.Trade, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return domain.Trade{}, fmt.Errorf("%w: %v", domain.ErrInvalidRow, err)
	}
	if row == nil {
		return domain.Trade{}, fmt.Errorf("%w: row is not an object", domain.ErrInvalidRow)
	}

	var t domain.Trade
	var err error

	if t.TransactionID, err = requiredString(row, "transaction_id"); err != nil {
		return domain.Trade{}, err
	}
	if t.Exchange, err = requiredString(row, "exchange"); err != nil {
		return domain.Trade{}, err
	}

	rawTS, ok := row["timestamp"]
	if !ok || rawTS == nil {
		return domain.Trade{}, fmt.Errorf("%w: missing timestamp", domain.ErrInvalidRow)
	}
	tsText, ok := scalarText(rawTS)
	if !ok {
		return domain.Trade{}, fmt.Errorf("%w: timestamp has type %T", domain.ErrInvalidRow, rawTS)
	}
	if t.Timestamp, err = enrich.ParseTimestamp(tsText); err != nil {
		return domain.Trade{}, fmt.Errorf("%w: %v", domain.ErrInvalidRow, err)
	}

	if t.Quantity, err = decimalColumn(row, "quantity", domain.QuantityScale, false); err != nil {
		return domain.Trade{}, err
	}
	if t.Price, err = decimalColumn(row, "price", domain.PriceScale, false); err != nil {
		return domain.Trade{}, err
	}
	if t.TradeFee, err = decimalColumn(row, "trade_fee", domain.FeeScale, true); err != nil {
		return domain.Trade{}, err
	}

	t.TradeStatus = optionalString(row, "trade_status")
	t.TradingPair = optionalString(row, "trading_pair")
	t.OrderType = optionalString(row, "order_type")
	return t, nil
}

func requiredString(row map[string]any, col string) (string, error) {
	s, ok := row[col].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: missing %s", domain.ErrInvalidRow, col)
	}
	return s, nil
}

func optionalString(row map[string]any, col string) string {
	s, _ := scalarText(row[col])
	return s
}

func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

func decimalColumn(row map[string]any, col string, scale int32, optional bool) (decimal.Decimal, error) {
	v, ok := row[col]
	if !ok || v == nil {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%w: missing %s", domain.ErrInvalidRow, col)
	}
	text, ok := scalarText(v)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s has type %T", domain.ErrInvalidRow, col, v)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRow, col, err)
	}
	if err := domain.CheckNumberRange(d); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRow, col, err)
	}
	return d.Round(scale), nil
}
