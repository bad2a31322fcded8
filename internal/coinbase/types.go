package coinbase

import "strconv"

// Side is the taker/maker side of an order.
type Side string

const (
	OrderSideBuy  Side = "BUY"
	OrderSideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderKind distinguishes limit from market orders. The cycle engine only
// places post-only limit orders, but fill processing and fee selection are
// parameterized on the kind.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// Order statuses as reported by the exchange.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusExpired   = "EXPIRED"
)

// Candle is one historical OHLCV entry. Start is a unix timestamp in seconds.
type Candle struct {
	Start  int64
	Low    float64
	High   float64
	Open   float64
	Close  float64
	Volume float64
}

// rawCandle mirrors the wire format, which carries every field as a string.
type rawCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func (r *rawCandle) parse() (Candle, error) {
	start, err := strconv.ParseInt(r.Start, 10, 64)
	if err != nil {
		return Candle{}, err
	}
	fields := [5]float64{}
	for i, s := range [5]string{r.Low, r.High, r.Open, r.Close, r.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, err
		}
		fields[i] = v
	}
	return Candle{
		Start:  start,
		Low:    fields[0],
		High:   fields[1],
		Open:   fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, nil
}

// ProductStats carries the exchange-declared trading rules for a product.
// BaseIncrement and QuoteIncrement are kept as strings because their decimal
// representation (not their numeric value) defines rounding precision.
type ProductStats struct {
	ProductID      string `json:"product_id"`
	Price          string `json:"price"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	QuoteMinSize   string `json:"quote_min_size"`
	QuoteMaxSize   string `json:"quote_max_size"`
	BaseMinSize    string `json:"base_min_size"`
	BaseMaxSize    string `json:"base_max_size"`
	BaseName       string `json:"base_name"`
	QuoteName      string `json:"quote_name"`
	Status         string `json:"status"`
	LimitOnly      bool   `json:"limit_only"`
	PostOnly       bool   `json:"post_only"`
	CancelOnly     bool   `json:"cancel_only"`
	TradingDisable bool   `json:"trading_disabled"`
}

// OrderStatus is the polled view of an order on the exchange. Fill amounts
// are zero until the exchange reports a fill.
type OrderStatus struct {
	OrderID             string
	Status              string
	FilledSize          float64
	FilledValue         float64
	TotalFees           float64
	TotalValueAfterFees float64
}

// CancelResult is the per-order outcome of a batch cancel request.
type CancelResult struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"order_id"`
	FailureReason string `json:"failure_reason"`
}
