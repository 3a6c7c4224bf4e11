package model

import "github.com/shopspring/decimal"

// -----------------------------------------------------------------------------
// Tick Types
// -----------------------------------------------------------------------------

// DepthLevel is a single price level on one side of the order book.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`            // Level price
	Quantity int64           `json:"quantity"`         // Quantity resting at this price
	Orders   int64           `json:"orders,omitempty"` // Order count, 0 if the broker omits it
}

// Tick is the normalized record published for a subscription. Fields beyond
// LTP are populated according to the subscription mode; optional price fields
// are pointers so absent values stay off the wire.
type Tick struct {
	Broker   string `json:"broker"`          // Broker that produced the tick
	Exchange string `json:"exchange"`        // Exchange segment
	Symbol   string `json:"symbol"`          // Trading symbol
	Token    string `json:"token,omitempty"` // Broker-side instrument token
	Mode     Mode   `json:"mode"`            // Subscription mode (1/2/3)

	LTP      decimal.Decimal  `json:"ltp"`                 // Last traded price
	LastQty  int64            `json:"last_qty,omitempty"`  // Last traded quantity
	AvgPrice *decimal.Decimal `json:"avg_price,omitempty"` // Volume-weighted average price

	Volume       int64            `json:"volume,omitempty"`         // Cumulative traded volume
	Open         *decimal.Decimal `json:"open,omitempty"`           // Session open
	High         *decimal.Decimal `json:"high,omitempty"`           // Session high
	Low          *decimal.Decimal `json:"low,omitempty"`            // Session low
	Close        *decimal.Decimal `json:"close,omitempty"`          // Previous close
	TotalBuyQty  int64            `json:"total_buy_qty,omitempty"`  // Aggregate pending buy quantity
	TotalSellQty int64            `json:"total_sell_qty,omitempty"` // Aggregate pending sell quantity

	Bids []DepthLevel `json:"bids,omitempty"` // Buy side, best first, at most 5 levels
	Asks []DepthLevel `json:"asks,omitempty"` // Sell side, best first, at most 5 levels

	ExchangeTS int64 `json:"exchange_ts,omitempty"` // Exchange timestamp (ms since epoch)
	ReceivedAt int64 `json:"received_at"`           // Local receive timestamp (ms since epoch)
}

// UpdateKind distinguishes full snapshots from incremental deltas.
type UpdateKind uint8

const (
	KindSnapshot UpdateKind = iota + 1 // Replaces the cached record
	KindDelta                          // Merges into the cached record
)

// TickUpdate is a partial tick produced by a broker dialect parser. The
// instrument is identified by (Exchange, Token); nil fields were absent from
// the wire frame and must not disturb cached values.
type TickUpdate struct {
	Kind     UpdateKind
	Exchange string
	Token    string

	LTP      *decimal.Decimal
	LastQty  *int64
	AvgPrice *decimal.Decimal

	Volume       *int64
	Open         *decimal.Decimal
	High         *decimal.Decimal
	Low          *decimal.Decimal
	Close        *decimal.Decimal
	TotalBuyQty  *int64
	TotalSellQty *int64

	Bids []DepthLevel
	Asks []DepthLevel

	ExchangeTS *int64
}

// Apply merges u into t. Only fields carried by u overwrite; every absent
// field keeps its previous value.
func (t *Tick) Apply(u *TickUpdate) {
	if u.LTP != nil {
		t.LTP = *u.LTP
	}
	if u.LastQty != nil {
		t.LastQty = *u.LastQty
	}
	if u.AvgPrice != nil {
		v := *u.AvgPrice
		t.AvgPrice = &v
	}
	if u.Volume != nil {
		t.Volume = *u.Volume
	}
	if u.Open != nil {
		v := *u.Open
		t.Open = &v
	}
	if u.High != nil {
		v := *u.High
		t.High = &v
	}
	if u.Low != nil {
		v := *u.Low
		t.Low = &v
	}
	if u.Close != nil {
		v := *u.Close
		t.Close = &v
	}
	if u.TotalBuyQty != nil {
		t.TotalBuyQty = *u.TotalBuyQty
	}
	if u.TotalSellQty != nil {
		t.TotalSellQty = *u.TotalSellQty
	}
	if u.Bids != nil {
		t.Bids = append([]DepthLevel(nil), u.Bids...)
	}
	if u.Asks != nil {
		t.Asks = append([]DepthLevel(nil), u.Asks...)
	}
	if u.ExchangeTS != nil {
		t.ExchangeTS = *u.ExchangeTS
	}
}

// View returns a copy of t shaped for a subscription mode: LTP records carry
// only price fields, quote records drop the depth ladder. The cached record
// itself always keeps everything it has merged.
func (t *Tick) View(mode Mode) Tick {
	out := *t
	out.Mode = mode
	switch mode {
	case ModeLTP:
		out.AvgPrice = nil
		out.Volume = 0
		out.Open, out.High, out.Low, out.Close = nil, nil, nil, nil
		out.TotalBuyQty, out.TotalSellQty = 0, 0
		out.Bids, out.Asks = nil, nil
	case ModeQuote:
		out.Bids, out.Asks = nil, nil
	}
	return out
}
