// Package domain defines the records exchanged between the gateway and the
// broker drivers: order and cancel requests, and the account snapshots a
// session returns.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an entrust or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// EntrustStatus describes where an entrust is in its lifecycle.
type EntrustStatus string

const (
	EntrustStatusPending   EntrustStatus = "pending"
	EntrustStatusPartial   EntrustStatus = "partially_filled"
	EntrustStatusFilled    EntrustStatus = "filled"
	EntrustStatusCancelled EntrustStatus = "cancelled"
	EntrustStatusRejected  EntrustStatus = "rejected"
)

// Cancellable reports whether an entrust in this status can still be
// withdrawn.
func (s EntrustStatus) Cancellable() bool {
	return s == EntrustStatusPending || s == EntrustStatusPartial
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// OrderRequest is the input to a buy or sell. Fields carries any
// broker-specific options sent alongside the three required values, such as
// entrust_prop.
type OrderRequest struct {
	Security string            `json:"security"`
	Price    decimal.Decimal   `json:"price"`
	Amount   int64             `json:"amount"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Field returns the named option, or def when it was not sent.
func (r OrderRequest) Field(name, def string) string {
	if v, ok := r.Fields[name]; ok && v != "" {
		return v
	}
	return def
}

// CancelRequest identifies the entrust to withdraw.
type CancelRequest struct {
	EntrustNo string `json:"entrust_no"`
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Balance is a point-in-time view of the account's funds.
type Balance struct {
	Currency    string          `json:"currency"`
	Cash        decimal.Decimal `json:"cash"`
	Available   decimal.Decimal `json:"available"`
	MarketValue decimal.Decimal `json:"market_value"`
	Equity      decimal.Decimal `json:"equity"`
}

// Position is a holding in a single security.
type Position struct {
	Security    string          `json:"security"`
	Amount      int64           `json:"amount"`
	Available   int64           `json:"available"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// Entrust is an order as the broker tracks it.
type Entrust struct {
	EntrustNo string          `json:"entrust_no"`
	Security  string          `json:"security"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    int64           `json:"amount"`
	Filled    int64           `json:"filled"`
	Status    EntrustStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trade is a fill against an entrust.
type Trade struct {
	TradeNo   string          `json:"trade_no"`
	EntrustNo string          `json:"entrust_no"`
	Security  string          `json:"security"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    int64           `json:"amount"`
	Time      time.Time       `json:"time"`
}

// OrderResult is returned by a successful buy or sell.
type OrderResult struct {
	ID string `json:"id"`
}

// CancelResult is returned by a successful cancel.
type CancelResult struct {
	EntrustNo string `json:"entrust_no"`
	Message   string `json:"message"`
}

// IPOResult summarises an automatic new-stock subscription run.
type IPOResult struct {
	Message string        `json:"message"`
	Orders  []OrderResult `json:"orders"`
}
