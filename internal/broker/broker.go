// Package broker defines the gateway interface to the brokerage account.
// Everything here is consumed, not owned: implementations live in
// pkg/ibgateway (live) and in test doubles. Every call crosses the network
// and must honor its context deadline; callers treat failures as staleness
// or denial, never as a reason to abort a whole evaluation cycle.
package broker

import (
	"context"
	"errors"

	"options-systemv1/internal/model"
)

// Security types reported in holdings.
const (
	SecTypeOption = "OPT"
	SecTypeStock  = "STK"
)

// Position is one broker-reported holding.
type Position struct {
	Symbol  string `json:"symbol"`
	SecType string `json:"sec_type"`
	Strike  int64  `json:"strike"` // cents, options only
	Expiry  string `json:"expiry"` // YYYY-MM-DD, options only
	Right   string `json:"right"`  // P or C, options only
	Qty     int64  `json:"qty"`    // signed: contracts for options, shares for stock
	AvgCost int64  `json:"avg_cost"` // per-share cents
}

// Key returns the canonical position key (meaningful for options).
func (p Position) Key() model.PositionKey {
	return model.PositionKey{Symbol: p.Symbol, Strike: p.Strike, Expiry: p.Expiry, Right: p.Right}
}

// IsOption reports whether the holding is an option contract.
func (p Position) IsOption() bool { return p.SecType == SecTypeOption }

// Quote is a best-effort timed market quote. Zero fields mean unavailable.
type Quote struct {
	Bid  int64 `json:"bid"`  // cents
	Ask  int64 `json:"ask"`  // cents
	Last int64 `json:"last"` // cents

	Delta *float64 `json:"delta,omitempty"` // options only, when the feed provides greeks
}

// Mid returns the bid/ask midpoint, or 0 when either side is missing.
func (q Quote) Mid() int64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// AccountSummary is the broker's view of account health.
type AccountSummary struct {
	NetLiquidation  int64 `json:"net_liquidation"`  // cents
	AvailableFunds  int64 `json:"available_funds"`  // cents
	ExcessLiquidity int64 `json:"excess_liquidity"` // cents
	BuyingPower     int64 `json:"buying_power"`     // cents
}

// MarginImpact is the broker's authoritative estimate of what a hypothetical
// order would do to the account.
type MarginImpact struct {
	InitMargin           int64 `json:"init_margin"`            // cents
	MaintMargin          int64 `json:"maint_margin"`           // cents
	ExcessLiquidityAfter int64 `json:"excess_liquidity_after"` // cents
}

// ErrMarginEstimateUnavailable signals that the gateway cannot produce an
// authoritative margin impact; callers fall back to their own estimate.
var ErrMarginEstimateUnavailable = errors.New("broker: margin estimate unavailable")

// Gateway is the brokerage collaborator.
type Gateway interface {
	// Positions lists all held positions (options and stock, signed qty).
	Positions(ctx context.Context) ([]Position, error)
	// OptionQuote returns a best-effort quote for an option contract.
	OptionQuote(ctx context.Context, key model.PositionKey) (Quote, error)
	// StockQuote returns a best-effort quote for an underlying.
	StockQuote(ctx context.Context, symbol string) (Quote, error)
	// PlaceOrder submits an order and returns a trackable broker order id.
	PlaceOrder(ctx context.Context, ticket model.OrderTicket) (string, error)
	// OrderStatus queries order state by broker order id.
	OrderStatus(ctx context.Context, orderID string) (model.OrderState, error)
	// CancelOrder cancels by broker order id.
	CancelOrder(ctx context.Context, orderID string) error
	// Summary returns current account health.
	Summary(ctx context.Context) (AccountSummary, error)
	// MarginImpact estimates the margin effect of a hypothetical order.
	// Returns ErrMarginEstimateUnavailable when the gateway cannot answer.
	MarginImpact(ctx context.Context, ticket model.OrderTicket) (MarginImpact, error)
}
