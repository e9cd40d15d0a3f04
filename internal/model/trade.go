package model

import (
	"fmt"
	"time"
)

// Option rights.
const (
	RightPut  = "P"
	RightCall = "C"
)

// PositionKey uniquely identifies one option position and is the join key
// between the local ledger and broker-reported state.
type PositionKey struct {
	Symbol string `json:"symbol"`
	Strike int64  `json:"strike"` // cents
	Expiry string `json:"expiry"` // YYYY-MM-DD
	Right  string `json:"right"`  // P or C
}

// String returns the canonical key form "SYMBOL:strike:expiry:right".
func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", k.Symbol, k.Strike, k.Expiry, k.Right)
}

// Trade is the persisted record of one short-option position: the intent side
// of reconciliation. Exit fields are written exactly once when the position
// closes and are never overwritten afterwards.
type Trade struct {
	ID        int64  `json:"id"`
	Symbol    string `json:"symbol"`
	Strike    int64  `json:"strike"` // cents
	Expiry    string `json:"expiry"` // YYYY-MM-DD
	Right     string `json:"right"`
	Contracts int64  `json:"contracts"`

	EntryPremium    int64     `json:"entry_premium"`    // per-share cents
	EntryDate       time.Time `json:"entry_date"`
	UnderlyingEntry int64     `json:"underlying_entry"` // underlying price at entry, cents
	Sector          string    `json:"sector"`

	ExitDate    *time.Time `json:"exit_date,omitempty"`
	ExitPremium *int64     `json:"exit_premium,omitempty"` // per-share cents
	ExitReason  *string    `json:"exit_reason,omitempty"`
	RealizedPnL *int64     `json:"realized_pnl,omitempty"` // cents

	// Broker order tracking for a close order in flight.
	ExitOrderID     string `json:"exit_order_id,omitempty"`
	ExitOrderReason string `json:"exit_order_reason,omitempty"`
}

// Key returns the canonical position key for this trade.
func (t *Trade) Key() PositionKey {
	return PositionKey{Symbol: t.Symbol, Strike: t.Strike, Expiry: t.Expiry, Right: t.Right}
}

// IsOpen reports whether the trade has no exit recorded.
func (t *Trade) IsOpen() bool { return t.ExitDate == nil }

// ExitPending reports whether a close order was submitted but no exit has
// been recorded yet (the ambiguous window a restart must reconcile).
func (t *Trade) ExitPending() bool { return t.ExitDate == nil && t.ExitOrderID != "" }

// PnLAt returns the position P&L in cents at the given per-share premium,
// using the short-option convention: profit when premium has decayed.
func (t *Trade) PnLAt(currentPremium int64) int64 {
	return (t.EntryPremium - currentPremium) * t.Contracts * 100
}

// TradeExit carries the exit fields recorded when a position closes.
type TradeExit struct {
	Date        time.Time
	Premium     int64 // per-share cents
	Reason      string
	RealizedPnL int64 // cents
}
