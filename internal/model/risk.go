package model

import "time"

// RiskLimitCheck is the structured outcome of one pre-trade check. Rejections
// carry enough context to be surfaced verbatim — never a bare boolean.
type RiskLimitCheck struct {
	Approved    bool    `json:"approved"`
	LimitName   string  `json:"limit_name"`
	Current     float64 `json:"current"`
	Limit       float64 `json:"limit"`
	Utilization float64 `json:"utilization_pct"` // percent of limit consumed
	Reason      string  `json:"reason"`
}

// HaltRecord is the durable trading-halt state. It lives in its own store
// independent of the trade table and must be readable before any broker
// connection exists.
type HaltRecord struct {
	Halted    bool      `json:"halted"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Candidate is a proposed new short-option position, supplied by the
// screening layer. The margin field is the caller's own estimate; the
// governor may re-verify it with the broker.
type Candidate struct {
	Symbol    string `json:"symbol"`
	Strike    int64  `json:"strike"` // cents
	Expiry    string `json:"expiry"` // YYYY-MM-DD
	Right     string `json:"right"`
	Contracts int64  `json:"contracts"`

	Premium    int64  `json:"premium"`    // expected entry premium, per-share cents
	Underlying int64  `json:"underlying"` // cents
	Sector     string `json:"sector"`

	EarningsDate    *time.Time `json:"earnings_date,omitempty"`
	EstimatedMargin int64      `json:"estimated_margin"` // cents
}

// Key returns the canonical position key for the candidate.
func (c Candidate) Key() PositionKey {
	return PositionKey{Symbol: c.Symbol, Strike: c.Strike, Expiry: c.Expiry, Right: c.Right}
}

// RiskStatus summarizes governor state for the CLI and dashboard.
type RiskStatus struct {
	Halted          bool    `json:"halted"`
	HaltReason      string  `json:"halt_reason,omitempty"`
	OpenPositions   int     `json:"open_positions"`
	TradesToday     int     `json:"trades_today"`
	Equity          int64   `json:"equity"`            // cents
	PeakEquity      int64   `json:"peak_equity"`       // cents
	WeekStartEquity int64   `json:"week_start_equity"` // cents
	UnrealizedPnL   int64   `json:"unrealized_pnl"`    // cents
	DrawdownPct     float64 `json:"drawdown_pct"`
}
