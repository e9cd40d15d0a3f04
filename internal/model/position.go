package model

// PositionStatus is the per-cycle derived view of one open position: ledger
// intent joined with the latest broker pricing. It is rebuilt every cycle and
// is never the source of truth.
type PositionStatus struct {
	Key     PositionKey `json:"key"`
	TradeID int64       `json:"trade_id"`

	Contracts      int64   `json:"contracts"`
	EntryPremium   int64   `json:"entry_premium"`   // per-share cents
	CurrentPremium int64   `json:"current_premium"` // per-share cents
	PnL            int64   `json:"pnl"`             // cents
	PnLPct         float64 `json:"pnl_pct"`         // fraction of entry premium captured

	DTE      int `json:"dte"`
	DaysHeld int `json:"days_held"`

	Delta           *float64 `json:"delta,omitempty"`
	Underlying      int64    `json:"underlying"`       // cents, 0 when unknown
	UnderlyingEntry int64    `json:"underlying_entry"` // cents, 0 when unknown
	Sector          string   `json:"sector"`

	// Stale marks a position priced from last-known economics because no
	// reliable live quote (or broker holding) was available this cycle.
	Stale bool `json:"stale"`

	NearProfitTarget bool `json:"near_profit_target"`
	NearStopLoss     bool `json:"near_stop_loss"`
}

// Alert severities.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a derived position warning. Alerts are advisory output of the
// reconciler, never exceptions.
type Alert struct {
	Severity Severity    `json:"severity"`
	Rule     string      `json:"rule"`
	Key      PositionKey `json:"key"`
	Message  string      `json:"message"`
}
