package model

// Exit reasons, in decision-priority order where applicable.
const (
	ExitReasonProfitTarget = "profit_target"
	ExitReasonStopLoss     = "stop_loss"
	ExitReasonTimeExit     = "time_exit"
	ExitReasonStaleData    = "stale_data"
	ExitReasonHolding      = "holding"

	// Reasons recorded outside the per-cycle decision path.
	ExitReasonExpired   = "expired"
	ExitReasonAssigned  = "assigned"
	ExitReasonEmergency = "emergency_liquidation"
)

// Exit urgencies.
const (
	UrgencyNormal    = "normal"
	UrgencyImmediate = "immediate"
)

// ExitDecision is the outcome of evaluating one position against the exit
// rules. First matching rule wins.
type ExitDecision struct {
	ShouldExit bool   `json:"should_exit"`
	Reason     string `json:"reason"`
	OrderType  string `json:"order_type,omitempty"` // LIMIT or MARKET
	Urgency    string `json:"urgency,omitempty"`
}

// ExitResult is the typed outcome of an exit submission. Boundary failures
// are reported here instead of propagating, so the scheduler can continue
// past one position's failure.
type ExitResult struct {
	Success    bool        `json:"success"`
	Key        PositionKey `json:"key"`
	Reason     string      `json:"reason,omitempty"`
	OrderID    string      `json:"order_id,omitempty"`
	FillPrice  int64       `json:"fill_price,omitempty"` // per-share cents
	InProgress bool        `json:"in_progress,omitempty"` // order resting past the poll window
	Error      string      `json:"error,omitempty"`
}
