package model

import "time"

// AssignmentEvent records a detected option assignment: a broker equity lot
// explained by an exercised short option, matched back to its trade.
type AssignmentEvent struct {
	Symbol     string      `json:"symbol"`
	Shares     int64       `json:"shares"`
	AvgCost    int64       `json:"avg_cost"` // per-share cents
	TradeID    int64       `json:"trade_id"`
	Key        PositionKey `json:"key"`
	Intrinsic  int64       `json:"intrinsic"` // per-share cents the trade was closed at
	DetectedAt time.Time   `json:"detected_at"`
}
