package model

// Order sides and types.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Broker order statuses, normalized from gateway-specific strings.
const (
	OrderStatusPendingSubmit = "PENDING_SUBMIT" // sent, not yet acknowledged
	OrderStatusSubmitted     = "SUBMITTED"      // acknowledged and resting
	OrderStatusFilled        = "FILLED"
	OrderStatusCancelled     = "CANCELLED"
	OrderStatusRejected      = "REJECTED"
	OrderStatusUnknown       = "UNKNOWN"
)

// OrderTicket describes an order to submit to the broker gateway.
type OrderTicket struct {
	ClientOrderID string      `json:"client_order_id"`
	Key           PositionKey `json:"key"`
	Side          string      `json:"side"`
	Qty           int64       `json:"qty"`         // contracts
	Type          string      `json:"type"`        // MARKET or LIMIT
	LimitPrice    int64       `json:"limit_price"` // per-share cents, 0 for market
}

// OrderState is a broker-reported order status snapshot.
type OrderState struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	FilledQty    int64  `json:"filled_qty"`
	AvgFillPrice int64  `json:"avg_fill_price"` // per-share cents
}

// Terminal reports whether the order can no longer change state.
func (s OrderState) Terminal() bool {
	switch s.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Working reports whether the order is acknowledged by the broker and
// resting. PENDING_SUBMIT and UNKNOWN are deliberately excluded: an order the
// broker never acknowledged must be cancelled, not waited on.
func (s OrderState) Working() bool {
	return s.Status == OrderStatusSubmitted
}
