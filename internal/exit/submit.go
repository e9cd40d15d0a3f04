package exit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"
)

// ExecuteExit submits a buy-to-close order for the position and polls for
// the fill. It enforces at-most-once submission per position, verifies the
// broker actually reports a short position before buying (a buy against a
// flat or long position would reverse or double it), and sizes the close from
// the ledger quantity — never the broker's.
func (m *Manager) ExecuteExit(ctx context.Context, ps model.PositionStatus, dec model.ExitDecision) model.ExitResult {
	key := ps.Key.String()
	fail := func(format string, args ...any) model.ExitResult {
		return model.ExitResult{Success: false, Key: ps.Key, Reason: dec.Reason, Error: fmt.Sprintf(format, args...)}
	}

	// Reserve the key before any broker call. The reservation and the check
	// must be one critical section: a check-then-act gap would let a
	// concurrent caller (cycle loop vs operator liquidation) submit a second
	// close for the same position.
	m.mu.Lock()
	if tr, ok := m.tracking[key]; ok {
		m.mu.Unlock()
		return fail("exit already in flight (order %s, %s)", tr.OrderID, tr.Reason)
	}
	m.tracking[key] = trackedExit{TradeID: ps.TradeID, Reason: dec.Reason}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.tracking, key)
		m.mu.Unlock()
	}

	// Invariant check against broker truth before submitting.
	held, err := m.gw.Positions(ctx)
	if err != nil {
		release()
		return fail("broker positions unavailable, refusing to submit: %v", err)
	}
	var brokerQty int64
	found := false
	for _, p := range held {
		if p.IsOption() && p.Key().String() == key {
			brokerQty = p.Qty
			found = true
			break
		}
	}
	if !found || brokerQty >= 0 {
		release()
		return fail("broker does not report a short position for %s (qty %d), refusing buy-to-close", key, brokerQty)
	}
	if brokerQty != -ps.Contracts {
		// Quantity mismatch: ledger wins for sizing so we never over-close,
		// but this needs eyes.
		log.Printf("[exit] LEDGER/BROKER QTY MISMATCH for %s: ledger %d, broker %d — sizing from ledger",
			key, ps.Contracts, -brokerQty)
	}

	ticket := model.OrderTicket{
		ClientOrderID: uuid.NewString(),
		Key:           ps.Key,
		Side:          model.OrderSideBuy,
		Qty:           ps.Contracts,
		Type:          dec.OrderType,
	}
	if dec.OrderType == model.OrderTypeLimit {
		ticket.LimitPrice = limitThroughFair(ps.CurrentPremium, m.cfg.LimitSlipPct)
	}

	orderID, err := m.gw.PlaceOrder(ctx, ticket)
	if err != nil {
		release()
		return fail("order submit failed: %v", err)
	}
	log.Printf("[exit] submitted %s buy-to-close for %s: order %s, %d contracts, reason %s",
		ticket.Type, key, orderID, ticket.Qty, dec.Reason)

	if err := m.store.SetExitOrder(ctx, ps.TradeID, orderID, dec.Reason); err != nil {
		// The order is live even though the marker write failed; keep
		// tracking in memory so this cycle cannot double-submit.
		log.Printf("[exit] CRITICAL: exit order marker not persisted for trade %d (order %s): %v",
			ps.TradeID, orderID, err)
	}

	// Record the live order id on the reservation.
	m.mu.Lock()
	m.tracking[key] = trackedExit{OrderID: orderID, TradeID: ps.TradeID, Reason: dec.Reason}
	m.mu.Unlock()

	return m.pollFill(ctx, ps, dec.Reason, orderID)
}

// limitThroughFair prices a buy-to-close limit slightly above fair value.
func limitThroughFair(premium int64, slip float64) int64 {
	bump := int64(float64(premium) * slip)
	if bump < 1 {
		bump = 1
	}
	return premium + bump
}

// pollFill watches the order until it reaches a terminal state or its window
// elapses. Windows are bounded per order type: limit orders are allowed to
// rest longer, market orders are expected to fill fast. On timeout a resting
// acknowledged order stays tracked as in-progress; an order the broker never
// acknowledged is proactively cancelled.
func (m *Manager) pollFill(ctx context.Context, ps model.PositionStatus, reason, orderID string) model.ExitResult {
	key := ps.Key.String()

	window := m.cfg.LimitFillWindow
	if reason == model.ExitReasonStopLoss || reason == model.ExitReasonEmergency {
		window = m.cfg.MarketFillWindow
	}
	deadline := m.now().Add(window)

	last := model.OrderState{OrderID: orderID, Status: model.OrderStatusUnknown}
	for {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		st, err := m.gw.OrderStatus(sctx, orderID)
		cancel()
		if err != nil {
			log.Printf("[exit] order %s status poll failed: %v", orderID, err)
		} else {
			last = st
		}

		if last.Terminal() {
			break
		}
		if m.now().After(deadline) {
			return m.handleTimeout(ctx, ps, reason, orderID, last)
		}

		select {
		case <-ctx.Done():
			// Cycle cancelled mid-poll: leave tracking in place, the order
			// is still live and the next cycle (or restart) reconciles it.
			return model.ExitResult{
				Success: false, Key: ps.Key, Reason: reason, OrderID: orderID,
				InProgress: true, Error: "cancelled while awaiting fill",
			}
		case <-time.After(m.cfg.PollInterval):
		}
	}

	switch last.Status {
	case model.OrderStatusFilled:
		return m.finalizeFill(ctx, ps, reason, orderID, last)
	default: // cancelled or rejected: clear markers, position re-enters evaluation
		m.clearTracking(ctx, key, ps.TradeID, true)
		return model.ExitResult{
			Success: false, Key: ps.Key, Reason: reason, OrderID: orderID,
			Error: fmt.Sprintf("order %s: %s", orderID, last.Status),
		}
	}
}

// finalizeFill records the exit exactly once. A persistence failure is
// surfaced for manual reconciliation and the key stays tracked — resubmitting
// a filled close would double the exit.
func (m *Manager) finalizeFill(ctx context.Context, ps model.PositionStatus, reason, orderID string, st model.OrderState) model.ExitResult {
	key := ps.Key.String()
	exit := model.TradeExit{
		Date:        m.now(),
		Premium:     st.AvgFillPrice,
		Reason:      reason,
		RealizedPnL: (ps.EntryPremium - st.AvgFillPrice) * ps.Contracts * 100,
	}
	err := m.store.CloseTrade(ctx, ps.TradeID, exit)
	if err != nil && !errors.Is(err, ledger.ErrAlreadyClosed) {
		log.Printf("[exit] CRITICAL: fill for trade %d (order %s, price %d) NOT recorded: %v — manual reconciliation required",
			ps.TradeID, orderID, st.AvgFillPrice, err)
		return model.ExitResult{
			Success: false, Key: ps.Key, Reason: reason, OrderID: orderID,
			FillPrice: st.AvgFillPrice,
			Error:     fmt.Sprintf("filled but exit not recorded: %v", err),
		}
	}
	if errors.Is(err, ledger.ErrAlreadyClosed) {
		log.Printf("[exit] trade %d already closed, fill for order %s not re-recorded", ps.TradeID, orderID)
	}

	m.clearTracking(ctx, key, ps.TradeID, false)
	log.Printf("[exit] %s closed: reason %s, fill %d, pnl %d", key, reason, st.AvgFillPrice, exit.RealizedPnL)
	return model.ExitResult{
		Success: true, Key: ps.Key, Reason: reason, OrderID: orderID, FillPrice: st.AvgFillPrice,
	}
}

// handleTimeout classifies an order that outlived its poll window.
func (m *Manager) handleTimeout(ctx context.Context, ps model.PositionStatus, reason, orderID string, last model.OrderState) model.ExitResult {
	key := ps.Key.String()

	if last.Working() {
		// Acknowledged and resting: keep tracking, it may still fill. The
		// next cycle's startup-style reconciliation picks it up.
		return model.ExitResult{
			Success: false, Key: ps.Key, Reason: reason, OrderID: orderID,
			InProgress: true, Error: "order resting past poll window",
		}
	}

	// Never acknowledged: cancel rather than leave an unaccounted order.
	log.Printf("[exit] order %s stuck unacknowledged (%s), cancelling", orderID, last.Status)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := m.gw.CancelOrder(cctx, orderID); err != nil {
		log.Printf("[exit] cancel of stuck order %s failed: %v", orderID, err)
	}
	cancel()
	m.clearTracking(ctx, key, ps.TradeID, true)
	return model.ExitResult{
		Success: false, Key: ps.Key, Reason: reason, OrderID: orderID,
		Error: "order never acknowledged within window, cancelled",
	}
}

// clearTracking drops the in-memory entry and, when clearMarkers is set, the
// persisted order markers so the position re-enters normal evaluation.
func (m *Manager) clearTracking(ctx context.Context, key string, tradeID int64, clearMarkers bool) {
	m.mu.Lock()
	delete(m.tracking, key)
	m.mu.Unlock()
	if clearMarkers {
		if err := m.store.ClearExitOrder(ctx, tradeID); err != nil {
			log.Printf("[exit] failed to clear exit markers for trade %d: %v", tradeID, err)
		}
	}
}
