package exit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"
)

// reconcilePending resolves exits left in flight by a previous process: open
// trades with a close order id but no exit recorded. Each is checked against
// live broker order state —
//
//	filled while offline  → finalize the exit now
//	still working         → resume tracking it
//	anything else         → clear the markers, the position re-enters
//	                        normal evaluation next cycle
//
// A ledger read failure fails construction: starting blind over an ambiguous
// book is worse than not starting.
func (m *Manager) reconcilePending(ctx context.Context) error {
	pending, err := m.store.PendingExits(ctx)
	if err != nil {
		return fmt.Errorf("exit: load pending exits: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	log.Printf("[exit] reconciling %d exit orders left pending by previous run", len(pending))

	for i := range pending {
		t := &pending[i]
		m.reconcileOne(ctx, t)
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, t *model.Trade) {
	key := t.Key().String()
	reason := t.ExitOrderReason
	if reason == "" {
		reason = model.ExitReasonTimeExit
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := m.gw.OrderStatus(sctx, t.ExitOrderID)
	cancel()
	if err != nil {
		// Unknown is not terminal: the order may still be resting. Keep the
		// markers and the tracking entry so nothing submits a second close;
		// a later poll or restart resolves it once the broker answers.
		log.Printf("[exit] restore: order %s status unavailable (%v), keeping %s tracked", t.ExitOrderID, err, key)
		m.mu.Lock()
		m.tracking[key] = trackedExit{OrderID: t.ExitOrderID, TradeID: t.ID, Reason: reason}
		m.mu.Unlock()
		return
	}

	switch {
	case st.Status == model.OrderStatusFilled:
		exit := model.TradeExit{
			Date:        m.now(),
			Premium:     st.AvgFillPrice,
			Reason:      reason,
			RealizedPnL: t.PnLAt(st.AvgFillPrice),
		}
		err := m.store.CloseTrade(ctx, t.ID, exit)
		switch {
		case errors.Is(err, ledger.ErrAlreadyClosed):
			log.Printf("[exit] restore: trade %d already closed", t.ID)
		case err != nil:
			log.Printf("[exit] CRITICAL: restore could not record offline fill for trade %d (order %s): %v",
				t.ID, t.ExitOrderID, err)
		default:
			log.Printf("[exit] restore: finalized offline fill for %s at %d (order %s)", key, st.AvgFillPrice, t.ExitOrderID)
		}

	case st.Working():
		m.mu.Lock()
		m.tracking[key] = trackedExit{OrderID: t.ExitOrderID, TradeID: t.ID, Reason: reason}
		m.mu.Unlock()
		log.Printf("[exit] restore: resumed tracking working order %s for %s", t.ExitOrderID, key)

	default:
		log.Printf("[exit] restore: order %s is %s, clearing markers for %s", t.ExitOrderID, st.Status, key)
		m.clearPendingMarkers(ctx, t.ID)
	}
}

func (m *Manager) clearPendingMarkers(ctx context.Context, tradeID int64) {
	if err := m.store.ClearExitOrder(ctx, tradeID); err != nil {
		log.Printf("[exit] restore: failed to clear exit markers for trade %d: %v", tradeID, err)
	}
}
