package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"options-systemv1/internal/ledger"
	"options-systemv1/internal/marketcal"
	"options-systemv1/internal/model"
)

// SweepExpired closes every open position past its expiration with no exit
// recorded, at zero exit premium (unassigned expiry: full credit retained).
// Idempotent: positions already closed are skipped, so a second sweep closes
// nothing new. Returns the number of trades closed this pass.
func (r *Reconciler) SweepExpired(ctx context.Context) (int, error) {
	trades, err := r.store.OpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger open trades: %w", err)
	}

	now := r.now()
	closed := 0
	for _, t := range trades {
		if !marketcal.IsPast(t.Expiry, now) {
			continue
		}
		exit := model.TradeExit{
			Date:        now,
			Premium:     0,
			Reason:      model.ExitReasonExpired,
			RealizedPnL: t.PnLAt(0),
		}
		if err := r.store.CloseTrade(ctx, t.ID, exit); err != nil {
			if errors.Is(err, ledger.ErrAlreadyClosed) {
				continue
			}
			log.Printf("[reconcile] CRITICAL: failed to record expiry close for trade %d (%s): %v — needs manual reconciliation",
				t.ID, t.Key(), err)
			continue
		}
		closed++
		log.Printf("[reconcile] expired sweep closed trade %d (%s), credit retained %d", t.ID, t.Key(), exit.RealizedPnL)
	}
	return closed, nil
}
