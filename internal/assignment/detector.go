// Package assignment detects option exercise against the account: a short
// put that was assigned shows up as a new long stock lot sized in exact
// contract multiples. The detector matches such lots back to option trades
// and closes them at intrinsic value.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"
)

const (
	contractMultiplier = 100

	// recentCloseWindow keeps very recently closed trades matchable: a
	// position swept as expired can still assign over the same weekend.
	recentCloseWindow = 72 * time.Hour
)

// Detector scans broker equity holdings for assignment evidence.
type Detector struct {
	mu sync.Mutex

	store ledger.Store
	gw    broker.Gateway

	// seen deduplicates by (symbol, shares, cost basis) so repeated scans of
	// the same lot never double-report.
	seen map[string]bool

	now func() time.Time
}

// New creates a Detector.
func New(store ledger.Store, gw broker.Gateway) *Detector {
	return &Detector{
		store: store,
		gw:    gw,
		seen:  make(map[string]bool),
		now:   time.Now,
	}
}

// Scan fetches broker holdings and returns newly detected assignments. A
// broker or ledger query failure yields an empty result — never a false
// positive.
func (d *Detector) Scan(ctx context.Context) []model.AssignmentEvent {
	held, err := d.gw.Positions(ctx)
	if err != nil {
		log.Printf("[assignment] broker positions unavailable, skipping scan: %v", err)
		return nil
	}

	open, err := d.store.OpenTrades(ctx)
	if err != nil {
		log.Printf("[assignment] ledger unavailable, skipping scan: %v", err)
		return nil
	}
	recent, err := d.store.TradesClosedSince(ctx, d.now().Add(-recentCloseWindow))
	if err != nil {
		log.Printf("[assignment] recent trades unavailable, matching open trades only: %v", err)
		recent = nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var events []model.AssignmentEvent
	for _, p := range held {
		if !d.isCandidateLot(p) {
			continue
		}
		lotKey := fmt.Sprintf("%s|%d|%d", p.Symbol, p.Qty, p.AvgCost)
		if d.seen[lotKey] {
			continue
		}

		trade, wasOpen := matchTrade(p, open, recent)
		if trade == nil {
			continue
		}

		ev := model.AssignmentEvent{
			Symbol:     p.Symbol,
			Shares:     p.Qty,
			AvgCost:    p.AvgCost,
			TradeID:    trade.ID,
			Key:        trade.Key(),
			Intrinsic:  d.intrinsicValue(ctx, trade, p),
			DetectedAt: d.now(),
		}

		if wasOpen {
			exit := model.TradeExit{
				Date:        ev.DetectedAt,
				Premium:     ev.Intrinsic,
				Reason:      model.ExitReasonAssigned,
				RealizedPnL: trade.PnLAt(ev.Intrinsic),
			}
			if err := d.store.CloseTrade(ctx, trade.ID, exit); err != nil {
				if !errors.Is(err, ledger.ErrAlreadyClosed) {
					log.Printf("[assignment] CRITICAL: assignment close not recorded for trade %d: %v — manual reconciliation required",
						trade.ID, err)
					continue // not marked seen; retried next scan
				}
			}
		}

		d.seen[lotKey] = true
		events = append(events, ev)
		log.Printf("[assignment] %s assigned: %d shares at %d, trade %d closed at intrinsic %d",
			p.Symbol, p.Qty, p.AvgCost, trade.ID, ev.Intrinsic)
	}
	return events
}

// isCandidateLot: long stock in an exact multiple of the contract multiplier.
func (d *Detector) isCandidateLot(p broker.Position) bool {
	return p.SecType == broker.SecTypeStock && p.Qty > 0 && p.Qty%contractMultiplier == 0
}

// matchTrade finds the option trade a stock lot is best explained by: a short
// put on the same underlying, preferring an exact size match, preferring open
// trades over recently closed ones. Returns whether the match was still open.
func matchTrade(p broker.Position, open, recent []model.Trade) (*model.Trade, bool) {
	if t := matchIn(p, open); t != nil {
		return t, true
	}
	if t := matchIn(p, recent); t != nil {
		return t, false
	}
	return nil, false
}

func matchIn(p broker.Position, trades []model.Trade) *model.Trade {
	var fallback *model.Trade
	for i := range trades {
		t := &trades[i]
		if t.Symbol != p.Symbol || t.Right != model.RightPut {
			continue
		}
		if t.Contracts*contractMultiplier == p.Qty {
			return t
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

// intrinsicValue prices the assigned option at strike minus underlying,
// floored at zero — assignment is not a zero-cost expiry. When no live
// underlying quote is available the lot's average cost stands in.
func (d *Detector) intrinsicValue(ctx context.Context, t *model.Trade, p broker.Position) int64 {
	underlying := p.AvgCost
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if q, err := d.gw.StockQuote(qctx, t.Symbol); err == nil {
		if mid := q.Mid(); mid > 0 {
			underlying = mid
		} else if q.Last > 0 {
			underlying = q.Last
		}
	}
	intrinsic := t.Strike - underlying
	if intrinsic < 0 {
		intrinsic = 0
	}
	return intrinsic
}
