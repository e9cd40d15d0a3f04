// Package reconcile builds the authoritative per-cycle view of open
// positions. The ledger decides which positions exist; broker holdings and
// quotes only supply live pricing. A position is never dropped because the
// broker feed lagged — it comes back flagged stale on last-known economics.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/ledger"
	"options-systemv1/internal/marketcal"
	"options-systemv1/internal/model"
)

// Config holds reconciler thresholds. Values mirror the exit-manager
// thresholds so proximity flags and alerts line up with actual triggers.
type Config struct {
	ProfitTarget float64 // fraction of premium captured that triggers an exit, e.g. 0.50
	StopLoss     float64 // loss as a multiple of premium, negative, e.g. -2.0

	ProximityBand     float64 // fraction of a trigger that counts as "near", e.g. 0.80
	ExpiryWarnDTE     int     // DTE at or under which expiration alerts fire
	AssignmentRiskDTE int     // DTE at or under which ITM positions alert as assignment risk

	QuoteTimeout time.Duration // per-quote broker I/O budget
}

// Reconciler joins ledger intent with broker-reported state.
type Reconciler struct {
	store ledger.Store
	gw    broker.Gateway
	cfg   Config

	now func() time.Time // injectable for tests
}

// New creates a Reconciler.
func New(store ledger.Store, gw broker.Gateway, cfg Config) *Reconciler {
	if cfg.ProximityBand == 0 {
		cfg.ProximityBand = 0.80
	}
	if cfg.QuoteTimeout == 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	return &Reconciler{store: store, gw: gw, cfg: cfg, now: time.Now}
}

// GetAllPositions returns the current position view. Any ledger or broker
// query failure is logged and yields an empty result — never an error into a
// caller mid-evaluation.
func (r *Reconciler) GetAllPositions(ctx context.Context) []model.PositionStatus {
	positions, err := r.Snapshot(ctx)
	if err != nil {
		log.Printf("[reconcile] position snapshot failed: %v", err)
		return []model.PositionStatus{}
	}
	return positions
}

// Snapshot is GetAllPositions with the error surfaced, for callers that must
// fail closed (the risk governor) rather than treat a failure as "no
// positions".
func (r *Reconciler) Snapshot(ctx context.Context) ([]model.PositionStatus, error) {
	trades, err := r.store.OpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger open trades: %w", err)
	}

	held, err := r.gw.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	shorts := make(map[string]broker.Position, len(held))
	for _, p := range held {
		if p.IsOption() && p.Qty < 0 {
			shorts[p.Key().String()] = p
		}
	}

	now := r.now()
	positions := make([]model.PositionStatus, 0, len(trades))
	for i := range trades {
		t := &trades[i]
		_, onBroker := shorts[t.Key().String()]
		positions = append(positions, r.buildStatus(ctx, t, onBroker, now))
	}
	return positions, nil
}

// buildStatus derives one PositionStatus. Pricing preference: bid/ask
// midpoint, then last trade, then entry premium flagged stale.
func (r *Reconciler) buildStatus(ctx context.Context, t *model.Trade, onBroker bool, now time.Time) model.PositionStatus {
	ps := model.PositionStatus{
		Key:             t.Key(),
		TradeID:         t.ID,
		Contracts:       t.Contracts,
		EntryPremium:    t.EntryPremium,
		UnderlyingEntry: t.UnderlyingEntry,
		Sector:          t.Sector,
		DTE:             marketcal.DaysUntil(t.Expiry, now),
		DaysHeld:        int(now.Sub(t.EntryDate).Hours() / 24),
	}

	ps.CurrentPremium = t.EntryPremium
	ps.Stale = true

	if onBroker {
		qctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteTimeout)
		q, err := r.gw.OptionQuote(qctx, ps.Key)
		cancel()
		switch {
		case err != nil:
			log.Printf("[reconcile] quote %s failed, holding last-known premium: %v", ps.Key, err)
		case q.Mid() > 0:
			ps.CurrentPremium = q.Mid()
			ps.Stale = false
			ps.Delta = q.Delta
		case q.Last > 0:
			ps.CurrentPremium = q.Last
			ps.Stale = false
			ps.Delta = q.Delta
		}
	}

	uctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteTimeout)
	if uq, err := r.gw.StockQuote(uctx, t.Symbol); err == nil {
		if mid := uq.Mid(); mid > 0 {
			ps.Underlying = mid
		} else if uq.Last > 0 {
			ps.Underlying = uq.Last
		}
	}
	cancel()

	ps.PnL = t.PnLAt(ps.CurrentPremium)
	if t.EntryPremium > 0 {
		ps.PnLPct = float64(t.EntryPremium-ps.CurrentPremium) / float64(t.EntryPremium)
	}

	if !ps.Stale && t.EntryPremium > 0 {
		ps.NearProfitTarget = r.cfg.ProfitTarget > 0 && ps.PnLPct >= r.cfg.ProximityBand*r.cfg.ProfitTarget
		ps.NearStopLoss = r.cfg.StopLoss < 0 && ps.PnLPct <= r.cfg.ProximityBand*r.cfg.StopLoss
	}
	return ps
}
