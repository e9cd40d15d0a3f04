// Package exit owns the per-position exit decision state machine: when to
// close, how to close, and tracking of close orders so no position ever has
// more than one exit in flight.
package exit

import (
	"context"
	"log"
	"sync"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"
)

// Config holds exit thresholds and order-handling knobs.
type Config struct {
	ProfitTarget float64 // fraction of premium captured, e.g. 0.50
	StopLoss     float64 // loss as a multiple of premium, negative, e.g. -2.0
	TimeExitDTE  int     // close at or under this many days to expiration

	// LimitSlipPct prices limit closes slightly through fair value so they
	// actually fill, e.g. 0.02 pays 2% over the current premium.
	LimitSlipPct float64

	PollInterval     time.Duration // fill-poll cadence
	LimitFillWindow  time.Duration // how long to poll a resting limit order
	MarketFillWindow time.Duration // market orders should fill fast; window before escalating
}

func (c Config) withDefaults() Config {
	if c.LimitSlipPct == 0 {
		c.LimitSlipPct = 0.02
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LimitFillWindow == 0 {
		c.LimitFillWindow = 45 * time.Second
	}
	if c.MarketFillWindow == 0 {
		c.MarketFillWindow = 20 * time.Second
	}
	return c
}

type trackedExit struct {
	OrderID string
	TradeID int64
	Reason  string
}

// Manager evaluates exits and submits closing orders.
type Manager struct {
	mu sync.Mutex

	store ledger.Store
	gw    broker.Gateway
	cfg   Config

	// tracking maps canonical position key → close order in flight. A
	// tracked key is never resubmitted; entries are cleared only once the
	// order reaches a recorded terminal state.
	tracking map[string]trackedExit

	now func() time.Time
}

// New builds a Manager and reconciles any exits left pending by a previous
// run (order id set, no exit date) against live broker order state, so no
// position survives a crash in an ambiguous financial state.
func New(ctx context.Context, store ledger.Store, gw broker.Gateway, cfg Config) (*Manager, error) {
	m := &Manager{
		store:    store,
		gw:       gw,
		cfg:      cfg.withDefaults(),
		tracking: make(map[string]trackedExit),
		now:      time.Now,
	}
	if err := m.reconcilePending(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Evaluate applies the exit rules to one position. Priority order, first
// match wins: stale guard, profit target, stop loss, time exit, hold.
// A stale position holds unconditionally — both profit target and stop loss
// are suppressed when there is no reliable price under them.
func (m *Manager) Evaluate(ps model.PositionStatus) model.ExitDecision {
	if ps.Stale {
		return model.ExitDecision{ShouldExit: false, Reason: model.ExitReasonStaleData}
	}

	captured := ps.PnLPct // fraction of premium captured; negative when losing

	if m.cfg.ProfitTarget > 0 && captured >= m.cfg.ProfitTarget {
		return model.ExitDecision{
			ShouldExit: true,
			Reason:     model.ExitReasonProfitTarget,
			OrderType:  model.OrderTypeLimit,
			Urgency:    model.UrgencyNormal,
		}
	}
	if m.cfg.StopLoss < 0 && captured <= m.cfg.StopLoss {
		return model.ExitDecision{
			ShouldExit: true,
			Reason:     model.ExitReasonStopLoss,
			OrderType:  model.OrderTypeMarket,
			Urgency:    model.UrgencyImmediate,
		}
	}
	if m.cfg.TimeExitDTE > 0 && ps.DTE <= m.cfg.TimeExitDTE {
		return model.ExitDecision{
			ShouldExit: true,
			Reason:     model.ExitReasonTimeExit,
			OrderType:  model.OrderTypeLimit,
			Urgency:    model.UrgencyNormal,
		}
	}
	return model.ExitDecision{ShouldExit: false, Reason: model.ExitReasonHolding}
}

// EvaluateExits runs the decision for every position and executes the ones
// that should close. Positions with a close order already in flight are
// skipped, not failed. One position's failure never stops the rest.
func (m *Manager) EvaluateExits(ctx context.Context, positions []model.PositionStatus) []model.ExitResult {
	var results []model.ExitResult
	for _, ps := range positions {
		if m.Tracked(ps.Key) {
			continue
		}
		dec := m.Evaluate(ps)
		if !dec.ShouldExit {
			continue
		}
		results = append(results, m.ExecuteExit(ctx, ps, dec))
	}
	return results
}

// EmergencyLiquidate market-exits every open position sequentially. Failures
// are collected, not propagated — one refusal must not strand the rest.
func (m *Manager) EmergencyLiquidate(ctx context.Context, positions []model.PositionStatus) []model.ExitResult {
	log.Printf("[exit] EMERGENCY LIQUIDATION of %d positions", len(positions))
	results := make([]model.ExitResult, 0, len(positions))
	for _, ps := range positions {
		dec := model.ExitDecision{
			ShouldExit: true,
			Reason:     model.ExitReasonEmergency,
			OrderType:  model.OrderTypeMarket,
			Urgency:    model.UrgencyImmediate,
		}
		res := m.ExecuteExit(ctx, ps, dec)
		if !res.Success {
			log.Printf("[exit] emergency exit failed for %s: %s", ps.Key, res.Error)
		}
		results = append(results, res)
	}
	return results
}

// Tracked reports whether a close order is in flight for the key.
func (m *Manager) Tracked(key model.PositionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracking[key.String()]
	return ok
}
