// Package risk implements the stateful pre-trade gate. The governor runs an
// ordered battery of checks before any new position, owns the durable
// halt/resume state machine, and keeps the rolling loss and trade counters.
//
// Only the halt flag survives a restart. Trade counts and the weekly/peak
// equity marks are rebuilt in memory with deterministic calendar resets;
// whether they should be crash-durable is an open product decision.
package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/ledger"
	"options-systemv1/internal/marketcal"
	"options-systemv1/internal/model"
	"options-systemv1/internal/reconcile"
)

// Limit names reported in RiskLimitCheck results.
const (
	LimitHalt        = "halted"
	LimitAccountData = "account_data"
	LimitDuplicate   = "duplicate_position"
	LimitEarnings    = "earnings_blackout"
	LimitDailyLoss   = "daily_loss"
	LimitWeeklyLoss  = "weekly_loss"
	LimitDrawdown    = "max_drawdown"
	LimitPositions   = "max_positions"
	LimitDailyTrades = "daily_trades"
	LimitSector      = "sector_concentration"
	LimitMarginFunds = "margin_available_funds"
	LimitMarginTrade = "margin_per_trade"
	LimitMarginUtil  = "margin_utilization"
	LimitCushion     = "margin_cushion"
)

// sector check is skipped entirely below this many resulting positions
const sectorCheckMinPositions = 3

// Limits is the validated risk configuration, built once at startup.
type Limits struct {
	DailyLossPct   float64 // max unrealized loss as fraction of equity, e.g. 0.02
	WeeklyLossPct  float64 // max loss vs week-start equity, e.g. 0.05
	MaxDrawdownPct float64 // max drawdown vs peak equity, e.g. 0.10

	MaxPositions    int
	MaxTradesPerDay int

	MaxSectorFraction float64 // max share of positions in one sector, e.g. 0.40

	PerTradeMarginPct    float64 // max initial margin per trade as fraction of net liquidation
	MaxMarginUtilization float64 // max aggregate margin as fraction of net liquidation
	MinCushionPct        float64 // min excess liquidity as fraction of net liquidation

	AccountCacheTTL time.Duration
}

// Validate rejects configurations that would make the gate meaningless.
func (l Limits) Validate() error {
	if l.DailyLossPct <= 0 || l.WeeklyLossPct <= 0 || l.MaxDrawdownPct <= 0 {
		return fmt.Errorf("risk: loss limits must be positive fractions")
	}
	if l.MaxPositions <= 0 || l.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk: position and trade caps must be positive")
	}
	if l.MaxSectorFraction <= 0 || l.MaxSectorFraction > 1 {
		return fmt.Errorf("risk: sector fraction must be in (0, 1]")
	}
	if l.MinCushionPct <= 0 {
		return fmt.Errorf("risk: minimum cushion must be positive")
	}
	return nil
}

// Governor is the pre-trade gate. States: ACTIVE and HALTED. A breached
// breaker or an explicit emergency call moves ACTIVE→HALTED; only an explicit
// resume moves HALTED→ACTIVE.
type Governor struct {
	mu sync.Mutex

	store  ledger.Store
	gw     broker.Gateway
	recon  *reconcile.Reconciler
	limits Limits

	// resumeSecret, when set, requires a valid operator TOTP code to resume
	// trading after a halt.
	resumeSecret string

	// instrumentation hooks; both may be nil. onHalt runs on its own
	// goroutine so a slow pager cannot stall the check pipeline.
	onCheck func(model.RiskLimitCheck)
	onHalt  func(reason string)

	halted     bool
	haltReason string

	tradeDay    string
	tradesToday int

	weekKey         string
	weekStartEquity int64 // cents
	peakEquity      int64 // cents

	acct   broker.AccountSummary
	acctAt time.Time
	acctOK bool

	now func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithResumeTOTP requires a valid TOTP code (for the given secret) on resume.
func WithResumeTOTP(secret string) Option {
	return func(g *Governor) { g.resumeSecret = secret }
}

// WithCheckObserver registers a callback invoked with every pre-trade check
// result. The callback must not call back into the Governor.
func WithCheckObserver(fn func(model.RiskLimitCheck)) Option {
	return func(g *Governor) { g.onCheck = fn }
}

// WithHaltHook registers a callback invoked whenever the governor halts.
func WithHaltHook(fn func(reason string)) Option {
	return func(g *Governor) { g.onHalt = fn }
}

// New builds a Governor and loads the durable halt record. It fails rather
// than default to ACTIVE when the record cannot be read: the gate must know
// its state before approving anything. No broker connection is required.
func New(store ledger.Store, gw broker.Gateway, recon *reconcile.Reconciler, limits Limits, opts ...Option) (*Governor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if limits.AccountCacheTTL == 0 {
		limits.AccountCacheTTL = 30 * time.Second
	}

	g := &Governor{
		store:  store,
		gw:     gw,
		recon:  recon,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	rec, err := store.HaltRecord(context.Background())
	if err != nil {
		return nil, fmt.Errorf("risk: read halt record: %w", err)
	}
	g.halted = rec.Halted
	g.haltReason = rec.Reason
	if g.halted {
		log.Printf("[risk] starting HALTED: %s (since %s)", rec.Reason, rec.Timestamp.Format(time.RFC3339))
	}
	return g, nil
}

// PreTradeCheck runs the ordered check pipeline for a candidate position and
// returns the first rejection, or the final approval. Checks are ordered
// cheapest/structural first and short-circuit on rejection. Any collaborator
// failure is a denial — the gate fails closed.
func (g *Governor) PreTradeCheck(ctx context.Context, c model.Candidate) model.RiskLimitCheck {
	check := g.preTradeCheck(ctx, c)
	if g.onCheck != nil {
		g.onCheck(check)
	}
	return check
}

func (g *Governor) preTradeCheck(ctx context.Context, c model.Candidate) model.RiskLimitCheck {
	g.mu.Lock()
	defer g.mu.Unlock()

	if check := g.checkHalt(); !check.Approved {
		return check
	}

	// One position snapshot per gating decision; all downstream checks see
	// the same view.
	positions, err := g.recon.Snapshot(ctx)
	if err != nil {
		log.Printf("[risk] position snapshot failed, rejecting: %v", err)
		return reject(LimitAccountData, 0, 0, fmt.Sprintf("position data unavailable: %v", err))
	}

	if check := g.checkDuplicate(c, positions); !check.Approved {
		return check
	}
	if check := g.checkEarnings(c); !check.Approved {
		return check
	}

	acct, err := g.accountSummaryLocked(ctx, false)
	if err != nil {
		log.Printf("[risk] account summary failed, rejecting: %v", err)
		return reject(LimitAccountData, 0, 0, fmt.Sprintf("account data unavailable: %v", err))
	}
	g.rollCountersLocked(acct)

	if check := g.checkDailyLoss(ctx, positions, acct); !check.Approved {
		return check
	}
	if check := g.checkWeeklyLoss(ctx, acct); !check.Approved {
		return check
	}
	if check := g.checkDrawdown(ctx, acct); !check.Approved {
		return check
	}
	if check := g.checkPositionCount(positions); !check.Approved {
		return check
	}
	if check := g.checkTradeCount(); !check.Approved {
		return check
	}
	if check := g.checkSector(c, positions); !check.Approved {
		return check
	}
	if check := g.checkMargin(ctx, c, acct); !check.Approved {
		return check
	}

	return approve("all", "all pre-trade checks passed")
}

// RecordTrade persists a newly filled candidate, bumps the daily counter, and
// runs post-trade account verification.
func (g *Governor) RecordTrade(ctx context.Context, c model.Candidate) (*model.Trade, error) {
	g.mu.Lock()
	if g.halted {
		reason := g.haltReason
		g.mu.Unlock()
		return nil, fmt.Errorf("risk: trading halted: %s", reason)
	}
	g.mu.Unlock()

	t := &model.Trade{
		Symbol:          c.Symbol,
		Strike:          c.Strike,
		Expiry:          c.Expiry,
		Right:           c.Right,
		Contracts:       c.Contracts,
		EntryPremium:    c.Premium,
		EntryDate:       g.now(),
		UnderlyingEntry: c.Underlying,
		Sector:          c.Sector,
	}
	if err := g.store.InsertTrade(ctx, t); err != nil {
		return nil, fmt.Errorf("risk: record trade: %w", err)
	}

	g.mu.Lock()
	day := marketcal.TradingDate(g.now())
	if day != g.tradeDay {
		g.tradeDay = day
		g.tradesToday = 0
	}
	g.tradesToday++
	g.mu.Unlock()

	log.Printf("[risk] recorded trade %d (%s), %d contracts at %d", t.ID, t.Key(), t.Contracts, t.EntryPremium)
	g.verifyPostTrade(ctx)
	return t, nil
}

// verifyPostTrade force-refreshes account health after a fill and escalates
// to an emergency halt when the excess-liquidity cushion has dropped below
// the minimum. This catches post-fill margin danger no pre-trade estimate
// could foresee.
func (g *Governor) verifyPostTrade(ctx context.Context) {
	g.mu.Lock()
	acct, err := g.accountSummaryLocked(ctx, true)
	g.mu.Unlock()
	if err != nil {
		log.Printf("[risk] post-trade account verification unavailable: %v", err)
		return
	}
	if acct.NetLiquidation <= 0 {
		return
	}
	cushion := float64(acct.ExcessLiquidity) / float64(acct.NetLiquidation)
	if cushion < g.limits.MinCushionPct {
		reason := fmt.Sprintf("post-trade excess liquidity cushion %.1f%% below minimum %.1f%%",
			cushion*100, g.limits.MinCushionPct*100)
		if err := g.EmergencyHalt(ctx, reason); err != nil {
			log.Printf("[risk] CRITICAL: emergency halt failed to persist: %v", err)
		}
	}
}

// EmergencyHalt moves the governor to HALTED and persists the record. The
// in-memory flag is set first so the gate is closed even if persistence
// fails; a persistence failure is logged at the highest severity.
func (g *Governor) EmergencyHalt(ctx context.Context, reason string) error {
	g.mu.Lock()
	g.halted = true
	g.haltReason = reason
	g.mu.Unlock()

	log.Printf("[risk] EMERGENCY HALT: %s", reason)
	g.fireHaltHook(reason)
	rec := model.HaltRecord{Halted: true, Reason: reason, Timestamp: g.now()}
	if err := g.store.SetHaltRecord(ctx, rec); err != nil {
		log.Printf("[risk] CRITICAL: halt record not persisted, halt is in-memory only: %v", err)
		return fmt.Errorf("risk: persist halt record: %w", err)
	}
	return nil
}

func (g *Governor) fireHaltHook(reason string) {
	if g.onHalt != nil {
		go g.onHalt(reason)
	}
}

// ResumeTrading moves HALTED→ACTIVE. When a resume TOTP secret is configured
// the operator code must validate; resuming a halted account is deliberate,
// never automatic.
func (g *Governor) ResumeTrading(ctx context.Context, code string) error {
	if g.resumeSecret != "" && !totp.Validate(code, g.resumeSecret) {
		return fmt.Errorf("risk: resume refused: invalid operator code")
	}

	rec := model.HaltRecord{Halted: false, Reason: "", Timestamp: g.now()}
	if err := g.store.SetHaltRecord(ctx, rec); err != nil {
		return fmt.Errorf("risk: persist resume: %w", err)
	}

	g.mu.Lock()
	g.halted = false
	g.haltReason = ""
	g.mu.Unlock()
	log.Printf("[risk] trading resumed")
	return nil
}

// IsHalted reports the current halt state.
func (g *Governor) IsHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Status returns a snapshot of governor state for the CLI and dashboard.
func (g *Governor) Status(ctx context.Context) model.RiskStatus {
	positions := g.recon.GetAllPositions(ctx)
	var unrealized int64
	for _, ps := range positions {
		unrealized += ps.PnL
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := model.RiskStatus{
		Halted:          g.halted,
		HaltReason:      g.haltReason,
		OpenPositions:   len(positions),
		TradesToday:     g.tradesToday,
		PeakEquity:      g.peakEquity,
		WeekStartEquity: g.weekStartEquity,
		UnrealizedPnL:   unrealized,
	}
	if acct, err := g.accountSummaryLocked(ctx, false); err == nil {
		st.Equity = acct.NetLiquidation
		if g.peakEquity > 0 {
			st.DrawdownPct = float64(g.peakEquity-acct.NetLiquidation) / float64(g.peakEquity)
		}
	}
	return st
}

// rollCountersLocked applies calendar resets and the equity high-water mark.
// Boundaries come from the exchange calendar, not wall-clock UTC.
func (g *Governor) rollCountersLocked(acct broker.AccountSummary) {
	now := g.now()

	day := marketcal.TradingDate(now)
	if day != g.tradeDay {
		g.tradeDay = day
		g.tradesToday = 0
	}

	week := marketcal.WeekKey(now)
	if week != g.weekKey {
		g.weekKey = week
		g.weekStartEquity = acct.NetLiquidation
	}

	if acct.NetLiquidation > g.peakEquity {
		g.peakEquity = acct.NetLiquidation
	}
}

// haltLocked trips the breaker from inside the check pipeline.
func (g *Governor) haltLocked(ctx context.Context, reason string) {
	g.halted = true
	g.haltReason = reason
	log.Printf("[risk] BREAKER TRIPPED: %s", reason)
	g.fireHaltHook(reason)
	rec := model.HaltRecord{Halted: true, Reason: reason, Timestamp: g.now()}
	if err := g.store.SetHaltRecord(ctx, rec); err != nil {
		log.Printf("[risk] CRITICAL: halt record not persisted, halt is in-memory only: %v", err)
	}
}

func approve(limit, reason string) model.RiskLimitCheck {
	return model.RiskLimitCheck{Approved: true, LimitName: limit, Reason: reason}
}

func reject(limit string, current, max float64, reason string) model.RiskLimitCheck {
	c := model.RiskLimitCheck{Approved: false, LimitName: limit, Current: current, Limit: max, Reason: reason}
	if max != 0 {
		c.Utilization = current / max * 100
	}
	return c
}
