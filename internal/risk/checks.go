package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/marketcal"
	"options-systemv1/internal/model"
)

func (g *Governor) checkHalt() model.RiskLimitCheck {
	if g.halted {
		return reject(LimitHalt, 1, 0, fmt.Sprintf("trading halted: %s", g.haltReason))
	}
	return approve(LimitHalt, "trading active")
}

// checkDuplicate rejects a candidate whose canonical key is already open.
// The ledger-driven snapshot covers positions with exits in flight too.
func (g *Governor) checkDuplicate(c model.Candidate, positions []model.PositionStatus) model.RiskLimitCheck {
	key := c.Key().String()
	for _, ps := range positions {
		if ps.Key.String() == key {
			return reject(LimitDuplicate, 1, 0, fmt.Sprintf("position %s already open", key))
		}
	}
	return approve(LimitDuplicate, "no open position for key")
}

// checkEarnings rejects when a known earnings date falls before expiration.
// Missing earnings data passes through with a warning — it never blocks.
func (g *Governor) checkEarnings(c model.Candidate) model.RiskLimitCheck {
	if c.EarningsDate == nil {
		log.Printf("[risk] no earnings date for %s, passing earnings check with warning", c.Symbol)
		return approve(LimitEarnings, "earnings date unknown (warning)")
	}
	dte := marketcal.DaysUntil(c.Expiry, g.now())
	edays := marketcal.DaysUntil(marketcal.TradingDate(*c.EarningsDate), g.now())
	if edays >= 0 && edays <= dte {
		return reject(LimitEarnings, float64(edays), float64(dte),
			fmt.Sprintf("earnings on %s inside %d days to expiration", c.EarningsDate.Format("2006-01-02"), dte))
	}
	return approve(LimitEarnings, "no earnings before expiration")
}

// checkDailyLoss is a breaker: aggregate unrealized loss as a fraction of
// equity. A breach rejects and trips a durable halt.
func (g *Governor) checkDailyLoss(ctx context.Context, positions []model.PositionStatus, acct broker.AccountSummary) model.RiskLimitCheck {
	if acct.NetLiquidation <= 0 {
		return reject(LimitDailyLoss, 0, 0, "net liquidation unavailable")
	}
	var unrealized int64
	for _, ps := range positions {
		unrealized += ps.PnL
	}
	lossFrac := float64(unrealized) / float64(acct.NetLiquidation)
	if lossFrac <= -g.limits.DailyLossPct {
		reason := fmt.Sprintf("unrealized loss %.2f%% of equity breaches daily limit %.2f%%",
			-lossFrac*100, g.limits.DailyLossPct*100)
		g.haltLocked(ctx, reason)
		return reject(LimitDailyLoss, -lossFrac, g.limits.DailyLossPct, reason)
	}
	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitDailyLoss,
		Current: -lossFrac, Limit: g.limits.DailyLossPct,
		Utilization: -lossFrac / g.limits.DailyLossPct * 100,
		Reason:      "within daily loss limit",
	}
}

// checkWeeklyLoss is a breaker against the week-start equity snapshot.
func (g *Governor) checkWeeklyLoss(ctx context.Context, acct broker.AccountSummary) model.RiskLimitCheck {
	if g.weekStartEquity <= 0 {
		return approve(LimitWeeklyLoss, "no week-start equity snapshot yet")
	}
	lossFrac := float64(g.weekStartEquity-acct.NetLiquidation) / float64(g.weekStartEquity)
	if lossFrac >= g.limits.WeeklyLossPct {
		reason := fmt.Sprintf("equity down %.2f%% from week start, breaches weekly limit %.2f%%",
			lossFrac*100, g.limits.WeeklyLossPct*100)
		g.haltLocked(ctx, reason)
		return reject(LimitWeeklyLoss, lossFrac, g.limits.WeeklyLossPct, reason)
	}
	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitWeeklyLoss,
		Current: lossFrac, Limit: g.limits.WeeklyLossPct,
		Utilization: lossFrac / g.limits.WeeklyLossPct * 100,
		Reason:      "within weekly loss limit",
	}
}

// checkDrawdown is a breaker against the running equity high-water mark.
func (g *Governor) checkDrawdown(ctx context.Context, acct broker.AccountSummary) model.RiskLimitCheck {
	if g.peakEquity <= 0 {
		return approve(LimitDrawdown, "no peak equity yet")
	}
	dd := float64(g.peakEquity-acct.NetLiquidation) / float64(g.peakEquity)
	if dd >= g.limits.MaxDrawdownPct {
		reason := fmt.Sprintf("drawdown %.2f%% from peak breaches limit %.2f%%",
			dd*100, g.limits.MaxDrawdownPct*100)
		g.haltLocked(ctx, reason)
		return reject(LimitDrawdown, dd, g.limits.MaxDrawdownPct, reason)
	}
	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitDrawdown,
		Current: dd, Limit: g.limits.MaxDrawdownPct,
		Utilization: dd / g.limits.MaxDrawdownPct * 100,
		Reason:      "within drawdown limit",
	}
}

func (g *Governor) checkPositionCount(positions []model.PositionStatus) model.RiskLimitCheck {
	open := len(positions)
	if open >= g.limits.MaxPositions {
		return reject(LimitPositions, float64(open), float64(g.limits.MaxPositions),
			fmt.Sprintf("%d of %d positions already open", open, g.limits.MaxPositions))
	}
	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitPositions,
		Current: float64(open), Limit: float64(g.limits.MaxPositions),
		Utilization: float64(open) / float64(g.limits.MaxPositions) * 100,
		Reason:      "position count within cap",
	}
}

func (g *Governor) checkTradeCount() model.RiskLimitCheck {
	if g.tradesToday >= g.limits.MaxTradesPerDay {
		return reject(LimitDailyTrades, float64(g.tradesToday), float64(g.limits.MaxTradesPerDay),
			fmt.Sprintf("%d of %d trades already placed today", g.tradesToday, g.limits.MaxTradesPerDay))
	}
	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitDailyTrades,
		Current: float64(g.tradesToday), Limit: float64(g.limits.MaxTradesPerDay),
		Utilization: float64(g.tradesToday) / float64(g.limits.MaxTradesPerDay) * 100,
		Reason:      "trade count within cap",
	}
}

// checkSector caps the share of positions in one sector. Skipped entirely
// when the resulting book would hold 3 positions or fewer — concentration is
// meaningless at that size.
func (g *Governor) checkSector(c model.Candidate, positions []model.PositionStatus) model.RiskLimitCheck {
	resulting := len(positions) + 1
	if resulting <= sectorCheckMinPositions {
		return approve(LimitSector, "skipped: too few positions for concentration to apply")
	}
	if c.Sector == "" {
		log.Printf("[risk] no sector for %s, passing sector check with warning", c.Symbol)
		return approve(LimitSector, "sector unknown (warning)")
	}
	inSector := 1 // the candidate
	for _, ps := range positions {
		if ps.Sector == c.Sector {
			inSector++
		}
	}
	frac := float64(inSector) / float64(resulting)
	if frac > g.limits.MaxSectorFraction {
		return reject(LimitSector, frac, g.limits.MaxSectorFraction,
			fmt.Sprintf("%d of %d resulting positions in sector %q exceeds %.0f%%",
				inSector, resulting, c.Sector, g.limits.MaxSectorFraction*100))
	}
	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitSector,
		Current: frac, Limit: g.limits.MaxSectorFraction,
		Utilization: frac / g.limits.MaxSectorFraction * 100,
		Reason:      "sector concentration within cap",
	}
}

// accountSummaryLocked returns account health, serving from a short-TTL cache
// unless force is set. Callers hold g.mu.
func (g *Governor) accountSummaryLocked(ctx context.Context, force bool) (broker.AccountSummary, error) {
	if !force && g.acctOK && g.now().Sub(g.acctAt) < g.limits.AccountCacheTTL {
		return g.acct, nil
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	acct, err := g.gw.Summary(sctx)
	if err != nil {
		return broker.AccountSummary{}, err
	}
	g.acct = acct
	g.acctAt = g.now()
	g.acctOK = true
	return acct, nil
}
