package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/model"
)

// checkMargin gates capital allocation in two layers. Layer 1 fast-rejects
// on the caller's own margin estimate against available funds. Layer 2
// re-verifies with the broker's authoritative margin-impact query when it is
// available; if the broker cannot answer, the decision falls back to layer 1
// rather than blocking.
func (g *Governor) checkMargin(ctx context.Context, c model.Candidate, acct broker.AccountSummary) model.RiskLimitCheck {
	// Layer 1: caller's estimate vs available funds.
	if c.EstimatedMargin > acct.AvailableFunds {
		return reject(LimitMarginFunds, cents(c.EstimatedMargin), cents(acct.AvailableFunds),
			fmt.Sprintf("estimated margin %d exceeds available funds %d", c.EstimatedMargin, acct.AvailableFunds))
	}

	// Layer 2: authoritative broker estimate for the hypothetical entry.
	ticket := model.OrderTicket{
		ClientOrderID: uuid.NewString(),
		Key:           c.Key(),
		Side:          model.OrderSideSell,
		Qty:           c.Contracts,
		Type:          model.OrderTypeLimit,
		LimitPrice:    c.Premium,
	}
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mi, err := g.gw.MarginImpact(mctx, ticket)
	cancel()
	if err != nil {
		log.Printf("[risk] margin impact unavailable for %s, falling back to caller estimate: %v", c.Key(), err)
		return model.RiskLimitCheck{
			Approved: true, LimitName: LimitMarginFunds,
			Current: cents(c.EstimatedMargin), Limit: cents(acct.AvailableFunds),
			Utilization: utilization(c.EstimatedMargin, acct.AvailableFunds),
			Reason:      "margin ok (caller estimate only; broker estimate unavailable)",
		}
	}

	if mi.InitMargin > acct.AvailableFunds {
		return reject(LimitMarginFunds, cents(mi.InitMargin), cents(acct.AvailableFunds),
			fmt.Sprintf("broker margin %d exceeds available funds %d", mi.InitMargin, acct.AvailableFunds))
	}

	if acct.NetLiquidation > 0 {
		perTradeCap := int64(g.limits.PerTradeMarginPct * float64(acct.NetLiquidation))
		if g.limits.PerTradeMarginPct > 0 && mi.InitMargin > perTradeCap {
			return reject(LimitMarginTrade, cents(mi.InitMargin), cents(perTradeCap),
				fmt.Sprintf("margin %d exceeds per-trade cap %d (%.0f%% of net liquidation)",
					mi.InitMargin, perTradeCap, g.limits.PerTradeMarginPct*100))
		}

		// Aggregate utilization after the trade: everything net liquidation
		// would no longer cover as excess.
		usedAfter := acct.NetLiquidation - mi.ExcessLiquidityAfter
		util := float64(usedAfter) / float64(acct.NetLiquidation)
		if g.limits.MaxMarginUtilization > 0 && util > g.limits.MaxMarginUtilization {
			return reject(LimitMarginUtil, util, g.limits.MaxMarginUtilization,
				fmt.Sprintf("margin utilization %.1f%% after trade exceeds %.1f%%",
					util*100, g.limits.MaxMarginUtilization*100))
		}

		cushion := float64(mi.ExcessLiquidityAfter) / float64(acct.NetLiquidation)
		if cushion < g.limits.MinCushionPct {
			return reject(LimitCushion, cushion, g.limits.MinCushionPct,
				fmt.Sprintf("excess liquidity cushion %.1f%% after trade below minimum %.1f%%",
					cushion*100, g.limits.MinCushionPct*100))
		}
	}

	return model.RiskLimitCheck{
		Approved: true, LimitName: LimitMarginFunds,
		Current: cents(mi.InitMargin), Limit: cents(acct.AvailableFunds),
		Utilization: utilization(mi.InitMargin, acct.AvailableFunds),
		Reason:      "margin verified against broker estimate",
	}
}

func cents(v int64) float64 { return float64(v) }

func utilization(current, limit int64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(current) / float64(limit) * 100
}
