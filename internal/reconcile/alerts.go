package reconcile

import (
	"context"
	"fmt"
	"math"

	"options-systemv1/internal/model"
)

// Delta-magnitude and underlying-drop alert thresholds.
const (
	deltaWarn     = 0.30
	deltaCritical = 0.50

	underlyingDropWarn     = 0.05
	underlyingDropCritical = 0.10
)

// CheckAlerts derives advisory alerts from the current position view.
// Failures upstream yield no positions and therefore no alerts.
func (r *Reconciler) CheckAlerts(ctx context.Context) []model.Alert {
	alerts := []model.Alert{}
	for _, ps := range r.GetAllPositions(ctx) {
		alerts = append(alerts, r.alertsFor(ps)...)
	}
	return alerts
}

func (r *Reconciler) alertsFor(ps model.PositionStatus) []model.Alert {
	var alerts []model.Alert
	add := func(sev model.Severity, rule, msg string) {
		alerts = append(alerts, model.Alert{Severity: sev, Rule: rule, Key: ps.Key, Message: msg})
	}

	if ps.NearProfitTarget {
		add(model.SeverityInfo, "profit_target_near",
			fmt.Sprintf("%.0f%% of premium captured", ps.PnLPct*100))
	}
	if ps.NearStopLoss {
		add(model.SeverityWarning, "stop_loss_near",
			fmt.Sprintf("loss at %.0f%% of premium", -ps.PnLPct*100))
	}

	if r.cfg.ExpiryWarnDTE > 0 && ps.DTE <= r.cfg.ExpiryWarnDTE {
		sev := model.SeverityWarning
		if ps.DTE <= 1 {
			sev = model.SeverityCritical
		}
		add(sev, "expiration_near", fmt.Sprintf("%d days to expiration", ps.DTE))
	}

	if ps.Delta != nil {
		mag := math.Abs(*ps.Delta)
		if mag >= deltaCritical {
			add(model.SeverityCritical, "delta_breach", fmt.Sprintf("|delta| %.2f", mag))
		} else if mag >= deltaWarn {
			add(model.SeverityWarning, "delta_breach", fmt.Sprintf("|delta| %.2f", mag))
		}
	}

	if ps.Underlying > 0 && ps.UnderlyingEntry > 0 {
		drop := float64(ps.UnderlyingEntry-ps.Underlying) / float64(ps.UnderlyingEntry)
		if drop >= underlyingDropCritical {
			add(model.SeverityCritical, "underlying_drop", fmt.Sprintf("underlying down %.1f%% from entry", drop*100))
		} else if drop >= underlyingDropWarn {
			add(model.SeverityWarning, "underlying_drop", fmt.Sprintf("underlying down %.1f%% from entry", drop*100))
		}
	}

	if r.cfg.AssignmentRiskDTE > 0 && ps.DTE <= r.cfg.AssignmentRiskDTE && r.inTheMoney(ps) {
		add(model.SeverityCritical, "assignment_risk",
			fmt.Sprintf("in the money with %d days to expiration", ps.DTE))
	}

	return alerts
}

// inTheMoney is conservative: unknown underlying counts as not ITM.
func (r *Reconciler) inTheMoney(ps model.PositionStatus) bool {
	if ps.Underlying <= 0 {
		return false
	}
	if ps.Key.Right == model.RightPut {
		return ps.Underlying < ps.Key.Strike
	}
	return ps.Underlying > ps.Key.Strike
}
