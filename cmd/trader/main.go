package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"options-systemv1/config"
	"options-systemv1/internal/api"
	"options-systemv1/internal/assignment"
	"options-systemv1/internal/exit"
	"options-systemv1/internal/ledger/sqlite"
	"options-systemv1/internal/marketcal"
	"options-systemv1/internal/metrics"
	"options-systemv1/internal/model"
	"options-systemv1/internal/notification"
	"options-systemv1/internal/reconcile"
	"options-systemv1/internal/risk"
	"options-systemv1/internal/snapshot"
	"options-systemv1/pkg/ibgateway"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[trader] starting...")

	// ---- Load config from env ----
	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Trade ledger (SQLite) ----
	os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755)
	store, err := sqlite.New(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("[trader] ledger init failed: %v", err)
	}
	defer store.Close()
	health.CheckLedger(ctx, store.DB())

	// ---- Broker gateway client ----
	gw, err := ibgateway.New(ibgateway.Config{
		BaseURL:    cfg.GatewayURL,
		Account:    cfg.GatewayAccount,
		DisableSSL: true, // local gateway, self-signed cert
	})
	if err != nil {
		log.Fatalf("[trader] gateway init failed: %v", err)
	}
	defer gw.Close()

	// ---- Core components ----
	recon := reconcile.New(store, gw, reconcile.Config{
		ProfitTarget:      cfg.ProfitTarget,
		StopLoss:          cfg.StopLoss,
		ExpiryWarnDTE:     cfg.TimeExitDTE,
		AssignmentRiskDTE: 3,
	})

	// ---- Operator alert channels ----
	notifier := buildNotifier(cfg)

	governor, err := risk.New(store, gw, recon, risk.Limits{
		DailyLossPct:         cfg.DailyLossPct,
		WeeklyLossPct:        cfg.WeeklyLossPct,
		MaxDrawdownPct:       cfg.MaxDrawdownPct,
		MaxPositions:         cfg.MaxPositions,
		MaxTradesPerDay:      cfg.MaxTradesPerDay,
		MaxSectorFraction:    cfg.MaxSectorFraction,
		PerTradeMarginPct:    cfg.PerTradeMarginPct,
		MaxMarginUtilization: cfg.MaxMarginUtilization,
		MinCushionPct:        cfg.MinCushionPct,
	},
		risk.WithResumeTOTP(cfg.ResumeTOTPSecret),
		risk.WithCheckObserver(func(check model.RiskLimitCheck) {
			outcome := "approved"
			if !check.Approved {
				outcome = "rejected"
			}
			prom.ChecksTotal.WithLabelValues(check.LimitName, outcome).Inc()
		}),
		risk.WithHaltHook(func(reason string) {
			prom.HaltsTotal.Inc()
			notify(ctx, notifier, model.SeverityCritical, "trading halted", reason)
		}),
	)
	if err != nil {
		log.Fatalf("[trader] risk governor init failed: %v", err)
	}

	exitMgr, err := exit.New(ctx, store, gw, exit.Config{
		ProfitTarget: cfg.ProfitTarget,
		StopLoss:     cfg.StopLoss,
		TimeExitDTE:  cfg.TimeExitDTE,
	})
	if err != nil {
		log.Fatalf("[trader] exit manager init failed: %v", err)
	}

	detector := assignment.New(store, gw)

	// ---- Operator API (pre-trade gate, halt/resume, views) ----
	apiSrv := api.New(cfg.APIAddr, recon, governor, exitMgr)
	apiSrv.Start()

	// ---- Dashboard snapshot publisher (best-effort) ----
	publisher := snapshot.New(cfg.RedisAddr, cfg.RedisPassword, 3*cfg.CycleInterval)
	defer publisher.Close()

	log.Printf("[trader] ready: account=%s cycle=%v profit_target=%.0f%% stop_loss=%.0f%% time_exit_dte=%d",
		cfg.GatewayAccount, cfg.CycleInterval, cfg.ProfitTarget*100, cfg.StopLoss*100, cfg.TimeExitDTE)

	// ---- Evaluation loop ----
	ticker := time.NewTicker(cfg.CycleInterval)
	defer ticker.Stop()

	runCycle(ctx, cfg, store, recon, governor, exitMgr, detector, publisher, notifier, prom, health)
	for {
		select {
		case <-sigCh:
			log.Println("[trader] shutdown signal received, cleaning up...")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			apiSrv.Stop(shutdownCtx)
			metricsSrv.Stop(shutdownCtx)
			shutdownCancel()
			log.Println("[trader] shutdown complete.")
			return
		case <-ticker.C:
			runCycle(ctx, cfg, store, recon, governor, exitMgr, detector, publisher, notifier, prom, health)
		}
	}
}

// buildNotifier assembles the configured alert channels behind a deduper so a
// condition that persists across cycles pages once per hour, not per cycle.
func buildNotifier(cfg *config.Config) notification.Notifier {
	var channels notification.Multi
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, notification.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[trader] telegram alerts enabled")
	}
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, notification.NewWebhook(cfg.AlertWebhookURL))
		log.Println("[trader] webhook alerts enabled")
	}
	if len(channels) == 0 {
		return nil
	}
	return notification.NewDeduper(channels, time.Hour)
}

func notify(ctx context.Context, n notification.Notifier, sev model.Severity, title, message string) {
	if n == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	n.Send(nctx, notification.Event{Severity: sev, Title: title, Message: message})
}

// runCycle is one full evaluation pass: sweep expired positions, rebuild the
// position view, evaluate exits, scan for assignments, then publish snapshots
// and metrics. Each stage is independent; a failure in one is logged and the
// rest still run.
func runCycle(
	ctx context.Context,
	cfg *config.Config,
	store *sqlite.Store,
	recon *reconcile.Reconciler,
	governor *risk.Governor,
	exitMgr *exit.Manager,
	detector *assignment.Detector,
	publisher *snapshot.Publisher,
	notifier notification.Notifier,
	prom *metrics.Metrics,
	health *metrics.HealthStatus,
) {
	start := time.Now()
	var cycleErr string

	// ---- Expired position sweep ----
	swept, err := recon.SweepExpired(ctx)
	if err != nil {
		log.Printf("[trader] expiry sweep failed: %v", err)
		cycleErr = err.Error()
	}
	prom.SweepClosedTotal.Add(float64(swept))

	// ---- Position view ----
	positions, err := recon.Snapshot(ctx)
	if err != nil {
		log.Printf("[trader] position snapshot failed: %v", err)
		cycleErr = err.Error()
		positions = nil
	}

	stale := 0
	var unrealized int64
	for _, ps := range positions {
		if ps.Stale {
			stale++
		}
		unrealized += ps.PnL
	}
	prom.OpenPositions.Set(float64(len(positions)))
	prom.StalePositions.Set(float64(stale))
	prom.UnrealizedPnL.Set(float64(unrealized) / 100)

	// ---- Alerts ----
	alerts := recon.CheckAlerts(ctx)
	for _, a := range alerts {
		prom.AlertsTotal.WithLabelValues(string(a.Severity)).Inc()
		if a.Severity != model.SeverityInfo {
			log.Printf("[trader] ALERT %s %s %s: %s", a.Severity, a.Rule, a.Key, a.Message)
		}
		if a.Severity == model.SeverityCritical {
			notify(ctx, notifier, a.Severity, fmt.Sprintf("%s %s", a.Rule, a.Key), a.Message)
		}
	}

	// ---- Exit evaluation (market hours only; closed markets cannot fill) ----
	if marketcal.IsMarketOpen(time.Now()) {
		for _, res := range exitMgr.EvaluateExits(ctx, positions) {
			switch {
			case res.Success:
				prom.ExitOrdersTotal.WithLabelValues(res.Reason).Inc()
				prom.ExitFillsTotal.Inc()
				log.Printf("[trader] exit filled: %s reason=%s order=%s fill=%d",
					res.Key, res.Reason, res.OrderID, res.FillPrice)
			case res.InProgress:
				prom.ExitOrdersTotal.WithLabelValues(res.Reason).Inc()
				log.Printf("[trader] exit in flight: %s reason=%s order=%s", res.Key, res.Reason, res.OrderID)
			default:
				prom.ExitErrorsTotal.Inc()
				log.Printf("[trader] exit failed: %s reason=%s: %s", res.Key, res.Reason, res.Error)
			}
		}
	}

	// ---- Assignment scan ----
	events := detector.Scan(ctx)
	prom.AssignmentsTotal.Add(float64(len(events)))
	for _, ev := range events {
		log.Printf("[trader] ASSIGNMENT: %s %d shares (trade %d)", ev.Symbol, ev.Shares, ev.TradeID)
		notify(ctx, notifier, model.SeverityCritical,
			fmt.Sprintf("assignment %s", ev.Key),
			fmt.Sprintf("%d shares assigned at %d, trade %d closed at intrinsic %d",
				ev.Shares, ev.AvgCost, ev.TradeID, ev.Intrinsic))
	}

	// ---- Risk status + halt gauge ----
	riskStatus := governor.Status(ctx)
	if riskStatus.Halted {
		prom.Halted.Set(1)
		notify(ctx, notifier, model.SeverityCritical, "trading halted", riskStatus.HaltReason)
	} else {
		prom.Halted.Set(0)
	}

	// ---- Publish dashboard snapshots (best-effort) ----
	publishSnapshots(ctx, publisher, positions, riskStatus, alerts, prom)

	// ---- Health + cycle metrics ----
	health.CheckLedger(ctx, store.DB())
	health.RecordCycle(cycleErr, riskStatus.Halted)
	prom.CyclesTotal.Inc()
	prom.CycleDur.Observe(time.Since(start).Seconds())
}

func publishSnapshots(
	ctx context.Context,
	publisher *snapshot.Publisher,
	positions []model.PositionStatus,
	riskStatus model.RiskStatus,
	alerts []model.Alert,
	prom *metrics.Metrics,
) {
	for _, err := range []error{
		publisher.PublishPositions(ctx, positions),
		publisher.PublishRisk(ctx, riskStatus),
		publisher.PublishAlerts(ctx, alerts),
	} {
		if err != nil && !errors.Is(err, snapshot.ErrBreakerOpen) {
			log.Printf("[trader] snapshot publish failed: %v", err)
		}
	}
	if publisher.BreakerState() == "open" {
		prom.SnapshotBreakerOpen.Set(1)
	} else {
		prom.SnapshotBreakerOpen.Set(0)
	}
}
