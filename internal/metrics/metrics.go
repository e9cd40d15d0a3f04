// Package metrics exposes Prometheus metrics and a health endpoint for the
// position lifecycle trader.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trader.
type Metrics struct {
	CyclesTotal prometheus.Counter
	CycleDur    prometheus.Histogram

	OpenPositions  prometheus.Gauge
	StalePositions prometheus.Gauge
	UnrealizedPnL  prometheus.Gauge // dollars

	ChecksTotal *prometheus.CounterVec // labels: limit, outcome
	HaltsTotal  prometheus.Counter
	Halted      prometheus.Gauge // 0/1

	ExitOrdersTotal *prometheus.CounterVec // labels: reason
	ExitFillsTotal  prometheus.Counter
	ExitErrorsTotal prometheus.Counter

	SweepClosedTotal prometheus.Counter
	AssignmentsTotal prometheus.Counter
	AlertsTotal      *prometheus.CounterVec // labels: severity

	SnapshotBreakerOpen prometheus.Gauge // 0/1
}

// New registers and returns all trader metrics.
func New() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_cycles_total",
			Help: "Evaluation cycles completed",
		}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Full evaluation cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Open positions per the ledger",
		}),
		StalePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_stale_positions",
			Help: "Positions priced from last-known economics this cycle",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_unrealized_pnl_dollars",
			Help: "Aggregate unrealized P&L",
		}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_pretrade_checks_total",
			Help: "Pre-trade check outcomes (by limit and outcome)",
		}, []string{"limit", "outcome"}),
		HaltsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_halts_total",
			Help: "Trading halts triggered",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_halted",
			Help: "1 while trading is halted",
		}),
		ExitOrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_exit_orders_total",
			Help: "Exit orders submitted (by reason)",
		}, []string{"reason"}),
		ExitFillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_exit_fills_total",
			Help: "Exit orders filled and recorded",
		}),
		ExitErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_exit_errors_total",
			Help: "Exit submissions that failed",
		}),
		SweepClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_sweep_closed_total",
			Help: "Expired positions closed by the sweep",
		}),
		AssignmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_assignments_total",
			Help: "Assignment events detected",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_alerts_total",
			Help: "Position alerts raised (by severity)",
		}, []string{"severity"}),
		SnapshotBreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_snapshot_breaker_open",
			Help: "1 while the Redis snapshot breaker is open",
		}),
	}

	prometheus.MustRegister(
		m.CyclesTotal, m.CycleDur,
		m.OpenPositions, m.StalePositions, m.UnrealizedPnL,
		m.ChecksTotal, m.HaltsTotal, m.Halted,
		m.ExitOrdersTotal, m.ExitFillsTotal, m.ExitErrorsTotal,
		m.SweepClosedTotal, m.AssignmentsTotal, m.AlertsTotal,
		m.SnapshotBreakerOpen,
	)
	return m
}

// HealthStatus tracks dependency health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt    time.Time
	LedgerOK     bool
	LastCycleAt  time.Time
	LastCycleErr string
	Halted       bool
}

// NewHealthStatus creates health tracking state.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// RecordCycle notes a completed cycle.
func (h *HealthStatus) RecordCycle(errMsg string, halted bool) {
	h.mu.Lock()
	h.LastCycleAt = time.Now()
	h.LastCycleErr = errMsg
	h.Halted = halted
	h.mu.Unlock()
}

// CheckLedger pings the ledger database.
func (h *HealthStatus) CheckLedger(ctx context.Context, db *sql.DB) {
	err := db.PingContext(ctx)
	h.mu.Lock()
	h.LedgerOK = err == nil
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.LedgerOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if h.LastCycleErr != "" {
		status = "degraded"
	}

	resp := struct {
		Status       string `json:"status"`
		Uptime       string `json:"uptime"`
		LedgerOK     bool   `json:"ledger_ok"`
		Halted       bool   `json:"halted"`
		LastCycleAt  string `json:"last_cycle_at"`
		LastCycleErr string `json:"last_cycle_err,omitempty"`
	}{
		Status:       status,
		Uptime:       time.Since(h.StartedAt).Round(time.Second).String(),
		LedgerOK:     h.LedgerOK,
		Halted:       h.Halted,
		LastCycleAt:  h.LastCycleAt.Format(time.RFC3339),
		LastCycleErr: h.LastCycleErr,
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(resp)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
