// Package api exposes the operator HTTP surface of the trader: pre-trade
// gating for an external entry process, halt/resume control, and read-only
// position and risk views.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"options-systemv1/internal/exit"
	"options-systemv1/internal/model"
	"options-systemv1/internal/reconcile"
	"options-systemv1/internal/risk"
)

// Server wires the lifecycle components behind HTTP handlers.
type Server struct {
	recon    *reconcile.Reconciler
	governor *risk.Governor
	exits    *exit.Manager

	srv *http.Server
}

// New builds the admin server.
func New(addr string, recon *reconcile.Reconciler, governor *risk.Governor, exits *exit.Manager) *Server {
	s := &Server{recon: recon, governor: governor, exits: exits}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/risk/status", s.handleRiskStatus)
	mux.HandleFunc("/api/v1/risk/check", s.handleRiskCheck)
	mux.HandleFunc("/api/v1/risk/record", s.handleRiskRecord)
	mux.HandleFunc("/api/v1/risk/halt", s.handleHalt)
	mux.HandleFunc("/api/v1/risk/resume", s.handleResume)
	mux.HandleFunc("/api/v1/exits/liquidate", s.handleLiquidate)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] serving at %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recon.GetAllPositions(r.Context()))
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.Status(r.Context()))
}

// handleRiskCheck gates a candidate position. The entry process must treat
// anything but approved=true as a refusal.
func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var c model.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid candidate JSON")
		return
	}
	writeJSON(w, http.StatusOK, s.governor.PreTradeCheck(r.Context(), c))
}

// handleRiskRecord records a filled candidate into the ledger.
func (s *Server) handleRiskRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var c model.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid candidate JSON")
		return
	}
	t, err := s.governor.RecordTrade(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	if err := s.governor.EmergencyHalt(r.Context(), "operator: "+req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "halted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.governor.ResumeTrading(r.Context(), req.Code); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleLiquidate market-exits every open position. Deliberately bounded by
// its own timeout: liquidation must run to completion even if the operator's
// HTTP client gives up.
func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	positions := s.recon.GetAllPositions(ctx)
	results := s.exits.EmergencyLiquidate(ctx, positions)
	writeJSON(w, http.StatusOK, results)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
