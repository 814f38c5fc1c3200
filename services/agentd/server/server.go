package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tradeagent/execution"
	"tradeagent/pricing"
	"tradeagent/risk"
	"tradeagent/services/agentd/storage"
)

// RiskView exposes the gate to the API.
type RiskView interface {
	Snapshot() risk.Snapshot
	CanEnterPosition(amount decimal.Decimal) bool
}

// PriceView exposes the pricing cache to the API.
type PriceView interface {
	GetPrice(ctx context.Context, mint string) (pricing.Price, bool)
	GetPriceInBase(ctx context.Context, mint string) (float64, bool)
	GetMetadata(ctx context.Context, mint string) (pricing.Metadata, bool)
	Label(ctx context.Context, mint string) string
}

// Submitter runs intents through the execution pipeline.
type Submitter interface {
	Submit(ctx context.Context, sub execution.Submission) (execution.Result, error)
}

// History lists journaled executions.
type History interface {
	Recent(ctx context.Context, limit int) ([]storage.Execution, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	DryRun        bool
}

// Deps are the collaborators served by the API. History may be nil.
type Deps struct {
	Risk      RiskView
	Prices    PriceView
	Submitter Submitter
	History   History
}

// Server hosts health, metrics and the authenticated agent API.
type Server struct {
	cfg    Config
	deps   Deps
	auth   *Authenticator
	logger *slog.Logger
	router http.Handler
}

// New constructs a server. A nil authenticator leaves the /v1 routes unmounted.
func New(cfg Config, deps Deps, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if deps.Risk == nil || deps.Prices == nil || deps.Submitter == nil {
		return nil, fmt.Errorf("risk, prices and submitter are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, deps: deps, auth: auth, logger: logger}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if s.auth != nil {
		r.Route("/v1", func(api chi.Router) {
			api.Use(s.auth.Middleware)
			api.Get("/risk", s.handleRisk)
			api.Post("/risk/check", s.handleRiskCheck)
			api.Get("/tokens/{mint}", s.handleToken)
			api.Post("/intents", s.handleIntent)
			api.Get("/executions", s.handleExecutions)
		})
	}
	return otelhttp.NewHandler(r, "agentd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("server.listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	mode := "live"
	if s.cfg.DryRun {
		mode = "dry-run"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": mode})
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Risk.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"exposureSol":     snap.Exposure.String(),
		"dailyLossSol":    snap.DailyLoss.String(),
		"maxPositionSol":  snap.Limits.MaxPosition.String(),
		"maxDailyLossSol": snap.Limits.MaxDailyLoss.String(),
		"ledgerLength":    snap.LedgerLength,
	})
}

func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountSol decimal.Decimal `json:"amountSol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !req.AmountSol.IsPositive() {
		http.Error(w, "amountSol must be positive", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": s.deps.Risk.CanEnterPosition(req.AmountSol)})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	mint := strings.TrimSpace(chi.URLParam(r, "mint"))
	if mint == "" {
		http.Error(w, "mint required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	body := map[string]any{"mint": mint, "label": s.deps.Prices.Label(ctx, mint)}
	if meta, ok := s.deps.Prices.GetMetadata(ctx, mint); ok {
		body["symbol"] = meta.Symbol
		body["name"] = meta.Name
	}
	if price, ok := s.deps.Prices.GetPrice(ctx, mint); ok {
		body["priceUsd"] = price.USD
	}
	if sol, ok := s.deps.Prices.GetPriceInBase(ctx, mint); ok {
		body["priceSol"] = sol
	}
	writeJSON(w, http.StatusOK, body)
}

type intentRequest struct {
	Side           string           `json:"side"`
	Mint           string           `json:"mint"`
	SolAmount      float64          `json:"solAmount"`
	Percent        *float64         `json:"percent"`
	Amount         string           `json:"amount"`
	SlippageBps    int              `json:"slippageBps"`
	ExposureSol    decimal.Decimal  `json:"exposureSol"`
	RealizedPnlSol *decimal.Decimal `json:"realizedPnlSol"`
}

func (req intentRequest) submission() (execution.Submission, error) {
	mint := strings.TrimSpace(req.Mint)
	if mint == "" {
		return execution.Submission{}, errors.New("mint required")
	}
	sub := execution.Submission{ExposureSol: req.ExposureSol, RealizedPnl: req.RealizedPnlSol}
	switch strings.ToLower(strings.TrimSpace(req.Side)) {
	case string(risk.SideBuy):
		if req.SolAmount <= 0 {
			return sub, errors.New("solAmount must be positive")
		}
		sub.Intent = execution.Buy{Mint: mint, SolAmount: req.SolAmount, SlippageBps: req.SlippageBps}
	case string(risk.SideSell):
		sell := execution.Sell{Mint: mint, Percent: req.Percent, SlippageBps: req.SlippageBps}
		if raw := strings.TrimSpace(req.Amount); raw != "" {
			amount, err := uint256.FromDecimal(raw)
			if err != nil {
				return sub, fmt.Errorf("invalid amount: %w", err)
			}
			sell.Amount = amount
		}
		sub.Intent = sell
	default:
		return sub, errors.New("side must be buy or sell")
	}
	return sub, nil
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	sub, err := req.submission()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.deps.Submitter.Submit(r.Context(), sub)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, execution.ErrRiskRejected):
			status = http.StatusForbidden
		case errors.Is(err, execution.ErrDuplicateIntent):
			status = http.StatusConflict
		case errors.Is(err, execution.ErrInvalidAmount):
			status = http.StatusBadRequest
		}
		s.logger.Warn("server.intent.failed", slog.String("summary", execution.Summary(sub.Intent)), slog.Any("error", err))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{"signature": result.Signature}
	if result.FinalAmount != nil {
		body["finalAmount"] = result.FinalAmount.Dec()
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		http.Error(w, "journal not configured", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("server.executions.failed", slog.Any("error", err))
		http.Error(w, "failed to load executions", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := map[string]any{
			"id":         row.ID.String(),
			"side":       row.Side,
			"mint":       row.Mint,
			"summary":    row.Summary,
			"amountSol":  row.AmountSol.String(),
			"signature":  row.Signature,
			"succeeded":  row.Succeeded,
			"executedAt": row.ExecutedAt.UTC().Format(time.RFC3339),
		}
		if row.FinalAmount != "" {
			entry["finalAmount"] = row.FinalAmount
		}
		if row.Error != "" {
			entry["error"] = row.Error
		}
		if row.RealizedPnl.Valid {
			entry["realizedPnlSol"] = row.RealizedPnl.Decimal.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
