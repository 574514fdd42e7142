// Package server exposes the ledger's Service over HTTP, following the
// teacher's dashboard server routing conventions adapted to the
// envelope response contract instead of raw JSON.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/moneydec"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
	"github.com/mrowen/foliobot/internal/portfoliocore/models"
	"github.com/mrowen/foliobot/internal/portfoliocore/service"
)

// todayBerlin returns today's calendar date in Europe/Berlin, the local
// day every snapshot in this service is keyed by.
func todayBerlin() string {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}

// Server wires the ledger service onto a chi router.
type Server struct {
	svc *service.Service
	log zerolog.Logger
}

// New builds a Server.
func New(svc *service.Service, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Routes mounts every ledger endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Post("/users", s.handleUpsertUser)
	r.Post("/add", s.handleAdd)
	r.Post("/remove", s.handleRemove)
	r.Post("/buy", s.handleBuy)
	r.Post("/sell", s.handleSell)
	r.Post("/cash_add", s.handleCashAdd)
	r.Post("/cash_remove", s.handleCashRemove)
	r.Post("/allocation_edit", s.handleSetAllocation)
	r.Post("/rename", s.handleRename)
	r.Get("/portfolio", s.handlePortfolio)
	r.Get("/cash", s.handleCash)
	r.Get("/tx", s.handleTransactions)
	r.Get("/allocation", s.handleAllocation)
	r.Get("/portfolio_snapshot", s.handlePortfolioSnapshot)
	r.Get("/portfolio_summary", s.handlePortfolioSummary)
	r.Get("/portfolio_breakdown", s.handlePortfolioBreakdown)
	r.Get("/portfolio_digest", s.handlePortfolioDigest)
	r.Get("/portfolio_movers", s.handlePortfolioMovers)
	r.Get("/po_if", s.handlePoIf)
	r.Post("/admin/snapshots/run", s.handleAdminSnapshotsRun)
	r.Get("/admin/snapshots/status", s.handleAdminSnapshotsStatus)
	r.Delete("/admin/snapshots/cleanup", s.handleAdminSnapshotsCleanup)
	r.Get("/admin/health", s.handleAdminHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userIDFrom(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return 0, errors.New("user_id is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       int64  `json:"user_id"`
		FirstName    string `json:"first_name"`
		LastName     string `json:"last_name"`
		Username     string `json:"username"`
		LanguageCode string `json:"language_code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	now := time.Now().UTC()
	err := s.svc.Store().UpsertUser(r.Context(), models.User{
		UserID: body.UserID, FirstName: body.FirstName, LastName: body.LastName,
		Username: body.Username, LanguageCode: body.LanguageCode, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(map[string]bool{"saved": true}))
}

type addRequest struct {
	OpID       string           `json:"op_id"`
	Symbol     string           `json:"symbol"`
	Qty        string           `json:"qty"`
	AssetClass string           `json:"asset_class"`
	CostEUR    string           `json:"cost_eur"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body addRequest
	if !decodeBody(w, r, &body) {
		return
	}
	qty, err := moneydec.ParseQty(body.Qty)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid quantity", "portfolio_core", false, nil))
		return
	}
	var costHint *decimal.Decimal
	if body.CostEUR != "" {
		c, err := moneydec.ParseEUR(body.CostEUR)
		if err != nil {
			httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid cost", "portfolio_core", false, nil))
			return
		}
		costHint = &c
	}

	result, replayed, err := s.svc.Add(r.Context(), userID, body.OpID, body.Symbol, qty, body.AssetClass, costHint)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, result, replayed)
}

type removeRequest struct {
	OpID   string `json:"op_id"`
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body removeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	var qtyPtr *decimal.Decimal
	if body.Qty != "" {
		q, err := moneydec.ParseQty(body.Qty)
		if err != nil {
			httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid quantity", "portfolio_core", false, nil))
			return
		}
		qtyPtr = &q
	}
	result, replayed, err := s.svc.Remove(r.Context(), userID, body.OpID, body.Symbol, qtyPtr)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, result, replayed)
}

type tradeRequest struct {
	OpID       string `json:"op_id"`
	Symbol     string `json:"symbol"`
	Qty        string `json:"qty"`
	AssetClass string `json:"asset_class"`
	PriceEUR   string `json:"price_eur"`
	FeesEUR    string `json:"fees_eur"`
}

// parseOptionalEUR parses raw as EUR if non-empty, else returns zero (the
// Buy/Sell sentinel for "caller did not supply a value").
func parseOptionalEUR(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return moneydec.ParseEUR(raw)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body tradeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	qty, err := moneydec.ParseQty(body.Qty)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid quantity", "portfolio_core", false, nil))
		return
	}
	price, err := parseOptionalEUR(body.PriceEUR)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid price", "portfolio_core", false, nil))
		return
	}
	fees, err := parseOptionalEUR(body.FeesEUR)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid fees", "portfolio_core", false, nil))
		return
	}
	result, replayed, err := s.svc.Buy(r.Context(), userID, body.OpID, body.Symbol, qty, price, fees, body.AssetClass)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, result, replayed)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body tradeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	qty, err := moneydec.ParseQty(body.Qty)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid quantity", "portfolio_core", false, nil))
		return
	}
	price, err := parseOptionalEUR(body.PriceEUR)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid price", "portfolio_core", false, nil))
		return
	}
	fees, err := parseOptionalEUR(body.FeesEUR)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid fees", "portfolio_core", false, nil))
		return
	}
	result, replayed, err := s.svc.Sell(r.Context(), userID, body.OpID, body.Symbol, qty, price, fees)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, result, replayed)
}

type cashRequest struct {
	OpID   string `json:"op_id"`
	Amount string `json:"amount_eur"`
	Note   string `json:"note"`
}

func (s *Server) handleCashAdd(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body cashRequest
	if !decodeBody(w, r, &body) {
		return
	}
	amount, err := moneydec.ParseEUR(body.Amount)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid amount", "portfolio_core", false, nil))
		return
	}
	result, replayed, err := s.svc.CashAdd(r.Context(), userID, body.OpID, amount, body.Note)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, result, replayed)
}

func (s *Server) handleCashRemove(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body cashRequest
	if !decodeBody(w, r, &body) {
		return
	}
	amount, err := moneydec.ParseEUR(body.Amount)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid amount", "portfolio_core", false, nil))
		return
	}
	result, replayed, err := s.svc.CashRemove(r.Context(), userID, body.OpID, amount, body.Note)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, result, replayed)
}

func (s *Server) handleSetAllocation(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body struct {
		OpID   string `json:"op_id"`
		Stock  string `json:"stock_pct"`
		ETF    string `json:"etf_pct"`
		Crypto string `json:"crypto_pct"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	stock, err := strconv.Atoi(body.Stock)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid stock_pct", "portfolio_core", false, nil))
		return
	}
	etf, err := strconv.Atoi(body.ETF)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid etf_pct", "portfolio_core", false, nil))
		return
	}
	crypto, err := strconv.Atoi(body.Crypto)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid crypto_pct", "portfolio_core", false, nil))
		return
	}
	target, err := s.svc.SetAllocationTarget(r.Context(), userID, stock, etf, crypto)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(target))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	var body struct {
		OpID        string `json:"op_id"`
		Symbol      string `json:"symbol"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	pos, err := s.svc.Rename(r.Context(), userID, body.Symbol, body.DisplayName)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(pos))
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	view, partial, err := s.svc.Portfolio(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if partial {
		httpserver.WriteEnvelope(w, envelope.PartialOK(view, envelope.ErrorBody{
			Code: envelope.CodeUpstream, Message: "one or more quotes were unavailable; valued at cost basis", Source: "market_data", Retriable: true,
		}))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(view))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.svc.Transactions(r.Context(), userID, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(txs))
}

func (s *Server) handleCash(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	cash, err := s.svc.CashEUR(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(map[string]string{"cash_eur": cash.StringFixed(2)}))
}

func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	view, partial, err := s.svc.Allocation(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writePartialAware(w, view, partial, "one or more quotes were unavailable; allocation valued at cost basis")
}

func periodFrom(r *http.Request) string {
	switch r.URL.Query().Get("period") {
	case "w", "m", "y":
		return r.URL.Query().Get("period")
	default:
		return "d"
	}
}

func (s *Server) handlePortfolioSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	snap, err := s.svc.PortfolioSnapshot(r.Context(), userID, periodFrom(r), todayBerlin())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(snap))
}

func (s *Server) handlePortfolioSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	sum, partial, err := s.svc.PortfolioSummary(r.Context(), userID, periodFrom(r), todayBerlin())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writePartialAware(w, sum, partial, "one or more quotes were unavailable; summary valued at cost basis")
}

func (s *Server) handlePortfolioBreakdown(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	b, partial, err := s.svc.PortfolioBreakdown(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writePartialAware(w, b, partial, "one or more quotes were unavailable; breakdown valued at cost basis")
}

func (s *Server) handlePortfolioDigest(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	digest, partial, err := s.svc.PortfolioDigest(r.Context(), userID, periodFrom(r), todayBerlin())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writePartialAware(w, digest, partial, "one or more quotes were unavailable; digest valued at cost basis")
}

func (s *Server) handlePortfolioMovers(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	movers, partial, err := s.svc.PortfolioMovers(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writePartialAware(w, map[string]any{"movers": movers}, partial, "one or more quotes were unavailable; movers valued at cost basis")
}

func (s *Server) handlePoIf(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "portfolio_core", false, nil))
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "all"
	}
	deltaPct, err := strconv.ParseFloat(r.URL.Query().Get("delta_pct"), 64)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid delta_pct", "portfolio_core", false, nil))
		return
	}
	proj, partial, err := s.svc.ProjectIf(r.Context(), userID, scope, deltaPct)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writePartialAware(w, proj, partial, "one or more quotes were unavailable; projection valued at cost basis")
}

func optionalUserID(r *http.Request) *int64 {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func (s *Server) handleAdminSnapshotsRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.RunSnapshotsAdmin(r.Context(), optionalUserID(r), todayBerlin())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(result))
}

func (s *Server) handleAdminSnapshotsStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.SnapshotsStatus(r.Context(), optionalUserID(r), todayBerlin())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(status))
}

func (s *Server) handleAdminSnapshotsCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days_to_keep"))
	if err != nil || days < 0 {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "invalid days_to_keep", "portfolio_core", false, nil))
		return
	}
	result, err := s.svc.CleanupSnapshots(r.Context(), optionalUserID(r), days, todayBerlin())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(result))
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteEnvelope(w, envelope.OK(s.svc.AdminHealth(r.Context())))
}

// writePartialAware wraps data in a PartialOK envelope when partial is
// true, else a plain OK, matching /portfolio's degrade-on-missing-quote
// convention across every analytics endpoint.
func (s *Server) writePartialAware(w http.ResponseWriter, data any, partial bool, message string) {
	if partial {
		httpserver.WriteEnvelope(w, envelope.PartialOK(data, envelope.ErrorBody{
			Code: envelope.CodeUpstream, Message: message, Source: "market_data", Retriable: true,
		}))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(data))
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := httpserver.DecodeJSONBody(r, out); err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "malformed request body", "portfolio_core", false, nil))
		return false
	}
	return true
}

func (s *Server) writeOK(w http.ResponseWriter, result any, replayed bool) {
	env := envelope.OK(result)
	if replayed {
		s.log.Debug().Msg("replayed cached operation result")
	}
	httpserver.WriteEnvelope(w, env)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var opErr *service.OpError
	if errors.As(err, &opErr) {
		httpserver.WriteEnvelope(w, envelope.Fail(opErr.Code, opErr.Message, "portfolio_core", false, opErr.Details))
		return
	}
	s.log.Error().Err(err).Msg("ledger operation failed")
	httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeInternal, "internal error", "portfolio_core", false, nil))
}
