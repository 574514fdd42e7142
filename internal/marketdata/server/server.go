// Package server exposes the market-data aggregator over HTTP.
package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/marketdata/aggregator"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
)

// Server wires the aggregator onto a chi router.
type Server struct {
	agg *aggregator.Aggregator
	log zerolog.Logger
}

// New builds a Server.
func New(agg *aggregator.Aggregator, log zerolog.Logger) *Server {
	return &Server{agg: agg, log: log}
}

// Routes mounts every market-data endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/quote", s.handleQuote)
	r.Get("/meta", s.handleMeta)
	r.Get("/benchmarks", s.handleBenchmarks)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type quoteResponse struct {
	Symbol      string `json:"symbol"`
	PriceEUR    string `json:"price_eur"`
	PriceCCY    string `json:"price_ccy"`
	Currency    string `json:"currency"`
	Market      string `json:"market"`
	DisplayName string `json:"display_name"`
	Fresh       string `json:"fresh"`
	FreshAbbrev string `json:"fresh_abbrev"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbols := r.URL.Query().Get("symbol")
	if symbols == "" {
		symbols = r.URL.Query().Get("symbols")
	}
	if symbols == "" {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "symbol is required", "market_data", false, nil))
		return
	}

	list := strings.FieldsFunc(symbols, func(r rune) bool { return r == ',' || r == ' ' })
	if len(list) > 10 {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "at most 10 symbols per request", "market_data", false, nil))
		return
	}
	if len(list) == 1 {
		q, err := s.agg.Quote(r.Context(), list[0])
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", list[0]).Msg("quote failed")
			httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeUpstream, "quote unavailable", "market_data", true, nil))
			return
		}
		httpserver.WriteEnvelope(w, envelope.OK(toQuoteResponse(q)))
		return
	}

	results, failed := s.agg.BatchQuotes(r.Context(), list)
	out := make(map[string]quoteResponse, len(results))
	for sym, q := range results {
		out[sym] = toQuoteResponse(q)
	}
	if len(failed) > 0 {
		httpserver.WriteEnvelope(w, envelope.PartialOK(out, envelope.ErrorBody{
			Code: envelope.CodeUpstream, Message: "some symbols failed to quote", Source: "market_data", Retriable: true,
			Details: map[string]any{"symbols_failed": failed},
		}))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(out))
}

func toQuoteResponse(q aggregator.Quote) quoteResponse {
	return quoteResponse{
		Symbol: q.Symbol, PriceEUR: q.PriceEUR.String(), PriceCCY: q.PriceCCY.String(),
		Currency: q.Currency, Market: q.Market, DisplayName: q.DisplayName,
		Fresh: string(q.Fresh), FreshAbbrev: q.Fresh.Abbrev(),
	}
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "symbol is required", "market_data", false, nil))
		return
	}
	name, err := s.agg.Meta(r.Context(), symbol)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.PartialOK(map[string]string{"symbol": symbol, "display_name": name}, envelope.ErrorBody{
			Code: envelope.CodeUpstream, Message: "meta unavailable, falling back to symbol", Source: "market_data", Retriable: true,
		}))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(map[string]string{"symbol": symbol, "display_name": name}))
}

func (s *Server) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "d"
	}
	symbolsParam := r.URL.Query().Get("symbols")
	if symbolsParam == "" {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "symbols is required", "market_data", false, nil))
		return
	}
	list := strings.Split(symbolsParam, ",")

	series, err := s.agg.Benchmarks(r.Context(), period, list)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, err.Error(), "market_data", false, nil))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(map[string]any{"period": period, "series": series}))
}
