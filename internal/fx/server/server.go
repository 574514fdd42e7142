// Package server exposes the FX service's Get/Inspect operations over HTTP.
package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/fx/service"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
)

// Server wires the FX service onto a chi router.
type Server struct {
	svc *service.Service
	log zerolog.Logger
}

// New builds a Server.
func New(svc *service.Service, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Routes mounts every FX endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/fx", s.handleFx)
	r.Get("/fx/cache/{key}", s.handleCacheInspect)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFx(w http.ResponseWriter, r *http.Request) {
	pairRaw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("pair")))
	if pairRaw == "" {
		b, q := strings.TrimSpace(r.URL.Query().Get("base")), strings.TrimSpace(r.URL.Query().Get("quote"))
		if b != "" && q != "" {
			pairRaw = strings.ToUpper(b + "_" + q)
		}
	}
	if !strings.Contains(pairRaw, "_") {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "pair must be BASE_QUOTE with underscore", "fx", false, nil))
		return
	}
	parts := strings.SplitN(pairRaw, "_", 2)
	base, quote := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if base == "" || quote == "" {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeBadInput, "pair must be BASE_QUOTE with underscore", "fx", false, nil))
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	result, err := s.svc.Get(r.Context(), base, quote, force)
	if err != nil {
		s.log.Error().Err(err).Str("pair", pairRaw).Msg("fx lookup failed")
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeUpstream, err.Error(), "fx", true, nil))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(map[string]any{
		"pair": result.Pair, "rate": result.Rate.String(), "source": result.Source,
		"fetched_at": result.FetchedAt.Unix(),
	}))
}

func (s *Server) handleCacheInspect(w http.ResponseWriter, r *http.Request) {
	key := strings.ToUpper(chi.URLParam(r, "key"))
	entry, ok, err := s.svc.Inspect(r.Context(), key)
	if err != nil {
		httpserver.WriteEnvelope(w, envelope.Fail(envelope.CodeInternal, "cache inspect failed", "fx", false, nil))
		return
	}
	httpserver.WriteEnvelope(w, envelope.OK(map[string]any{"key": key, "cached": ok, "value": entry}))
}
