// Package server exposes the router engine over HTTP: a Telegram-shaped
// webhook endpoint plus health and auth endpoints, following the same
// chi wiring every other service in this system uses.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mrowen/foliobot/internal/platform/httpserver"
	"github.com/mrowen/foliobot/internal/router"
	"github.com/mrowen/foliobot/internal/router/chatmodel"
)

// OutboundSender delivers rendered pages to a chat. Chat transport (message
// paging, MarkdownV2/HTML encoding, actual delivery) is out of scope; Server
// only guarantees the call happens off the request path.
type OutboundSender interface {
	Send(chatID int64, text string)
}

// logSender is the default OutboundSender: it logs what would be sent.
// A real deployment supplies a Telegram-API-backed sender at wiring time.
type logSender struct{ log zerolog.Logger }

func (s logSender) Send(chatID int64, text string) {
	s.log.Info().Int64("chat_id", chatID).Str("text", text).Msg("outbound reply")
}

// Server wires the router engine onto a chi router.
type Server struct {
	engine         *router.Engine
	sender         OutboundSender
	webhookSecret  string
	telegramToken  string
	log            zerolog.Logger
}

// New builds a Server. sender may be nil to use the default log-only sender.
func New(engine *router.Engine, sender OutboundSender, webhookSecret, telegramToken string, log zerolog.Logger) *Server {
	if sender == nil {
		sender = logSender{log: log}
	}
	return &Server{engine: engine, sender: sender, webhookSecret: webhookSecret, telegramToken: telegramToken, log: log}
}

// Routes mounts the webhook, health and auth endpoints onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Post("/webhook", s.handleWebhook)
	r.Post("/auth/telegram", s.handleAuth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook implements §6.1: secret header required, mismatch -> 401;
// malformed payload -> 200 ok no-op (never let a malformed update retry-storm
// the sender).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !chatmodel.CheckWebhookSecret(r.Header.Get("X-Telegram-Bot-Api-Secret-Token"), s.webhookSecret) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		return
	}
	var upd chatmodel.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		httpserver.WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		return
	}

	ack, err := s.engine.OnUpdate(r.Context(), upd)
	if err != nil {
		s.log.Error().Err(err).Msg("on_update failed")
		httpserver.WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		return
	}

	// Enqueue delivery off the request path; the webhook ack returns now.
	go func(chatID int64, pages []string) {
		for _, text := range pages {
			s.sender.Send(chatID, text)
		}
	}(ack.ChatID, pageTexts(ack))

	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func pageTexts(ack router.Ack) []string {
	texts := make([]string, 0, len(ack.Pages))
	for _, p := range ack.Pages {
		texts = append(texts, p.Text)
	}
	return texts
}

// handleAuth implements the /auth/telegram WebApp verification named in
// §6.2's endpoint table: validates the signed initData payload and reports
// the verdict. User upsert on success is the portfolio core's job (the
// caller re-dispatches /users once verified); this endpoint only verifies.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData string `json:"init_data"`
	}
	if err := httpserver.DecodeJSONBody(r, &body); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]bool{"valid": false})
		return
	}
	valid := chatmodel.VerifyTelegramWebApp(body.InitData, s.telegramToken)
	status := http.StatusOK
	if !valid {
		status = http.StatusUnauthorized
	}
	httpserver.WriteJSON(w, status, map[string]bool{"valid": valid})
}
