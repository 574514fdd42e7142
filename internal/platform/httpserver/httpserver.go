// Package httpserver wires the common chi middleware stack (request
// logging, panic recovery, request timeout) and graceful shutdown used by
// all four cmd/ binaries, following the teacher's dashboard server /
// cmd/bot signal-handling shape.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mrowen/foliobot/internal/envelope"
)

// New builds a chi.Mux with the ambient middleware stack attached:
// request id, structured request logging, panic recovery, and a bounded
// per-request timeout.
func New(log zerolog.Logger, requestTimeout time.Duration) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(recoverer(log))
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrapped, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.Status()).
				Int("bytes", wrapped.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// recoverer converts a panic into an INTERNAL envelope instead of letting
// it crash the process or leak a stack trace to the client.
func recoverer(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Interface("panic", rec).
						Str("path", r.URL.Path).
						Msg("recovered from panic")
					WriteEnvelope(w, envelope.Fail(envelope.CodeInternal, "internal error", "server", false, nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteEnvelope writes env as JSON with the status code matching its error
// code (200 when ok).
func WriteEnvelope(w http.ResponseWriter, env envelope.Envelope) {
	status := http.StatusOK
	if !env.OK && env.Error != nil {
		status = envelope.HTTPStatus(env.Error.Code)
	}
	WriteJSON(w, status, env)
}

// WriteJSON writes v as a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSONBody decodes r's JSON body into out, rejecting unknown fields
// so a typo'd query argument surfaces as BAD_INPUT instead of silently
// being dropped.
func DecodeJSONBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// Run starts server and blocks until ctx is canceled, then shuts down
// gracefully within shutdownTimeout.
func Run(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}
