package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrowen/foliobot/internal/router/chatmodel"
	"github.com/mrowen/foliobot/internal/router/dispatcher"
	"github.com/mrowen/foliobot/internal/router/idempotency"
	"github.com/mrowen/foliobot/internal/router/registry"
	"github.com/mrowen/foliobot/internal/router/session"
)

const testCommandsYAML = `
commands:
  - name: price
    aliases: [p]
    help_short: "price"
    help: "/price SYMBOL"
    sticky: true
    args_schema:
      - name: symbol
        type: string
        required: true
    dispatch:
      service: market_data
      method: GET
      path: /quote
      args_map:
        symbol: symbol

  - name: sell
    aliases: []
    help_short: "sell"
    help: "/sell SYMBOL QTY"
    confirm: true
    args_schema:
      - name: symbol
        type: string
        required: true
      - name: qty
        type: number
        required: true
    dispatch:
      service: portfolio_core
      method: POST
      path: /sell
      args_map:
        symbol: symbol
        qty: qty
`

func newTestEngine(t *testing.T, backendURL string) *Engine {
	t.Helper()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "commands.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(testCommandsYAML), 0o644))

	reg, err := registry.Load(yamlPath)
	require.NoError(t, err)
	sessions, err := session.Open(filepath.Join(dir, "sessions.json"), 300)
	require.NoError(t, err)
	idem, err := idempotency.Open(filepath.Join(dir, "idempotency.json"), 50)
	require.NoError(t, err)

	disp := dispatcher.New(map[string]string{"market_data": backendURL, "portfolio_core": backendURL}, dispatcher.Config{}, zerolog.Nop())
	return &Engine{Registry: reg, Sessions: sessions, Idempotency: idem, Dispatcher: disp, Log: zerolog.Nop()}
}

func update(chatID, updateID, fromID int64, text string) chatmodel.Update {
	return chatmodel.Update{
		UpdateID: updateID,
		Message: &chatmodel.Message{
			Chat: chatmodel.Chat{ID: chatID},
			From: chatmodel.From{ID: fromID},
			Text: text,
		},
	}
}

func TestOnUpdate_CompleteCommandDispatchesAndStaysSticky(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{"price_eur":100}}`))
	}))
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	ack, err := e.OnUpdate(context.Background(), update(1, 1, 99, "/price AAPL"))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Pages)

	sess, err := e.Sessions.Ensure(1)
	require.NoError(t, err)
	assert.Equal(t, session.StickyReady, sess.State)
}

func TestOnUpdate_MissingArgsPrompts(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1")
	ack, err := e.OnUpdate(context.Background(), update(1, 1, 99, "/price"))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Pages)

	sess, err := e.Sessions.Ensure(1)
	require.NoError(t, err)
	assert.Equal(t, session.Prompting, sess.State)
}

func TestOnUpdate_ConfirmFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{}}`))
	}))
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	_, err := e.OnUpdate(context.Background(), update(1, 1, 99, "/sell AAPL 2"))
	require.NoError(t, err)
	sess, err := e.Sessions.Ensure(1)
	require.NoError(t, err)
	require.Equal(t, session.Confirming, sess.State)

	ack, err := e.OnUpdate(context.Background(), update(1, 2, 99, "yes"))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Pages)

	sess, err = e.Sessions.Ensure(1)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, sess.State)
}

func TestOnUpdate_DuplicateUpdateIDIsIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{}}`))
	}))
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	first, err := e.OnUpdate(context.Background(), update(1, 7, 99, "/price AAPL"))
	require.NoError(t, err)
	second, err := e.OnUpdate(context.Background(), update(1, 7, 99, "/price AAPL"))
	require.NoError(t, err)

	assert.NotEmpty(t, first.Pages)
	assert.Empty(t, second.Pages)
}

func TestOnUpdate_OwnerGateRejectsUnknownUser(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1")
	e.Owners = map[int64]bool{1: true}

	ack, err := e.OnUpdate(context.Background(), update(1, 1, 999, "/price AAPL"))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Pages)
}
