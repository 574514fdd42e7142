// Command router runs the chat front-end: command parsing, session state,
// idempotent-update replay, and fan-out to the portfolio-core, market-data
// and fx backends.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	platformconfig "github.com/mrowen/foliobot/internal/platform/config"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
	"github.com/mrowen/foliobot/internal/platform/logging"
	"github.com/mrowen/foliobot/internal/router"
	"github.com/mrowen/foliobot/internal/router/dispatcher"
	"github.com/mrowen/foliobot/internal/router/idempotency"
	"github.com/mrowen/foliobot/internal/router/registry"
	routerserver "github.com/mrowen/foliobot/internal/router/server"
	"github.com/mrowen/foliobot/internal/router/session"
)

func main() {
	_ = godotenv.Load()

	log := logging.New("router", platformconfig.String("LOG_MODE", "prod"), platformconfig.String("LOG_LEVEL", "info"))

	stateDir := platformconfig.String("ROUTER_STATE_DIR", "./data/router")
	reg, err := registry.Load(platformconfig.String("ROUTER_COMMANDS_FILE", "internal/router/registry/commands.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("loading command registry")
	}

	sessionTTL := platformconfig.Int("ROUTER_SESSION_TTL_SEC", 300)
	sessions, err := session.Open(filepath.Join(stateDir, "sessions.json"), sessionTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("opening session store")
	}

	dedup, err := idempotency.Open(filepath.Join(stateDir, "idempotency.json"), 200)
	if err != nil {
		log.Fatal().Err(err).Msg("opening idempotency store")
	}

	disp := dispatcher.New(map[string]string{
		"portfolio_core": platformconfig.String("PORTFOLIO_CORE_URL", "http://localhost:8081"),
		"market_data":    platformconfig.String("MARKET_DATA_URL", "http://localhost:8082"),
		"fx":             platformconfig.String("FX_URL", "http://localhost:8083"),
	}, dispatcher.Config{
		MaxRetries: platformconfig.Int("DISPATCH_MAX_RETRIES", 2),
		Timeout:    platformconfig.Seconds("UPSTREAM_TIMEOUT_SEC", 8*time.Second),
	}, log)

	owners := make(map[int64]bool)
	for _, id := range platformconfig.CSVInt64("ROUTER_OWNER_IDS") {
		owners[id] = true
	}

	engine := &router.Engine{
		Registry: reg, Sessions: sessions, Idempotency: dedup,
		Dispatcher: disp, Owners: owners, Log: log,
	}

	srv := routerserver.New(engine, nil,
		platformconfig.String("TELEGRAM_WEBHOOK_SECRET", ""),
		platformconfig.String("TELEGRAM_BOT_TOKEN", ""),
		log,
	)

	requestTimeout := platformconfig.Seconds("REQUEST_TIMEOUT_SEC", 10*time.Second)
	mux := httpserver.New(log, requestTimeout)
	srv.Routes(mux)

	port := platformconfig.String("PORT", "8080")
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTimeout := platformconfig.Seconds("SHUTDOWN_TIMEOUT_SEC", 10*time.Second)
	if err := httpserver.Run(ctx, httpSrv, shutdownTimeout, log); err != nil {
		log.Fatal().Err(err).Msg("router server failed")
	}
}
