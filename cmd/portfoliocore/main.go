// Command portfoliocore runs the ledger HTTP service: positions, cash,
// transactions, allocation targets and daily snapshots for every user.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	platformconfig "github.com/mrowen/foliobot/internal/platform/config"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
	"github.com/mrowen/foliobot/internal/platform/logging"
	"github.com/mrowen/foliobot/internal/portfoliocore/marketclient"
	"github.com/mrowen/foliobot/internal/portfoliocore/server"
	"github.com/mrowen/foliobot/internal/portfoliocore/service"
	"github.com/mrowen/foliobot/internal/portfoliocore/store"
)

func main() {
	_ = godotenv.Load()

	log := logging.New("portfolio_core", platformconfig.String("LOG_MODE", "prod"), platformconfig.String("LOG_LEVEL", "info"))

	dbPath := platformconfig.String("DB_PATH", "./data/portfoliocore.db")
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening ledger store")
	}
	defer st.Close()

	marketDataURL := platformconfig.String("MARKET_DATA_URL", "http://localhost:8082")
	quoteTimeout := platformconfig.Seconds("UPSTREAM_TIMEOUT_SEC", 8*time.Second)
	quotes := marketclient.New(marketDataURL, quoteTimeout)

	svc := service.New(st, quotes, log)
	srv := server.New(svc, log)

	requestTimeout := platformconfig.Seconds("REQUEST_TIMEOUT_SEC", 10*time.Second)
	mux := httpserver.New(log, requestTimeout)
	srv.Routes(mux)

	port := platformconfig.String("PORT", "8081")
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTimeout := platformconfig.Seconds("SHUTDOWN_TIMEOUT_SEC", 10*time.Second)
	if err := httpserver.Run(ctx, httpSrv, shutdownTimeout, log); err != nil {
		log.Fatal().Err(err).Msg("portfolio core server failed")
	}
}
