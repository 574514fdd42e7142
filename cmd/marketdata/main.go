// Command marketdata runs the quote/benchmark/meta aggregator service.
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

	"github.com/mrowen/foliobot/internal/marketdata/aggregator"
	"github.com/mrowen/foliobot/internal/marketdata/fxclient"
	"github.com/mrowen/foliobot/internal/marketdata/provider"
	"github.com/mrowen/foliobot/internal/marketdata/server"
	platformconfig "github.com/mrowen/foliobot/internal/platform/config"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
	"github.com/mrowen/foliobot/internal/platform/logging"
)

func main() {
	_ = godotenv.Load()

	log := logging.New("market_data", platformconfig.String("LOG_MODE", "prod"), platformconfig.String("LOG_LEVEL", "info"))

	upstreamTimeout := platformconfig.Seconds("UPSTREAM_TIMEOUT_SEC", 8*time.Second)
	prov := provider.NewWithTimeout(
		platformconfig.String("MARKET_PROVIDER_URL", "https://eodhd.com/api"),
		platformconfig.String("MARKET_PROVIDER_TOKEN", ""),
		upstreamTimeout,
	)

	fxURL := platformconfig.String("FX_URL", "http://localhost:8083")
	fx := fxclient.New(fxURL, upstreamTimeout)

	cfg := aggregator.Config{
		QuoteTTL:     platformconfig.Seconds("QUOTES_TTL_SEC", 90*time.Second),
		MetaTTL:      platformconfig.Seconds("META_TTL_SEC", 86400*time.Second),
		BenchmarkTTL: platformconfig.Seconds("BENCH_TTL_SEC", 900*time.Second),
	}
	agg := aggregator.New(prov, fx, cfg, log)
	srv := server.New(agg, log)

	requestTimeout := platformconfig.Seconds("REQUEST_TIMEOUT_SEC", 10*time.Second)
	mux := httpserver.New(log, requestTimeout)
	srv.Routes(mux)

	port := platformconfig.String("PORT", "8082")
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTimeout := platformconfig.Seconds("SHUTDOWN_TIMEOUT_SEC", 10*time.Second)
	if err := httpserver.Run(ctx, httpSrv, shutdownTimeout, log); err != nil {
		log.Fatal().Err(err).Msg("market data server failed")
	}
}
