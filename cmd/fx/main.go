// Command fx runs the currency-pair rate service: provider fallback chain
// backed by a durable Redis TTL cache.
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
	"github.com/redis/go-redis/v9"

	"github.com/mrowen/foliobot/internal/fx/cache"
	"github.com/mrowen/foliobot/internal/fx/provider"
	"github.com/mrowen/foliobot/internal/fx/server"
	"github.com/mrowen/foliobot/internal/fx/service"
	platformconfig "github.com/mrowen/foliobot/internal/platform/config"
	"github.com/mrowen/foliobot/internal/platform/httpserver"
	"github.com/mrowen/foliobot/internal/platform/logging"
)

func main() {
	_ = godotenv.Load()

	log := logging.New("fx", platformconfig.String("LOG_MODE", "prod"), platformconfig.String("LOG_LEVEL", "info"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     platformconfig.String("REDIS_ADDR", "localhost:6379"),
		Password: platformconfig.String("REDIS_PASSWORD", ""),
		DB:       platformconfig.Int("REDIS_DB", 0),
	})
	defer rdb.Close()

	ttl := platformconfig.Seconds("FX_TTL_SEC", 82800*time.Second)
	rateCache := cache.New(rdb, ttl)

	upstreamTimeout := platformconfig.Seconds("UPSTREAM_TIMEOUT_SEC", 8*time.Second)
	providerA := provider.NewProviderA(
		platformconfig.String("FX_PROVIDER_A_URL", "https://eodhd.com/api"),
		platformconfig.String("FX_PROVIDER_A_TOKEN", ""),
		upstreamTimeout,
	)
	providerB := provider.NewProviderB(
		platformconfig.String("FX_PROVIDER_B_URL", "https://api.exchangerate.host"),
		upstreamTimeout,
	)

	svc := service.New(rateCache, providerA, providerB, ttl, log)
	srv := server.New(svc, log)

	requestTimeout := platformconfig.Seconds("REQUEST_TIMEOUT_SEC", 10*time.Second)
	mux := httpserver.New(log, requestTimeout)
	srv.Routes(mux)

	port := platformconfig.String("PORT", "8083")
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTimeout := platformconfig.Seconds("SHUTDOWN_TIMEOUT_SEC", 10*time.Second)
	if err := httpserver.Run(ctx, httpSrv, shutdownTimeout, log); err != nil {
		log.Fatal().Err(err).Msg("fx server failed")
	}
}
