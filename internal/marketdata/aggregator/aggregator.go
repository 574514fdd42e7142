// Package aggregator implements market-data's three read operations --
// quote, meta, and benchmarks -- each backed by its own TTL cache and
// the upstream provider client, with concurrent per-symbol fetches via
// errgroup for batch requests.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mrowen/foliobot/internal/marketdata/cache"
	"github.com/mrowen/foliobot/internal/marketdata/fxclient"
	"github.com/mrowen/foliobot/internal/marketdata/freshness"
	"github.com/mrowen/foliobot/internal/marketdata/provider"
	"github.com/mrowen/foliobot/internal/marketdata/symbols"
	"github.com/mrowen/foliobot/internal/moneydec"
)

// Quote is one symbol's normalized, EUR-valued quote.
type Quote struct {
	Symbol      string
	PriceEUR    decimal.Decimal
	PriceCCY    decimal.Decimal
	Currency    string
	Market      string
	DisplayName string
	Fresh       freshness.Label
	FreshNote   string
	AsOf        time.Time
}

// Aggregator is market-data's read-path service: one instance per
// process, wrapping the upstream provider and FX clients with the
// configured TTL caches.
type Aggregator struct {
	provider *provider.Client
	fx       *fxclient.Client
	log      zerolog.Logger

	quoteCache     *cache.TTL[Quote]
	metaCache      *cache.TTL[string]
	benchmarkCache *cache.TTL[[]BenchPoint]
}

// Config holds the TTLs each cache uses, sourced from the service's env config.
type Config struct {
	QuoteTTL     time.Duration
	MetaTTL      time.Duration
	BenchmarkTTL time.Duration
}

// New builds an Aggregator.
func New(p *provider.Client, fx *fxclient.Client, cfg Config, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		provider:       p,
		fx:             fx,
		log:            log,
		quoteCache:     cache.New[Quote](cfg.QuoteTTL),
		metaCache:      cache.New[string](cfg.MetaTTL),
		benchmarkCache: cache.New[[]BenchPoint](cfg.BenchmarkTTL),
	}
}

// Quote returns a single symbol's EUR-normalized quote, serving from
// cache when fresh.
func (a *Aggregator) Quote(ctx context.Context, symbolRaw string) (Quote, error) {
	symbol := symbols.Normalize(symbolRaw)
	if q, ok := a.quoteCache.Get(symbol); ok {
		return q, nil
	}

	market, currency := symbols.InferMarketCurrency(symbol)
	quotes, err := a.provider.BatchQuotes(ctx, []string{symbol}, map[string]string{symbol: currency})
	if err != nil {
		return Quote{}, fmt.Errorf("fetching quote for %s: %w", symbol, err)
	}
	if len(quotes) == 0 {
		return Quote{}, fmt.Errorf("no quote returned for %s", symbol)
	}
	raw := quotes[0]

	priceEUR := raw.PriceCCY
	if currency == "USD" {
		rate, err := a.fx.USDToEUR(ctx)
		if err != nil {
			return Quote{}, fmt.Errorf("converting %s to EUR: %w", symbol, err)
		}
		priceEUR = raw.PriceCCY.Mul(rate)
	}
	priceEUR = moneydec.EUR(priceEUR)

	label, note := freshness.Classify(symbol, raw.Timestamp, freshness.Flags{EOD: raw.EOD, Delayed: raw.Delayed})
	displayName, _ := a.Meta(ctx, symbol)

	q := Quote{
		Symbol: symbol, PriceEUR: priceEUR, PriceCCY: moneydec.EUR(raw.PriceCCY),
		Currency: currency, Market: market, DisplayName: displayName,
		Fresh: label, FreshNote: note, AsOf: raw.Timestamp,
	}
	a.quoteCache.Set(symbol, q)
	return q, nil
}

// BatchQuotes resolves multiple symbols concurrently, tolerating partial
// failure: a symbol that errors is simply omitted from the result, and
// the caller is expected to treat a short result as a partial response.
func (a *Aggregator) BatchQuotes(ctx context.Context, symbolsRaw []string) (map[string]Quote, []string) {
	out := make(map[string]Quote, len(symbolsRaw))
	failed := make([]string, 0)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, raw := range symbolsRaw {
		raw := raw
		g.Go(func() error {
			q, err := a.Quote(gctx, raw)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, raw)
				return nil // don't abort the group for one bad symbol
			}
			out[q.Symbol] = q
			return nil
		})
	}
	_ = g.Wait()
	return out, failed
}

// Meta returns a symbol's display name, serving from its own longer-TTL
// cache and falling back to the bare symbol on upstream failure.
func (a *Aggregator) Meta(ctx context.Context, symbolRaw string) (string, error) {
	symbol := symbols.Normalize(symbolRaw)
	if name, ok := a.metaCache.Get(symbol); ok {
		return name, nil
	}
	name, err := a.provider.Meta(ctx, symbol)
	if err != nil {
		return symbol, err
	}
	a.metaCache.Set(symbol, name)
	return name, nil
}

// Benchmarks returns the period-bucketed percent series for each symbol,
// converting USD history to EUR via the FX service exactly once per call.
func (a *Aggregator) Benchmarks(ctx context.Context, period string, symbolsRaw []string) (map[string][]BenchPoint, error) {
	normalized := make([]string, len(symbolsRaw))
	for i, s := range symbolsRaw {
		normalized[i] = symbols.Normalize(s)
	}
	result := make(map[string][]BenchPoint, len(normalized))
	var toFetch []string
	for _, symbol := range normalized {
		if cached, ok := a.benchmarkCache.Get(period + ":" + symbol); ok {
			result[symbol] = cached
		} else {
			toFetch = append(toFetch, symbol)
		}
	}
	if len(toFetch) == 0 {
		return result, nil
	}

	rate, err := a.fx.USDToEUR(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching usd/eur rate: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range toFetch {
		symbol := symbol
		g.Go(func() error {
			bars, err := a.provider.Historical(gctx, symbol)
			if err != nil {
				a.log.Warn().Err(err).Str("symbol", symbol).Msg("historical fetch failed, omitting from benchmarks")
				return nil
			}
			_, currency := symbols.InferMarketCurrency(symbol)
			daily := make([]DailyClose, 0, len(bars))
			for _, b := range bars {
				closeEUR := b.CloseCCY
				if currency == "USD" {
					closeEUR = b.CloseCCY.Mul(rate)
				}
				daily = append(daily, DailyClose{EndOfDay: endOfDayBerlin(b.Date), CloseEUR: moneydec.EUR(closeEUR)})
			}
			points, err := BenchmarkSeries(period, daily)
			if err != nil {
				return err
			}
			mu.Lock()
			result[symbol] = points
			mu.Unlock()
			a.benchmarkCache.Set(period+":"+symbol, points)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
