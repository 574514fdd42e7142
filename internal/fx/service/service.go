// Package service implements the FX service's single operation: resolve
// a BASE_QUOTE rate, following original_source's services/fx/main.py
// get_pair exactly -- identity for BASE==QUOTE, a cache check unless
// force is set, then the provider fallback chain (A then B for USD_EUR,
// B then A for every other pair), then a cache write-through on success.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/fx/cache"
	"github.com/mrowen/foliobot/internal/fx/provider"
)

// Result is one resolved rate, quote-per-1-base.
type Result struct {
	Pair      string
	Rate      decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// Service resolves FX pairs.
type Service struct {
	cache     *cache.Cache
	providerA *provider.ProviderA
	providerB *provider.ProviderB
	ttl       time.Duration
	log       zerolog.Logger
}

// New builds a Service.
func New(c *cache.Cache, a *provider.ProviderA, b *provider.ProviderB, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{cache: c, providerA: a, providerB: b, ttl: ttl, log: log}
}

// Get resolves base/quote, consulting the cache first unless force is true.
func (s *Service) Get(ctx context.Context, base, quote string, force bool) (Result, error) {
	pair := fmt.Sprintf("%s_%s", base, quote)

	if base == quote {
		return Result{Pair: pair, Rate: decimal.NewFromInt(1), Source: "identity", FetchedAt: time.Now().UTC()}, nil
	}

	if !force {
		if entry, ok, err := s.cache.Get(ctx, pair); err == nil && ok {
			rate, perr := decimal.NewFromString(entry.Rate)
			if perr == nil {
				return Result{Pair: pair, Rate: rate, Source: entry.Source, FetchedAt: time.Unix(entry.FetchedAt, 0).UTC()}, nil
			}
		} else if err != nil {
			s.log.Warn().Err(err).Str("pair", pair).Msg("fx cache read failed, falling through to providers")
		}
	}

	var rate provider.Rate
	var err error
	if base == "USD" && quote == "EUR" {
		// USD_EUR prefers provider A (EURUSD.FOREX inverted), falling back to provider B.
		rate, err = s.providerA.USDEUR(ctx)
		if err != nil {
			s.log.Warn().Err(err).Str("pair", pair).Msg("provider A failed, trying provider B")
			rate, err = s.providerB.Pair(ctx, base, quote)
		}
	} else {
		// Arbitrary pairs prefer provider B's generic latest-rates endpoint,
		// falling back to provider A's synthesized BASEQUOTE.FOREX symbol.
		rate, err = s.providerB.Pair(ctx, base, quote)
		if err != nil {
			s.log.Warn().Err(err).Str("pair", pair).Msg("provider B failed, trying provider A")
			rate, err = s.providerA.Pair(ctx, base, quote)
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetching %s: market may be closed or symbol unsupported: %w", pair, err)
	}

	now := time.Now().UTC()
	entry := cache.Entry{Pair: pair, Rate: rate.Value.String(), Source: rate.Source, FetchedAt: now.Unix(), TTLSec: int(s.ttl.Seconds())}
	if err := s.cache.Put(ctx, pair, entry); err != nil {
		s.log.Warn().Err(err).Str("pair", pair).Msg("fx cache write failed")
	}
	return Result{Pair: pair, Rate: rate.Value, Source: rate.Source, FetchedAt: now}, nil
}

// Inspect returns the raw cached entry for pair without triggering a fetch.
func (s *Service) Inspect(ctx context.Context, pair string) (cache.Entry, bool, error) {
	return s.cache.Inspect(ctx, pair)
}
