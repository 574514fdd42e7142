package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/fx/cache"
	"github.com/mrowen/foliobot/internal/fx/provider"
)

// deadCache builds a Cache over a Redis client pointed at a port nothing
// listens on, so every Get/Put fails fast and Service.Get falls through
// to the provider chain without needing a live Redis.
func deadCache() *cache.Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
	})
	return cache.New(rdb, time.Minute)
}

func forexServer(t *testing.T, close string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"close": close})
	}))
}

func latestRatesServer(t *testing.T, quote string, rate float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rates": map[string]float64{quote: rate}})
	}))
}

func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func TestGet_Identity(t *testing.T) {
	svc := New(deadCache(), provider.NewProviderA("", "", time.Second), provider.NewProviderB("", time.Second), time.Minute, zerolog.Nop())
	result, err := svc.Get(context.Background(), "EUR", "EUR", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != "identity" || !result.Rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected identity rate, got %+v", result)
	}
}

func TestGet_USDEUR_PrefersProviderA(t *testing.T) {
	a := forexServer(t, "0.8") // EURUSD.FOREX close of 0.8 -> USD_EUR = 1/0.8 = 1.25
	defer a.Close()
	b := failingServer(t)
	defer b.Close()

	svc := New(deadCache(),
		provider.NewProviderA(a.URL, "test-token", time.Second),
		provider.NewProviderB(b.URL, time.Second),
		time.Minute, zerolog.Nop())

	result, err := svc.Get(context.Background(), "USD", "EUR", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != "provider_a" {
		t.Errorf("Source = %s, want provider_a", result.Source)
	}
	if result.Rate.StringFixed(2) != "1.25" {
		t.Errorf("Rate = %s, want 1.25", result.Rate.String())
	}
}

func TestGet_USDEUR_FallsBackToProviderB(t *testing.T) {
	b := latestRatesServer(t, "EUR", 1.1)
	defer b.Close()

	// Empty token makes provider A a guaranteed miss.
	svc := New(deadCache(),
		provider.NewProviderA("http://127.0.0.1:1", "", time.Second),
		provider.NewProviderB(b.URL, time.Second),
		time.Minute, zerolog.Nop())

	result, err := svc.Get(context.Background(), "USD", "EUR", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != "provider_b" {
		t.Errorf("Source = %s, want provider_b", result.Source)
	}
}

func TestGet_OtherPair_PrefersProviderB(t *testing.T) {
	b := latestRatesServer(t, "JPY", 160.0)
	defer b.Close()
	a := failingServer(t)
	defer a.Close()

	svc := New(deadCache(),
		provider.NewProviderA(a.URL, "test-token", time.Second),
		provider.NewProviderB(b.URL, time.Second),
		time.Minute, zerolog.Nop())

	result, err := svc.Get(context.Background(), "GBP", "JPY", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != "provider_b" {
		t.Errorf("Source = %s, want provider_b", result.Source)
	}
}

func TestGet_OtherPair_FallsBackToProviderA(t *testing.T) {
	b := failingServer(t)
	defer b.Close()
	a := forexServer(t, "160.0")
	defer a.Close()

	svc := New(deadCache(),
		provider.NewProviderA(a.URL, "test-token", time.Second),
		provider.NewProviderB(b.URL, time.Second),
		time.Minute, zerolog.Nop())

	result, err := svc.Get(context.Background(), "GBP", "JPY", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != "provider_a" {
		t.Errorf("Source = %s, want provider_a", result.Source)
	}
}

func TestGet_BothProvidersFail(t *testing.T) {
	a := failingServer(t)
	defer a.Close()
	b := failingServer(t)
	defer b.Close()

	svc := New(deadCache(),
		provider.NewProviderA(a.URL, "test-token", time.Second),
		provider.NewProviderB(b.URL, time.Second),
		time.Minute, zerolog.Nop())

	if _, err := svc.Get(context.Background(), "GBP", "JPY", false); err == nil {
		t.Error("expected an error when both providers fail")
	}
}
