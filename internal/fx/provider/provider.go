// Package provider implements the FX service's two upstream rate
// sources, transcribed from original_source's services/fx/main.py:
// Provider A is an EODHD-shaped real-time FOREX feed (symbol pattern
// BASEQUOTE.FOREX; EUR/USD is fetched as EURUSD.FOREX and inverted to
// USD_EUR, since EODHD only quotes that pair one way), Provider B is a
// generic exchangerate.host-shaped latest-rates endpoint that answers
// any BASE/QUOTE pair directly. USD_EUR prefers A then falls back to B;
// every other pair prefers B then falls back to A.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is one upstream provider's answer for a pair: quote-per-1-base.
type Rate struct {
	Value  decimal.Decimal
	Source string
}

// ProviderA is the EODHD-shaped real-time FOREX client.
type ProviderA struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewProviderA builds a ProviderA client. An empty token makes every
// call a no-op miss (mirrors the Python client's missing_eodhd_key
// short-circuit), so the chain falls through to ProviderB cleanly.
func NewProviderA(baseURL, token string, timeout time.Duration) *ProviderA {
	return &ProviderA{http: &http.Client{Timeout: timeout}, baseURL: baseURL, token: token}
}

type forexQuote struct {
	Close string `json:"close"`
	Price string `json:"price"`
	Last  string `json:"last"`
}

// USDEUR fetches EURUSD.FOREX (USD per 1 EUR) and inverts it to EUR per
// 1 USD, matching fetch_usdeur_from_eodhd's 1/EURUSD rule.
func (p *ProviderA) USDEUR(ctx context.Context) (Rate, error) {
	if p.token == "" {
		return Rate{}, fmt.Errorf("missing provider A token")
	}
	eurusd, _, err := p.fetchClose(ctx, "EURUSD.FOREX")
	if err != nil {
		return Rate{}, err
	}
	if !eurusd.IsPositive() {
		return Rate{}, fmt.Errorf("provider A returned non-positive EURUSD rate")
	}
	return Rate{Value: decimal.NewFromInt(1).Div(eurusd), Source: "provider_a"}, nil
}

// Pair fetches an arbitrary BASE/QUOTE via the BASEQUOTE.FOREX symbol
// pattern (e.g. XAUUSD.FOREX), returning QUOTE per 1 BASE.
func (p *ProviderA) Pair(ctx context.Context, base, quote string) (Rate, error) {
	if p.token == "" {
		return Rate{}, fmt.Errorf("missing provider A token")
	}
	symbol := base + quote + ".FOREX"
	rate, _, err := p.fetchClose(ctx, symbol)
	if err != nil {
		return Rate{}, err
	}
	if !rate.IsPositive() {
		return Rate{}, fmt.Errorf("provider A returned non-positive rate for %s", symbol)
	}
	return Rate{Value: rate, Source: "provider_a"}, nil
}

func (p *ProviderA) fetchClose(ctx context.Context, symbol string) (decimal.Decimal, string, error) {
	u := fmt.Sprintf("%s/real-time/%s?api_token=%s&fmt=json", p.baseURL, symbol, url.QueryEscape(p.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return decimal.Zero, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, "", fmt.Errorf("provider A http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, "", err
	}

	var data forexQuote
	var list []forexQuote
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		data = list[0]
	} else if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, "", fmt.Errorf("decoding provider A response: %w", err)
	}

	raw := data.Close
	if raw == "" {
		raw = data.Price
	}
	if raw == "" {
		raw = data.Last
	}
	if raw == "" {
		return decimal.Zero, "", fmt.Errorf("provider A returned no price field")
	}
	close, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("malformed provider A price: %w", err)
	}
	return close, "provider_a", nil
}

// ProviderB is the exchangerate.host-shaped generic latest-rates client.
type ProviderB struct {
	http    *http.Client
	baseURL string
}

// NewProviderB builds a ProviderB client against an exchangerate.host-shaped API.
func NewProviderB(baseURL string, timeout time.Duration) *ProviderB {
	return &ProviderB{http: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

type latestRatesResponse struct {
	Rates map[string]float64 `json:"rates"`
}

// Pair fetches BASE->QUOTE from the generic /latest?base=BASE&symbols=QUOTE endpoint.
func (p *ProviderB) Pair(ctx context.Context, base, quote string) (Rate, error) {
	u := fmt.Sprintf("%s/latest?base=%s&symbols=%s", p.baseURL, url.QueryEscape(base), url.QueryEscape(quote))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Rate{}, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return Rate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Rate{}, fmt.Errorf("provider B http %d", resp.StatusCode)
	}

	var data latestRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Rate{}, fmt.Errorf("decoding provider B response: %w", err)
	}
	rate, ok := data.Rates[quote]
	if !ok {
		return Rate{}, fmt.Errorf("provider B has no rate for %s", quote)
	}
	d := decimal.NewFromFloat(rate)
	if !d.IsPositive() {
		return Rate{}, fmt.Errorf("provider B returned non-positive rate")
	}
	return Rate{Value: d, Source: "provider_b"}, nil
}
