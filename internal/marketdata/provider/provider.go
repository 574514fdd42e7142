// Package provider implements the upstream quote/history/meta client,
// shaped after the teacher's broker.TradierAPI: a constructor family
// accepting a base URL and API token, an APIError carrying the upstream
// status and body, and one method per remote call. Grounded on
// original_source's services/market_data/app/clients/eodhd.py, which
// exposes an EODHD-shaped batch real-time quote endpoint and a daily
// historical-bars endpoint.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// APIError represents a non-2xx response from the upstream provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %d: %s", e.Status, e.Body)
}

// RawQuote is one symbol's real-time quote as the upstream reports it.
type RawQuote struct {
	Symbol      string
	PriceCCY    decimal.Decimal
	Currency    string
	Timestamp   time.Time
	EOD         bool
	Delayed     bool
	DisplayName string
}

// RawBar is one daily OHLC bar.
type RawBar struct {
	Date     time.Time
	CloseCCY decimal.Decimal
}

// Client calls the EODHD-shaped quote/history provider.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// New builds a Client with the default 15s timeout the teacher's broker
// client uses for market-data calls.
func New(baseURL, token string) *Client {
	return NewWithTimeout(baseURL, token, 15*time.Second)
}

// NewWithTimeout builds a Client with a custom per-request timeout.
func NewWithTimeout(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type realtimeQuote struct {
	Code      string `json:"code"`
	Close     string `json:"close"`
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"name"`
}

// BatchQuotes fetches real-time quotes for multiple symbols in a single
// upstream request, per the provider's batch real-time endpoint.
func (c *Client) BatchQuotes(ctx context.Context, symbols []string, currencies map[string]string) ([]RawQuote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	u := fmt.Sprintf("%s/real-time/%s?api_token=%s&fmt=json", c.baseURL, symbols[0], url.QueryEscape(c.token))
	if len(symbols) > 1 {
		u += "&s=" + strings.Join(symbols[1:], ",")
	}

	body, status, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{Status: status, Body: string(body)}
	}

	var raw []realtimeQuote
	if err := json.Unmarshal(body, &raw); err != nil {
		var single realtimeQuote
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, fmt.Errorf("decoding batch quotes: %w", err)
		}
		raw = []realtimeQuote{single}
	}

	out := make([]RawQuote, 0, len(raw))
	for _, q := range raw {
		price, perr := decimal.NewFromString(q.Close)
		if perr != nil {
			continue
		}
		out = append(out, RawQuote{
			Symbol:      strings.ToUpper(q.Code),
			PriceCCY:    price,
			Currency:    currencies[strings.ToUpper(q.Code)],
			Timestamp:   time.Unix(q.Timestamp, 0).UTC(),
			DisplayName: q.Name,
		}.withDefaults())
	}
	return out, nil
}

func (q RawQuote) withDefaults() RawQuote {
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	return q
}

type historyBar struct {
	Date  string `json:"date"`
	Close string `json:"close"`
}

// Historical fetches the full daily-bar history for symbol, most-recent-first.
func (c *Client) Historical(ctx context.Context, symbol string) ([]RawBar, error) {
	u := fmt.Sprintf("%s/eod/%s?api_token=%s&fmt=json&order=d", c.baseURL, symbol, url.QueryEscape(c.token))
	body, status, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{Status: status, Body: string(body)}
	}

	var bars []historyBar
	if err := json.Unmarshal(body, &bars); err != nil {
		return nil, fmt.Errorf("decoding historical bars: %w", err)
	}
	out := make([]RawBar, 0, len(bars))
	for _, b := range bars {
		d, derr := time.Parse("2006-01-02", b.Date)
		if derr != nil {
			continue
		}
		close, cerr := decimal.NewFromString(b.Close)
		if cerr != nil {
			continue
		}
		out = append(out, RawBar{Date: d, CloseCCY: close})
	}
	return out, nil
}

// Meta fetches display metadata (long name) for symbol, falling back to
// the bare symbol when the provider doesn't carry one.
func (c *Client) Meta(ctx context.Context, symbol string) (displayName string, err error) {
	u := fmt.Sprintf("%s/fundamentals/%s?api_token=%s&fmt=json&filter=General::Name", c.baseURL, symbol, url.QueryEscape(c.token))
	body, status, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return symbol, nil // meta is best-effort; fall back silently
	}
	var name string
	if err := json.Unmarshal(body, &name); err == nil && name != "" {
		return name, nil
	}
	return symbol, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// ParseRateHeader parses a provider rate-limit response header like
// "58/60" into (remaining, limit), mirroring the teacher's
// RateLimits bookkeeping for the market-data category.
func ParseRateHeader(header string) (remaining, limit int, ok bool) {
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	r, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	l, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return r, l, true
}
