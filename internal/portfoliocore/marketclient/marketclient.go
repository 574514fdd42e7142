// Package marketclient is the ledger's HTTP client into the market-data
// service, used to resolve a symbol's current EUR price for buy/sell/add
// and portfolio valuation. Shaped after the teacher's broker.Tradier
// client: a small constructor, a context-aware method per remote call,
// and an APIError carrying the upstream status and body on failure.
package marketclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/portfoliocore/service"
)

// APIError is returned when the market-data service answers with a
// non-2xx status or an envelope with ok=false.
type APIError struct {
	Status int
	Code   envelope.ErrorCode
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("market-data: status %d code %s: %s", e.Status, e.Code, e.Body)
}

// Client calls the market-data service's quote endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. http://market-data:8082) with
// the given per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type quoteResponseData struct {
	Symbol      string `json:"symbol"`
	PriceEUR    string `json:"price_eur"`
	Currency    string `json:"currency"`
	Market      string `json:"market"`
	DisplayName string `json:"display_name"`
}

// Quote fetches the latest EUR-normalized price for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (service.Quote, error) {
	url := fmt.Sprintf("%s/quote?symbol=%s", c.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return service.Quote{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return service.Quote{}, &APIError{Status: 0, Code: envelope.CodeUpstream, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return service.Quote{}, &APIError{Status: resp.StatusCode, Code: envelope.CodeUpstream, Body: string(body)}
	}
	if !env.OK {
		code := envelope.CodeUpstream
		if env.Error != nil {
			code = env.Error.Code
		}
		return service.Quote{}, &APIError{Status: resp.StatusCode, Code: code, Body: string(body)}
	}

	var data quoteResponseData
	if err := env.DecodeData(&data); err != nil {
		return service.Quote{}, &APIError{Status: resp.StatusCode, Code: envelope.CodeUpstream, Body: "malformed quote payload"}
	}

	priceEUR, err := decimal.NewFromString(data.PriceEUR)
	if err != nil {
		return service.Quote{}, &APIError{Status: resp.StatusCode, Code: envelope.CodeUpstream, Body: "malformed price"}
	}
	return service.Quote{
		Symbol:      data.Symbol,
		PriceEUR:    priceEUR,
		Currency:    data.Currency,
		Market:      data.Market,
		DisplayName: data.DisplayName,
	}, nil
}
