// Package fxclient is market-data's HTTP client into the FX service,
// used to convert upstream USD prices into EUR for display and for
// benchmark history. Grounded on original_source's
// services/market_data/app/clients/fx.py FxClient.usd_to_eur, quantized
// to 4dp here via moneydec instead of Python's Decimal.quantize.
package fxclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/moneydec"
)

// Client calls the FX service's /fx endpoint.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a Client against baseURL (e.g. http://fx:8083).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}, baseURL: strings.TrimRight(baseURL, "/")}
}

type fxResponseData struct {
	Pair string `json:"pair"`
	Rate string `json:"rate"`
}

// Rate fetches the current rate for pair ("USD_EUR", "GBP_EUR", ...).
func (c *Client) Rate(ctx context.Context, pair string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/fx?pair=%s", c.baseURL, pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return decimal.Zero, fmt.Errorf("decoding fx response: %w", err)
	}
	if !env.OK {
		msg := "fx service error"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return decimal.Zero, fmt.Errorf("fx service: %s", msg)
	}

	var data fxResponseData
	if err := env.DecodeData(&data); err != nil {
		return decimal.Zero, fmt.Errorf("decoding fx payload: %w", err)
	}
	rate, err := decimal.NewFromString(data.Rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed fx rate: %w", err)
	}
	return rate.Round(moneydec.QtyScale), nil
}

// USDToEUR is the shortcut the aggregator uses for the common conversion.
func (c *Client) USDToEUR(ctx context.Context) (decimal.Decimal, error) {
	return c.Rate(ctx, "USD_EUR")
}
