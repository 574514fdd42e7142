// Package dispatcher routes a validated command to its backend service
// (C7): maps args via args_map, auto-generates op_id for mutating calls,
// retries idempotent GETs with backoff, and wraps each backend behind its
// own circuit breaker so one struggling service can't starve the others --
// the breaker-per-dependency pattern the teacher applies to its broker
// client in internal/broker, generalized here to three HTTP backends
// instead of one brokerage API.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/router/registry"
)

// UserContext is the caller identity threaded onto every dispatched call as
// query parameters (per §4.4: "user_context fields become query parameters").
type UserContext struct {
	UserID int64
}

// backend is one upstream HTTP service plus its own circuit breaker.
type backend struct {
	name    string
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// Config tunes retry behavior; zero values fall back to sensible defaults.
type Config struct {
	MaxRetries int
	Timeout    time.Duration
}

// Dispatcher fans validated commands out to portfolio_core, market_data and fx.
type Dispatcher struct {
	backends   map[string]*backend
	maxRetries int
	log        zerolog.Logger
}

// New builds a Dispatcher with one backend per named base URL.
func New(baseURLs map[string]string, cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	backends := make(map[string]*backend, len(baseURLs))
	for name, base := range baseURLs {
		backends[name] = &backend{
			name:    name,
			baseURL: strings.TrimRight(base, "/"),
			http:    &http.Client{Timeout: cfg.Timeout},
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Interval:    30 * time.Second,
				Timeout:     15 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}),
		}
	}
	return &Dispatcher{backends: backends, maxRetries: cfg.MaxRetries, log: log}
}

// rawResponse is one HTTP round trip's outcome before envelope decoding.
type rawResponse struct {
	status int
	body   []byte
}

// Dispatch routes spec to its backend with args mapped through
// spec.Dispatch.ArgsMap, returning the decoded envelope. Any transport
// failure (including an open circuit breaker) is reported as UPSTREAM_ERROR.
func (d *Dispatcher) Dispatch(ctx context.Context, spec registry.CommandSpec, args map[string]string, uc UserContext) (envelope.Envelope, error) {
	if spec.Dispatch.Service == "" || spec.Dispatch.Service == "none" {
		return envelope.Envelope{}, fmt.Errorf("dispatcher: command %q has no backend", spec.Name)
	}
	be, ok := d.backends[spec.Dispatch.Service]
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("dispatcher: unknown backend %q", spec.Dispatch.Service)
	}

	mapped := make(map[string]string, len(spec.Dispatch.ArgsMap))
	for src, dst := range spec.Dispatch.ArgsMap {
		if v, ok := args[src]; ok && v != "" {
			mapped[dst] = v
		}
	}

	method := strings.ToUpper(spec.Dispatch.Method)
	if method == "" {
		method = http.MethodGet
	}

	opID := ""
	if method != http.MethodGet {
		opID = args["op_id"]
		if opID == "" {
			opID = uuid.NewString()
		}
	}

	resp, err := d.call(ctx, be, method, spec.Dispatch.Path, mapped, uc, opID)
	if err != nil {
		return envelope.FailErr(spec.Dispatch.Service, err), nil
	}

	var env envelope.Envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return envelope.Fail(envelope.CodeUpstream, "malformed upstream response", spec.Dispatch.Service, true, nil), nil
	}
	return env, nil
}

// call performs the HTTP round trip, retrying idempotent GETs with
// 0.2s*(n+1) backoff up to maxRetries; POSTs and any 4xx response never retry.
func (d *Dispatcher) call(ctx context.Context, be *backend, method, path string, fields map[string]string, uc UserContext, opID string) (rawResponse, error) {
	var lastErr error
	attempts := 1
	if method == http.MethodGet {
		attempts = d.maxRetries + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return rawResponse{}, ctx.Err()
			case <-time.After(time.Duration(float64(attempt)*0.2*float64(time.Second)) + 200*time.Millisecond):
			}
		}

		result, err := be.cb.Execute(func() (interface{}, error) {
			return d.doOnce(ctx, be, method, path, fields, uc, opID)
		})
		if err == nil {
			resp := result.(rawResponse)
			if resp.status >= 400 && resp.status < 500 {
				return resp, nil // never retry 4xx
			}
			if resp.status < 400 {
				return resp, nil
			}
			lastErr = fmt.Errorf("%s %s: http %d", method, path, resp.status)
			if method != http.MethodGet {
				return resp, nil
			}
			continue
		}
		lastErr = err
		if method != http.MethodGet {
			break
		}
	}
	return rawResponse{}, lastErr
}

func (d *Dispatcher) doOnce(ctx context.Context, be *backend, method, path string, fields map[string]string, uc UserContext, opID string) (rawResponse, error) {
	u := be.baseURL + path
	var bodyReader io.Reader

	if method == http.MethodGet {
		q := url.Values{}
		for k, v := range fields {
			q.Set(k, v)
		}
		q.Set("user_id", fmt.Sprintf("%d", uc.UserID))
		u += "?" + q.Encode()
	} else {
		payload := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			payload[k] = v
		}
		if opID != "" {
			payload["op_id"] = opID
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return rawResponse{}, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
		u += "?" + url.Values{"user_id": {fmt.Sprintf("%d", uc.UserID)}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return rawResponse{}, err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := be.http.Do(req)
	if err != nil {
		return rawResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rawResponse{}, err
	}
	return rawResponse{status: resp.StatusCode, body: body}, nil
}
