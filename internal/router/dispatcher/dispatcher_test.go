package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mrowen/foliobot/internal/router/registry"
)

func TestDispatch_GETMapsArgsAsQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"ok":true,"data":{"price":123}}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"market_data": srv.URL}, Config{}, zerolog.Nop())
	spec := registry.CommandSpec{
		Name: "price",
		Dispatch: registry.Dispatch{
			Service: "market_data", Method: "GET", Path: "/price",
			ArgsMap: map[string]string{"symbol": "symbol"},
		},
	}

	env, err := d.Dispatch(context.Background(), spec, map[string]string{"symbol": "AAPL"}, UserContext{UserID: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.OK {
		t.Fatalf("expected ok envelope, got %+v", env)
	}
	if !strings.Contains(gotQuery, "symbol=AAPL") {
		t.Fatalf("expected symbol=AAPL in query params, got %q", gotQuery)
	}
}

func TestDispatch_UnknownBackendErrors(t *testing.T) {
	d := New(map[string]string{"market_data": "http://example.invalid"}, Config{}, zerolog.Nop())
	spec := registry.CommandSpec{
		Name:     "price",
		Dispatch: registry.Dispatch{Service: "not_registered", Method: "GET", Path: "/price"},
	}
	if _, err := d.Dispatch(context.Background(), spec, nil, UserContext{}); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}

func TestDispatch_TransportFailureBecomesUpstreamEnvelope(t *testing.T) {
	d := New(map[string]string{"fx": "http://127.0.0.1:1"}, Config{MaxRetries: 0}, zerolog.Nop())
	spec := registry.CommandSpec{
		Name:     "fx",
		Dispatch: registry.Dispatch{Service: "fx", Method: "GET", Path: "/fx"},
	}
	env, err := d.Dispatch(context.Background(), spec, nil, UserContext{})
	if err != nil {
		t.Fatalf("transport failures should be reported via the envelope, not an error: %v", err)
	}
	if env.OK {
		t.Error("expected a failed envelope")
	}
	if env.Error == nil || env.Error.Code != "UPSTREAM_ERROR" {
		t.Errorf("expected UPSTREAM_ERROR, got %+v", env.Error)
	}
}

func TestDispatch_POSTGeneratesOpIDWhenMissing(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"ok":true,"data":{}}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"portfolio_core": srv.URL}, Config{}, zerolog.Nop())
	spec := registry.CommandSpec{
		Name: "buy",
		Dispatch: registry.Dispatch{
			Service: "portfolio_core", Method: "POST", Path: "/buy",
			ArgsMap: map[string]string{"symbol": "symbol"},
		},
	}
	_, err := d.Dispatch(context.Background(), spec, map[string]string{"symbol": "AAPL"}, UserContext{UserID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotBody, `"op_id":"`) {
		t.Errorf("expected a generated op_id in the request body, got %q", gotBody)
	}
}

func TestDispatch_4xxNeverRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error":{"code":"BAD_INPUT","message":"nope"}}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"market_data": srv.URL}, Config{MaxRetries: 3}, zerolog.Nop())
	spec := registry.CommandSpec{
		Name:     "price",
		Dispatch: registry.Dispatch{Service: "market_data", Method: "GET", Path: "/price"},
	}
	_, err := d.Dispatch(context.Background(), spec, nil, UserContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one call for a 4xx response, got %d", calls)
	}
}
