package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/portfoliocore/store"
)

// fakeQuotes is a QuoteSource returning a fixed EUR price per symbol, or
// an error for symbols in failFor.
type fakeQuotes struct {
	priceEUR decimal.Decimal
	failFor  map[string]bool
}

func (f *fakeQuotes) Quote(ctx context.Context, symbol string) (Quote, error) {
	if f.failFor[symbol] {
		return Quote{}, context.DeadlineExceeded
	}
	return Quote{Symbol: symbol, PriceEUR: f.priceEUR, Currency: "USD", Market: "NASDAQ"}, nil
}

func newTestService(t *testing.T, priceEUR decimal.Decimal) (*Service, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	svc := New(st, &fakeQuotes{priceEUR: priceEUR}, zerolog.Nop())
	const userID = int64(1)
	if err := svc.Store().SetCash(context.Background(), userID, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("seeding cash: %v", err)
	}
	return svc, userID
}

func TestBuy_UsesExplicitPriceOverQuote(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()

	result, replayed, err := svc.Buy(ctx, userID, "op-1", "AAPL", decimal.NewFromInt(2), decimal.NewFromInt(100), decimal.NewFromInt(5), "")
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if replayed {
		t.Error("first call should not be a replay")
	}
	// total_cost = amount + fees = (100*2) + 5 = 205
	if !result.FilledEUR.Equal(decimal.NewFromInt(205)) {
		t.Errorf("FilledEUR = %s, want 205", result.FilledEUR.String())
	}
	if !result.CashEUR.Equal(decimal.NewFromInt(795)) {
		t.Errorf("CashEUR = %s, want 795 (1000-205)", result.CashEUR.String())
	}
}

func TestBuy_FallsBackToQuoteWhenNoExplicitPrice(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()

	result, _, err := svc.Buy(ctx, userID, "op-1", "AAPL", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, "")
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if !result.PriceEUR.Equal(decimal.NewFromInt(50)) {
		t.Errorf("PriceEUR = %s, want the quote price 50", result.PriceEUR.String())
	}
}

func TestBuy_InsufficientCash(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()

	_, _, err := svc.Buy(ctx, userID, "", "AAPL", decimal.NewFromInt(1000), decimal.Zero, decimal.Zero, "")
	opErr, ok := err.(*OpError)
	if !ok {
		t.Fatalf("expected an *OpError, got %T: %v", err, err)
	}
	if opErr.Code != "INSUFFICIENT" {
		t.Errorf("Code = %s, want INSUFFICIENT", opErr.Code)
	}
}

func TestBuy_NoPriceAndNoQuote_IsBadInput(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer st.Close()
	svc := New(st, &fakeQuotes{failFor: map[string]bool{"AAPL": true}}, zerolog.Nop())
	ctx := context.Background()
	_ = svc.Store().SetCash(ctx, 1, decimal.NewFromInt(1000))

	_, _, err = svc.Buy(ctx, 1, "", "AAPL", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, "")
	opErr, ok := err.(*OpError)
	if !ok || opErr.Code != "BAD_INPUT" {
		t.Fatalf("expected BAD_INPUT OpError, got %v", err)
	}
}

func TestBuy_ReplayedOpIDReturnsCachedResult(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()

	first, _, err := svc.Buy(ctx, userID, "dup", "AAPL", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, "")
	if err != nil {
		t.Fatalf("first Buy failed: %v", err)
	}
	second, replayed, err := svc.Buy(ctx, userID, "dup", "AAPL", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, "")
	if err != nil {
		t.Fatalf("second Buy failed: %v", err)
	}
	if !replayed {
		t.Error("repeating the same op_id should report a replay")
	}
	if !first.CashEUR.Equal(second.CashEUR) {
		t.Errorf("replayed result should match the original, got %s vs %s", second.CashEUR, first.CashEUR)
	}
}

func TestSell_NetProceedsFormula(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()

	if _, _, err := svc.Buy(ctx, userID, "buy-1", "AAPL", decimal.NewFromInt(10), decimal.Zero, decimal.Zero, ""); err != nil {
		t.Fatalf("seeding position failed: %v", err)
	}

	result, _, err := svc.Sell(ctx, userID, "sell-1", "AAPL", decimal.NewFromInt(4), decimal.NewFromInt(60), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	// net_proceeds = amount - fees = (60*4) - 10 = 230
	if !result.FilledEUR.Equal(decimal.NewFromInt(230)) {
		t.Errorf("FilledEUR = %s, want 230", result.FilledEUR.String())
	}
}

func TestSell_FeesExceedingAmountIsBadInput(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()
	if _, _, err := svc.Buy(ctx, userID, "buy-1", "AAPL", decimal.NewFromInt(10), decimal.Zero, decimal.Zero, ""); err != nil {
		t.Fatalf("seeding position failed: %v", err)
	}

	_, _, err := svc.Sell(ctx, userID, "sell-1", "AAPL", decimal.NewFromInt(1), decimal.NewFromInt(5), decimal.NewFromInt(100))
	opErr, ok := err.(*OpError)
	if !ok || opErr.Code != "BAD_INPUT" {
		t.Fatalf("expected BAD_INPUT OpError, got %v", err)
	}
}

func TestSell_NoPositionIsNotFound(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	_, _, err := svc.Sell(context.Background(), userID, "", "AAPL", decimal.NewFromInt(1), decimal.NewFromInt(10), decimal.Zero)
	opErr, ok := err.(*OpError)
	if !ok || opErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND OpError, got %v", err)
	}
}

func TestSell_MoreThanHeldIsInsufficient(t *testing.T) {
	svc, userID := newTestService(t, decimal.NewFromInt(50))
	ctx := context.Background()
	if _, _, err := svc.Buy(ctx, userID, "buy-1", "AAPL", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, ""); err != nil {
		t.Fatalf("seeding position failed: %v", err)
	}
	_, _, err := svc.Sell(ctx, userID, "", "AAPL", decimal.NewFromInt(5), decimal.NewFromInt(10), decimal.Zero)
	opErr, ok := err.(*OpError)
	if !ok || opErr.Code != "INSUFFICIENT" {
		t.Fatalf("expected INSUFFICIENT OpError, got %v", err)
	}
}
