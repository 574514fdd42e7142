// Package service implements the ledger's mutation and read operations:
// add/remove/buy/sell positions, cash adjustments, allocation targets,
// transaction history, and portfolio valuation with time-weighted return.
//
// Every mutation is wrapped in the teacher's idempotency discipline from
// internal/orders.Manager (validate, mutate, persist, report) generalized
// from "one order" to "one op_id": a mutation runs at most once per
// (user_id, op_id); a replayed op_id returns the original cached result
// without touching the ledger again.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/moneydec"
	"github.com/mrowen/foliobot/internal/portfoliocore/models"
	"github.com/mrowen/foliobot/internal/portfoliocore/store"
)

// berlinToday returns today's calendar date in Europe/Berlin, the local
// day every snapshot is keyed by.
func berlinToday() string {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}

// snapshotAfterMutation records today's valuation snapshot after a
// position or cash mutation, per 4.7: "after every mutation, the
// service records a snapshot for today." The mutation's external flow is
// added to the flow already recorded for today, so the snapshot carries
// the day's net external flow. A failure here is logged, not
// surfaced: the mutation already committed and must not be undone by a
// snapshotting hiccup.
func (s *Service) snapshotAfterMutation(ctx context.Context, userID int64, netExternalFlowEUR decimal.Decimal) {
	today := berlinToday()
	if existing, err := s.store.GetSnapshot(ctx, userID, today); err == nil {
		netExternalFlowEUR = netExternalFlowEUR.Add(existing.NetExternalFlowEUR)
	}
	if _, err := s.RefreshSnapshot(ctx, userID, today, netExternalFlowEUR); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("post-mutation snapshot refresh failed")
	}
}

// Quote is the normalized price lookup the service needs from market-data
// to value a buy/sell/add or a portfolio snapshot.
type Quote struct {
	Symbol      string
	PriceEUR    decimal.Decimal
	Currency    string
	Market      string
	DisplayName string
}

// QuoteSource resolves a single symbol's current price in EUR. Implemented
// by internal/portfoliocore/marketclient against the market-data service.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Service is the ledger's operation layer: one instance per process,
// backed by a single *store.Store and a market-data quote source.
type Service struct {
	store  *store.Store
	quotes QuoteSource
	log    zerolog.Logger
}

// New builds a Service over an already-open store and quote source.
func New(st *store.Store, quotes QuoteSource, log zerolog.Logger) *Service {
	return &Service{store: st, quotes: quotes, log: log}
}

// Store exposes the underlying ledger store for operations the server
// layer needs direct access to (user upserts) without a dedicated
// Service method.
func (s *Service) Store() *store.Store { return s.store }

// OpError distinguishes a domain-level rejection (bad input, insufficient
// funds, not found) from an infrastructure failure. The handler maps Code
// onto an envelope.ErrorCode without needing to inspect error text.
type OpError struct {
	Code    envelope.ErrorCode
	Message string
	Details map[string]any
}

func (e *OpError) Error() string { return e.Message }

// withDetails attaches structured detail fields to an OpError, surfaced by
// the server as error.details so a client can act on values (e.g. the
// current balance) without parsing the message text.
func withDetails(err error, details map[string]any) error {
	if opErr, ok := err.(*OpError); ok {
		opErr.Details = details
	}
	return err
}

func badInput(format string, args ...any) error {
	return &OpError{Code: envelope.CodeBadInput, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &OpError{Code: envelope.CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func insufficient(format string, args ...any) error {
	return &OpError{Code: envelope.CodeInsufficient, Message: fmt.Sprintf(format, args...)}
}

// withIdempotency runs fn under the user's mutation lock unless opID has
// already been recorded, in which case the cached result is replayed
// verbatim. fn's successful result is stored as JSON under opID for later
// replays; the returned bool reports whether the result was a replay.
func withIdempotency[T any](ctx context.Context, s *Service, userID int64, opID string, fn func() (T, error)) (T, bool, error) {
	var zero T
	if opID != "" {
		if cached, ok, err := s.store.GetOperation(ctx, userID, opID); err != nil {
			return zero, false, err
		} else if ok {
			var result T
			if err := json.Unmarshal([]byte(cached), &result); err != nil {
				return zero, false, fmt.Errorf("decoding cached operation result: %w", err)
			}
			return result, true, nil
		}
	}

	var result T
	var opErr error
	lockErr := s.store.WithUserLock(userID, func() error {
		// Re-check inside the lock: two requests racing the same op_id
		// must not both fall through to fn.
		if opID != "" {
			if cached, ok, err := s.store.GetOperation(ctx, userID, opID); err != nil {
				return err
			} else if ok {
				return json.Unmarshal([]byte(cached), &result)
			}
		}
		result, opErr = fn()
		if opErr != nil {
			return nil
		}
		if opID != "" {
			encoded, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encoding operation result: %w", err)
			}
			return s.store.RecordOperation(ctx, userID, opID, string(encoded))
		}
		return nil
	})
	if lockErr != nil {
		return zero, false, lockErr
	}
	if opErr != nil {
		return zero, false, opErr
	}
	return result, false, nil
}

// AddResult is returned by Add.
type AddResult struct {
	Position models.Position `json:"position"`
}

// Add records a holding the user already owns outside the bot (no cash
// movement), valuing it at the current quote unless the caller supplies
// an explicit cost basis.
func (s *Service) Add(ctx context.Context, userID int64, opID, symbolRaw string, qty decimal.Decimal, assetHint string, costEURHint *decimal.Decimal) (AddResult, bool, error) {
	return withIdempotency(ctx, s, userID, opID, func() (AddResult, error) {
		if qty.LessThanOrEqual(decimal.Zero) {
			return AddResult{}, badInput("quantity must be positive")
		}
		symbol := models.NormalizeSymbol(symbolRaw)

		assetClass := models.AssetStock
		if assetHint != "" {
			ac, ok := models.NormalizeAssetClass(assetHint)
			if !ok {
				return AddResult{}, badInput("unrecognized asset class %q", assetHint)
			}
			assetClass = ac
		}

		q, err := s.quotes.Quote(ctx, symbol)
		if err != nil {
			return AddResult{}, err
		}

		costEUR := q.PriceEUR
		if costEURHint != nil {
			costEUR = moneydec.EUR(*costEURHint)
		}

		qty = moneydec.Qty(qty)
		pos, err := s.mergePosition(ctx, userID, symbol, assetClass, q, qty, costEUR)
		if err != nil {
			return AddResult{}, err
		}

		now := time.Now().UTC()
		_, err = s.store.AppendTransaction(ctx, models.Transaction{
			UserID: userID, OpID: opID, Timestamp: now, Type: models.TxAdd,
			Symbol: symbol, AssetClass: assetClass, Qty: qty,
			PriceEUR: costEUR, AmountEUR: moneydec.EUR(costEUR.Mul(qty)),
		})
		if err != nil {
			return AddResult{}, err
		}
		s.snapshotAfterMutation(ctx, userID, decimal.Zero)
		return AddResult{Position: *pos}, nil
	})
}

func (s *Service) mergePosition(ctx context.Context, userID int64, symbol string, assetClass models.AssetClass, q Quote, deltaQty, priceEUR decimal.Decimal) (*models.Position, error) {
	existing, err := s.store.GetPosition(ctx, userID, symbol)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	if existing == nil || err == store.ErrNotFound {
		pos := models.Position{
			UserID: userID, Symbol: symbol, AssetClass: assetClass,
			Market: q.Market, Currency: q.Currency, DisplayName: q.DisplayName,
			Qty: deltaQty, AvgCostEUR: priceEUR, AvgCostCCY: priceEUR,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := s.store.UpsertPosition(ctx, pos); err != nil {
			return nil, err
		}
		return &pos, nil
	}

	totalQty := existing.Qty.Add(deltaQty)
	totalCost := existing.AvgCostEUR.Mul(existing.Qty).Add(priceEUR.Mul(deltaQty))
	existing.Qty = moneydec.Qty(totalQty)
	existing.AvgCostEUR = moneydec.EUR(totalCost.Div(totalQty))
	existing.UpdatedAt = now
	if q.DisplayName != "" {
		existing.DisplayName = q.DisplayName
	}
	if err := s.store.UpsertPosition(ctx, *existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// RemoveResult is returned by Remove.
type RemoveResult struct {
	Removed  bool            `json:"removed"`
	Position *models.Position `json:"position,omitempty"`
}

// Remove drops a holding (or part of it) from the ledger without a cash
// movement, mirroring Add's no-cash-effect semantics in reverse.
func (s *Service) Remove(ctx context.Context, userID int64, opID, symbolRaw string, qty *decimal.Decimal) (RemoveResult, bool, error) {
	return withIdempotency(ctx, s, userID, opID, func() (RemoveResult, error) {
		symbol := models.NormalizeSymbol(symbolRaw)
		existing, err := s.store.GetPosition(ctx, userID, symbol)
		if err == store.ErrNotFound {
			return RemoveResult{}, notFound("no position in %s", symbol)
		}
		if err != nil {
			return RemoveResult{}, err
		}

		removeQty := existing.Qty
		if qty != nil {
			removeQty = moneydec.Qty(*qty)
			if removeQty.LessThanOrEqual(decimal.Zero) {
				return RemoveResult{}, badInput("quantity must be positive")
			}
			if removeQty.GreaterThan(existing.Qty) {
				return RemoveResult{}, insufficient("only %s %s held", existing.Qty.String(), symbol)
			}
		}

		now := time.Now().UTC()
		remaining := existing.Qty.Sub(removeQty)
		var resultPos *models.Position
		if remaining.IsZero() {
			if err := s.store.DeletePosition(ctx, userID, symbol); err != nil {
				return RemoveResult{}, err
			}
		} else {
			existing.Qty = moneydec.Qty(remaining)
			existing.UpdatedAt = now
			if err := s.store.UpsertPosition(ctx, *existing); err != nil {
				return RemoveResult{}, err
			}
			resultPos = existing
		}

		_, err = s.store.AppendTransaction(ctx, models.Transaction{
			UserID: userID, OpID: opID, Timestamp: now, Type: models.TxRemove,
			Symbol: symbol, AssetClass: existing.AssetClass, Qty: removeQty,
		})
		if err != nil {
			return RemoveResult{}, err
		}
		s.snapshotAfterMutation(ctx, userID, decimal.Zero)
		return RemoveResult{Removed: true, Position: resultPos}, nil
	})
}

// TradeResult is returned by Buy and Sell.
type TradeResult struct {
	Position  *models.Position `json:"position,omitempty"`
	CashEUR   decimal.Decimal  `json:"cash_eur"`
	FilledEUR decimal.Decimal  `json:"filled_eur"`
	PriceEUR  decimal.Decimal  `json:"price_eur"`
	FeesEUR   decimal.Decimal  `json:"fees_eur"`
}

// resolvePrice returns priceEUR if the caller supplied one (non-zero), else
// fetches the current EUR quote; either way it also returns the Quote for
// its market/currency/display_name metadata. A quote fetch failure is only
// fatal when no explicit price was given.
func (s *Service) resolvePrice(ctx context.Context, symbol string, priceEUR decimal.Decimal) (decimal.Decimal, Quote, error) {
	q, err := s.quotes.Quote(ctx, symbol)
	if !priceEUR.IsZero() {
		if err != nil {
			q = Quote{Symbol: symbol} // metadata degrades; price is still usable
		}
		return moneydec.EUR(priceEUR), q, nil
	}
	if err != nil {
		return decimal.Zero, Quote{}, badInput("no price supplied and no quote available for %s", symbol)
	}
	return q.PriceEUR, q, nil
}

// Buy executes a cash-settled purchase: resolves the fill price (explicit or
// current quote), debits cash for amount+fees, adds to the position at a
// recomputed weighted-average cost.
func (s *Service) Buy(ctx context.Context, userID int64, opID, symbolRaw string, qty, priceEUR, feesEUR decimal.Decimal, assetHint string) (TradeResult, bool, error) {
	return withIdempotency(ctx, s, userID, opID, func() (TradeResult, error) {
		if qty.LessThanOrEqual(decimal.Zero) {
			return TradeResult{}, badInput("quantity must be positive")
		}
		if feesEUR.IsNegative() {
			return TradeResult{}, badInput("fees must not be negative")
		}
		symbol := models.NormalizeSymbol(symbolRaw)
		assetClass := models.AssetStock
		if assetHint != "" {
			ac, ok := models.NormalizeAssetClass(assetHint)
			if !ok {
				return TradeResult{}, badInput("unrecognized asset class %q", assetHint)
			}
			assetClass = ac
		}

		price, q, err := s.resolvePrice(ctx, symbol, priceEUR)
		if err != nil {
			return TradeResult{}, err
		}
		qty = moneydec.Qty(qty)
		fees := moneydec.EUR(feesEUR)
		amount := moneydec.EUR(price.Mul(qty))
		totalCost := moneydec.EUR(amount.Add(fees))

		cash, err := s.store.GetCash(ctx, userID)
		if err != nil {
			return TradeResult{}, err
		}
		if cash.LessThan(totalCost) {
			err := insufficient("need %s EUR, have %s EUR", totalCost.String(), cash.String())
			return TradeResult{}, withDetails(err, map[string]any{"current_balance": cash.StringFixed(2)})
		}
		newCash := moneydec.EUR(cash.Sub(totalCost))
		if err := s.store.SetCash(ctx, userID, newCash); err != nil {
			return TradeResult{}, err
		}

		pos, err := s.mergePosition(ctx, userID, symbol, assetClass, q, qty, price)
		if err != nil {
			return TradeResult{}, err
		}

		now := time.Now().UTC()
		_, err = s.store.AppendTransaction(ctx, models.Transaction{
			UserID: userID, OpID: opID, Timestamp: now, Type: models.TxBuy,
			Symbol: symbol, AssetClass: assetClass, Qty: qty,
			PriceEUR: price, AmountEUR: amount, CashDeltaEUR: totalCost.Neg(), FeesEUR: fees,
		})
		if err != nil {
			return TradeResult{}, err
		}
		s.snapshotAfterMutation(ctx, userID, decimal.Zero)
		return TradeResult{Position: pos, CashEUR: newCash, FilledEUR: totalCost, PriceEUR: price, FeesEUR: fees}, nil
	})
}

// Sell executes a cash-settled disposal: resolves the fill price (explicit
// or current quote), reduces the position, credits cash for amount-fees.
func (s *Service) Sell(ctx context.Context, userID int64, opID, symbolRaw string, qty, priceEUR, feesEUR decimal.Decimal) (TradeResult, bool, error) {
	return withIdempotency(ctx, s, userID, opID, func() (TradeResult, error) {
		if qty.LessThanOrEqual(decimal.Zero) {
			return TradeResult{}, badInput("quantity must be positive")
		}
		if feesEUR.IsNegative() {
			return TradeResult{}, badInput("fees must not be negative")
		}
		symbol := models.NormalizeSymbol(symbolRaw)
		existing, err := s.store.GetPosition(ctx, userID, symbol)
		if err == store.ErrNotFound {
			return TradeResult{}, notFound("no position in %s", symbol)
		}
		if err != nil {
			return TradeResult{}, err
		}
		qty = moneydec.Qty(qty)
		if qty.GreaterThan(existing.Qty) {
			return TradeResult{}, insufficient("only %s %s held", existing.Qty.String(), symbol)
		}

		price, _, err := s.resolvePrice(ctx, symbol, priceEUR)
		if err != nil {
			return TradeResult{}, err
		}
		fees := moneydec.EUR(feesEUR)
		amount := moneydec.EUR(price.Mul(qty))
		netProceeds := moneydec.EUR(amount.Sub(fees))
		if netProceeds.IsNegative() {
			return TradeResult{}, badInput("fees %s exceed sale amount %s", fees.String(), amount.String())
		}

		now := time.Now().UTC()
		remaining := existing.Qty.Sub(qty)
		var resultPos *models.Position
		if remaining.IsZero() {
			if err := s.store.DeletePosition(ctx, userID, symbol); err != nil {
				return TradeResult{}, err
			}
		} else {
			existing.Qty = moneydec.Qty(remaining)
			existing.UpdatedAt = now
			if err := s.store.UpsertPosition(ctx, *existing); err != nil {
				return TradeResult{}, err
			}
			resultPos = existing
		}

		cash, err := s.store.GetCash(ctx, userID)
		if err != nil {
			return TradeResult{}, err
		}
		newCash := moneydec.EUR(cash.Add(netProceeds))
		if err := s.store.SetCash(ctx, userID, newCash); err != nil {
			return TradeResult{}, err
		}

		_, err = s.store.AppendTransaction(ctx, models.Transaction{
			UserID: userID, OpID: opID, Timestamp: now, Type: models.TxSell,
			Symbol: symbol, AssetClass: existing.AssetClass, Qty: qty,
			PriceEUR: price, AmountEUR: amount, CashDeltaEUR: netProceeds, FeesEUR: fees,
		})
		if err != nil {
			return TradeResult{}, err
		}
		s.snapshotAfterMutation(ctx, userID, decimal.Zero)
		return TradeResult{Position: resultPos, CashEUR: newCash, FilledEUR: netProceeds, PriceEUR: price, FeesEUR: fees}, nil
	})
}

// CashResult is returned by CashAdd and CashRemove.
type CashResult struct {
	CashEUR decimal.Decimal `json:"cash_eur"`
}

// CashAdd records an external cash deposit.
func (s *Service) CashAdd(ctx context.Context, userID int64, opID string, amount decimal.Decimal, note string) (CashResult, bool, error) {
	return withIdempotency(ctx, s, userID, opID, func() (CashResult, error) {
		amount = moneydec.EUR(amount)
		if amount.LessThanOrEqual(decimal.Zero) {
			return CashResult{}, badInput("amount must be positive")
		}
		cash, err := s.store.GetCash(ctx, userID)
		if err != nil {
			return CashResult{}, err
		}
		newCash := moneydec.EUR(cash.Add(amount))
		if err := s.store.SetCash(ctx, userID, newCash); err != nil {
			return CashResult{}, err
		}
		_, err = s.store.AppendTransaction(ctx, models.Transaction{
			UserID: userID, OpID: opID, Timestamp: time.Now().UTC(), Type: models.TxCashAdd,
			AmountEUR: amount, CashDeltaEUR: amount, Note: note,
		})
		if err != nil {
			return CashResult{}, err
		}
		s.snapshotAfterMutation(ctx, userID, amount)
		return CashResult{CashEUR: newCash}, nil
	})
}

// CashRemove records an external cash withdrawal.
func (s *Service) CashRemove(ctx context.Context, userID int64, opID string, amount decimal.Decimal, note string) (CashResult, bool, error) {
	return withIdempotency(ctx, s, userID, opID, func() (CashResult, error) {
		amount = moneydec.EUR(amount)
		if amount.LessThanOrEqual(decimal.Zero) {
			return CashResult{}, badInput("amount must be positive")
		}
		cash, err := s.store.GetCash(ctx, userID)
		if err != nil {
			return CashResult{}, err
		}
		if cash.LessThan(amount) {
			return CashResult{}, insufficient("only %s EUR available", cash.String())
		}
		newCash := moneydec.EUR(cash.Sub(amount))
		if err := s.store.SetCash(ctx, userID, newCash); err != nil {
			return CashResult{}, err
		}
		_, err = s.store.AppendTransaction(ctx, models.Transaction{
			UserID: userID, OpID: opID, Timestamp: time.Now().UTC(), Type: models.TxCashRemove,
			AmountEUR: amount, CashDeltaEUR: amount.Neg(), Note: note,
		})
		if err != nil {
			return CashResult{}, err
		}
		s.snapshotAfterMutation(ctx, userID, amount.Neg())
		return CashResult{CashEUR: newCash}, nil
	})
}

// SetAllocationTarget validates and stores a user's target class weights.
func (s *Service) SetAllocationTarget(ctx context.Context, userID int64, stock, etf, crypto int) (models.AllocationTarget, error) {
	if !models.ValidAllocation(stock, etf, crypto) {
		err := badInput("allocation percentages must be in [0,100] and sum to 100")
		total := stock + etf + crypto
		return models.AllocationTarget{}, withDetails(err, map[string]any{"total": total})
	}
	target := models.AllocationTarget{UserID: userID, StockPct: stock, ETFPct: etf, CryptoPct: crypto, UpdatedAt: time.Now().UTC()}
	if err := s.store.SetAllocationTarget(ctx, target); err != nil {
		return models.AllocationTarget{}, err
	}
	return target, nil
}

// Rename changes a position's display name without affecting quantity or cost basis.
func (s *Service) Rename(ctx context.Context, userID int64, symbolRaw, displayName string) (models.Position, error) {
	symbol := models.NormalizeSymbol(symbolRaw)
	pos, err := s.store.GetPosition(ctx, userID, symbol)
	if err == store.ErrNotFound {
		return models.Position{}, notFound("no position in %s", symbol)
	}
	if err != nil {
		return models.Position{}, err
	}
	pos.DisplayName = displayName
	pos.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPosition(ctx, *pos); err != nil {
		return models.Position{}, err
	}
	return *pos, nil
}

// Transactions returns the most recent limit ledger entries for userID.
func (s *Service) Transactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// PortfolioView is the valued snapshot returned by Portfolio.
type PortfolioView struct {
	Positions   []PositionView  `json:"positions"`
	CashEUR     decimal.Decimal `json:"cash_eur"`
	TotalEUR    decimal.Decimal `json:"total_eur"`
	StockPct    float64         `json:"stock_pct"`
	ETFPct      float64         `json:"etf_pct"`
	CryptoPct   float64         `json:"crypto_pct"`
	TargetStock int             `json:"target_stock_pct"`
	TargetETF   int             `json:"target_etf_pct"`
	TargetCrypto int            `json:"target_crypto_pct"`
}

// PositionView is one valued holding within a PortfolioView.
type PositionView struct {
	models.Position
	CurrentPriceEUR decimal.Decimal `json:"current_price_eur"`
	ValueEUR        decimal.Decimal `json:"value_eur"`
	PnLEUR          decimal.Decimal `json:"pnl_eur"`
	PnLPct          float64         `json:"pnl_pct"`
	Fresh           string          `json:"-"`
	Partial         bool            `json:"-"`
}

// Portfolio values every held position at the latest quote and reports
// allocation against the user's configured target. A quote failure for
// one symbol degrades that line to its last known cost basis and marks
// the view partial rather than failing the whole request.
func (s *Service) Portfolio(ctx context.Context, userID int64) (PortfolioView, bool, error) {
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return PortfolioView{}, false, err
	}
	cash, err := s.store.GetCash(ctx, userID)
	if err != nil {
		return PortfolioView{}, false, err
	}
	target, err := s.store.GetAllocationTarget(ctx, userID)
	if err != nil {
		return PortfolioView{}, false, err
	}

	view := PortfolioView{CashEUR: cash, TotalEUR: cash, TargetStock: target.StockPct, TargetETF: target.ETFPct, TargetCrypto: target.CryptoPct}
	classTotals := map[models.AssetClass]decimal.Decimal{}
	partial := false

	for _, pos := range positions {
		pv := PositionView{Position: pos, CurrentPriceEUR: pos.AvgCostEUR}
		q, qerr := s.quotes.Quote(ctx, pos.Symbol)
		if qerr != nil {
			partial = true
			pv.Partial = true
			s.log.Warn().Err(qerr).Str("symbol", pos.Symbol).Msg("quote unavailable, valuing at cost basis")
		} else {
			pv.CurrentPriceEUR = q.PriceEUR
		}
		pv.ValueEUR = moneydec.EUR(pv.CurrentPriceEUR.Mul(pos.Qty))
		costBasis := moneydec.EUR(pos.AvgCostEUR.Mul(pos.Qty))
		pv.PnLEUR = moneydec.EUR(pv.ValueEUR.Sub(costBasis))
		if costBasis.IsPositive() {
			pct, _ := pv.PnLEUR.Div(costBasis).Mul(decimal.NewFromInt(100)).Float64()
			pv.PnLPct = pct
		}
		view.Positions = append(view.Positions, pv)
		view.TotalEUR = view.TotalEUR.Add(pv.ValueEUR)
		classTotals[pos.AssetClass] = classTotals[pos.AssetClass].Add(pv.ValueEUR)
	}
	view.TotalEUR = moneydec.EUR(view.TotalEUR)

	investedEUR := view.TotalEUR.Sub(cash)
	if investedEUR.IsPositive() {
		view.StockPct = pctOf(classTotals[models.AssetStock], investedEUR)
		view.ETFPct = pctOf(classTotals[models.AssetETF], investedEUR)
		view.CryptoPct = pctOf(classTotals[models.AssetCrypto], investedEUR)
	}
	return view, partial, nil
}

func pctOf(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	f, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// RefreshSnapshot computes and stores today's (date) valuation snapshot
// and time-weighted return, per the teacher's "persist after every
// mutation" discipline generalized to a daily valuation tick instead of
// a position-state transition.
//
// r_t = (V_t - F_t) / V_{t-1} - 1 when V_{t-1} > 0, else nil. F_t is the
// net external cash flow (deposits minus withdrawals) since the prior
// snapshot; it is the caller's responsibility to compute F_t from the
// transaction log between the two dates and pass it in, since the flow
// window depends on when the previous snapshot was actually taken.
func (s *Service) RefreshSnapshot(ctx context.Context, userID int64, date string, netExternalFlowEUR decimal.Decimal) (models.Snapshot, error) {
	view, _, err := s.Portfolio(ctx, userID)
	if err != nil {
		return models.Snapshot{}, err
	}

	snap := models.Snapshot{UserID: userID, Date: date, ValueEUR: view.TotalEUR, NetExternalFlowEUR: moneydec.EUR(netExternalFlowEUR)}
	prev, err := s.store.PreviousSnapshot(ctx, userID, date)
	if err != nil && err != store.ErrNotFound {
		return models.Snapshot{}, err
	}
	if err == nil && prev.ValueEUR.IsPositive() {
		r := snap.ValueEUR.Sub(snap.NetExternalFlowEUR).Div(prev.ValueEUR).Sub(decimal.NewFromInt(1))
		snap.DailyReturn = &r
	}

	if err := s.store.UpsertSnapshot(ctx, snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// rangeForPeriod maps a period code to a [from,to] inclusive date window
// ending today, per the bucket rules in 4.7 ("mirror market-data"): d is
// today only, w is the trailing 7 days, m the trailing 28 days (four
// weeks), y is year-to-date.
func rangeForPeriod(period, today string) (from, to string) {
	t, err := time.Parse("2006-01-02", today)
	if err != nil {
		t = time.Now().UTC()
	}
	switch period {
	case "w":
		return t.AddDate(0, 0, -6).Format("2006-01-02"), today
	case "m":
		return t.AddDate(0, 0, -27).Format("2006-01-02"), today
	case "y":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02"), today
	default:
		return today, today
	}
}

// CashEUR returns the user's current cash balance, for the /cash endpoint.
func (s *Service) CashEUR(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.store.GetCash(ctx, userID)
}

// AllocationView is the /allocation response: current class weights
// computed over today's valuation alongside the configured target.
type AllocationView struct {
	CurrentStockPct  float64 `json:"current_stock_pct"`
	CurrentETFPct    float64 `json:"current_etf_pct"`
	CurrentCryptoPct float64 `json:"current_crypto_pct"`
	TargetStockPct   int     `json:"target_stock_pct"`
	TargetETFPct     int     `json:"target_etf_pct"`
	TargetCryptoPct  int     `json:"target_crypto_pct"`
}

// Allocation implements 4.7's allocation(): current class ratios over
// non-cash value using latest EUR quotes, alongside the stored target.
func (s *Service) Allocation(ctx context.Context, userID int64) (AllocationView, bool, error) {
	view, partial, err := s.Portfolio(ctx, userID)
	if err != nil {
		return AllocationView{}, false, err
	}
	return AllocationView{
		CurrentStockPct: view.StockPct, CurrentETFPct: view.ETFPct, CurrentCryptoPct: view.CryptoPct,
		TargetStockPct: view.TargetStock, TargetETFPct: view.TargetETF, TargetCryptoPct: view.TargetCrypto,
	}, partial, nil
}

// PeriodSnapshot is the /portfolio_snapshot response for a single period:
// the snapshot series plus the compounded time-weighted return over it.
type PeriodSnapshot struct {
	Period    string            `json:"period"`
	Snapshots []models.Snapshot `json:"snapshots"`
	TWRPct    *float64          `json:"twr_pct"`
}

// twr compounds Π(1+r_t) - 1 over the snapshots' daily returns, skipping
// any with an undefined (nil) return. Returns nil when no return in the
// series is defined.
func twr(snaps []models.Snapshot) *float64 {
	acc := decimal.NewFromInt(1)
	any := false
	for _, s := range snaps {
		if s.DailyReturn == nil {
			continue
		}
		any = true
		acc = acc.Mul(decimal.NewFromInt(1).Add(*s.DailyReturn))
	}
	if !any {
		return nil
	}
	pct, _ := acc.Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Float64()
	return &pct
}

// PortfolioSnapshot returns the stored daily valuation series for period,
// bucketed per 4.7's window rules, with the compounded return over it.
func (s *Service) PortfolioSnapshot(ctx context.Context, userID int64, period, today string) (PeriodSnapshot, error) {
	from, to := rangeForPeriod(period, today)
	snaps, err := s.store.ListSnapshotsRange(ctx, userID, from, to)
	if err != nil {
		return PeriodSnapshot{}, err
	}
	return PeriodSnapshot{Period: period, Snapshots: snaps, TWRPct: twr(snaps)}, nil
}

// PortfolioSummary is the /portfolio_summary response: current valuation
// alongside the period's compounded return. Analytics composition with
// market-data benchmarks is the handler/UI's job, not this service's.
type PortfolioSummary struct {
	Period      string  `json:"period"`
	TotalEUR    decimal.Decimal `json:"total_eur"`
	CashEUR     decimal.Decimal `json:"cash_eur"`
	TWRPct      *float64        `json:"twr_pct"`
}

func (s *Service) PortfolioSummary(ctx context.Context, userID int64, period, today string) (PortfolioSummary, bool, error) {
	view, partial, err := s.Portfolio(ctx, userID)
	if err != nil {
		return PortfolioSummary{}, false, err
	}
	snap, err := s.PortfolioSnapshot(ctx, userID, period, today)
	if err != nil {
		return PortfolioSummary{}, false, err
	}
	return PortfolioSummary{Period: period, TotalEUR: view.TotalEUR, CashEUR: view.CashEUR, TWRPct: snap.TWRPct}, partial, nil
}

// PortfolioBreakdown is the /portfolio_breakdown response: value and
// weight by asset class, recomputed from the live valuation.
type PortfolioBreakdown struct {
	Classes map[string]float64 `json:"class_pct"`
}

func (s *Service) PortfolioBreakdown(ctx context.Context, userID int64) (PortfolioBreakdown, bool, error) {
	view, partial, err := s.Portfolio(ctx, userID)
	if err != nil {
		return PortfolioBreakdown{}, false, err
	}
	return PortfolioBreakdown{Classes: map[string]float64{
		"stock": view.StockPct, "etf": view.ETFPct, "crypto": view.CryptoPct,
	}}, partial, nil
}

// PortfolioDigest is the /portfolio_digest response: a short narrative
// summary line plus the data it was built from.
type PortfolioDigest struct {
	Summary string `json:"summary"`
	Total   decimal.Decimal `json:"total_eur"`
	TWRPct  *float64 `json:"twr_pct"`
}

func (s *Service) PortfolioDigest(ctx context.Context, userID int64, period, today string) (PortfolioDigest, bool, error) {
	sum, partial, err := s.PortfolioSummary(ctx, userID, period, today)
	if err != nil {
		return PortfolioDigest{}, false, err
	}
	text := fmt.Sprintf("portfolio worth %s EUR", sum.TotalEUR.StringFixed(2))
	if sum.TWRPct != nil {
		text = fmt.Sprintf("%s, %s %.2f%% over %s", text, signWord(*sum.TWRPct), *sum.TWRPct, period)
	}
	return PortfolioDigest{Summary: text, Total: sum.TotalEUR, TWRPct: sum.TWRPct}, partial, nil
}

func signWord(pct float64) string {
	if pct < 0 {
		return "down"
	}
	return "up"
}

// Mover is one ranked line in the /portfolio_movers response.
type Mover struct {
	Symbol string  `json:"symbol"`
	PnLPct float64 `json:"pnl_pct"`
}

// PortfolioMovers ranks held positions by unrealized PnL% best-to-worst.
func (s *Service) PortfolioMovers(ctx context.Context, userID int64) ([]Mover, bool, error) {
	view, partial, err := s.Portfolio(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	movers := make([]Mover, 0, len(view.Positions))
	for _, p := range view.Positions {
		movers = append(movers, Mover{Symbol: p.Symbol, PnLPct: p.PnLPct})
	}
	sort.Slice(movers, func(i, j int) bool { return movers[i].PnLPct > movers[j].PnLPct })
	return movers, partial, nil
}

// ProjectionView is the /po_if response: a deterministic what-if
// projection of total value under a uniform percentage move applied to
// one asset class (or "all"), with no live upstream calls.
type ProjectionView struct {
	Scope          string          `json:"scope"`
	DeltaPct       float64         `json:"delta_pct"`
	CurrentTotalEUR decimal.Decimal `json:"current_total_eur"`
	ProjectedTotalEUR decimal.Decimal `json:"projected_total_eur"`
}

func (s *Service) ProjectIf(ctx context.Context, userID int64, scope string, deltaPct float64) (ProjectionView, bool, error) {
	view, partial, err := s.Portfolio(ctx, userID)
	if err != nil {
		return ProjectionView{}, false, err
	}
	factor := decimal.NewFromFloat(deltaPct).Div(decimal.NewFromInt(100))
	projected := view.CashEUR
	for _, p := range view.Positions {
		class := string(p.AssetClass)
		delta := p.ValueEUR
		if scope == "all" || scope == class {
			delta = moneydec.EUR(p.ValueEUR.Add(p.ValueEUR.Mul(factor)))
		}
		projected = projected.Add(delta)
	}
	return ProjectionView{
		Scope: scope, DeltaPct: deltaPct,
		CurrentTotalEUR: view.TotalEUR, ProjectedTotalEUR: moneydec.EUR(projected),
	}, partial, nil
}

// SnapshotRunResult reports how many users' snapshots were refreshed by
// an admin-triggered batch run.
type SnapshotRunResult struct {
	UsersRefreshed int `json:"users_refreshed"`
}

// RunSnapshotsAdmin refreshes today's snapshot for one user, or every
// known user when userID is nil. This is the snapshot-cron's catch-up
// path; it adds no external flow of its own and keeps the flow already
// recorded for today by snapshotAfterMutation (zero when there is none).
func (s *Service) RunSnapshotsAdmin(ctx context.Context, userID *int64, today string) (SnapshotRunResult, error) {
	ids := []int64{}
	if userID != nil {
		ids = append(ids, *userID)
	} else {
		all, err := s.store.AllUserIDs(ctx)
		if err != nil {
			return SnapshotRunResult{}, err
		}
		ids = all
	}
	n := 0
	for _, id := range ids {
		flow := decimal.Zero
		if existing, err := s.store.GetSnapshot(ctx, id, today); err == nil {
			flow = existing.NetExternalFlowEUR
		}
		if _, err := s.RefreshSnapshot(ctx, id, today, flow); err != nil {
			s.log.Warn().Err(err).Int64("user_id", id).Msg("snapshot refresh failed")
			continue
		}
		n++
	}
	return SnapshotRunResult{UsersRefreshed: n}, nil
}

// SnapshotStatus reports how many snapshot rows exist for a user (or all
// users) within a trailing 400-day window, for /admin/snapshots/status.
type SnapshotStatus struct {
	Count int `json:"count"`
}

func (s *Service) SnapshotsStatus(ctx context.Context, userID *int64, today string) (SnapshotStatus, error) {
	ids := []int64{}
	if userID != nil {
		ids = append(ids, *userID)
	} else {
		all, err := s.store.AllUserIDs(ctx)
		if err != nil {
			return SnapshotStatus{}, err
		}
		ids = all
	}
	t, err := time.Parse("2006-01-02", today)
	if err != nil {
		t = time.Now().UTC()
	}
	from := t.AddDate(0, 0, -400).Format("2006-01-02")
	count := 0
	for _, id := range ids {
		snaps, err := s.store.ListSnapshotsRange(ctx, id, from, today)
		if err != nil {
			return SnapshotStatus{}, err
		}
		count += len(snaps)
	}
	return SnapshotStatus{Count: count}, nil
}

// CleanupResult reports how many snapshot rows an admin prune deleted.
type CleanupResult struct {
	Deleted int64 `json:"deleted"`
}

func (s *Service) CleanupSnapshots(ctx context.Context, userID *int64, daysToKeep int, today string) (CleanupResult, error) {
	t, err := time.Parse("2006-01-02", today)
	if err != nil {
		t = time.Now().UTC()
	}
	cutoff := t.AddDate(0, 0, -daysToKeep).Format("2006-01-02")
	n, err := s.store.PruneSnapshotsOlderThan(ctx, userID, cutoff)
	if err != nil {
		return CleanupResult{}, err
	}
	return CleanupResult{Deleted: n}, nil
}

// HealthReport is the /admin/health response: per-component diagnostics.
type HealthReport struct {
	Store  string `json:"store"`
	Quotes string `json:"quotes"`
}

// AdminHealth pings the store and the quote source and reports their
// reachability without failing the request on either.
func (s *Service) AdminHealth(ctx context.Context) HealthReport {
	report := HealthReport{Store: "ok", Quotes: "ok"}
	if _, err := s.store.AllUserIDs(ctx); err != nil {
		report.Store = "error: " + err.Error()
	}
	if _, err := s.quotes.Quote(ctx, "AAPL"); err != nil {
		report.Quotes = "degraded: " + err.Error()
	}
	return report
}
