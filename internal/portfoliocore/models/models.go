// Package models defines the ledger's domain entities: positions, cash,
// transactions, allocation targets, and daily snapshots.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass enumerates the three asset classes tracked by the ledger.
type AssetClass string

// Supported asset classes.
const (
	AssetStock  AssetClass = "stock"
	AssetETF    AssetClass = "etf"
	AssetCrypto AssetClass = "crypto"
)

// assetClassSynonyms maps the free-text spellings accepted on /add's
// optional asset_class argument to a canonical AssetClass, following
// original_source's PortfolioService._normalise_asset_class table.
var assetClassSynonyms = map[string]AssetClass{
	"stock": AssetStock, "stocks": AssetStock, "equity": AssetStock, "equities": AssetStock,
	"share": AssetStock, "shares": AssetStock,
	"etf": AssetETF, "etfs": AssetETF, "fund": AssetETF, "funds": AssetETF,
	"crypto": AssetCrypto, "crypt": AssetCrypto, "cryptocurrency": AssetCrypto,
	"coin": AssetCrypto, "coins": AssetCrypto, "btc": AssetCrypto,
}

// NormalizeAssetClass resolves a free-text asset-class hint to a canonical
// AssetClass. ok is false when the hint did not match any known synonym.
func NormalizeAssetClass(hint string) (AssetClass, bool) {
	ac, ok := assetClassSynonyms[hint]
	return ac, ok
}

// TxType enumerates the transaction kinds the ledger appends.
type TxType string

// Transaction kinds.
const (
	TxAdd         TxType = "add"
	TxRemove      TxType = "remove"
	TxBuy         TxType = "buy"
	TxSell        TxType = "sell"
	TxCashAdd     TxType = "cash_add"
	TxCashRemove  TxType = "cash_remove"
)

// Position is a single user's holding in one normalized symbol. Invariant:
// Qty > 0 for every stored position; a sale that brings Qty to zero
// deletes the row instead.
type Position struct {
	UserID      int64
	Symbol      string
	AssetClass  AssetClass
	Market      string
	Currency    string
	Qty         decimal.Decimal
	AvgCostEUR  decimal.Decimal
	AvgCostCCY  decimal.Decimal
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CashBalance is the single per-user cash row. Invariant: AmountEUR >= 0.
type CashBalance struct {
	UserID    int64
	AmountEUR decimal.Decimal
	UpdatedAt time.Time
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	TxID          int64
	UserID        int64
	OpID          string
	Timestamp     time.Time
	Type          TxType
	Symbol        string
	AssetClass    AssetClass
	Qty           decimal.Decimal
	PriceEUR      decimal.Decimal
	AmountEUR     decimal.Decimal
	CashDeltaEUR  decimal.Decimal
	FeesEUR       decimal.Decimal
	Note          string
}

// AllocationTarget holds a user's target class weights; must always sum to 100.
type AllocationTarget struct {
	UserID    int64
	StockPct  int
	ETFPct    int
	CryptoPct int
	UpdatedAt time.Time
}

// ValidAllocation reports whether the three percentages are each within
// [0,100] and sum to exactly 100.
func ValidAllocation(stock, etf, crypto int) bool {
	if stock < 0 || stock > 100 || etf < 0 || etf > 100 || crypto < 0 || crypto > 100 {
		return false
	}
	return stock+etf+crypto == 100
}

// Snapshot is one (user, date) row used for TWR analytics. At most one row
// per date; re-running the day's snapshot updates it in place.
type Snapshot struct {
	UserID             int64
	Date               string // YYYY-MM-DD, Europe/Berlin local calendar
	ValueEUR           decimal.Decimal
	NetExternalFlowEUR decimal.Decimal
	DailyReturn        *decimal.Decimal // nil when undefined (no prior snapshot)
}

// User holds the display attributes the router forwards as query
// parameters on every mutating call.
type User struct {
	UserID       int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeSymbol applies the ledger's symbol normalization rule: uppercase,
// append .US when no suffix is present, keep crypto pairs like BTC-USD
// verbatim. Mirrors the market-data aggregator's rule so the two services
// never disagree on a symbol's canonical form.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if strings.Contains(s, "-") {
		return s
	}
	if !strings.Contains(s, ".") {
		s += ".US"
	}
	return s
}
