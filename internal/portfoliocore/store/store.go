// Package store implements the ledger's persistence layer: per-user
// positions, cash, transactions, the operation-idempotency cache,
// allocation targets, and daily snapshots. It owns these records
// exclusively -- no other package holds a mutable reference into the
// database.
//
// Mutations are serialized per user with a sharded mutex, following the
// teacher's per-position mutex discipline in internal/storage generalized
// from "one position" to "N users": reads may proceed concurrently, but
// two mutations for the same user never interleave.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/portfoliocore/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	language_code TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	asset_class TEXT NOT NULL,
	market TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT '',
	qty TEXT NOT NULL,
	avg_cost_eur TEXT NOT NULL,
	avg_cost_ccy TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS cash_balances (
	user_id INTEGER PRIMARY KEY,
	amount_eur TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	tx_id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	op_id TEXT,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	asset_class TEXT NOT NULL DEFAULT '',
	qty TEXT NOT NULL DEFAULT '0',
	price_eur TEXT NOT NULL DEFAULT '0',
	amount_eur TEXT NOT NULL DEFAULT '0',
	cash_delta_eur TEXT NOT NULL DEFAULT '0',
	fees_eur TEXT NOT NULL DEFAULT '0',
	note TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, ts DESC, tx_id DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_user_op ON transactions(user_id, op_id) WHERE op_id IS NOT NULL AND op_id != '';

CREATE TABLE IF NOT EXISTS operations (
	user_id INTEGER NOT NULL,
	op_id TEXT NOT NULL,
	result_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (user_id, op_id)
);

CREATE TABLE IF NOT EXISTS allocation_targets (
	user_id INTEGER PRIMARY KEY,
	stock_pct INTEGER NOT NULL,
	etf_pct INTEGER NOT NULL,
	crypto_pct INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	user_id INTEGER NOT NULL,
	date TEXT NOT NULL,
	value_eur TEXT NOT NULL,
	net_external_flow_eur TEXT NOT NULL,
	daily_return TEXT,
	PRIMARY KEY (user_id, date)
);
`

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the sqlite-backed ledger store.
type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// Open creates (if needed) and opens the sqlite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer; serialization happens above via per-user locks too
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying ledger schema: %w", err)
	}
	return &Store{db: db, locks: make(map[int64]*sync.Mutex)}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LockUser returns the per-user mutex, creating it on first use. Callers
// must Lock/Unlock around a full mutation (read-modify-write + tx append +
// operation-cache write) to satisfy the per-user serialization guarantee.
func (s *Store) LockUser(userID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	return m
}

// WithUserLock runs fn while holding the per-user mutation lock.
func (s *Store) WithUserLock(userID int64, fn func() error) error {
	lock := s.LockUser(userID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// UpsertUser creates or refreshes a user's display attributes.
func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, first_name, last_name, username, language_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			first_name=excluded.first_name, last_name=excluded.last_name,
			username=excluded.username, language_code=excluded.language_code,
			updated_at=excluded.updated_at
	`, u.UserID, u.FirstName, u.LastName, u.Username, u.LanguageCode, now, now)
	return err
}

// GetPosition returns a user's position in symbol, or ErrNotFound.
func (s *Store) GetPosition(ctx context.Context, userID int64, symbol string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, asset_class, market, currency, qty, avg_cost_eur, avg_cost_ccy, display_name, created_at, updated_at
		FROM positions WHERE user_id=? AND symbol=?`, userID, symbol)
	return scanPosition(row, userID)
}

func scanPosition(row *sql.Row, userID int64) (*models.Position, error) {
	var p models.Position
	p.UserID = userID
	var qty, avgEUR, avgCCY, createdAt, updatedAt string
	if err := row.Scan(&p.Symbol, &p.AssetClass, &p.Market, &p.Currency, &qty, &avgEUR, &avgCCY, &p.DisplayName, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Qty, _ = decimal.NewFromString(qty)
	p.AvgCostEUR, _ = decimal.NewFromString(avgEUR)
	p.AvgCostCCY, _ = decimal.NewFromString(avgCCY)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListPositions returns all positions held by userID.
func (s *Store) ListPositions(ctx context.Context, userID int64) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, asset_class, market, currency, qty, avg_cost_eur, avg_cost_ccy, display_name, created_at, updated_at
		FROM positions WHERE user_id=? ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		p.UserID = userID
		var qty, avgEUR, avgCCY, createdAt, updatedAt string
		if err := rows.Scan(&p.Symbol, &p.AssetClass, &p.Market, &p.Currency, &qty, &avgEUR, &avgCCY, &p.DisplayName, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Qty, _ = decimal.NewFromString(qty)
		p.AvgCostEUR, _ = decimal.NewFromString(avgEUR)
		p.AvgCostCCY, _ = decimal.NewFromString(avgCCY)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPosition creates or replaces a position row. Qty must be > 0;
// callers delete via DeletePosition instead of upserting a zero quantity.
func (s *Store) UpsertPosition(ctx context.Context, p models.Position) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if existing, err := s.GetPosition(ctx, p.UserID, p.Symbol); err == nil {
		createdAt = existing.CreatedAt.Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (user_id, symbol, asset_class, market, currency, qty, avg_cost_eur, avg_cost_ccy, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			asset_class=excluded.asset_class, market=excluded.market, currency=excluded.currency,
			qty=excluded.qty, avg_cost_eur=excluded.avg_cost_eur, avg_cost_ccy=excluded.avg_cost_ccy,
			display_name=excluded.display_name, updated_at=excluded.updated_at
	`, p.UserID, p.Symbol, string(p.AssetClass), p.Market, p.Currency,
		p.Qty.String(), p.AvgCostEUR.String(), p.AvgCostCCY.String(), p.DisplayName, createdAt, now)
	return err
}

// DeletePosition removes a position row entirely.
func (s *Store) DeletePosition(ctx context.Context, userID int64, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE user_id=? AND symbol=?`, userID, symbol)
	return err
}

// GetCash returns a user's cash balance, defaulting to zero if no row exists yet.
func (s *Store) GetCash(ctx context.Context, userID int64) (decimal.Decimal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT amount_eur FROM cash_balances WHERE user_id=?`, userID)
	var amt string
	if err := row.Scan(&amt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(amt)
	return d, nil
}

// SetCash writes a user's cash balance.
func (s *Store) SetCash(ctx context.Context, userID int64, amount decimal.Decimal) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_balances (user_id, amount_eur, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET amount_eur=excluded.amount_eur, updated_at=excluded.updated_at
	`, userID, amount.String(), now)
	return err
}

// AppendTransaction inserts a new append-only ledger row and returns its tx_id.
func (s *Store) AppendTransaction(ctx context.Context, tx models.Transaction) (int64, error) {
	var opID any
	if tx.OpID != "" {
		opID = tx.OpID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (user_id, op_id, ts, type, symbol, asset_class, qty, price_eur, amount_eur, cash_delta_eur, fees_eur, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.UserID, opID, tx.Timestamp.UTC().Format(time.RFC3339Nano), string(tx.Type), tx.Symbol, string(tx.AssetClass),
		tx.Qty.String(), tx.PriceEUR.String(), tx.AmountEUR.String(), tx.CashDeltaEUR.String(), tx.FeesEUR.String(), tx.Note)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransactions returns the most recent limit transactions for userID,
// most-recent-first by (ts DESC, tx_id DESC).
func (s *Store) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, op_id, ts, type, symbol, asset_class, qty, price_eur, amount_eur, cash_delta_eur, fees_eur, note
		FROM transactions WHERE user_id=? ORDER BY ts DESC, tx_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		t.UserID = userID
		var opID sql.NullString
		var ts, qty, price, amount, cashDelta, fees string
		if err := rows.Scan(&t.TxID, &opID, &ts, &t.Type, &t.Symbol, &t.AssetClass, &qty, &price, &amount, &cashDelta, &fees, &t.Note); err != nil {
			return nil, err
		}
		t.OpID = opID.String
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		t.Qty, _ = decimal.NewFromString(qty)
		t.PriceEUR, _ = decimal.NewFromString(price)
		t.AmountEUR, _ = decimal.NewFromString(amount)
		t.CashDeltaEUR, _ = decimal.NewFromString(cashDelta)
		t.FeesEUR, _ = decimal.NewFromString(fees)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetOperation returns the cached JSON result for (userID, opID), if any.
func (s *Store) GetOperation(ctx context.Context, userID int64, opID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT result_json FROM operations WHERE user_id=? AND op_id=?`, userID, opID)
	var j string
	if err := row.Scan(&j); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return j, true, nil
}

// RecordOperation persists the serialized result of a mutation for replay.
func (s *Store) RecordOperation(ctx context.Context, userID int64, opID string, resultJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (user_id, op_id, result_json, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, op_id) DO NOTHING
	`, userID, opID, resultJSON, now)
	return err
}

// GetAllocationTarget returns a user's allocation target, or the default
// even split (34/33/33) if unset.
func (s *Store) GetAllocationTarget(ctx context.Context, userID int64) (models.AllocationTarget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT stock_pct, etf_pct, crypto_pct, updated_at FROM allocation_targets WHERE user_id=?`, userID)
	var t models.AllocationTarget
	t.UserID = userID
	var updatedAt string
	if err := row.Scan(&t.StockPct, &t.ETFPct, &t.CryptoPct, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AllocationTarget{UserID: userID, StockPct: 34, ETFPct: 33, CryptoPct: 33}, nil
		}
		return t, err
	}
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return t, nil
}

// SetAllocationTarget writes a user's allocation target.
func (s *Store) SetAllocationTarget(ctx context.Context, t models.AllocationTarget) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocation_targets (user_id, stock_pct, etf_pct, crypto_pct, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET stock_pct=excluded.stock_pct, etf_pct=excluded.etf_pct,
			crypto_pct=excluded.crypto_pct, updated_at=excluded.updated_at
	`, t.UserID, t.StockPct, t.ETFPct, t.CryptoPct, now)
	return err
}

// GetSnapshot returns the snapshot for (userID, date), or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, userID int64, date string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value_eur, net_external_flow_eur, daily_return FROM snapshots WHERE user_id=? AND date=?`, userID, date)
	var valueEUR, flowEUR string
	var dailyReturn sql.NullString
	if err := row.Scan(&valueEUR, &flowEUR, &dailyReturn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snap := &models.Snapshot{UserID: userID, Date: date}
	snap.ValueEUR, _ = decimal.NewFromString(valueEUR)
	snap.NetExternalFlowEUR, _ = decimal.NewFromString(flowEUR)
	if dailyReturn.Valid {
		d, _ := decimal.NewFromString(dailyReturn.String)
		snap.DailyReturn = &d
	}
	return snap, nil
}

// UpsertSnapshot writes today's snapshot, replacing any existing row for the same date.
func (s *Store) UpsertSnapshot(ctx context.Context, snap models.Snapshot) error {
	var dailyReturn any
	if snap.DailyReturn != nil {
		dailyReturn = snap.DailyReturn.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (user_id, date, value_eur, net_external_flow_eur, daily_return) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET value_eur=excluded.value_eur,
			net_external_flow_eur=excluded.net_external_flow_eur, daily_return=excluded.daily_return
	`, snap.UserID, snap.Date, snap.ValueEUR.String(), snap.NetExternalFlowEUR.String(), dailyReturn)
	return err
}

// ListSnapshotsRange returns snapshots for userID between from and to
// (inclusive, YYYY-MM-DD), ordered ascending by date.
func (s *Store) ListSnapshotsRange(ctx context.Context, userID int64, from, to string) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, value_eur, net_external_flow_eur, daily_return FROM snapshots
		WHERE user_id=? AND date BETWEEN ? AND ? ORDER BY date ASC`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		snap.UserID = userID
		var valueEUR, flowEUR string
		var dailyReturn sql.NullString
		if err := rows.Scan(&snap.Date, &valueEUR, &flowEUR, &dailyReturn); err != nil {
			return nil, err
		}
		snap.ValueEUR, _ = decimal.NewFromString(valueEUR)
		snap.NetExternalFlowEUR, _ = decimal.NewFromString(flowEUR)
		if dailyReturn.Valid {
			d, _ := decimal.NewFromString(dailyReturn.String)
			snap.DailyReturn = &d
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PreviousSnapshot returns the most recent snapshot strictly before date, if any.
func (s *Store) PreviousSnapshot(ctx context.Context, userID int64, date string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT date, value_eur, net_external_flow_eur, daily_return FROM snapshots
		WHERE user_id=? AND date < ? ORDER BY date DESC LIMIT 1`, userID, date)
	var snap models.Snapshot
	snap.UserID = userID
	var valueEUR, flowEUR string
	var dailyReturn sql.NullString
	if err := row.Scan(&snap.Date, &valueEUR, &flowEUR, &dailyReturn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snap.ValueEUR, _ = decimal.NewFromString(valueEUR)
	snap.NetExternalFlowEUR, _ = decimal.NewFromString(flowEUR)
	if dailyReturn.Valid {
		d, _ := decimal.NewFromString(dailyReturn.String)
		snap.DailyReturn = &d
	}
	return &snap, nil
}

// PruneSnapshotsOlderThan deletes snapshot rows older than cutoff (YYYY-MM-DD)
// for the given user, or for all users when userID is nil.
func (s *Store) PruneSnapshotsOlderThan(ctx context.Context, userID *int64, cutoff string) (int64, error) {
	var res sql.Result
	var err error
	if userID != nil {
		res, err = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id=? AND date < ?`, *userID, cutoff)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE date < ?`, cutoff)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AllUserIDs returns every distinct user id known to the ledger (from
// users, positions, cash, or prior snapshots), for admin batch operations.
func (s *Store) AllUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users UNION SELECT user_id FROM positions UNION SELECT user_id FROM cash_balances UNION SELECT user_id FROM snapshots ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
