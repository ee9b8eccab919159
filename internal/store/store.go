// Package store provides the crash-safe sqlite record of daemon state:
// lockouts, daily P&L, trade history, position and order snapshots,
// contract metadata, the enforcement log, and session bookkeeping.
//
// The database runs in WAL mode with synchronous(FULL) so that lockouts,
// trades and enforcement records survive power loss. Writes are small and
// frequent; a single connection with serialized writes is sufficient.
// On startup each tracker rebuilds its in-memory state from here; the
// store is authoritative after a crash.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"riskd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS lockouts (
	account_id INTEGER PRIMARY KEY,
	reason     TEXT NOT NULL,
	rule_id    TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	locked_at  INTEGER NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS daily_pnl (
	account_id   INTEGER NOT NULL,
	date         TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	PRIMARY KEY (account_id, date)
);
CREATE TABLE IF NOT EXISTS trade_history (
	id          TEXT PRIMARY KEY,
	account_id  INTEGER NOT NULL,
	contract_id TEXT NOT NULL,
	order_id    TEXT NOT NULL,
	side        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	price       TEXT NOT NULL,
	pnl         TEXT,
	fees        TEXT NOT NULL,
	voided      INTEGER NOT NULL DEFAULT 0,
	ts          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_history_archive (
	id          TEXT PRIMARY KEY,
	account_id  INTEGER NOT NULL,
	contract_id TEXT NOT NULL,
	order_id    TEXT NOT NULL,
	side        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	price       TEXT NOT NULL,
	pnl         TEXT,
	fees        TEXT NOT NULL,
	voided      INTEGER NOT NULL DEFAULT 0,
	ts          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id            TEXT PRIMARY KEY,
	account_id    INTEGER NOT NULL,
	contract_id   TEXT NOT NULL,
	side          INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	average_price TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	account_id  INTEGER NOT NULL,
	contract_id TEXT NOT NULL,
	type        INTEGER NOT NULL,
	side        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	limit_price TEXT,
	stop_price  TEXT,
	status      INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS contract_cache (
	contract_id  TEXT PRIMARY KEY,
	symbol_id    TEXT NOT NULL,
	tick_size    TEXT NOT NULL,
	tick_value   TEXT NOT NULL,
	display_name TEXT NOT NULL,
	cached_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS enforcement_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	account_id   INTEGER NOT NULL,
	rule_id      TEXT NOT NULL,
	action       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '{}',
	success      INTEGER NOT NULL,
	execution_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_state (
	account_id    INTEGER PRIMARY KEY,
	session_start INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reset_schedule (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	hour   INTEGER NOT NULL,
	minute INTEGER NOT NULL,
	zone   TEXT NOT NULL,
	last_reset_date TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pnl_account_date   ON daily_pnl (account_id, date);
CREATE INDEX IF NOT EXISTS idx_trades_account_ts  ON trade_history (account_id, ts);
CREATE INDEX IF NOT EXISTS idx_contract_symbol    ON contract_cache (contract_id, symbol_id);
CREATE INDEX IF NOT EXISTS idx_orders_account     ON orders (account_id, status);
CREATE INDEX IF NOT EXISTS idx_enforce_account_ts ON enforcement_log (account_id, ts);
`

// Store wraps the sqlite connection. All write methods serialize on an
// internal mutex; sqlite itself serializes at the file level but the
// mutex keeps multi-statement writes atomic without open transactions
// leaking between components.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Single writer; sqlite handles one write txn at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Lockouts

// SaveLockout upserts the single lockout slot for an account.
func (s *Store) SaveLockout(l types.Lockout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp *int64
	if l.Until != nil {
		v := millis(*l.Until)
		exp = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO lockouts (account_id, reason, rule_id, kind, locked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			reason = excluded.reason,
			rule_id = excluded.rule_id,
			kind = excluded.kind,
			locked_at = excluded.locked_at,
			expires_at = excluded.expires_at`,
		int64(l.AccountID), l.Reason, l.RuleID, int(l.Kind), millis(l.LockedAt), exp)
	if err != nil {
		return fmt.Errorf("save lockout: %w", err)
	}
	return nil
}

// DeleteLockout removes the lockout row for an account.
func (s *Store) DeleteLockout(account types.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM lockouts WHERE account_id = ?`, int64(account)); err != nil {
		return fmt.Errorf("delete lockout: %w", err)
	}
	return nil
}

// LoadLockouts returns all persisted lockouts that are still active at
// now. Expired rows are filtered out (and left for the sweep to purge).
func (s *Store) LoadLockouts(now time.Time) ([]types.Lockout, error) {
	rows, err := s.db.Query(`SELECT account_id, reason, rule_id, kind, locked_at, expires_at FROM lockouts`)
	if err != nil {
		return nil, fmt.Errorf("load lockouts: %w", err)
	}
	defer rows.Close()

	var out []types.Lockout
	for rows.Next() {
		var (
			acct, kind, lockedAt int64
			reason, ruleID       string
			exp                  sql.NullInt64
		)
		if err := rows.Scan(&acct, &reason, &ruleID, &kind, &lockedAt, &exp); err != nil {
			return nil, fmt.Errorf("scan lockout: %w", err)
		}
		l := types.Lockout{
			AccountID: types.AccountID(acct),
			Reason:    reason,
			RuleID:    ruleID,
			Kind:      types.LockoutKind(kind),
			LockedAt:  fromMillis(lockedAt),
		}
		if exp.Valid {
			t := fromMillis(exp.Int64)
			l.Until = &t
		}
		if l.Active(now) {
			out = append(out, l)
		}
	}
	return out, rows.Err()
}

// Daily P&L

// SaveDailyPnL upserts the realized running total for (account, date).
func (s *Store) SaveDailyPnL(account types.AccountID, date string, realized decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO daily_pnl (account_id, date, realized_pnl) VALUES (?, ?, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET realized_pnl = excluded.realized_pnl`,
		int64(account), date, realized.String())
	if err != nil {
		return fmt.Errorf("save daily pnl: %w", err)
	}
	return nil
}

// LoadDailyPnL returns the realized total for (account, date), zero when
// no row exists.
func (s *Store) LoadDailyPnL(account types.AccountID, date string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRow(`SELECT realized_pnl FROM daily_pnl WHERE account_id = ? AND date = ?`,
		int64(account), date).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load daily pnl: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse daily pnl %q: %w", raw, err)
	}
	return d, nil
}

// Trades

// InsertTrade records a fill. Trades are immutable; re-inserting the
// same id is a no-op so event redelivery stays idempotent.
func (s *Store) InsertTrade(t types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pnl *string
	if t.PnL != nil {
		v := t.PnL.String()
		pnl = &v
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trade_history
			(id, account_id, contract_id, order_id, side, size, price, pnl, fees, voided, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, int64(t.AccountID), t.ContractID, t.OrderID, int(t.Side), t.Size,
		t.Price.String(), pnl, t.Fees.String(), boolInt(t.Voided), millis(t.Ts))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// LoadTrades returns an account's trades at or after since, oldest first.
func (s *Store) LoadTrades(account types.AccountID, since time.Time) ([]types.Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, contract_id, order_id, side, size, price, pnl, fees, voided, ts
		FROM trade_history WHERE account_id = ? AND ts >= ? ORDER BY ts ASC`,
		int64(account), millis(since))
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var (
			t          types.Trade
			acct, side int64
			voided, ts int64
			price, fee string
			pnl        sql.NullString
		)
		if err := rows.Scan(&t.ID, &acct, &t.ContractID, &t.OrderID, &side, &t.Size,
			&price, &pnl, &fee, &voided, &ts); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.AccountID = types.AccountID(acct)
		t.Side = types.OrderSide(side)
		t.Voided = voided != 0
		t.Ts = fromMillis(ts)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		if t.Fees, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("parse trade fees: %w", err)
		}
		if pnl.Valid {
			d, err := decimal.NewFromString(pnl.String)
			if err != nil {
				return nil, fmt.Errorf("parse trade pnl: %w", err)
			}
			t.PnL = &d
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveOldTrades moves trade_history rows older than cutoff into the
// archive table. Run on startup; keeps the hot table at <= 7 days.
func (s *Store) ArchiveOldTrades(cutoff time.Time) (int64, error) {
	var moved int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO trade_history_archive
			SELECT * FROM trade_history WHERE ts < ?`, millis(cutoff))
		if err != nil {
			return fmt.Errorf("copy to archive: %w", err)
		}
		moved, _ = res.RowsAffected()
		if _, err := tx.Exec(`DELETE FROM trade_history WHERE ts < ?`, millis(cutoff)); err != nil {
			return fmt.Errorf("prune trades: %w", err)
		}
		return nil
	})
	return moved, err
}

// Positions

// SavePosition upserts a position snapshot row.
func (s *Store) SavePosition(p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO positions (id, account_id, contract_id, side, size, average_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			average_price = excluded.average_price`,
		p.ID, int64(p.AccountID), p.ContractID, int(p.Side), p.Size,
		p.AveragePrice.String(), millis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position's row.
func (s *Store) DeletePosition(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// LoadPositions returns all persisted open positions.
func (s *Store) LoadPositions() ([]types.Position, error) {
	rows, err := s.db.Query(`SELECT id, account_id, contract_id, side, size, average_price, created_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var (
			p                     types.Position
			acct, side, createdAt int64
			avg                   string
		)
		if err := rows.Scan(&p.ID, &acct, &p.ContractID, &side, &p.Size, &avg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.AccountID = types.AccountID(acct)
		p.Side = types.PositionSide(side)
		p.CreatedAt = fromMillis(createdAt)
		if p.AveragePrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("parse average price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Orders

// SaveOrder upserts a working order row.
func (s *Store) SaveOrder(o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO orders (id, account_id, contract_id, type, side, size, limit_price, stop_price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			size = excluded.size,
			limit_price = excluded.limit_price,
			stop_price = excluded.stop_price,
			status = excluded.status`,
		o.ID, int64(o.AccountID), o.ContractID, int(o.Type), int(o.Side), o.Size,
		o.LimitPrice.String(), o.StopPrice.String(), int(o.Status), millis(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// DeleteOrder removes a terminal order's row.
func (s *Store) DeleteOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// LoadOrders returns all persisted working orders.
func (s *Store) LoadOrders() ([]types.Order, error) {
	rows, err := s.db.Query(`SELECT id, account_id, contract_id, type, side, size, limit_price, stop_price, status, created_at FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var (
			o                                 types.Order
			acct, typ, side, status, createdAt int64
			limitP, stopP                     sql.NullString
		)
		if err := rows.Scan(&o.ID, &acct, &o.ContractID, &typ, &side, &o.Size, &limitP, &stopP, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.AccountID = types.AccountID(acct)
		o.Type = types.OrderType(typ)
		o.Side = types.OrderSide(side)
		o.Status = types.OrderStatus(status)
		o.CreatedAt = fromMillis(createdAt)
		if limitP.Valid && limitP.String != "" {
			if o.LimitPrice, err = decimal.NewFromString(limitP.String); err != nil {
				return nil, fmt.Errorf("parse limit price: %w", err)
			}
		}
		if stopP.Valid && stopP.String != "" {
			if o.StopPrice, err = decimal.NewFromString(stopP.String); err != nil {
				return nil, fmt.Errorf("parse stop price: %w", err)
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Contract cache

// SaveContract write-through persists contract metadata.
func (s *Store) SaveContract(c types.Contract, cachedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO contract_cache (contract_id, symbol_id, tick_size, tick_value, display_name, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(contract_id) DO UPDATE SET
			symbol_id = excluded.symbol_id,
			tick_size = excluded.tick_size,
			tick_value = excluded.tick_value,
			display_name = excluded.display_name,
			cached_at = excluded.cached_at`,
		c.ID, c.SymbolID, c.TickSize.String(), c.TickValue.String(), c.DisplayName, millis(cachedAt))
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}

// LoadContracts returns up to limit cached contracts, most recent first.
func (s *Store) LoadContracts(limit int) ([]types.Contract, []time.Time, error) {
	rows, err := s.db.Query(`
		SELECT contract_id, symbol_id, tick_size, tick_value, display_name, cached_at
		FROM contract_cache ORDER BY cached_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("load contracts: %w", err)
	}
	defer rows.Close()

	var (
		contracts []types.Contract
		cachedAts []time.Time
	)
	for rows.Next() {
		var (
			c                  types.Contract
			tickSize, tickVal  string
			cachedAt           int64
		)
		if err := rows.Scan(&c.ID, &c.SymbolID, &tickSize, &tickVal, &c.DisplayName, &cachedAt); err != nil {
			return nil, nil, fmt.Errorf("scan contract: %w", err)
		}
		if c.TickSize, err = decimal.NewFromString(tickSize); err != nil {
			return nil, nil, fmt.Errorf("parse tick size: %w", err)
		}
		if c.TickValue, err = decimal.NewFromString(tickVal); err != nil {
			return nil, nil, fmt.Errorf("parse tick value: %w", err)
		}
		contracts = append(contracts, c)
		cachedAts = append(cachedAts, fromMillis(cachedAt))
	}
	return contracts, cachedAts, rows.Err()
}

// Enforcement log

// AppendEnforcement appends one record and returns its row id. The log
// is append-only; nothing updates or deletes rows.
func (s *Store) AppendEnforcement(r types.EnforcementRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO enforcement_log (ts, account_id, rule_id, action, reason, details_json, success, execution_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(r.Ts), int64(r.AccountID), r.RuleID, r.Action, r.Reason, r.Details,
		boolInt(r.Success), r.ExecutionMs)
	if err != nil {
		return 0, fmt.Errorf("append enforcement: %w", err)
	}
	return res.LastInsertId()
}

// RecentEnforcements returns the newest records, most recent first.
func (s *Store) RecentEnforcements(limit int) ([]types.EnforcementRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, account_id, rule_id, action, reason, details_json, success, execution_ms
		FROM enforcement_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent enforcements: %w", err)
	}
	defer rows.Close()

	var out []types.EnforcementRecord
	for rows.Next() {
		var (
			r             types.EnforcementRecord
			ts, acct, suc int64
		)
		if err := rows.Scan(&r.ID, &ts, &acct, &r.RuleID, &r.Action, &r.Reason, &r.Details, &suc, &r.ExecutionMs); err != nil {
			return nil, fmt.Errorf("scan enforcement: %w", err)
		}
		r.Ts = fromMillis(ts)
		r.AccountID = types.AccountID(acct)
		r.Success = suc != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session state

// SaveSessionStart stamps the start of the current session for an account.
func (s *Store) SaveSessionStart(account types.AccountID, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_state (account_id, session_start) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET session_start = excluded.session_start`,
		int64(account), millis(start))
	if err != nil {
		return fmt.Errorf("save session start: %w", err)
	}
	return nil
}

// LoadSessionStart returns the stored session start, or zero time if the
// account has never had a session stamped.
func (s *Store) LoadSessionStart(account types.AccountID) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(`SELECT session_start FROM session_state WHERE account_id = ?`,
		int64(account)).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load session start: %w", err)
	}
	return fromMillis(ms), nil
}

// Reset schedule

// SaveLastResetDate records the calendar date (in the scheduler's zone)
// of the most recent fired reset, for the at-most-once-per-date guard.
func (s *Store) SaveLastResetDate(hour, minute int, zone, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO reset_schedule (id, hour, minute, zone, last_reset_date) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hour = excluded.hour,
			minute = excluded.minute,
			zone = excluded.zone,
			last_reset_date = excluded.last_reset_date`,
		hour, minute, zone, date)
	if err != nil {
		return fmt.Errorf("save reset schedule: %w", err)
	}
	return nil
}

// LoadLastResetDate returns the persisted last fired date, empty when the
// scheduler has never fired.
func (s *Store) LoadLastResetDate() (string, error) {
	var date string
	err := s.db.QueryRow(`SELECT last_reset_date FROM reset_schedule WHERE id = 1`).Scan(&date)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load reset schedule: %w", err)
	}
	return date, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
