// Package sqlite implements the trade ledger on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed ledger.Store.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the ledger database with WAL mode and a
// single-writer connection pool.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[ledger] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol            TEXT    NOT NULL,
			strike            INTEGER NOT NULL,
			expiry            TEXT    NOT NULL,
			opt_right         TEXT    NOT NULL,
			contracts         INTEGER NOT NULL,
			entry_premium     INTEGER NOT NULL,
			entry_date        INTEGER NOT NULL,
			underlying_entry  INTEGER NOT NULL DEFAULT 0,
			sector            TEXT    NOT NULL DEFAULT '',
			exit_date         INTEGER,
			exit_premium      INTEGER,
			exit_reason       TEXT,
			realized_pnl      INTEGER,
			exit_order_id     TEXT    NOT NULL DEFAULT '',
			exit_order_reason TEXT    NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_trades_open ON trades (exit_date) WHERE exit_date IS NULL;

		CREATE TABLE IF NOT EXISTS halt_state (
			id     INTEGER PRIMARY KEY CHECK (id = 1),
			halted INTEGER NOT NULL,
			reason TEXT    NOT NULL,
			ts     INTEGER NOT NULL
		);
	`)
	return err
}

const tradeColumns = `id, symbol, strike, expiry, opt_right, contracts,
	entry_premium, entry_date, underlying_entry, sector,
	exit_date, exit_premium, exit_reason, realized_pnl,
	exit_order_id, exit_order_reason`

// InsertTrade persists a new trade and fills in its ID.
func (s *Store) InsertTrade(ctx context.Context, t *model.Trade) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, strike, expiry, opt_right, contracts,
			entry_premium, entry_date, underlying_entry, sector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Strike, t.Expiry, t.Right, t.Contracts,
		t.EntryPremium, t.EntryDate.Unix(), t.UnderlyingEntry, t.Sector,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert trade id: %w", err)
	}
	t.ID = id
	return nil
}

// OpenTrades returns all trades with no exit recorded.
func (s *Store) OpenTrades(ctx context.Context) ([]model.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE exit_date IS NULL ORDER BY id`)
}

// PendingExits returns open trades with a close order id set.
func (s *Store) PendingExits(ctx context.Context) ([]model.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE exit_date IS NULL AND exit_order_id != '' ORDER BY id`)
}

// TradesClosedSince returns trades whose exit date is at or after t.
func (s *Store) TradesClosedSince(ctx context.Context, t time.Time) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE exit_date IS NOT NULL AND exit_date >= ? ORDER BY id`,
		t.Unix())
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var entryDate int64
		var exitDate, exitPremium, realizedPnL sql.NullInt64
		var exitReason sql.NullString
		err := rows.Scan(&t.ID, &t.Symbol, &t.Strike, &t.Expiry, &t.Right, &t.Contracts,
			&t.EntryPremium, &entryDate, &t.UnderlyingEntry, &t.Sector,
			&exitDate, &exitPremium, &exitReason, &realizedPnL,
			&t.ExitOrderID, &t.ExitOrderReason)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.EntryDate = time.Unix(entryDate, 0).UTC()
		if exitDate.Valid {
			ed := time.Unix(exitDate.Int64, 0).UTC()
			t.ExitDate = &ed
		}
		if exitPremium.Valid {
			v := exitPremium.Int64
			t.ExitPremium = &v
		}
		if exitReason.Valid {
			v := exitReason.String
			t.ExitReason = &v
		}
		if realizedPnL.Valid {
			v := realizedPnL.Int64
			t.RealizedPnL = &v
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CloseTrade atomically records the exit fields for an open trade. The guard
// on exit_date IS NULL makes the write exactly-once: a second close of the
// same trade returns ledger.ErrAlreadyClosed.
func (s *Store) CloseTrade(ctx context.Context, id int64, exit model.TradeExit) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET exit_date = ?, exit_premium = ?, exit_reason = ?, realized_pnl = ?,
		    exit_order_id = '', exit_order_reason = ''
		WHERE id = ? AND exit_date IS NULL`,
		exit.Date.Unix(), exit.Premium, exit.Reason, exit.RealizedPnL, id,
	)
	if err != nil {
		return fmt.Errorf("close trade %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close trade %d: %w", id, err)
	}
	if n == 0 {
		return ledger.ErrAlreadyClosed
	}
	return nil
}

// SetExitOrder marks a close order in flight for the trade.
func (s *Store) SetExitOrder(ctx context.Context, id int64, orderID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trades SET exit_order_id = ?, exit_order_reason = ? WHERE id = ?`,
		orderID, reason, id)
	if err != nil {
		return fmt.Errorf("set exit order %d: %w", id, err)
	}
	return nil
}

// ClearExitOrder removes the in-flight close order markers.
func (s *Store) ClearExitOrder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trades SET exit_order_id = '', exit_order_reason = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear exit order %d: %w", id, err)
	}
	return nil
}

// HaltRecord reads the durable halt state. A missing row reads as not halted.
func (s *Store) HaltRecord(ctx context.Context) (model.HaltRecord, error) {
	var rec model.HaltRecord
	var halted int64
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT halted, reason, ts FROM halt_state WHERE id = 1`,
	).Scan(&halted, &rec.Reason, &ts)
	if err == sql.ErrNoRows {
		return model.HaltRecord{}, nil
	}
	if err != nil {
		return model.HaltRecord{}, fmt.Errorf("read halt record: %w", err)
	}
	rec.Halted = halted != 0
	rec.Timestamp = time.Unix(ts, 0).UTC()
	return rec, nil
}

// SetHaltRecord durably replaces the halt state.
func (s *Store) SetHaltRecord(ctx context.Context, rec model.HaltRecord) error {
	halted := 0
	if rec.Halted {
		halted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO halt_state (id, halted, reason, ts) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET halted = excluded.halted, reason = excluded.reason, ts = excluded.ts`,
		halted, rec.Reason, rec.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("write halt record: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
