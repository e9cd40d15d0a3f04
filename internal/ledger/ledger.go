// Package ledger defines the durable trade-ledger collaborator: which
// positions should exist, their exit records, and the trading-halt flag.
// The halt record lives apart from the trade table so it can be read before
// any broker connection exists.
package ledger

import (
	"context"
	"errors"
	"time"

	"options-systemv1/internal/model"
)

// ErrAlreadyClosed is returned by CloseTrade when the trade already has an
// exit recorded. Exit fields are written exactly once.
var ErrAlreadyClosed = errors.New("ledger: trade already closed")

// Store is the ledger/datastore collaborator.
type Store interface {
	// InsertTrade persists a new trade and fills in its ID.
	InsertTrade(ctx context.Context, t *model.Trade) error
	// OpenTrades returns all trades with no exit recorded.
	OpenTrades(ctx context.Context) ([]model.Trade, error)
	// CloseTrade atomically records the exit fields for an open trade.
	// Returns ErrAlreadyClosed if an exit is already recorded.
	CloseTrade(ctx context.Context, id int64, exit model.TradeExit) error

	// SetExitOrder marks a close order in flight for the trade.
	SetExitOrder(ctx context.Context, id int64, orderID, reason string) error
	// ClearExitOrder removes the in-flight close order markers.
	ClearExitOrder(ctx context.Context, id int64) error
	// PendingExits returns open trades with a close order id set — the
	// ambiguous set a restart must reconcile against broker order state.
	PendingExits(ctx context.Context) ([]model.Trade, error)

	// TradesClosedSince returns trades whose exit date is at or after t.
	TradesClosedSince(ctx context.Context, t time.Time) ([]model.Trade, error)

	// HaltRecord reads the durable halt state. A missing record reads as
	// not halted.
	HaltRecord(ctx context.Context) (model.HaltRecord, error)
	// SetHaltRecord durably replaces the halt state.
	SetHaltRecord(ctx context.Context, rec model.HaltRecord) error
}
