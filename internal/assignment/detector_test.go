package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/model"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	open   []model.Trade
	recent []model.Trade

	openErr  error
	closeErr error

	closes []model.TradeExit
}

func (f *fakeStore) InsertTrade(ctx context.Context, t *model.Trade) error { return nil }

func (f *fakeStore) OpenTrades(ctx context.Context) ([]model.Trade, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.open, nil
}

func (f *fakeStore) PendingExits(ctx context.Context) ([]model.Trade, error) { return nil, nil }

func (f *fakeStore) TradesClosedSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	return f.recent, nil
}

func (f *fakeStore) CloseTrade(ctx context.Context, id int64, exit model.TradeExit) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closes = append(f.closes, exit)
	for i := range f.open {
		if f.open[i].ID == id {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) SetExitOrder(ctx context.Context, id int64, orderID, reason string) error {
	return nil
}
func (f *fakeStore) ClearExitOrder(ctx context.Context, id int64) error { return nil }
func (f *fakeStore) HaltRecord(ctx context.Context) (model.HaltRecord, error) {
	return model.HaltRecord{}, nil
}
func (f *fakeStore) SetHaltRecord(ctx context.Context, rec model.HaltRecord) error { return nil }

type fakeGateway struct {
	broker.Gateway // panic on anything not overridden

	positions    []broker.Position
	positionsErr error

	stockQuotes map[string]broker.Quote
}

func (f *fakeGateway) Positions(ctx context.Context) ([]broker.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeGateway) StockQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	q, ok := f.stockQuotes[symbol]
	if !ok {
		return broker.Quote{}, errors.New("no quote")
	}
	return q, nil
}

func putTrade(id int64, symbol string, strike, contracts, premium int64) model.Trade {
	return model.Trade{
		ID: id, Symbol: symbol, Strike: strike, Expiry: "2026-09-18", Right: model.RightPut,
		Contracts: contracts, EntryPremium: premium,
		EntryDate: testNow.AddDate(0, 0, -20),
	}
}

func stockLot(symbol string, qty, avgCost int64) broker.Position {
	return broker.Position{Symbol: symbol, SecType: broker.SecTypeStock, Qty: qty, AvgCost: avgCost}
}

func newTestDetector(store *fakeStore, gw *fakeGateway) *Detector {
	d := New(store, gw)
	d.now = func() time.Time { return testNow }
	return d
}

func TestScanClosesAssignedPutAtIntrinsic(t *testing.T) {
	store := &fakeStore{open: []model.Trade{putTrade(1, "AAPL", 18000, 2, 150)}}
	gw := &fakeGateway{
		positions: []broker.Position{stockLot("AAPL", 200, 18000)},
		stockQuotes: map[string]broker.Quote{
			"AAPL": {Bid: 16900, Ask: 17100}, // mid 170.00
		},
	}
	d := newTestDetector(store, gw)

	events := d.Scan(context.Background())
	if len(events) != 1 {
		t.Fatalf("expected 1 assignment event, got %d", len(events))
	}
	ev := events[0]
	if ev.Symbol != "AAPL" || ev.Shares != 200 || ev.TradeID != 1 {
		t.Errorf("event mismatch: %+v", ev)
	}
	// Intrinsic = strike 180.00 - underlying mid 170.00 = 10.00 per share.
	if ev.Intrinsic != 1000 {
		t.Errorf("intrinsic = %d, want 1000", ev.Intrinsic)
	}

	if len(store.closes) != 1 {
		t.Fatalf("expected exactly one close, got %d", len(store.closes))
	}
	exit := store.closes[0]
	if exit.Reason != model.ExitReasonAssigned || exit.Premium != 1000 {
		t.Errorf("close = %+v, want assigned at 1000", exit)
	}
	if exit.RealizedPnL != (150-1000)*2*100 {
		t.Errorf("realized pnl = %d, want -170000", exit.RealizedPnL)
	}
}

func TestScanDeduplicatesAcrossScans(t *testing.T) {
	store := &fakeStore{open: []model.Trade{putTrade(1, "AAPL", 18000, 2, 150)}}
	gw := &fakeGateway{positions: []broker.Position{stockLot("AAPL", 200, 17500)}}
	d := newTestDetector(store, gw)

	if got := d.Scan(context.Background()); len(got) != 1 {
		t.Fatalf("first scan: expected 1 event, got %d", len(got))
	}
	// The lot is still held on the next scan; it must not re-report.
	if got := d.Scan(context.Background()); len(got) != 0 {
		t.Fatalf("second scan: expected 0 events, got %d", len(got))
	}
	if len(store.closes) != 1 {
		t.Errorf("trade closed %d times, want 1", len(store.closes))
	}
}

func TestScanIgnoresNonCandidateLots(t *testing.T) {
	store := &fakeStore{open: []model.Trade{putTrade(1, "AAPL", 18000, 2, 150)}}
	gw := &fakeGateway{positions: []broker.Position{
		stockLot("AAPL", -200, 17500), // short stock
		stockLot("AAPL", 150, 17500),  // odd lot, not a contract multiple
		{Symbol: "AAPL", SecType: broker.SecTypeOption, Strike: 18000,
			Expiry: "2026-09-18", Right: model.RightPut, Qty: -2},
	}}
	d := newTestDetector(store, gw)

	if got := d.Scan(context.Background()); len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
	if len(store.closes) != 0 {
		t.Error("no trade should close")
	}
}

func TestScanMatchesRecentlyClosedWithoutReclosing(t *testing.T) {
	// Swept as expired on Friday, stock appears over the weekend.
	closed := putTrade(1, "AAPL", 18000, 2, 150)
	exitDate := testNow.Add(-24 * time.Hour)
	premium, reason := int64(0), model.ExitReasonExpired
	closed.ExitDate, closed.ExitPremium, closed.ExitReason = &exitDate, &premium, &reason

	store := &fakeStore{recent: []model.Trade{closed}}
	gw := &fakeGateway{positions: []broker.Position{stockLot("AAPL", 200, 17500)}}
	d := newTestDetector(store, gw)

	events := d.Scan(context.Background())
	if len(events) != 1 {
		t.Fatalf("expected 1 event for recently closed trade, got %d", len(events))
	}
	if events[0].TradeID != 1 {
		t.Errorf("wrong trade matched: %+v", events[0])
	}
	if len(store.closes) != 0 {
		t.Error("already-closed trade must not be closed again")
	}
}

func TestScanPrefersExactSizeMatch(t *testing.T) {
	store := &fakeStore{open: []model.Trade{
		putTrade(1, "AAPL", 17000, 5, 120), // 500 shares
		putTrade(2, "AAPL", 18000, 2, 150), // 200 shares — exact
	}}
	gw := &fakeGateway{positions: []broker.Position{stockLot("AAPL", 200, 17500)}}
	d := newTestDetector(store, gw)

	events := d.Scan(context.Background())
	if len(events) != 1 || events[0].TradeID != 2 {
		t.Fatalf("expected exact-size trade 2 to match, got %+v", events)
	}
}

func TestScanFloorsIntrinsicAtZero(t *testing.T) {
	store := &fakeStore{open: []model.Trade{putTrade(1, "AAPL", 18000, 2, 150)}}
	gw := &fakeGateway{
		positions:   []broker.Position{stockLot("AAPL", 200, 17500)},
		stockQuotes: map[string]broker.Quote{"AAPL": {Bid: 18900, Ask: 19100}},
	}
	d := newTestDetector(store, gw)

	events := d.Scan(context.Background())
	if len(events) != 1 || events[0].Intrinsic != 0 {
		t.Fatalf("underlying above strike must floor intrinsic at 0, got %+v", events)
	}
}

func TestScanFallsBackToLotCostWithoutQuote(t *testing.T) {
	store := &fakeStore{open: []model.Trade{putTrade(1, "AAPL", 18000, 2, 150)}}
	gw := &fakeGateway{positions: []broker.Position{stockLot("AAPL", 200, 17200)}}
	d := newTestDetector(store, gw)

	events := d.Scan(context.Background())
	if len(events) != 1 || events[0].Intrinsic != 800 {
		t.Fatalf("expected intrinsic from avg cost (800), got %+v", events)
	}
}

func TestScanFailuresYieldNoEvents(t *testing.T) {
	d := newTestDetector(&fakeStore{}, &fakeGateway{positionsErr: errors.New("gateway down")})
	if got := d.Scan(context.Background()); got != nil {
		t.Errorf("broker failure: expected nil, got %v", got)
	}

	d = newTestDetector(
		&fakeStore{openErr: errors.New("db locked")},
		&fakeGateway{positions: []broker.Position{stockLot("AAPL", 200, 17500)}},
	)
	if got := d.Scan(context.Background()); got != nil {
		t.Errorf("ledger failure: expected nil, got %v", got)
	}
}

func TestScanRetriesAfterCloseFailure(t *testing.T) {
	store := &fakeStore{
		open:     []model.Trade{putTrade(1, "AAPL", 18000, 2, 150)},
		closeErr: errors.New("db locked"),
	}
	gw := &fakeGateway{positions: []broker.Position{stockLot("AAPL", 200, 17500)}}
	d := newTestDetector(store, gw)

	if got := d.Scan(context.Background()); len(got) != 0 {
		t.Fatalf("failed close must not report an event, got %d", len(got))
	}

	// Store recovers: the lot was not marked seen, so the next scan finishes
	// the job.
	store.closeErr = nil
	events := d.Scan(context.Background())
	if len(events) != 1 {
		t.Fatalf("expected event after recovery, got %d", len(events))
	}
	if len(store.closes) != 1 || store.closes[0].Reason != model.ExitReasonAssigned {
		t.Errorf("trade not closed after recovery: %+v", store.closes)
	}
}
