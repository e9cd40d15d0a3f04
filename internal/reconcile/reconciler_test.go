package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"
)

// fakeStore is an in-memory ledger.Store.
type fakeStore struct {
	trades  []model.Trade
	nextID  int64
	halt    model.HaltRecord
	openErr error
}

func (f *fakeStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	f.nextID++
	t.ID = f.nextID
	f.trades = append(f.trades, *t)
	return nil
}

func (f *fakeStore) OpenTrades(ctx context.Context) ([]model.Trade, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	var open []model.Trade
	for _, t := range f.trades {
		if t.IsOpen() {
			open = append(open, t)
		}
	}
	return open, nil
}

func (f *fakeStore) PendingExits(ctx context.Context) ([]model.Trade, error) {
	var pending []model.Trade
	for _, t := range f.trades {
		if t.ExitPending() {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

func (f *fakeStore) TradesClosedSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	var closed []model.Trade
	for _, t := range f.trades {
		if t.ExitDate != nil && !t.ExitDate.Before(since) {
			closed = append(closed, t)
		}
	}
	return closed, nil
}

func (f *fakeStore) CloseTrade(ctx context.Context, id int64, exit model.TradeExit) error {
	for i := range f.trades {
		if f.trades[i].ID != id {
			continue
		}
		if f.trades[i].ExitDate != nil {
			return ledger.ErrAlreadyClosed
		}
		d := exit.Date
		p := exit.Premium
		r := exit.Reason
		pnl := exit.RealizedPnL
		f.trades[i].ExitDate = &d
		f.trades[i].ExitPremium = &p
		f.trades[i].ExitReason = &r
		f.trades[i].RealizedPnL = &pnl
		f.trades[i].ExitOrderID = ""
		f.trades[i].ExitOrderReason = ""
		return nil
	}
	return ledger.ErrAlreadyClosed
}

func (f *fakeStore) SetExitOrder(ctx context.Context, id int64, orderID, reason string) error {
	for i := range f.trades {
		if f.trades[i].ID == id {
			f.trades[i].ExitOrderID = orderID
			f.trades[i].ExitOrderReason = reason
		}
	}
	return nil
}

func (f *fakeStore) ClearExitOrder(ctx context.Context, id int64) error {
	for i := range f.trades {
		if f.trades[i].ID == id {
			f.trades[i].ExitOrderID = ""
			f.trades[i].ExitOrderReason = ""
		}
	}
	return nil
}

func (f *fakeStore) HaltRecord(ctx context.Context) (model.HaltRecord, error) { return f.halt, nil }

func (f *fakeStore) SetHaltRecord(ctx context.Context, rec model.HaltRecord) error {
	f.halt = rec
	return nil
}

// fakeGateway is a scripted broker.Gateway.
type fakeGateway struct {
	positions    []broker.Position
	positionsErr error

	optionQuotes map[string]broker.Quote
	optionErr    error
	stockQuotes  map[string]broker.Quote
	stockErr     error
}

func (f *fakeGateway) Positions(ctx context.Context) ([]broker.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeGateway) OptionQuote(ctx context.Context, key model.PositionKey) (broker.Quote, error) {
	if f.optionErr != nil {
		return broker.Quote{}, f.optionErr
	}
	return f.optionQuotes[key.String()], nil
}

func (f *fakeGateway) StockQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if f.stockErr != nil {
		return broker.Quote{}, f.stockErr
	}
	return f.stockQuotes[symbol], nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, ticket model.OrderTicket) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeGateway) OrderStatus(ctx context.Context, orderID string) (model.OrderState, error) {
	return model.OrderState{}, errors.New("not supported")
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID string) error {
	return errors.New("not supported")
}

func (f *fakeGateway) Summary(ctx context.Context) (broker.AccountSummary, error) {
	return broker.AccountSummary{}, errors.New("not supported")
}

func (f *fakeGateway) MarginImpact(ctx context.Context, ticket model.OrderTicket) (broker.MarginImpact, error) {
	return broker.MarginImpact{}, broker.ErrMarginEstimateUnavailable
}

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func openTrade(id int64, symbol string, strike, premium int64, expiry string) model.Trade {
	return model.Trade{
		ID: id, Symbol: symbol, Strike: strike, Expiry: expiry, Right: model.RightPut,
		Contracts: 1, EntryPremium: premium,
		EntryDate: testNow.AddDate(0, 0, -10), UnderlyingEntry: strike + 2000, Sector: "tech",
	}
}

func shortOption(t model.Trade) broker.Position {
	return broker.Position{
		Symbol: t.Symbol, SecType: broker.SecTypeOption,
		Strike: t.Strike, Expiry: t.Expiry, Right: t.Right, Qty: -t.Contracts,
	}
}

func newTestReconciler(store *fakeStore, gw *fakeGateway) *Reconciler {
	r := New(store, gw, Config{
		ProfitTarget:      0.50,
		StopLoss:          -2.0,
		ExpiryWarnDTE:     7,
		AssignmentRiskDTE: 3,
	})
	r.now = func() time.Time { return testNow }
	return r
}

func TestSnapshotPricingPreference(t *testing.T) {
	tr := openTrade(1, "AAPL", 18000, 100, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{
		positions: []broker.Position{shortOption(tr)},
		optionQuotes: map[string]broker.Quote{
			tr.Key().String(): {Bid: 60, Ask: 80, Last: 90},
		},
	}
	r := newTestReconciler(store, gw)

	positions, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	ps := positions[0]
	if ps.CurrentPremium != 70 { // midpoint beats last
		t.Errorf("expected midpoint 70, got %d", ps.CurrentPremium)
	}
	if ps.Stale {
		t.Error("live quote should not be stale")
	}
	if ps.PnL != (100-70)*1*100 {
		t.Errorf("pnl = %d, want 3000", ps.PnL)
	}
	if ps.PnLPct != 0.30 {
		t.Errorf("pnl pct = %v, want 0.30", ps.PnLPct)
	}
}

func TestSnapshotFallsBackToLast(t *testing.T) {
	tr := openTrade(1, "AAPL", 18000, 100, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{
		positions: []broker.Position{shortOption(tr)},
		optionQuotes: map[string]broker.Quote{
			tr.Key().String(): {Bid: 0, Ask: 80, Last: 90}, // one-sided book
		},
	}
	r := newTestReconciler(store, gw)

	positions, _ := r.Snapshot(context.Background())
	if positions[0].CurrentPremium != 90 || positions[0].Stale {
		t.Errorf("expected last 90 live, got %d stale=%v", positions[0].CurrentPremium, positions[0].Stale)
	}
}

func TestPositionMissingFromBrokerIsStaleNotDropped(t *testing.T) {
	tr := openTrade(1, "AAPL", 18000, 100, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{} // broker reports nothing
	r := newTestReconciler(store, gw)

	positions, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("ledger position must not be dropped, got %d", len(positions))
	}
	ps := positions[0]
	if !ps.Stale {
		t.Error("expected stale")
	}
	if ps.CurrentPremium != tr.EntryPremium {
		t.Errorf("stale position should price at entry premium, got %d", ps.CurrentPremium)
	}
	if ps.NearProfitTarget || ps.NearStopLoss {
		t.Error("proximity flags must be suppressed while stale")
	}
}

func TestQuoteFailureKeepsLastKnownEconomics(t *testing.T) {
	tr := openTrade(1, "AAPL", 18000, 100, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{
		positions: []broker.Position{shortOption(tr)},
		optionErr: errors.New("feed down"),
	}
	r := newTestReconciler(store, gw)

	positions, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot should tolerate per-quote failure: %v", err)
	}
	if !positions[0].Stale || positions[0].CurrentPremium != 100 {
		t.Errorf("expected stale at entry premium, got %+v", positions[0])
	}
}

func TestGetAllPositionsSwallowsBrokerFailure(t *testing.T) {
	tr := openTrade(1, "AAPL", 18000, 100, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{positionsErr: errors.New("gateway down")}
	r := newTestReconciler(store, gw)

	if _, err := r.Snapshot(context.Background()); err == nil {
		t.Error("Snapshot must surface broker failure")
	}
	positions := r.GetAllPositions(context.Background())
	if len(positions) != 0 {
		t.Errorf("GetAllPositions must return empty on failure, got %d", len(positions))
	}
}

func TestProximityFlags(t *testing.T) {
	tr := openTrade(1, "AAPL", 18000, 100, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{
		positions: []broker.Position{shortOption(tr)},
		optionQuotes: map[string]broker.Quote{
			// 45% captured: within 80% of the 50% target.
			tr.Key().String(): {Bid: 54, Ask: 56},
		},
	}
	r := newTestReconciler(store, gw)

	positions, _ := r.Snapshot(context.Background())
	if !positions[0].NearProfitTarget {
		t.Errorf("expected near-profit-target at %.0f%% captured", positions[0].PnLPct*100)
	}

	// Deep loss: 170% of premium lost, within 80% of the -200% stop.
	gw.optionQuotes[tr.Key().String()] = broker.Quote{Bid: 268, Ask: 272}
	positions, _ = r.Snapshot(context.Background())
	if !positions[0].NearStopLoss {
		t.Errorf("expected near-stop-loss at %.0f%%", positions[0].PnLPct*100)
	}
}

func TestSweepExpiredIdempotent(t *testing.T) {
	expired := openTrade(1, "AAPL", 18000, 100, "2026-08-21") // last Friday
	live := openTrade(2, "MSFT", 30000, 200, "2026-09-18")
	store := &fakeStore{trades: []model.Trade{expired, live}, nextID: 2}
	r := newTestReconciler(store, &fakeGateway{})

	closed, err := r.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	got := store.trades[0]
	if got.ExitReason == nil || *got.ExitReason != model.ExitReasonExpired {
		t.Errorf("expected expired reason, got %+v", got.ExitReason)
	}
	if got.ExitPremium == nil || *got.ExitPremium != 0 {
		t.Errorf("expired close must be at zero premium, got %+v", got.ExitPremium)
	}
	if got.RealizedPnL == nil || *got.RealizedPnL != 100*1*100 {
		t.Errorf("full credit should be retained, got %+v", got.RealizedPnL)
	}

	// Second sweep closes nothing.
	closed, err = r.SweepExpired(context.Background())
	if err != nil || closed != 0 {
		t.Errorf("second sweep should be a no-op, closed=%d err=%v", closed, err)
	}
	if store.trades[1].ExitDate != nil {
		t.Error("unexpired trade must stay open")
	}
}

func TestAlerts(t *testing.T) {
	delta := -0.55
	tr := openTrade(1, "AAPL", 18000, 100, "2026-08-26") // 2 DTE
	tr.UnderlyingEntry = 20000
	store := &fakeStore{trades: []model.Trade{tr}, nextID: 1}
	gw := &fakeGateway{
		positions: []broker.Position{shortOption(tr)},
		optionQuotes: map[string]broker.Quote{
			tr.Key().String(): {Bid: 98, Ask: 102, Delta: &delta},
		},
		stockQuotes: map[string]broker.Quote{
			// 12.5% below entry and below strike: drop + assignment risk.
			"AAPL": {Bid: 17400, Ask: 17600},
		},
	}
	r := newTestReconciler(store, gw)

	alerts := r.CheckAlerts(context.Background())
	rules := map[string]model.Severity{}
	for _, a := range alerts {
		rules[a.Rule] = a.Severity
	}

	if rules["delta_breach"] != model.SeverityCritical {
		t.Errorf("expected critical delta breach, got %v", rules["delta_breach"])
	}
	if rules["underlying_drop"] != model.SeverityCritical {
		t.Errorf("expected critical underlying drop, got %v", rules["underlying_drop"])
	}
	if rules["assignment_risk"] != model.SeverityCritical {
		t.Errorf("expected assignment risk alert, got %v", rules["assignment_risk"])
	}
	if _, ok := rules["expiration_near"]; !ok {
		t.Error("expected expiration proximity alert at 2 DTE")
	}
}
