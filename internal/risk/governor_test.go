package risk

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/ledger"
	"options-systemv1/internal/model"
	"options-systemv1/internal/reconcile"
)

// fakeStore is an in-memory ledger.Store shared across simulated restarts.
type fakeStore struct {
	trades  []model.Trade
	nextID  int64
	halt    model.HaltRecord
	haltErr error
}

func (f *fakeStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	f.nextID++
	t.ID = f.nextID
	f.trades = append(f.trades, *t)
	return nil
}

func (f *fakeStore) OpenTrades(ctx context.Context) ([]model.Trade, error) {
	var open []model.Trade
	for _, t := range f.trades {
		if t.IsOpen() {
			open = append(open, t)
		}
	}
	return open, nil
}

func (f *fakeStore) PendingExits(ctx context.Context) ([]model.Trade, error) { return nil, nil }

func (f *fakeStore) TradesClosedSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	return nil, nil
}

func (f *fakeStore) CloseTrade(ctx context.Context, id int64, exit model.TradeExit) error {
	return ledger.ErrAlreadyClosed
}

func (f *fakeStore) SetExitOrder(ctx context.Context, id int64, orderID, reason string) error {
	return nil
}

func (f *fakeStore) ClearExitOrder(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) HaltRecord(ctx context.Context) (model.HaltRecord, error) {
	if f.haltErr != nil {
		return model.HaltRecord{}, f.haltErr
	}
	return f.halt, nil
}

func (f *fakeStore) SetHaltRecord(ctx context.Context, rec model.HaltRecord) error {
	f.halt = rec
	return nil
}

// fakeGateway is a scripted broker.Gateway.
type fakeGateway struct {
	positions    []broker.Position
	positionsErr error

	optionQuotes map[string]broker.Quote
	stockQuotes  map[string]broker.Quote

	summary    broker.AccountSummary
	summaryErr error

	margin    broker.MarginImpact
	marginErr error
}

func (f *fakeGateway) Positions(ctx context.Context) ([]broker.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeGateway) OptionQuote(ctx context.Context, key model.PositionKey) (broker.Quote, error) {
	return f.optionQuotes[key.String()], nil
}

func (f *fakeGateway) StockQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	return f.stockQuotes[symbol], nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, ticket model.OrderTicket) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeGateway) OrderStatus(ctx context.Context, orderID string) (model.OrderState, error) {
	return model.OrderState{}, errors.New("not supported")
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeGateway) Summary(ctx context.Context) (broker.AccountSummary, error) {
	if f.summaryErr != nil {
		return broker.AccountSummary{}, f.summaryErr
	}
	return f.summary, nil
}

func (f *fakeGateway) MarginImpact(ctx context.Context, ticket model.OrderTicket) (broker.MarginImpact, error) {
	if f.marginErr != nil {
		return broker.MarginImpact{}, f.marginErr
	}
	return f.margin, nil
}

var testNow = time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

func testLimits() Limits {
	return Limits{
		DailyLossPct:         0.02,
		WeeklyLossPct:        0.05,
		MaxDrawdownPct:       0.10,
		MaxPositions:         10,
		MaxTradesPerDay:      3,
		MaxSectorFraction:    0.40,
		PerTradeMarginPct:    0.10,
		MaxMarginUtilization: 0.60,
		MinCushionPct:        0.15,
	}
}

func healthyAccount() broker.AccountSummary {
	return broker.AccountSummary{
		NetLiquidation:  10_000_000, // $100k
		AvailableFunds:  8_000_000,
		ExcessLiquidity: 8_000_000,
		BuyingPower:     20_000_000,
	}
}

func healthyMargin() broker.MarginImpact {
	return broker.MarginImpact{
		InitMargin:           300_000, // $3k
		MaintMargin:          250_000,
		ExcessLiquidityAfter: 7_700_000,
	}
}

func candidate() model.Candidate {
	return model.Candidate{
		Symbol: "AAPL", Strike: 18000, Expiry: "2026-09-18", Right: model.RightPut,
		Contracts: 1, Premium: 150, Underlying: 19500, Sector: "tech",
		EstimatedMargin: 350_000,
	}
}

func openTrade(id int64, symbol string, sector string) model.Trade {
	return model.Trade{
		ID: id, Symbol: symbol, Strike: 20000, Expiry: "2026-09-18", Right: model.RightPut,
		Contracts: 1, EntryPremium: 100,
		EntryDate: testNow.AddDate(0, 0, -5), Sector: sector,
	}
}

func newTestGovernor(t *testing.T, store *fakeStore, gw *fakeGateway, opts ...Option) *Governor {
	t.Helper()
	recon := reconcile.New(store, gw, reconcile.Config{ProfitTarget: 0.50, StopLoss: -2.0})
	g, err := New(store, gw, recon, testLimits(), opts...)
	if err != nil {
		t.Fatalf("governor init: %v", err)
	}
	g.now = func() time.Time { return testNow }
	return g
}

func TestPreTradeCheckApproves(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if !check.Approved {
		t.Fatalf("expected approval, got %s: %s", check.LimitName, check.Reason)
	}
}

func TestHaltRejectsBeforeAnythingElse(t *testing.T) {
	store := &fakeStore{halt: model.HaltRecord{Halted: true, Reason: "manual", Timestamp: testNow}}
	// Every collaborator fails; the halt check must fire first.
	gw := &fakeGateway{positionsErr: errors.New("down"), summaryErr: errors.New("down")}
	g := newTestGovernor(t, store, gw)

	if !g.IsHalted() {
		t.Fatal("governor must start halted from the durable record")
	}
	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitHalt {
		t.Errorf("expected halted rejection, got %+v", check)
	}
}

func TestConstructorFailsWhenHaltRecordUnreadable(t *testing.T) {
	store := &fakeStore{haltErr: errors.New("disk gone")}
	gw := &fakeGateway{}
	recon := reconcile.New(store, gw, reconcile.Config{})
	if _, err := New(store, gw, recon, testLimits()); err == nil {
		t.Fatal("expected constructor failure when the halt record cannot be read")
	}
}

func TestFailClosedOnPositionData(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{positionsErr: errors.New("gateway down"), summary: healthyAccount()}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitAccountData {
		t.Errorf("expected account_data rejection, got %+v", check)
	}
}

func TestFailClosedOnAccountData(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{summaryErr: errors.New("summary down")}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitAccountData {
		t.Errorf("expected account_data rejection, got %+v", check)
	}
}

func TestDuplicatePositionRejected(t *testing.T) {
	c := candidate()
	dup := model.Trade{
		ID: 1, Symbol: c.Symbol, Strike: c.Strike, Expiry: c.Expiry, Right: c.Right,
		Contracts: 1, EntryPremium: 140, EntryDate: testNow.AddDate(0, 0, -1),
	}
	store := &fakeStore{trades: []model.Trade{dup}, nextID: 1}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), c)
	if check.Approved || check.LimitName != LimitDuplicate {
		t.Errorf("expected duplicate rejection, got %+v", check)
	}
}

func TestEarningsBlackout(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	c := candidate()
	earnings := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC) // before 9/18 expiry
	c.EarningsDate = &earnings
	check := g.PreTradeCheck(context.Background(), c)
	if check.Approved || check.LimitName != LimitEarnings {
		t.Errorf("expected earnings rejection, got %+v", check)
	}

	// Earnings after expiration: passes.
	after := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	c.EarningsDate = &after
	if check := g.PreTradeCheck(context.Background(), c); !check.Approved {
		t.Errorf("earnings after expiry must pass, got %+v", check)
	}

	// Unknown earnings date: passes with warning, never blocks.
	c.EarningsDate = nil
	if check := g.PreTradeCheck(context.Background(), c); !check.Approved {
		t.Errorf("missing earnings date must pass, got %+v", check)
	}
}

// Scenario: $100k equity, 2% daily limit, unrealized loss 2.5%. The check must
// reject AND trip a durable halt that survives a restart.
func TestDailyLossBreachHaltsAndPersists(t *testing.T) {
	losing := openTrade(1, "MSFT", "tech")
	// entry 100, current 600: pnl = (100-600)*1*100 = -50000 per contract.
	// Five contracts: -250,000 cents = -2.5% of $100k.
	losing.Contracts = 5
	store := &fakeStore{trades: []model.Trade{losing}, nextID: 1}
	gw := &fakeGateway{
		positions: []broker.Position{{
			Symbol: losing.Symbol, SecType: broker.SecTypeOption,
			Strike: losing.Strike, Expiry: losing.Expiry, Right: losing.Right, Qty: -5,
		}},
		optionQuotes: map[string]broker.Quote{
			losing.Key().String(): {Bid: 600, Ask: 600},
		},
		summary: healthyAccount(),
		margin:  healthyMargin(),
	}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitDailyLoss {
		t.Fatalf("expected daily_loss rejection, got %+v", check)
	}
	if !g.IsHalted() {
		t.Fatal("daily loss breach must trip the halt")
	}
	if !store.halt.Halted {
		t.Fatal("halt must be persisted")
	}

	// Simulated restart over the same store: still halted.
	g2 := newTestGovernor(t, store, gw)
	if !g2.IsHalted() {
		t.Error("halt must survive restart")
	}
}

func TestMaxPositionsRejected(t *testing.T) {
	store := &fakeStore{nextID: 10}
	for i := 0; i < 10; i++ {
		tr := openTrade(int64(i+1), "SYM"+string(rune('A'+i)), "tech")
		store.trades = append(store.trades, tr)
	}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitPositions {
		t.Errorf("expected max_positions rejection, got %+v", check)
	}
	if check.Current != 10 || check.Limit != 10 {
		t.Errorf("expected current=10 limit=10, got %+v", check)
	}
}

func TestTradeCountCap(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)
	g.tradeDay = "2026-08-24"
	g.tradesToday = 3

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitDailyTrades {
		t.Errorf("expected daily_trades rejection, got %+v", check)
	}
}

func TestSectorCheckSkippedForSmallBook(t *testing.T) {
	// Two open tech positions; candidate makes three. Concentration is 100%
	// but the check is skipped at that size.
	store := &fakeStore{nextID: 2, trades: []model.Trade{
		openTrade(1, "MSFT", "tech"),
		openTrade(2, "GOOG", "tech"),
	}}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if !check.Approved {
		t.Errorf("sector check must be skipped at <=3 resulting positions, got %+v", check)
	}
}

func TestSectorConcentrationRejected(t *testing.T) {
	store := &fakeStore{nextID: 3, trades: []model.Trade{
		openTrade(1, "MSFT", "tech"),
		openTrade(2, "GOOG", "tech"),
		openTrade(3, "XOM", "energy"),
	}}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	// Candidate is tech: 3 of 4 resulting positions = 75% > 40%.
	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitSector {
		t.Errorf("expected sector rejection, got %+v", check)
	}
}

func TestMarginLayerTwoFallback(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		summary:   healthyAccount(),
		marginErr: broker.ErrMarginEstimateUnavailable,
	}
	g := newTestGovernor(t, store, gw)

	// Broker estimate unavailable: the layer-1 approval stands.
	check := g.PreTradeCheck(context.Background(), candidate())
	if !check.Approved {
		t.Fatalf("expected fallback approval, got %+v", check)
	}
	if !strings.Contains(check.Reason, "caller estimate") {
		t.Errorf("fallback should be explicit in the reason, got %q", check.Reason)
	}

	// Layer 1 itself rejects regardless of broker availability.
	c := candidate()
	c.EstimatedMargin = 9_000_000 // > available funds
	check = g.PreTradeCheck(context.Background(), c)
	if check.Approved || check.LimitName != LimitMarginFunds {
		t.Errorf("expected margin funds rejection, got %+v", check)
	}
}

func TestMarginPerTradeCap(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		summary: healthyAccount(),
		margin: broker.MarginImpact{
			InitMargin:           1_500_000, // 15% of net liquidation, cap is 10%
			ExcessLiquidityAfter: 6_500_000,
		},
	}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitMarginTrade {
		t.Errorf("expected per-trade margin rejection, got %+v", check)
	}
}

func TestMarginCushionRejected(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		summary: healthyAccount(),
		margin: broker.MarginImpact{
			InitMargin:           300_000,
			ExcessLiquidityAfter: 1_000_000, // 10% cushion, minimum is 15%
		},
	}
	g := newTestGovernor(t, store, gw)

	check := g.PreTradeCheck(context.Background(), candidate())
	if check.Approved || check.LimitName != LimitCushion {
		t.Errorf("expected cushion rejection, got %+v", check)
	}
}

func TestRecordTradeBumpsCounterAndRefusesWhenHalted(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{summary: healthyAccount(), margin: healthyMargin()}
	g := newTestGovernor(t, store, gw)

	tr, err := g.RecordTrade(context.Background(), candidate())
	if err != nil {
		t.Fatalf("record trade: %v", err)
	}
	if tr.ID == 0 {
		t.Error("trade id not assigned")
	}
	if g.tradesToday != 1 {
		t.Errorf("trades today = %d, want 1", g.tradesToday)
	}

	g.EmergencyHalt(context.Background(), "test halt")
	if _, err := g.RecordTrade(context.Background(), candidate()); err == nil {
		t.Error("record trade must refuse while halted")
	}
}

func TestPostTradeCushionEscalatesToHalt(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		summary: broker.AccountSummary{
			NetLiquidation:  10_000_000,
			AvailableFunds:  8_000_000,
			ExcessLiquidity: 1_000_000, // 10% cushion after the fill, minimum 15%
		},
	}
	g := newTestGovernor(t, store, gw)

	if _, err := g.RecordTrade(context.Background(), candidate()); err != nil {
		t.Fatalf("record trade: %v", err)
	}
	if !g.IsHalted() {
		t.Error("post-trade cushion breach must emergency-halt")
	}
	if !store.halt.Halted {
		t.Error("emergency halt must be persisted")
	}
}

func TestResumeRequiresValidTOTP(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	store := &fakeStore{halt: model.HaltRecord{Halted: true, Reason: "manual", Timestamp: testNow}}
	gw := &fakeGateway{}
	g := newTestGovernor(t, store, gw, WithResumeTOTP(secret))

	if err := g.ResumeTrading(context.Background(), "000000"); err == nil {
		t.Fatal("resume must refuse an invalid code")
	}
	if !g.IsHalted() {
		t.Fatal("failed resume must leave the halt in place")
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := g.ResumeTrading(context.Background(), code); err != nil {
		t.Fatalf("resume with valid code: %v", err)
	}
	if g.IsHalted() {
		t.Error("governor must be active after resume")
	}
	if store.halt.Halted {
		t.Error("resume must be persisted")
	}
}

func TestResumeWithoutSecretConfigured(t *testing.T) {
	store := &fakeStore{halt: model.HaltRecord{Halted: true, Reason: "manual", Timestamp: testNow}}
	g := newTestGovernor(t, store, &fakeGateway{})

	if err := g.ResumeTrading(context.Background(), ""); err != nil {
		t.Fatalf("resume without configured secret: %v", err)
	}
	if g.IsHalted() {
		t.Error("expected active after resume")
	}
}
