// Package ibgateway implements broker.Gateway against an IB Client Portal
// style local gateway: REST for account, positions and orders, plus a
// streaming websocket for quotes. The gateway process owns the brokerage
// session; this client only speaks HTTP/WS to it on localhost.
package ibgateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"options-systemv1/internal/broker"
	"options-systemv1/internal/model"
)

// Config configures the gateway client.
type Config struct {
	BaseURL string // default: https://localhost:5000/v1/api
	Account string // brokerage account id, required

	Timeout    time.Duration // per-request, default 10s
	DisableSSL bool          // local gateways run with a self-signed cert
}

// Client is a broker.Gateway over a Client Portal gateway.
type Client struct {
	baseURL string
	account string
	http    *http.Client

	mu     sync.Mutex
	conids map[string]int64 // instrument key → conid

	stream *quoteStream
}

var _ broker.Gateway = (*Client)(nil)

var routes = map[string]string{
	"positions":    "/portfolio/%s/positions/0",
	"summary":      "/iserver/account/%s/summary",
	"order.place":  "/iserver/account/%s/orders",
	"order.whatif": "/iserver/account/%s/orders/whatif",
	"order.status": "/iserver/account/order/status/%s",
	"order.cancel": "/iserver/account/%s/order/%s",
	"snapshot":     "/iserver/marketdata/snapshot",
	"secdef":       "/iserver/secdef/search",
	"secdef.info":  "/iserver/secdef/info",
	"tickle":       "/tickle",
}

// New creates a Client. The websocket quote stream is started lazily on the
// first quote request; REST snapshots are the fallback throughout.
func New(cfg Config) (*Client, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("ibgateway: account required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://localhost:5000/v1/api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		account: cfg.Account,
		http:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		conids:  make(map[string]int64),
	}
	c.stream = newQuoteStream(c, cfg.DisableSSL)
	return c, nil
}

// Close stops the quote stream.
func (c *Client) Close() error {
	c.stream.stop()
	return nil
}

// ---- broker.Gateway ----

// Positions lists all held positions.
func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	var wire []wirePosition
	path := fmt.Sprintf(routes["positions"], c.account)
	if err := c.get(ctx, path, nil, &wire); err != nil {
		return nil, fmt.Errorf("ibgateway positions: %w", err)
	}

	positions := make([]broker.Position, 0, len(wire))
	for _, w := range wire {
		if w.Position == 0 {
			continue
		}
		p := broker.Position{
			Symbol: w.Ticker,
			Qty:    int64(w.Position),
		}
		switch w.AssetClass {
		case "OPT":
			p.SecType = broker.SecTypeOption
			p.Strike = toCents(w.Strike)
			p.Expiry = normalizeExpiry(w.Expiry)
			p.Right = normalizeRight(w.PutOrCall)
			// Option avg cost is reported per contract; store per share.
			mult := w.Multiplier
			if mult == 0 {
				mult = 100
			}
			p.AvgCost = toCents(w.AvgCost / mult)
			c.rememberConid(p.Key().String(), w.Conid)
		case "STK":
			p.SecType = broker.SecTypeStock
			p.AvgCost = toCents(w.AvgCost)
			c.rememberConid("STK:"+w.Ticker, w.Conid)
		default:
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// OptionQuote returns a best-effort quote for an option contract, preferring
// the websocket stream and falling back to a REST snapshot.
func (c *Client) OptionQuote(ctx context.Context, key model.PositionKey) (broker.Quote, error) {
	conid, err := c.optionConid(ctx, key)
	if err != nil {
		return broker.Quote{}, err
	}
	return c.quoteByConid(ctx, conid)
}

// StockQuote returns a best-effort quote for an underlying.
func (c *Client) StockQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	conid, err := c.stockConid(ctx, symbol)
	if err != nil {
		return broker.Quote{}, err
	}
	return c.quoteByConid(ctx, conid)
}

func (c *Client) quoteByConid(ctx context.Context, conid int64) (broker.Quote, error) {
	if q, ok := c.stream.quote(conid); ok {
		return q, nil
	}
	c.stream.subscribe(conid)

	var rows []map[string]json.RawMessage
	params := map[string]string{
		"conids": strconv.FormatInt(conid, 10),
		"fields": strings.Join([]string{fieldLast, fieldBid, fieldAsk, fieldDelta}, ","),
	}
	if err := c.get(ctx, routes["snapshot"], params, &rows); err != nil {
		return broker.Quote{}, fmt.Errorf("ibgateway snapshot %d: %w", conid, err)
	}
	if len(rows) == 0 {
		return broker.Quote{}, fmt.Errorf("ibgateway snapshot %d: empty reply", conid)
	}
	return parseSnapshotRow(rows[0]), nil
}

// PlaceOrder submits an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, ticket model.OrderTicket) (string, error) {
	conid, err := c.optionConid(ctx, ticket.Key)
	if err != nil {
		return "", err
	}
	req := wireOrderRequest{
		AcctID:    c.account,
		Conid:     conid,
		COID:      ticket.ClientOrderID,
		Side:      ticket.Side,
		Quantity:  float64(ticket.Qty),
		OrderType: "MKT",
		TIF:       "DAY",
	}
	if ticket.Type == model.OrderTypeLimit {
		req.OrderType = "LMT"
		req.Price = toDollars(ticket.LimitPrice)
	}

	var replies []wireOrderReply
	path := fmt.Sprintf(routes["order.place"], c.account)
	if err := c.post(ctx, path, map[string]any{"orders": []wireOrderRequest{req}}, &replies); err != nil {
		return "", fmt.Errorf("ibgateway place order: %w", err)
	}
	if len(replies) == 0 {
		return "", fmt.Errorf("ibgateway place order: empty reply")
	}
	id := replies[0].OrderID
	if id == "" {
		id = replies[0].ID
	}
	if id == "" {
		return "", fmt.Errorf("ibgateway place order: no order id in reply: %v", replies[0].Message)
	}
	return id, nil
}

// OrderStatus queries order state by broker order id.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (model.OrderState, error) {
	var w wireOrderStatus
	path := fmt.Sprintf(routes["order.status"], orderID)
	if err := c.get(ctx, path, nil, &w); err != nil {
		return model.OrderState{}, fmt.Errorf("ibgateway order status %s: %w", orderID, err)
	}
	return model.OrderState{
		OrderID:      orderID,
		Status:       normalizeStatus(w.OrderStatus),
		FilledQty:    int64(w.CumFill),
		AvgFillPrice: toCents(w.AvgPrice),
	}, nil
}

// CancelOrder cancels by broker order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf(routes["order.cancel"], c.account, orderID)
	if err := c.delete(ctx, path); err != nil {
		return fmt.Errorf("ibgateway cancel %s: %w", orderID, err)
	}
	return nil
}

// Summary returns current account health.
func (c *Client) Summary(ctx context.Context) (broker.AccountSummary, error) {
	var w wireSummary
	path := fmt.Sprintf(routes["summary"], c.account)
	if err := c.get(ctx, path, nil, &w); err != nil {
		return broker.AccountSummary{}, fmt.Errorf("ibgateway summary: %w", err)
	}
	return broker.AccountSummary{
		NetLiquidation:  toCents(w.NetLiquidation.Amount),
		AvailableFunds:  toCents(w.AvailableFunds.Amount),
		ExcessLiquidity: toCents(w.ExcessLiquidity.Amount),
		BuyingPower:     toCents(w.BuyingPower.Amount),
	}, nil
}

// MarginImpact asks the gateway what a hypothetical order would do to the
// account. Gateways without what-if support report ErrMarginEstimateUnavailable.
func (c *Client) MarginImpact(ctx context.Context, ticket model.OrderTicket) (broker.MarginImpact, error) {
	conid, err := c.optionConid(ctx, ticket.Key)
	if err != nil {
		return broker.MarginImpact{}, err
	}
	req := wireOrderRequest{
		AcctID:    c.account,
		Conid:     conid,
		Side:      ticket.Side,
		Quantity:  float64(ticket.Qty),
		OrderType: "LMT",
		Price:     toDollars(ticket.LimitPrice),
		TIF:       "DAY",
	}

	var w wireWhatif
	path := fmt.Sprintf(routes["order.whatif"], c.account)
	if err := c.post(ctx, path, map[string]any{"orders": []wireOrderRequest{req}}, &w); err != nil {
		return broker.MarginImpact{}, fmt.Errorf("%w: %v", broker.ErrMarginEstimateUnavailable, err)
	}
	if w.Error != "" {
		return broker.MarginImpact{}, fmt.Errorf("%w: %s", broker.ErrMarginEstimateUnavailable, w.Error)
	}
	return broker.MarginImpact{
		InitMargin:           toCents(w.InitialMargin),
		MaintMargin:          toCents(w.MaintenanceMargin),
		ExcessLiquidityAfter: toCents(w.ExcessLiquidityAfter),
	}, nil
}

// ---- contract resolution ----

func (c *Client) rememberConid(key string, conid int64) {
	if conid == 0 {
		return
	}
	c.mu.Lock()
	c.conids[key] = conid
	c.mu.Unlock()
}

func (c *Client) cachedConid(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.conids[key]
	return id, ok
}

func (c *Client) stockConid(ctx context.Context, symbol string) (int64, error) {
	if id, ok := c.cachedConid("STK:" + symbol); ok {
		return id, nil
	}
	var defs []wireSecdef
	if err := c.get(ctx, routes["secdef"], map[string]string{"symbol": symbol, "secType": "STK"}, &defs); err != nil {
		return 0, fmt.Errorf("ibgateway secdef %s: %w", symbol, err)
	}
	for _, d := range defs {
		if d.Symbol == symbol && d.Conid != 0 {
			c.rememberConid("STK:"+symbol, d.Conid)
			return d.Conid, nil
		}
	}
	return 0, fmt.Errorf("ibgateway secdef %s: no contract found", symbol)
}

func (c *Client) optionConid(ctx context.Context, key model.PositionKey) (int64, error) {
	if id, ok := c.cachedConid(key.String()); ok {
		return id, nil
	}
	underlying, err := c.stockConid(ctx, key.Symbol)
	if err != nil {
		return 0, err
	}
	params := map[string]string{
		"conid":   strconv.FormatInt(underlying, 10),
		"secType": "OPT",
		"month":   expiryMonth(key.Expiry),
		"strike":  strconv.FormatFloat(toDollars(key.Strike), 'f', -1, 64),
		"right":   key.Right,
	}
	var defs []wireSecdef
	if err := c.get(ctx, routes["secdef.info"], params, &defs); err != nil {
		return 0, fmt.Errorf("ibgateway option secdef %s: %w", key, err)
	}
	if len(defs) == 0 || defs[0].Conid == 0 {
		return 0, fmt.Errorf("ibgateway option secdef %s: no contract found", key)
	}
	c.rememberConid(key.String(), defs[0].Conid)
	return defs[0].Conid, nil
}

// ---- HTTP helpers ----

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		parts := make([]string, 0, len(params))
		for k, v := range params {
			parts = append(parts, k+"="+v)
		}
		u += "?" + strings.Join(parts, "&")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// ---- conversions ----

func toCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

func toDollars(cents int64) float64 {
	return float64(cents) / 100
}

// normalizeExpiry converts the gateway's YYYYMMDD into YYYY-MM-DD.
func normalizeExpiry(e string) string {
	if len(e) != 8 {
		return e
	}
	return e[:4] + "-" + e[4:6] + "-" + e[6:]
}

// expiryMonth converts YYYY-MM-DD into the gateway's MONYY, e.g. "SEP26".
func expiryMonth(e string) string {
	t, err := time.Parse("2006-01-02", e)
	if err != nil {
		return ""
	}
	return strings.ToUpper(t.Format("Jan06"))
}

func normalizeRight(r string) string {
	if strings.HasPrefix(strings.ToUpper(r), "C") {
		return model.RightCall
	}
	return model.RightPut
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "filled":
		return model.OrderStatusFilled
	case "cancelled", "canceled":
		return model.OrderStatusCancelled
	case "inactive", "rejected":
		return model.OrderStatusRejected
	case "submitted", "presubmitted":
		return model.OrderStatusSubmitted
	case "pendingsubmit", "pending_submit":
		return model.OrderStatusPendingSubmit
	default:
		return model.OrderStatusUnknown
	}
}

func parseSnapshotRow(row map[string]json.RawMessage) broker.Quote {
	q := broker.Quote{}
	q.Last = snapshotPrice(row, fieldLast)
	q.Bid = snapshotPrice(row, fieldBid)
	q.Ask = snapshotPrice(row, fieldAsk)
	if raw, ok := row[fieldDelta]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				q.Delta = &f
			}
		}
	}
	return q
}

// snapshotPrice tolerates both string and numeric fields; the gateway emits
// strings with occasional halted/close markers like "C142.10".
func snapshotPrice(row map[string]json.RawMessage, field string) int64 {
	raw, ok := row[field]
	if !ok {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return toCents(f)
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0
	}
	s = strings.TrimLeft(s, "CHch")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return toCents(f)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
