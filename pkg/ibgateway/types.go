package ibgateway

// Wire types for the Client Portal style gateway. Prices on the wire are
// dollars as floats; the client converts to integer cents at the boundary.

type wirePosition struct {
	Conid        int64   `json:"conid"`
	ContractDesc string  `json:"contractDesc"`
	Ticker       string  `json:"ticker"`
	AssetClass   string  `json:"assetClass"` // STK, OPT
	Position     float64 `json:"position"`
	AvgCost      float64 `json:"avgCost"`
	Strike       float64 `json:"strike"`
	Expiry       string  `json:"expiry"` // YYYYMMDD
	PutOrCall    string  `json:"putOrCall"`
	Multiplier   float64 `json:"multiplier"`
}

type wireSummaryValue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type wireSummary struct {
	NetLiquidation  wireSummaryValue `json:"netliquidation"`
	AvailableFunds  wireSummaryValue `json:"availablefunds"`
	ExcessLiquidity wireSummaryValue `json:"excessliquidity"`
	BuyingPower     wireSummaryValue `json:"buyingpower"`
}

type wireOrderRequest struct {
	AcctID    string  `json:"acctId"`
	Conid     int64   `json:"conid"`
	COID      string  `json:"cOID,omitempty"` // client order id, gateway-side dedupe
	OrderType string  `json:"orderType"`      // MKT, LMT
	Side      string  `json:"side"`           // BUY, SELL
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	TIF       string  `json:"tif"`
}

type wireOrderReply struct {
	OrderID string   `json:"order_id"`
	ID      string   `json:"id"`
	Message []string `json:"message,omitempty"`
}

type wireOrderStatus struct {
	OrderStatus string  `json:"order_status"` // Filled, Cancelled, Submitted, PreSubmitted, PendingSubmit, Inactive
	CumFill     float64 `json:"cum_fill,string"`
	AvgPrice    float64 `json:"avg_price,string"`
}

type wireWhatif struct {
	InitialMargin        float64 `json:"initialMargin"`
	MaintenanceMargin    float64 `json:"maintenanceMargin"`
	ExcessLiquidityAfter float64 `json:"excessLiquidityAfter"`
	Error                string  `json:"error,omitempty"`
}

type wireSecdef struct {
	Conid  int64  `json:"conid"`
	Symbol string `json:"symbol"`
}

// Market data snapshot field ids.
const (
	fieldLast  = "31"
	fieldBid   = "84"
	fieldAsk   = "86"
	fieldDelta = "7308"
)
