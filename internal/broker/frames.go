// Package broker implements the subscription engine between renderers and
// the exchange: channel registry, consolidated market socket, upstream
// supervisors, and order dispatch.
package broker

import (
	"github.com/shopspring/decimal"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/internal/exchange"
)

// Frame types delivered on channel-scoped frames.
const (
	TypeChart           = "chart"
	TypeDepth           = "depth"
	TypeTrades          = "trades"
	TypeOrders          = "orders"
	TypeHistory         = "history"
	TypeExecutionUpdate = "execution_update"
	TypeOrderError      = "order_error"
)

// Frame types delivered on the global channel.
const (
	TypeTicker        = "ticker"
	TypeTickerUpdate  = "ticker_update"
	TypeFilters       = "filters"
	TypeBalances      = "balances"
	TypeBalanceUpdate = "balance_update"
)

// GlobalChannelID addresses frames shared by every channel of a renderer.
const GlobalChannelID = "global"

// ChannelFrame is a channel-scoped downstream message.
type ChannelFrame struct {
	ChannelID string `json:"channelId"`
	Type      string `json:"type"`
	Symbol    string `json:"symbol,omitempty"`
	Interval  string `json:"interval,omitempty"`
	Payload   any    `json:"payload"`
	Extra     any    `json:"extra,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// GlobalFrame is a broker-wide downstream message. Legacy renderers read
// the payload from a field named after the type, so marshalling duplicates
// it under that key.
type GlobalFrame struct {
	Type    string
	Payload any
}

func (f GlobalFrame) MarshalJSON() ([]byte, error) {
	body := map[string]any{
		"channelId": GlobalChannelID,
		"type":      f.Type,
		"payload":   f.Payload,
	}
	if f.Type != "" {
		body[f.Type] = f.Payload
	}
	return json.Marshal(body)
}

// OrderError is the typed rejection frame emitted when the exchange refuses
// an order or cancellation.
type OrderError struct {
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// ExecReport is the normalized execution report delivered downstream. Both
// the single-letter wire keys and their long aliases are populated so old
// and new renderers read the same frame.
type ExecReport struct {
	Event         string `json:"e"`
	WireSymbol    string `json:"s"`
	Symbol        string `json:"symbol"`
	WireSide      string `json:"S"`
	Side          string `json:"side"`
	WireType      string `json:"o"`
	OrderType     string `json:"type"`
	ExecType      string `json:"x"`
	WireStatus    string `json:"X"`
	Status        string `json:"status"`
	WireOrderID   int64  `json:"i"`
	OrderID       int64  `json:"orderId"`
	WirePrice     string `json:"p"`
	Price         string `json:"price"`
	WireQty       string `json:"q"`
	OrigQty       string `json:"origQty"`
	CumulativeQty string `json:"z"`
	LastQty       string `json:"l"`
	WireTime      int64  `json:"T"`
	TransactTime  int64  `json:"transactTime"`
	Time          int64  `json:"time"`

	// Derived with decimal math when the exchange omits them.
	RemainingQty string `json:"remainingQty,omitempty"`
	AvgPrice     string `json:"avgPrice,omitempty"`
}

func zeroIfEmpty(value string) string {
	if value == "" {
		return "0"
	}
	return value
}

func (r *ExecReport) normalize() {
	r.Event = "executionReport"
	if r.ExecType == "" {
		r.ExecType = "NEW"
	}
	if r.WireStatus == "" {
		r.WireStatus = "NEW"
	}
	r.Status = r.WireStatus
	r.Symbol = r.WireSymbol
	r.Side = r.WireSide
	r.OrderType = r.WireType
	r.OrderID = r.WireOrderID
	r.WirePrice = zeroIfEmpty(r.WirePrice)
	r.Price = r.WirePrice
	r.WireQty = zeroIfEmpty(r.WireQty)
	r.OrigQty = r.WireQty
	r.CumulativeQty = zeroIfEmpty(r.CumulativeQty)
	r.LastQty = zeroIfEmpty(r.LastQty)
	r.TransactTime = r.WireTime
	r.Time = r.WireTime
	r.RemainingQty = calculateRemaining(r.WireQty, r.CumulativeQty)
}

// NormalizeStreamReport converts a user-data executionReport event.
func NormalizeStreamReport(evt exchange.ExecutionReport) ExecReport {
	report := ExecReport{
		WireSymbol:    evt.Symbol,
		WireSide:      evt.Side,
		WireType:      evt.OrderType,
		ExecType:      evt.ExecutionType,
		WireStatus:    evt.OrderStatus,
		WireOrderID:   evt.OrderID,
		WirePrice:     evt.Price,
		WireQty:       evt.Quantity,
		CumulativeQty: evt.CumulativeQty,
		LastQty:       evt.LastExecutedQty,
		WireTime:      evt.TransactionTime.Millis(),
		AvgPrice:      calculateAveragePrice(evt.CumulativeQuote, evt.CumulativeQty),
	}
	report.normalize()
	return report
}

// NormalizeOrderResponse converts a REST order acknowledgement.
func NormalizeOrderResponse(resp exchange.OrderResponse) ExecReport {
	report := ExecReport{
		WireSymbol:    resp.Symbol,
		WireSide:      resp.Side,
		WireType:      resp.Type,
		WireStatus:    resp.Status,
		WireOrderID:   resp.OrderID,
		WirePrice:     resp.Price,
		WireQty:       resp.OrigQty,
		CumulativeQty: resp.ExecutedQty,
		WireTime:      resp.TransactTime.Millis(),
		AvgPrice:      calculateAveragePrice(resp.CummulativeQuoteQty, resp.ExecutedQty),
	}
	report.normalize()
	return report
}

// NormalizeCancelResponse converts a REST cancel acknowledgement.
func NormalizeCancelResponse(resp exchange.CancelResponse, when int64) ExecReport {
	report := ExecReport{
		WireSymbol:  resp.Symbol,
		ExecType:    "CANCELED",
		WireStatus:  "CANCELED",
		WireOrderID: resp.OrderID,
		WireTime:    when,
	}
	report.normalize()
	return report
}

func calculateRemaining(origQty, executedQty string) string {
	orig, err := decimal.NewFromString(origQty)
	if err != nil {
		return ""
	}
	executed, err := decimal.NewFromString(executedQty)
	if err != nil {
		return orig.String()
	}
	remaining := orig.Sub(executed)
	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}
	return remaining.String()
}

func calculateAveragePrice(cumulativeQuote, cumulativeQty string) string {
	quote, err := decimal.NewFromString(cumulativeQuote)
	if err != nil {
		return ""
	}
	qty, err := decimal.NewFromString(cumulativeQty)
	if err != nil || qty.IsZero() {
		return ""
	}
	return quote.Div(qty).Round(8).String()
}
