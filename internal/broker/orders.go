package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// OrderParams is a renderer's order request after action parsing.
type OrderParams struct {
	ChannelID string
	Symbol    string
	Side      string
	Price     string
	Quantity  string
}

// CancelParams is a renderer's cancellation request.
type CancelParams struct {
	ChannelID         string
	Symbol            string
	OrderID           int64
	OrigClientOrderID string
	NewClientOrderID  string
}

// Dispatcher validates and submits orders, normalizes the acknowledgement,
// and refreshes account state afterwards.
type Dispatcher struct {
	account  exchange.AccountClient
	emitter  Emitter
	channels *ChannelManager
	clock    func() time.Time
}

// NewDispatcher wires order handling for one renderer.
func NewDispatcher(account exchange.AccountClient, emitter Emitter, channels *ChannelManager) *Dispatcher {
	return &Dispatcher{
		account:  account,
		emitter:  emitter,
		channels: channels,
		clock:    time.Now,
	}
}

// PlaceOrder submits a LIMIT/GTC order. Invalid input is logged and
// dropped; exchange rejections produce a typed order_error frame.
func (d *Dispatcher) PlaceOrder(ctx context.Context, params OrderParams) {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		if ch := d.channels.DetailChannel(); ch != nil {
			symbol = ch.Symbol
		}
	}
	side := strings.ToUpper(strings.TrimSpace(params.Side))
	if symbol == "" || (side != "BUY" && side != "SELL") || !positiveAmount(params.Quantity) || !positiveAmount(params.Price) {
		observability.Log().Warn("dropping invalid order",
			observability.F("symbol", symbol),
			observability.F("side", side),
			observability.F("price", params.Price),
			observability.F("quantity", params.Quantity))
		return
	}

	resp, err := d.account.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        "LIMIT",
		TimeInForce: "GTC",
		Quantity:    params.Quantity,
		Price:       params.Price,
	})
	if err != nil {
		observability.Log().Error("order rejected",
			observability.F("symbol", symbol),
			observability.F("side", side),
			observability.F("error", err))
		d.emitOrderError(params.ChannelID, "order_rejected", err)
		return
	}

	d.emitter.SendGlobal(GlobalFrame{Type: TypeExecutionUpdate, Payload: NormalizeOrderResponse(resp)})
	d.refreshAccountState(ctx, symbol)
}

// CancelOrder submits a cancellation for an order identified by venue id
// or original client id.
func (d *Dispatcher) CancelOrder(ctx context.Context, params CancelParams) {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" || (params.OrderID <= 0 && params.OrigClientOrderID == "") {
		observability.Log().Warn("dropping invalid cancel",
			observability.F("symbol", symbol),
			observability.F("orderId", params.OrderID))
		return
	}

	resp, err := d.account.CancelOrder(ctx, exchange.CancelRequest{
		Symbol:            symbol,
		OrderID:           params.OrderID,
		OrigClientOrderID: params.OrigClientOrderID,
		NewClientOrderID:  params.NewClientOrderID,
	})
	if err != nil {
		observability.Log().Error("cancel rejected",
			observability.F("symbol", symbol),
			observability.F("orderId", params.OrderID),
			observability.F("error", err))
		d.emitOrderError(params.ChannelID, "cancel_rejected", err)
		return
	}

	report := NormalizeCancelResponse(resp, d.clock().UnixMilli())
	d.emitter.SendGlobal(GlobalFrame{Type: TypeExecutionUpdate, Payload: report})
	d.refreshAccountState(ctx, symbol)
}

func (d *Dispatcher) emitOrderError(channelID, reason string, err error) {
	if channelID == "" {
		channelID = GlobalChannelID
	}
	detail := err.Error()
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope.Message != "" {
		detail = envelope.Message
	}
	d.emitter.SendChannel(ChannelFrame{
		ChannelID: channelID,
		Type:      TypeOrderError,
		Payload:   OrderError{ChannelID: channelID, Reason: reason, Detail: detail},
	})
}

// refreshAccountState re-fetches balances, open orders, and trade history
// after an order event. Each fetch fails independently.
func (d *Dispatcher) refreshAccountState(ctx context.Context, symbol string) {
	if account, err := d.account.Account(ctx); err == nil {
		d.emitter.SendGlobal(GlobalFrame{Type: TypeBalances, Payload: nonZeroBalances(account.Balances)})
	} else {
		observability.Log().Warn("balance refresh failed", observability.F("error", err))
	}
	if orders, err := d.account.OpenOrders(ctx, ""); err == nil {
		d.emitter.SendGlobal(GlobalFrame{Type: TypeOrders, Payload: orders})
	} else {
		observability.Log().Warn("open order refresh failed", observability.F("error", err))
	}
	if ch := d.channels.DetailChannel(); ch != nil && ch.Symbol == symbol {
		if trades, err := d.account.MyTrades(ctx, symbol); err == nil {
			d.emitter.SendChannel(ChannelFrame{ChannelID: ch.ID, Type: TypeHistory, Symbol: symbol, Payload: trades})
		} else {
			observability.Log().Warn("trade history refresh failed", observability.F("error", err))
		}
	}
}

func positiveAmount(value string) bool {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	return err == nil && parsed.Sign() > 0
}
