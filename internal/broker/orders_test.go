package broker

import (
	"context"
	"testing"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/lib/async"
)

func newTestDispatcher(t *testing.T, account exchange.AccountClient) (*Dispatcher, *ChannelManager, *stubEmitter) {
	t.Helper()
	pool, err := async.NewPool(4, 32)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(pool.Close)

	emitter := &stubEmitter{}
	streams := NewMarketStreamManager(&fakeDialer{}, "wss://stream.test", nullHandler{})
	streams.SetDebounce(testDebounce)
	cm := NewChannelManager(emitter, streams, fakeMarketData{}, account, pool)
	t.Cleanup(cm.Cleanup)
	return NewDispatcher(account, emitter, cm), cm, emitter
}

func TestPlaceOrderEmitsExecutionAndRefreshes(t *testing.T) {
	d, _, emitter := newTestDispatcher(t, exchange.NewMockAccount())

	d.PlaceOrder(context.Background(), OrderParams{
		ChannelID: "detail-BTCUSDT-1h",
		Symbol:    "BTCUSDT",
		Side:      "buy",
		Price:     "12346",
		Quantity:  "0.1",
	})

	updates := emitter.globalFrames(TypeExecutionUpdate)
	if len(updates) != 1 {
		t.Fatalf("execution updates = %d, want 1", len(updates))
	}
	report, ok := updates[0].Payload.(ExecReport)
	if !ok {
		t.Fatalf("payload type %T", updates[0].Payload)
	}
	if report.ExecType != "NEW" || report.Status != "NEW" || report.Symbol != "BTCUSDT" || report.Side != "BUY" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Price != "12346" || report.OrigQty != "0.1" {
		t.Fatalf("order echo wrong: %+v", report)
	}
	if len(emitter.globalFrames(TypeBalances)) != 1 {
		t.Fatalf("balances not refreshed after order")
	}
	if len(emitter.globalFrames(TypeOrders)) != 1 {
		t.Fatalf("open orders not refreshed after order")
	}
}

func TestPlaceOrderDropsInvalidInput(t *testing.T) {
	d, _, emitter := newTestDispatcher(t, exchange.NewMockAccount())
	ctx := context.Background()

	d.PlaceOrder(ctx, OrderParams{Symbol: "", Side: "buy", Price: "1", Quantity: "1"})
	d.PlaceOrder(ctx, OrderParams{Symbol: "BTCUSDT", Side: "hold", Price: "1", Quantity: "1"})
	d.PlaceOrder(ctx, OrderParams{Symbol: "BTCUSDT", Side: "buy", Price: "0", Quantity: "1"})
	d.PlaceOrder(ctx, OrderParams{Symbol: "BTCUSDT", Side: "buy", Price: "1", Quantity: "-2"})
	d.PlaceOrder(ctx, OrderParams{Symbol: "BTCUSDT", Side: "buy", Price: "abc", Quantity: "1"})

	if got := len(emitter.globalFrames(TypeExecutionUpdate)); got != 0 {
		t.Fatalf("invalid orders produced %d execution updates", got)
	}
	if got := len(emitter.channelFrames(TypeOrderError)); got != 0 {
		t.Fatalf("invalid input must be dropped silently, got %d order errors", got)
	}
}

func TestPlaceOrderFallsBackToDetailSymbol(t *testing.T) {
	d, cm, emitter := newTestDispatcher(t, exchange.NewMockAccount())
	ctx := context.Background()

	id := ChannelID(ChannelDetail, "ETHUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelDetail, "ETHUSDT", "1h", "")

	d.PlaceOrder(ctx, OrderParams{Side: "sell", Price: "3000", Quantity: "1"})
	waitFor(t, "execution update", func() bool { return len(emitter.globalFrames(TypeExecutionUpdate)) > 0 })
	report := emitter.globalFrames(TypeExecutionUpdate)[0].Payload.(ExecReport)
	if report.Symbol != "ETHUSDT" {
		t.Fatalf("symbol fallback = %q, want ETHUSDT", report.Symbol)
	}
}

type rejectingAccount struct {
	*exchange.MockAccount
}

func (rejectingAccount) PlaceOrder(context.Context, exchange.OrderRequest) (exchange.OrderResponse, error) {
	return exchange.OrderResponse{}, errs.New("exchange", errs.CodeExchange,
		errs.WithHTTP(400), errs.WithMessage("Filter failure: LOT_SIZE"))
}

func (rejectingAccount) CancelOrder(context.Context, exchange.CancelRequest) (exchange.CancelResponse, error) {
	return exchange.CancelResponse{}, errs.New("exchange", errs.CodeExchange,
		errs.WithHTTP(400), errs.WithMessage("Unknown order sent."))
}

func TestRejectedOrderEmitsOrderError(t *testing.T) {
	d, _, emitter := newTestDispatcher(t, rejectingAccount{exchange.NewMockAccount()})

	d.PlaceOrder(context.Background(), OrderParams{
		ChannelID: "detail-BTCUSDT-1h",
		Symbol:    "BTCUSDT",
		Side:      "buy",
		Price:     "12346",
		Quantity:  "0.0000001",
	})

	if got := len(emitter.globalFrames(TypeExecutionUpdate)); got != 0 {
		t.Fatalf("rejected order emitted %d execution updates", got)
	}
	frames := emitter.channelFrames(TypeOrderError)
	if len(frames) != 1 {
		t.Fatalf("order errors = %d, want 1", len(frames))
	}
	orderErr := frames[0].Payload.(OrderError)
	if orderErr.Reason != "order_rejected" || orderErr.Detail != "Filter failure: LOT_SIZE" {
		t.Fatalf("order error = %+v", orderErr)
	}
	if frames[0].ChannelID != "detail-BTCUSDT-1h" {
		t.Fatalf("order error channel = %q", frames[0].ChannelID)
	}
}

func TestCancelOrderValidationAndFlow(t *testing.T) {
	mock := exchange.NewMockAccount()
	d, _, emitter := newTestDispatcher(t, mock)
	ctx := context.Background()

	// Invalid cancels are dropped without frames.
	d.CancelOrder(ctx, CancelParams{Symbol: ""})
	d.CancelOrder(ctx, CancelParams{Symbol: "BTCUSDT"})
	if got := len(emitter.globalFrames(TypeExecutionUpdate)); got != 0 {
		t.Fatalf("invalid cancels produced %d updates", got)
	}

	resp, err := mock.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", TimeInForce: "GTC",
		Quantity: "0.1", Price: "12346",
	})
	if err != nil {
		t.Fatalf("mock PlaceOrder error = %v", err)
	}

	d.CancelOrder(ctx, CancelParams{Symbol: "BTCUSDT", OrderID: resp.OrderID})
	updates := emitter.globalFrames(TypeExecutionUpdate)
	if len(updates) != 1 {
		t.Fatalf("cancel updates = %d, want 1", len(updates))
	}
	report := updates[0].Payload.(ExecReport)
	if report.ExecType != "CANCELED" || report.Status != "CANCELED" || report.OrderID != resp.OrderID {
		t.Fatalf("cancel report = %+v", report)
	}
}

func TestRejectedCancelEmitsOrderError(t *testing.T) {
	d, _, emitter := newTestDispatcher(t, rejectingAccount{exchange.NewMockAccount()})

	d.CancelOrder(context.Background(), CancelParams{Symbol: "BTCUSDT", OrderID: 99})
	frames := emitter.channelFrames(TypeOrderError)
	if len(frames) != 1 {
		t.Fatalf("order errors = %d, want 1", len(frames))
	}
	if frames[0].Payload.(OrderError).Reason != "cancel_rejected" {
		t.Fatalf("reason = %+v", frames[0].Payload)
	}
}
