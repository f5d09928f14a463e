package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/lib/async"
)

type stubEmitter struct {
	mu      sync.Mutex
	channel []ChannelFrame
	global  []GlobalFrame
}

func (e *stubEmitter) SendChannel(frame ChannelFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = append(e.channel, frame)
}

func (e *stubEmitter) SendGlobal(frame GlobalFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.global = append(e.global, frame)
}

func (e *stubEmitter) channelFrames(frameType string) []ChannelFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ChannelFrame
	for _, f := range e.channel {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (e *stubEmitter) globalFrames(frameType string) []GlobalFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []GlobalFrame
	for _, f := range e.global {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type fakeMarketData struct{}

func (fakeMarketData) ExchangeInfo(context.Context) (exchange.ExchangeInfo, error) {
	return exchange.ExchangeInfo{Symbols: []exchange.SymbolInfo{
		{Symbol: "BTCUSDT", Status: "TRADING",
			BaseAsset: "BTC", BaseAssetPrecision: 8,
			QuoteAsset: "USDT", QuotePrecision: 8, QuoteAssetPrecision: 6,
			Filters: []exchange.SymbolFilter{{FilterType: "PRICE_FILTER", TickSize: "0.01"}}},
	}}, nil
}

func (fakeMarketData) Ticker24h(context.Context) ([]exchange.TickerStats, error) {
	return []exchange.TickerStats{{Symbol: "BTCUSDT", LastPrice: "60000"}}, nil
}

func (fakeMarketData) Depth(context.Context, string) (exchange.DepthSnapshotPayload, error) {
	return exchange.DepthSnapshotPayload{
		LastUpdateID: 100,
		Bids:         [][]string{{"60000", "1"}},
		Asks:         [][]string{{"60001", "2"}},
	}, nil
}

func (fakeMarketData) Klines(_ context.Context, _ string, _ string) ([]exchange.Kline, error) {
	return []exchange.Kline{
		{OpenTime: 1700000000000, Open: "1", High: "2", Low: "0.5", Close: "1.5", Volume: "10"},
		{OpenTime: 1700003600000, Open: "1.5", High: "2.5", Low: "1", Close: "2", Volume: "8"},
	}, nil
}

func (fakeMarketData) RecentTrades(context.Context, string) ([]exchange.PublicTrade, error) {
	return []exchange.PublicTrade{{ID: 1, Price: "60000", Quantity: "0.1"}}, nil
}

func newTestChannelManager(t *testing.T) (*ChannelManager, *stubEmitter, *fakeDialer) {
	t.Helper()
	pool, err := async.NewPool(4, 32)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(pool.Close)

	emitter := &stubEmitter{}
	dialer := &fakeDialer{}
	streams := NewMarketStreamManager(dialer, "wss://stream.test", nullHandler{})
	streams.SetDebounce(testDebounce)
	cm := NewChannelManager(emitter, streams, fakeMarketData{}, exchange.NewMockAccount(), pool)
	streamsHandlerIs(t, cm)
	t.Cleanup(cm.Cleanup)
	return cm, emitter, dialer
}

// The production wiring hands the manager to its own stream manager; tests
// construct them separately, so just assert the interface is satisfied.
func streamsHandlerIs(t *testing.T, h MessageHandler) {
	t.Helper()
	if h == nil {
		t.Fatalf("ChannelManager must implement MessageHandler")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	cm, _, _ := newTestChannelManager(t)
	ctx := context.Background()

	id := ChannelID(ChannelMini, "BTCUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelMini, "BTCUSDT", "1h", "")
	cm.Subscribe(ctx, id, ChannelMini, "BTCUSDT", "1h", "")

	if got := len(cm.ChannelIDs()); got != 1 {
		t.Fatalf("channels = %d, want 1", got)
	}
	settle()
	streams := cm.Streams().ConnectedStreams()
	if len(streams) != 1 || streams[0] != "btcusdt@kline_1h" {
		t.Fatalf("streams = %v", streams)
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	cm, _, _ := newTestChannelManager(t)
	ctx := context.Background()

	cm.Subscribe(ctx, "", ChannelMini, "BTCUSDT", "1h", "")
	cm.Subscribe(ctx, "mini-x", ChannelMini, "", "1h", "")
	cm.Subscribe(ctx, "mini-y", ChannelMini, "BTCUSDT", "7m", "")
	cm.Subscribe(ctx, "odd", "audit", "BTCUSDT", "1h", "")

	if got := len(cm.ChannelIDs()); got != 0 {
		t.Fatalf("invalid subscribes created %d channels", got)
	}
}

func TestDetailSubscribeReplacesOlderDetail(t *testing.T) {
	cm, _, _ := newTestChannelManager(t)
	ctx := context.Background()

	first := ChannelID(ChannelDetail, "BTCUSDT", "1h")
	second := ChannelID(ChannelDetail, "ETHUSDT", "4h")
	cm.Subscribe(ctx, first, ChannelDetail, "BTCUSDT", "1h", "")
	cm.Subscribe(ctx, second, ChannelDetail, "ETHUSDT", "4h", "")

	if _, ok := cm.Channel(first); ok {
		t.Fatalf("older detail channel survived")
	}
	detail := cm.DetailChannel()
	if detail == nil || detail.ID != second {
		t.Fatalf("detail channel = %+v, want %s", detail, second)
	}
	if got := cm.Streams().DetailSymbol(); got != "ETHUSDT" {
		t.Fatalf("detail symbol = %q", got)
	}
}

func TestDetailSubscribeHydratesOverREST(t *testing.T) {
	cm, emitter, _ := newTestChannelManager(t)
	ctx := context.Background()

	id := ChannelID(ChannelDetail, "BTCUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelDetail, "BTCUSDT", "1h", "req-1")

	waitFor(t, "chart frame", func() bool { return len(emitter.channelFrames(TypeChart)) > 0 })
	waitFor(t, "depth frame", func() bool { return len(emitter.channelFrames(TypeDepth)) > 0 })
	waitFor(t, "filters frame", func() bool { return len(emitter.globalFrames(TypeFilters)) > 0 })
	waitFor(t, "balances frame", func() bool { return len(emitter.globalFrames(TypeBalances)) > 0 })
	waitFor(t, "trades frame", func() bool { return len(emitter.channelFrames(TypeTrades)) > 0 })
	waitFor(t, "history frame", func() bool { return len(emitter.channelFrames(TypeHistory)) > 0 })

	chart := emitter.channelFrames(TypeChart)[0]
	if chart.ChannelID != id || chart.RequestID != "req-1" {
		t.Fatalf("chart frame header = %+v", chart)
	}
	if chart.Extra == nil {
		t.Fatalf("chart frame missing last-candle extra")
	}

	// The filters frame carries the whole symbol row, precisions included.
	filters := emitter.globalFrames(TypeFilters)[0].Payload.(exchange.SymbolInfo)
	if filters.Symbol != "BTCUSDT" {
		t.Fatalf("filters payload = %+v", filters)
	}
	if filters.BaseAssetPrecision != 8 || filters.QuotePrecision != 8 || filters.QuoteAssetPrecision != 6 {
		t.Fatalf("precisions dropped: %+v", filters)
	}
}

func TestUnsubscribeClearsDetailState(t *testing.T) {
	cm, _, _ := newTestChannelManager(t)
	ctx := context.Background()

	id := ChannelID(ChannelDetail, "BTCUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelDetail, "BTCUSDT", "1h", "")
	cm.Unsubscribe(id)

	if len(cm.ChannelIDs()) != 0 {
		t.Fatalf("channel survived unsubscribe")
	}
	if cm.Streams().DetailSymbol() != "" {
		t.Fatalf("detail symbol not cleared")
	}
	settle()
	if streams := cm.Streams().ConnectedStreams(); len(streams) != 0 {
		t.Fatalf("streams after unsubscribe = %v", streams)
	}
}

func TestHandleKlineStaleGuard(t *testing.T) {
	cm, emitter, _ := newTestChannelManager(t)
	ctx := context.Background()

	id := ChannelID(ChannelMini, "BTCUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelMini, "BTCUSDT", "1h", "")
	waitFor(t, "initial chart", func() bool { return len(emitter.channelFrames(TypeChart)) > 0 })
	before := len(emitter.channelFrames(TypeChart))

	evt := exchange.KlineEvent{Symbol: "BTCUSDT"}
	evt.Kline.Interval = "4h"
	evt.Kline.Open, evt.Kline.High, evt.Kline.Low, evt.Kline.Close, evt.Kline.Volume = "1", "1", "1", "1", "1"
	cm.HandleKline([]string{id}, evt)
	if got := len(emitter.channelFrames(TypeChart)); got != before {
		t.Fatalf("stale kline emitted a chart frame")
	}

	evt.Kline.Interval = "1h"
	evt.Kline.StartTime = exchange.FlexTime(1700007200000)
	cm.HandleKline([]string{id}, evt)
	if got := len(emitter.channelFrames(TypeChart)); got != before+1 {
		t.Fatalf("matching kline not emitted")
	}
}

func TestHandleDepthAppliesAndEmits(t *testing.T) {
	cm, emitter, _ := newTestChannelManager(t)
	ctx := context.Background()

	id := ChannelID(ChannelDetail, "BTCUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelDetail, "BTCUSDT", "1h", "")
	waitFor(t, "depth snapshot", func() bool { return len(emitter.channelFrames(TypeDepth)) > 0 })
	before := len(emitter.channelFrames(TypeDepth))

	cm.HandleDepth(exchange.DepthEvent{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 101,
		FinalUpdateID: 105,
		Bids:          [][]string{{"59999", "3"}},
	})
	waitFor(t, "depth update frame", func() bool { return len(emitter.channelFrames(TypeDepth)) > before })

	// Stale diff must not produce a frame.
	count := len(emitter.channelFrames(TypeDepth))
	cm.HandleDepth(exchange.DepthEvent{Symbol: "BTCUSDT", FinalUpdateID: 50})
	if len(emitter.channelFrames(TypeDepth)) != count {
		t.Fatalf("stale depth diff emitted a frame")
	}
}

func TestHandleTradeRequiresMatchingDetail(t *testing.T) {
	cm, emitter, _ := newTestChannelManager(t)
	ctx := context.Background()

	cm.HandleTrade(exchange.TradeEvent{Symbol: "BTCUSDT", Price: "60000"})
	if got := len(emitter.channelFrames(TypeTrades)); got != 0 {
		t.Fatalf("trade emitted without a detail channel")
	}

	id := ChannelID(ChannelDetail, "BTCUSDT", "1h")
	cm.Subscribe(ctx, id, ChannelDetail, "BTCUSDT", "1h", "")
	waitFor(t, "hydration trades", func() bool { return len(emitter.channelFrames(TypeTrades)) > 0 })
	before := len(emitter.channelFrames(TypeTrades))

	cm.HandleTrade(exchange.TradeEvent{Symbol: "ETHUSDT", Price: "3000"})
	if len(emitter.channelFrames(TypeTrades)) != before {
		t.Fatalf("trade for foreign symbol emitted")
	}

	cm.HandleTrade(exchange.TradeEvent{Symbol: "BTCUSDT", Price: "60001"})
	if len(emitter.channelFrames(TypeTrades)) != before+1 {
		t.Fatalf("matching trade not emitted")
	}
}
