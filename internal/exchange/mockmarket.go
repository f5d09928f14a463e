package exchange

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// mockSymbols is the catalogue served in mock mode.
var mockSymbols = []struct {
	symbol, base, quote string
	price               float64
}{
	{"BTCUSDT", "BTC", "USDT", 60000},
	{"ETHUSDT", "ETH", "USDT", 3000},
	{"BNBUSDT", "BNB", "USDT", 550},
	{"ETHBTC", "ETH", "BTC", 0.05},
}

const mockKlineCount = 500

// MockMarketData serves the public market endpoints with synthetic data so
// the UI can be exercised without a venue. Series are deterministic for a
// given clock: a gentle sinusoid around each symbol's base price.
type MockMarketData struct {
	clock func() time.Time
}

// NewMockMarketData constructs the synthetic market-data source.
func NewMockMarketData() *MockMarketData {
	return &MockMarketData{clock: time.Now}
}

func (m *MockMarketData) ExchangeInfo(_ context.Context) (ExchangeInfo, error) {
	symbols := make([]SymbolInfo, 0, len(mockSymbols))
	for _, s := range mockSymbols {
		symbols = append(symbols, SymbolInfo{
			Symbol:              s.symbol,
			Status:              "TRADING",
			BaseAsset:           s.base,
			BaseAssetPrecision:  8,
			QuoteAsset:          s.quote,
			QuotePrecision:      8,
			QuoteAssetPrecision: 8,
			Filters: []SymbolFilter{
				{FilterType: "PRICE_FILTER", MinPrice: "0.00000100", MaxPrice: "1000000.00000000", TickSize: "0.00000100"},
				{FilterType: "LOT_SIZE", MinQty: "0.00010000", MaxQty: "9000.00000000", StepSize: "0.00010000"},
				{FilterType: "MIN_NOTIONAL", MinNotional: "10.00000000"},
			},
		})
	}
	return ExchangeInfo{Symbols: symbols}, nil
}

func (m *MockMarketData) Ticker24h(_ context.Context) ([]TickerStats, error) {
	now := m.clock().UnixMilli()
	out := make([]TickerStats, 0, len(mockSymbols))
	for _, s := range mockSymbols {
		open := s.price * 0.99
		out = append(out, TickerStats{
			Symbol:             s.symbol,
			PriceChange:        formatPrice(s.price - open),
			PriceChangePercent: "1.01",
			LastPrice:          formatPrice(s.price),
			OpenPrice:          formatPrice(open),
			HighPrice:          formatPrice(s.price * 1.02),
			LowPrice:           formatPrice(s.price * 0.97),
			Volume:             "1200.00000000",
			QuoteVolume:        formatPrice(s.price * 1200),
			CloseTime:          FlexTime(now),
		})
	}
	return out, nil
}

func (m *MockMarketData) Depth(_ context.Context, symbol string) (DepthSnapshotPayload, error) {
	price := mockBasePrice(symbol)
	tick := price / 10000
	payload := DepthSnapshotPayload{LastUpdateID: uint64(m.clock().UnixMilli())}
	for i := 1; i <= 20; i++ {
		qty := formatQty(0.5 + float64(i%5)/10)
		payload.Bids = append(payload.Bids, []string{formatPrice(price - float64(i)*tick), qty})
		payload.Asks = append(payload.Asks, []string{formatPrice(price + float64(i)*tick), qty})
	}
	return payload, nil
}

func (m *MockMarketData) Klines(_ context.Context, symbol, interval string) ([]Kline, error) {
	step := intervalDuration(interval)
	price := mockBasePrice(symbol)
	end := m.clock().Truncate(step)
	out := make([]Kline, 0, mockKlineCount)
	for i := 0; i < mockKlineCount; i++ {
		openTime := end.Add(time.Duration(i-mockKlineCount+1) * step)
		open := mockWalk(price, i)
		closePrice := mockWalk(price, i+1)
		high := math.Max(open, closePrice) * 1.001
		low := math.Min(open, closePrice) * 0.999
		out = append(out, Kline{
			OpenTime:  openTime.UnixMilli(),
			Open:      formatPrice(open),
			High:      formatPrice(high),
			Low:       formatPrice(low),
			Close:     formatPrice(closePrice),
			Volume:    formatQty(10 + float64(i%7)),
			CloseTime: openTime.Add(step).UnixMilli() - 1,
		})
	}
	return out, nil
}

func (m *MockMarketData) RecentTrades(_ context.Context, symbol string) ([]PublicTrade, error) {
	price := mockBasePrice(symbol)
	now := m.clock().UnixMilli()
	out := make([]PublicTrade, 0, 20)
	for i := 0; i < 20; i++ {
		out = append(out, PublicTrade{
			ID:           int64(i + 1),
			Price:        formatPrice(mockWalk(price, i)),
			Quantity:     formatQty(0.1 + float64(i%4)/20),
			Time:         FlexTime(now - int64(20-i)*1000),
			IsBuyerMaker: i%2 == 0,
		})
	}
	return out, nil
}

// mockWalk is the deterministic price path: a ±2% sinusoid around base.
func mockWalk(base float64, i int) float64 {
	return base * (1 + 0.02*math.Sin(float64(i)/20))
}

func mockBasePrice(symbol string) float64 {
	for _, s := range mockSymbols {
		if s.symbol == symbol {
			return s.price
		}
	}
	return 100
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

var intervalSteps = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 72 * time.Hour, "1w": 7 * 24 * time.Hour,
	"1M": 30 * 24 * time.Hour,
}

func intervalDuration(interval string) time.Duration {
	if step, ok := intervalSteps[interval]; ok {
		return step
	}
	return time.Hour
}

// MockDialer hands out sockets that carry no frames: mock mode has no
// venue to stream from, so upstream reads block until shutdown.
type MockDialer struct{}

func (MockDialer) Dial(context.Context, string) (Conn, error) {
	return newIdleConn(), nil
}

type idleConn struct {
	once sync.Once
	done chan struct{}
}

func newIdleConn() *idleConn {
	return &idleConn{done: make(chan struct{})}
}

func (c *idleConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.done:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	}
}

func (c *idleConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (c *idleConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}
