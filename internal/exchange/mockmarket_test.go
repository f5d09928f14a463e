package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"
)

func TestMockExchangeInfoCarriesPrecisionsAndFilters(t *testing.T) {
	info, err := NewMockMarketData().ExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("exchangeInfo: %v", err)
	}
	if len(info.Symbols) == 0 {
		t.Fatal("no symbols")
	}
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			t.Fatalf("%s status = %q", s.Symbol, s.Status)
		}
		if s.BaseAssetPrecision == 0 || s.QuotePrecision == 0 || s.QuoteAssetPrecision == 0 {
			t.Fatalf("%s missing precisions: %+v", s.Symbol, s)
		}
		for _, ft := range []string{"PRICE_FILTER", "LOT_SIZE", "MIN_NOTIONAL"} {
			if _, ok := s.Filter(ft); !ok {
				t.Fatalf("%s missing filter %s", s.Symbol, ft)
			}
		}
	}
}

func TestMockKlinesAreFullHistory(t *testing.T) {
	m := NewMockMarketData()
	bars, err := m.Klines(context.Background(), "BTCUSDT", "1h")
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(bars) != mockKlineCount {
		t.Fatalf("len = %d, want %d", len(bars), mockKlineCount)
	}
	step := time.Hour.Milliseconds()
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime-bars[i-1].OpenTime != step {
			t.Fatalf("bar %d open time gap = %d", i, bars[i].OpenTime-bars[i-1].OpenTime)
		}
	}
	last := bars[len(bars)-1]
	if last.CloseTime != last.OpenTime+step-1 {
		t.Fatalf("close time = %d for open %d", last.CloseTime, last.OpenTime)
	}
}

func TestMockKlinesAreDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a := &MockMarketData{clock: func() time.Time { return at }}
	b := &MockMarketData{clock: func() time.Time { return at }}
	barsA, _ := a.Klines(context.Background(), "ETHUSDT", "5m")
	barsB, _ := b.Klines(context.Background(), "ETHUSDT", "5m")
	for i := range barsA {
		if barsA[i] != barsB[i] {
			t.Fatalf("bar %d differs: %+v vs %+v", i, barsA[i], barsB[i])
		}
	}
}

func TestMockDepthIsOrderedAroundBase(t *testing.T) {
	payload, err := NewMockMarketData().Depth(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(payload.Bids) == 0 || len(payload.Asks) == 0 {
		t.Fatal("empty book")
	}
	bestBid := decimal.RequireFromString(payload.Bids[0][0])
	bestAsk := decimal.RequireFromString(payload.Asks[0][0])
	if !bestBid.LessThan(bestAsk) {
		t.Fatalf("crossed book: bid %s >= ask %s", bestBid, bestAsk)
	}
	for i := 1; i < len(payload.Bids); i++ {
		prev := decimal.RequireFromString(payload.Bids[i-1][0])
		cur := decimal.RequireFromString(payload.Bids[i][0])
		if !cur.LessThan(prev) {
			t.Fatalf("bids not descending at %d: %s then %s", i, prev, cur)
		}
	}
	for i := 1; i < len(payload.Asks); i++ {
		prev := decimal.RequireFromString(payload.Asks[i-1][0])
		cur := decimal.RequireFromString(payload.Asks[i][0])
		if !cur.GreaterThan(prev) {
			t.Fatalf("asks not ascending at %d: %s then %s", i, prev, cur)
		}
	}
}

func TestMockDialerConnUnblocksOnClose(t *testing.T) {
	conn, err := MockDialer{}.Dial(context.Background(), "wss://ignored")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(context.Background())
		readErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-readErr:
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Fatalf("read error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}
