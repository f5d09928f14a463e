package exchange

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestFlexTimeAcceptsNumberAndString(t *testing.T) {
	cases := map[string]int64{
		`1700000000123`:   1700000000123,
		`"1700000000123"`: 1700000000123,
		`null`:            0,
		`""`:              0,
		`"abc"`:           0,
	}
	for raw, want := range cases {
		var ts FlexTime
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", raw, err)
		}
		if ts.Millis() != want {
			t.Fatalf("Unmarshal(%s) = %d, want %d", raw, ts.Millis(), want)
		}
	}
	if FlexTime(1700000000123).Seconds() != 1700000000 {
		t.Fatalf("Seconds() truncation wrong")
	}
}

func TestKlineUnmarshalPositional(t *testing.T) {
	raw := []byte(`[1700000000000,"100.5","101.0","99.5","100.75","12.34",1700000059999,"1240.1",42,"6.1","613.2","0"]`)
	var k Kline
	if err := json.Unmarshal(raw, &k); err != nil {
		t.Fatalf("Unmarshal kline: %v", err)
	}
	if k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Fatalf("unexpected times %+v", k)
	}
	if k.Open != "100.5" || k.High != "101.0" || k.Low != "99.5" || k.Close != "100.75" || k.Volume != "12.34" {
		t.Fatalf("unexpected OHLCV %+v", k)
	}
}

func TestEventTypeProbe(t *testing.T) {
	if got := EventType([]byte(`{"e":"trade","s":"BTCUSDT"}`)); got != "trade" {
		t.Fatalf("EventType = %q, want trade", got)
	}
	if got := EventType([]byte(`not json`)); got != "" {
		t.Fatalf("EventType on garbage = %q, want empty", got)
	}
}

func TestSymbolInfoFilterLookup(t *testing.T) {
	info := SymbolInfo{
		Symbol: "BTCUSDT",
		Filters: []SymbolFilter{
			{FilterType: "PRICE_FILTER", TickSize: "0.01"},
			{FilterType: "LOT_SIZE", StepSize: "0.00001", MinQty: "0.00001"},
		},
	}
	f, ok := info.Filter("lot_size")
	if !ok || f.StepSize != "0.00001" {
		t.Fatalf("Filter(lot_size) = %+v, %v", f, ok)
	}
	if _, ok := info.Filter("MIN_NOTIONAL"); ok {
		t.Fatalf("absent filter reported present")
	}
}

func TestStreamNames(t *testing.T) {
	if got := KlineStream("BTCUSDT", "1m"); got != "btcusdt@kline_1m" {
		t.Fatalf("KlineStream = %q", got)
	}
	if got := TradeStream("ETHUSDT"); got != "ethusdt@trade" {
		t.Fatalf("TradeStream = %q", got)
	}
	if got := DepthStream("BTCUSDT"); got != "btcusdt@depth@100ms" {
		t.Fatalf("DepthStream = %q", got)
	}
	url := CombinedStreamURL("wss://stream.binance.com:9443", []string{"btcusdt@trade", "ethusdt@kline_1m"})
	if url != "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@kline_1m" {
		t.Fatalf("CombinedStreamURL = %q", url)
	}
	if got := UserStreamURL("wss://stream.binance.com:9443/", "lk123"); got != "wss://stream.binance.com:9443/ws/lk123" {
		t.Fatalf("UserStreamURL = %q", got)
	}
}
