package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/quotedesk/quotedesk/internal/config"
	"github.com/quotedesk/quotedesk/internal/exchange"
)

type stubRenderer struct {
	id     string
	mu     sync.Mutex
	frames []GlobalFrame
}

func (r *stubRenderer) ID() string { return r.id }

func (r *stubRenderer) SendGlobal(frame GlobalFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *stubRenderer) framesOf(frameType string) []GlobalFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []GlobalFrame
	for _, f := range r.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type stubUserStream struct {
	mu         sync.Mutex
	keys       int
	keepalives []string
}

func (u *stubUserStream) CreateListenKey(context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys++
	return "listen-key-1", nil
}

func (u *stubUserStream) KeepAliveListenKey(_ context.Context, key string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keepalives = append(u.keepalives, key)
	return nil
}

func testConfig(live bool) *config.Config {
	cfg := &config.Config{
		Exchange: config.ExchangeConfig{
			RESTBaseURL:   "https://api.test",
			StreamBaseURL: "wss://stream.test",
		},
	}
	if live {
		cfg.APIKey = "key"
		cfg.APISecret = "secret"
	}
	return cfg
}

func newTestState(live bool) (*State, *fakeDialer, *stubUserStream) {
	dialer := &fakeDialer{}
	userStream := &stubUserStream{}
	s := NewState(testConfig(live), fakeMarketData{}, userStream, dialer)
	return s, dialer, userStream
}

func TestFirstRendererStartsGlobalSockets(t *testing.T) {
	s, dialer, userStream := newTestState(true)
	r1 := &stubRenderer{id: "r1"}

	s.AddRenderer(r1)
	waitFor(t, "ticker and user-data dials", func() bool { return dialer.dialCount() >= 2 })

	userStream.mu.Lock()
	keys := userStream.keys
	userStream.mu.Unlock()
	if keys != 1 {
		t.Fatalf("listen keys created = %d, want 1", keys)
	}

	// A second renderer must not start another set of sockets.
	s.AddRenderer(&stubRenderer{id: "r2"})
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dials after second renderer = %d, want 2", got)
	}
	s.RemoveRenderer("r1")
	s.RemoveRenderer("r2")
}

func TestMockModeSkipsUserDataStream(t *testing.T) {
	s, dialer, userStream := newTestState(false)
	s.AddRenderer(&stubRenderer{id: "r1"})
	waitFor(t, "ticker dial", func() bool { return dialer.dialCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want ticker only", got)
	}
	userStream.mu.Lock()
	keys := userStream.keys
	userStream.mu.Unlock()
	if keys != 0 {
		t.Fatalf("listen key requested in mock mode")
	}
	s.RemoveRenderer("r1")
}

func TestLastRendererTearsDownSockets(t *testing.T) {
	s, dialer, _ := newTestState(true)
	s.AddRenderer(&stubRenderer{id: "r1"})
	s.AddRenderer(&stubRenderer{id: "r2"})
	waitFor(t, "global sockets", func() bool { return dialer.dialCount() >= 2 })

	s.RemoveRenderer("r1")
	time.Sleep(50 * time.Millisecond)
	if dialer.lastConn().isClosed() {
		t.Fatalf("sockets closed while a renderer remains")
	}

	s.RemoveRenderer("r2")
	waitFor(t, "socket teardown", func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		for _, conn := range dialer.conns {
			if !conn.isClosed() {
				return false
			}
		}
		return true
	})

	// No reconnects may fire after teardown.
	dials := dialer.dialCount()
	time.Sleep(100 * time.Millisecond)
	if dialer.dialCount() != dials {
		t.Fatalf("reconnect fired after last renderer left")
	}
}

func TestTickerFrameFiltersAndBroadcasts(t *testing.T) {
	s, dialer, _ := newTestState(false)
	r1 := &stubRenderer{id: "r1"}
	s.AddRenderer(r1)
	waitFor(t, "ticker dial", func() bool { return dialer.dialCount() >= 1 })
	defer s.RemoveRenderer("r1")

	s.handleTickerFrame([]byte(`[
		{"e":"24hrTicker","s":"BTCUSDT","c":"60000","o":"59000","h":"61000","l":"58000","p":"1000","P":"1.7","v":"1200","q":"70000000","E":1700000000000},
		{"e":"24hrTicker","s":"DOGEEUR","c":"0.1"},
		{"e":"24hrTicker","s":"ETHUSDT","c":"3000"}
	]`))

	updates := r1.framesOf(TypeTickerUpdate)
	if len(updates) != 2 {
		t.Fatalf("ticker updates = %d, want 2 (DOGEEUR filtered)", len(updates))
	}
	first := updates[0].Payload.(tickerUpdate)
	if first.Ticker.Symbol != "BTCUSDT" || first.Index != 0 {
		t.Fatalf("first update = %+v", first)
	}
	second := updates[1].Payload.(tickerUpdate)
	if second.Ticker.Symbol != "ETHUSDT" || second.Index != 1 {
		t.Fatalf("second update = %+v", second)
	}

	// Positional index is stable across upserts.
	s.handleTickerFrame([]byte(`[{"e":"24hrTicker","s":"BTCUSDT","c":"60500"}]`))
	third := r1.framesOf(TypeTickerUpdate)[2].Payload.(tickerUpdate)
	if third.Index != 0 || third.Ticker.LastPrice != "60500" {
		t.Fatalf("repeat update = %+v", third)
	}
}

func TestUserDataFrameRouting(t *testing.T) {
	s, dialer, _ := newTestState(false)
	r1 := &stubRenderer{id: "r1"}
	s.AddRenderer(r1)
	waitFor(t, "ticker dial", func() bool { return dialer.dialCount() >= 1 })
	defer s.RemoveRenderer("r1")

	s.handleUserDataFrame([]byte(`{"e":"executionReport","s":"BTCUSDT","S":"BUY","o":"LIMIT","x":"TRADE","X":"FILLED","i":42,"p":"12346","q":"0.1","z":"0.1","l":"0.1","T":1700000000000,"Z":"1234.6"}`))
	updates := r1.framesOf(TypeExecutionUpdate)
	if len(updates) != 1 {
		t.Fatalf("execution updates = %d", len(updates))
	}
	report := updates[0].Payload.(ExecReport)
	if report.Status != "FILLED" || report.OrderID != 42 || report.AvgPrice != "12346" {
		t.Fatalf("report = %+v", report)
	}

	s.handleUserDataFrame([]byte(`{"e":"outboundAccountPosition","B":[{"a":"USDT","f":"100.5","l":"0"}]}`))
	balances := r1.framesOf(TypeBalanceUpdate)
	if len(balances) != 1 {
		t.Fatalf("balance updates = %d", len(balances))
	}
	payload := balances[0].Payload.([]exchange.Balance)
	if len(payload) != 1 || payload[0].Asset != "USDT" || payload[0].Free != "100.5" {
		t.Fatalf("balance payload = %+v", payload)
	}
}

// normalCloseConn ends every read with a venue-initiated normal close, so
// a supervisor using it stops without reconnecting.
type normalCloseConn struct{}

func (normalCloseConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
}

func (normalCloseConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (normalCloseConn) Close(websocket.StatusCode, string) error { return nil }

type normalCloseDialer struct{}

func (normalCloseDialer) Dial(context.Context, string) (exchange.Conn, error) {
	return normalCloseConn{}, nil
}

func TestSupervisorExitStopsListenKeyRenewal(t *testing.T) {
	cfg := testConfig(true)
	cfg.Exchange.KeepAlive = 5 * time.Millisecond
	userStream := &stubUserStream{}
	s := NewState(cfg, fakeMarketData{}, userStream, normalCloseDialer{})

	// The renderer stays attached the whole time; only the user-data
	// supervisor stops, on the venue's normal close.
	s.AddRenderer(&stubRenderer{id: "r1"})
	defer s.RemoveRenderer("r1")
	waitFor(t, "listen key creation", func() bool {
		userStream.mu.Lock()
		defer userStream.mu.Unlock()
		return userStream.keys >= 1
	})

	time.Sleep(50 * time.Millisecond)
	userStream.mu.Lock()
	renewed := len(userStream.keepalives)
	userStream.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	userStream.mu.Lock()
	renewedLater := len(userStream.keepalives)
	userStream.mu.Unlock()
	if renewedLater != renewed {
		t.Fatalf("keepalives kept firing after the supervisor stopped: %d then %d", renewed, renewedLater)
	}
}

func TestTickerSnapshotSentOnAdd(t *testing.T) {
	s, dialer, _ := newTestState(false)
	r1 := &stubRenderer{id: "r1"}
	s.AddRenderer(r1)
	waitFor(t, "ticker snapshot broadcast", func() bool { return len(r1.framesOf(TypeTicker)) > 0 })
	defer s.RemoveRenderer("r1")
	_ = dialer

	snapshot := r1.framesOf(TypeTicker)[0]
	if snapshot.Type != TypeTicker {
		t.Fatalf("snapshot frame = %+v", snapshot)
	}

	// A renderer joining later gets the cached table immediately.
	r2 := &stubRenderer{id: "r2"}
	s.AddRenderer(r2)
	waitFor(t, "cached snapshot", func() bool { return len(r2.framesOf(TypeTicker)) > 0 })
	s.RemoveRenderer("r2")
}
