package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/config"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/market"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/internal/telemetry"
)

const (
	// listenKeyKeepAlive is the venue's listen-key renewal interval.
	listenKeyKeepAlive = 30 * time.Minute
	// supervisorConnectAttempts bounds ticker/user-data dial retries.
	supervisorConnectAttempts = 5
	// supervisorConnectStep is the linear backoff step for supervisors.
	supervisorConnectStep = 3 * time.Second
	// supervisorReconnectDelay spaces reconnects after an abnormal close.
	supervisorReconnectDelay = 5 * time.Second
)

// Renderer is the broker-side view of a connected renderer socket.
type Renderer interface {
	ID() string
	SendGlobal(frame GlobalFrame)
}

// State is the process-wide broker state: the shared ticker table, the
// global upstream sockets, and the renderer registry. Global sockets start
// with the first renderer and stop with the last.
type State struct {
	cfg        *config.Config
	marketData exchange.MarketDataClient
	userStream exchange.UserStreamClient
	dialer     exchange.Dialer
	tickers    *market.TickerCache

	mu               sync.Mutex
	renderers        map[string]Renderer
	cancel           context.CancelFunc
	keepAliveCancel  context.CancelFunc
	initialized      bool
	snapshotInFlight bool
}

// NewState constructs the shared broker state.
func NewState(cfg *config.Config, marketData exchange.MarketDataClient, userStream exchange.UserStreamClient, dialer exchange.Dialer) *State {
	return &State{
		cfg:        cfg,
		marketData: marketData,
		userStream: userStream,
		dialer:     dialer,
		tickers:    market.NewTickerCache(),
	}
}

// Tickers exposes the shared ticker table.
func (s *State) Tickers() *market.TickerCache { return s.tickers }

// AddRenderer registers a renderer. The first renderer starts the global
// sockets and triggers the ticker snapshot fetch.
func (s *State) AddRenderer(r Renderer) {
	s.mu.Lock()
	if s.renderers == nil {
		s.renderers = make(map[string]Renderer)
	}
	s.renderers[r.ID()] = r
	first := !s.initialized
	if first {
		s.initialized = true
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.runTickerSupervisor(ctx)
		if !s.cfg.MockMode() {
			go s.runUserDataSupervisor(ctx)
		} else {
			observability.Log().Info("mock mode: user-data stream disabled")
		}
	}
	needSnapshot := s.tickers.Len() == 0 && !s.snapshotInFlight
	if needSnapshot {
		s.snapshotInFlight = true
	}
	s.mu.Unlock()

	if needSnapshot {
		go s.fetchTickerSnapshot()
	} else if s.tickers.Len() > 0 {
		r.SendGlobal(GlobalFrame{Type: TypeTicker, Payload: s.tickers.Snapshot()})
	}
}

// RemoveRenderer unregisters a renderer. The last one leaving tears down
// the global sockets and cancels pending reconnects.
func (s *State) RemoveRenderer(id string) {
	s.mu.Lock()
	delete(s.renderers, id)
	if len(s.renderers) == 0 && s.initialized {
		s.initialized = false
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		observability.Log().Info("last renderer left, closing global sockets")
	}
	s.mu.Unlock()
}

// RendererCount reports the number of connected renderers.
func (s *State) RendererCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.renderers)
}

// Broadcast sends a global frame to every connected renderer.
func (s *State) Broadcast(frame GlobalFrame) {
	s.mu.Lock()
	targets := make([]Renderer, 0, len(s.renderers))
	for _, r := range s.renderers {
		targets = append(targets, r)
	}
	s.mu.Unlock()
	for _, r := range targets {
		r.SendGlobal(frame)
	}
}

func (s *State) fetchTickerSnapshot() {
	defer func() {
		s.mu.Lock()
		s.snapshotInFlight = false
		s.mu.Unlock()
	}()
	stats, err := s.marketData.Ticker24h(context.Background())
	if err != nil {
		observability.Log().Warn("ticker snapshot fetch failed", observability.F("error", err))
		return
	}
	batch := make([]market.Ticker, 0, len(stats))
	for _, stat := range stats {
		if !tickerSymbolWanted(stat.Symbol) {
			continue
		}
		batch = append(batch, market.Ticker{
			Symbol:             stat.Symbol,
			LastPrice:          stat.LastPrice,
			PriceChange:        stat.PriceChange,
			PriceChangePercent: stat.PriceChangePercent,
			HighPrice:          stat.HighPrice,
			LowPrice:           stat.LowPrice,
			OpenPrice:          stat.OpenPrice,
			Volume:             stat.Volume,
			QuoteVolume:        stat.QuoteVolume,
			EventTime:          stat.CloseTime.Millis(),
		})
	}
	s.tickers.UpsertAll(batch)
	s.Broadcast(GlobalFrame{Type: TypeTicker, Payload: s.tickers.Snapshot()})
}

func tickerSymbolWanted(symbol string) bool {
	return strings.Contains(symbol, "BTC") || strings.Contains(symbol, "USDT")
}

// connectSupervisor dials with the supervisor retry policy: up to 5
// attempts, linear 3s backoff, transient failures only.
func (s *State) connectSupervisor(ctx context.Context, wsURL string) (exchange.Conn, error) {
	operation := func() (exchange.Conn, error) {
		conn, err := s.dialer.Dial(ctx, wsURL)
		if err != nil {
			if !errs.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: supervisorConnectStep}),
		backoff.WithMaxTries(supervisorConnectAttempts))
}

// supervise runs the connect/read/reconnect loop shared by the ticker and
// user-data supervisors. connect returns a live socket, handle consumes one
// frame. A renderer count of zero suppresses every reconnect.
func (s *State) supervise(ctx context.Context, name string, connect func(context.Context) (exchange.Conn, error), handle func([]byte)) {
	for {
		if ctx.Err() != nil || s.RendererCount() == 0 {
			return
		}
		conn, err := s.connectSupervisorWith(ctx, name, connect)
		if err != nil {
			return
		}
		readErr := s.readFrames(ctx, conn, handle)
		_ = conn.Close(websocket.StatusNormalClosure, "supervisor stopping")
		if ctx.Err() != nil || s.RendererCount() == 0 {
			return
		}
		status := websocket.CloseStatus(readErr)
		if status == websocket.StatusNormalClosure {
			observability.Log().Info("upstream stream closed", observability.F("stream", name))
			return
		}
		if !errs.IsTransient(readErr) && status == -1 {
			observability.Log().Error("upstream stream failed",
				observability.F("stream", name),
				observability.F("error", readErr))
			return
		}
		observability.Log().Warn("upstream stream dropped, reconnecting",
			observability.F("stream", name),
			observability.F("status", int(status)),
			observability.F("error", readErr))
		telemetry.CountReconnect(name)
		if err := sleepCtx(ctx, supervisorReconnectDelay); err != nil {
			return
		}
	}
}

func (s *State) connectSupervisorWith(ctx context.Context, name string, connect func(context.Context) (exchange.Conn, error)) (exchange.Conn, error) {
	conn, err := connect(ctx)
	if err != nil {
		observability.Log().Error("upstream connect failed",
			observability.F("stream", name),
			observability.F("error", err))
		return nil, err
	}
	observability.Log().Info("upstream stream connected", observability.F("stream", name))
	return conn, nil
}

func (s *State) readFrames(ctx context.Context, conn exchange.Conn, handle func([]byte)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		handle(data)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runTickerSupervisor keeps the market-wide !ticker@arr stream attached,
// feeding the shared ticker table and broadcasting positional updates.
func (s *State) runTickerSupervisor(ctx context.Context) {
	wsURL := exchange.UserStreamURL(s.cfg.Exchange.StreamBaseURL, exchange.AllTickersStream)
	connect := func(ctx context.Context) (exchange.Conn, error) {
		return s.connectSupervisor(ctx, wsURL)
	}
	s.supervise(ctx, "ticker", connect, s.handleTickerFrame)
}

func (s *State) handleTickerFrame(data []byte) {
	var events []exchange.MiniTickerEvent
	if err := json.Unmarshal(data, &events); err != nil {
		observability.Log().Warn("unparseable ticker frame", observability.F("error", err))
		return
	}
	telemetry.CountUpstreamFrame("24hrTicker")
	for _, evt := range events {
		if !tickerSymbolWanted(evt.Symbol) {
			continue
		}
		ticker := market.Ticker{
			Symbol:             evt.Symbol,
			LastPrice:          evt.LastPrice,
			PriceChange:        evt.PriceChange,
			PriceChangePercent: evt.PriceChangePercent,
			HighPrice:          evt.HighPrice,
			LowPrice:           evt.LowPrice,
			OpenPrice:          evt.OpenPrice,
			Volume:             evt.Volume,
			QuoteVolume:        evt.QuoteVolume,
			EventTime:          evt.EventTime.Millis(),
		}
		s.tickers.Upsert(ticker)
		s.Broadcast(GlobalFrame{Type: TypeTickerUpdate, Payload: tickerUpdate{
			Index:  s.tickerIndex(evt.Symbol),
			Ticker: ticker,
		}})
	}
}

type tickerUpdate struct {
	Index  int           `json:"index"`
	Ticker market.Ticker `json:"ticker"`
}

func (s *State) tickerIndex(symbol string) int {
	for i, entry := range s.tickers.Snapshot() {
		if entry.Symbol == symbol {
			return i
		}
	}
	return -1
}

// runUserDataSupervisor keeps the private user-data stream attached via a
// listen key, renewing the key every 30 minutes.
func (s *State) runUserDataSupervisor(ctx context.Context) {
	connect := func(ctx context.Context) (exchange.Conn, error) {
		listenKey, err := s.userStream.CreateListenKey(ctx)
		if err != nil {
			return nil, err
		}
		conn, err := s.connectSupervisor(ctx, exchange.UserStreamURL(s.cfg.Exchange.StreamBaseURL, listenKey))
		if err != nil {
			return nil, err
		}
		// One keepalive loop per live connection; a reconnect gets a new key.
		keepCtx, keepCancel := context.WithCancel(ctx)
		s.mu.Lock()
		if s.keepAliveCancel != nil {
			s.keepAliveCancel()
		}
		s.keepAliveCancel = keepCancel
		s.mu.Unlock()
		go s.keepAliveLoop(keepCtx, listenKey)
		return conn, nil
	}
	s.supervise(ctx, "user-data", connect, s.handleUserDataFrame)
	// The supervisor may stop while renderers remain (normal close or a
	// non-transient failure); the last key must not be renewed forever.
	s.mu.Lock()
	if s.keepAliveCancel != nil {
		s.keepAliveCancel()
		s.keepAliveCancel = nil
	}
	s.mu.Unlock()
}

func (s *State) keepAliveLoop(ctx context.Context, listenKey string) {
	interval := s.cfg.Exchange.KeepAlive
	if interval <= 0 {
		interval = listenKeyKeepAlive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.userStream.KeepAliveListenKey(ctx, listenKey); err != nil {
				observability.Log().Warn("listen key keepalive failed", observability.F("error", err))
			}
		}
	}
}

func (s *State) handleUserDataFrame(data []byte) {
	eventType := exchange.EventType(data)
	telemetry.CountUpstreamFrame(eventType)
	switch eventType {
	case "executionReport":
		var evt exchange.ExecutionReport
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		s.Broadcast(GlobalFrame{Type: TypeExecutionUpdate, Payload: NormalizeStreamReport(evt)})
	case "outboundAccountPosition":
		var evt exchange.AccountPositionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		balances := make([]exchange.Balance, 0, len(evt.Balances))
		for _, b := range evt.Balances {
			balances = append(balances, exchange.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
		}
		s.Broadcast(GlobalFrame{Type: TypeBalanceUpdate, Payload: balances})
	case "balanceUpdate":
		var evt exchange.BalanceUpdateEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		s.Broadcast(GlobalFrame{Type: TypeBalanceUpdate, Payload: []exchange.Balance{{Asset: evt.Asset, Free: evt.Delta}}})
	}
}
