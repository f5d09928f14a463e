package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/internal/telemetry"
)

const (
	// reconnectDebounce coalesces stream-set churn into one reconnect.
	reconnectDebounce = 2 * time.Second
	// abnormalCloseDelay spaces reconnects after an unexpected socket drop.
	abnormalCloseDelay = 3 * time.Second
	// marketConnectAttempts bounds the dial retry loop.
	marketConnectAttempts = 3
	// marketConnectStep is the linear backoff step between dial attempts.
	marketConnectStep = 2 * time.Second
)

// MessageHandler receives routed market frames. The handler is responsible
// for the stale-message guard: a frame may arrive for a channel that was
// torn down after the frame left the exchange.
type MessageHandler interface {
	HandleKline(channelIDs []string, evt exchange.KlineEvent)
	HandleTrade(evt exchange.TradeEvent)
	HandleDepth(evt exchange.DepthEvent)
}

// linearBackOff yields step, 2*step, 3*step between retries.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// MarketStreamManager keeps exactly one upstream market socket carrying the
// union of every stream its renderer needs. Stream-set changes are debounced
// so a burst of subscribes produces a single reconnect.
type MarketStreamManager struct {
	mu sync.Mutex

	dialer     exchange.Dialer
	streamBase string
	handler    MessageHandler
	debounce   time.Duration
	closeDelay time.Duration

	klineStreams     map[string]map[string]struct{}
	detailSymbol     string
	depthViewEnabled bool
	depthViewSymbol  string

	connectedStreams []string
	conn             exchange.Conn
	readCancel       context.CancelFunc
	reconnectTimer   *time.Timer
	generation       uint64
	closed           bool
}

// NewMarketStreamManager constructs a manager for one renderer.
func NewMarketStreamManager(dialer exchange.Dialer, streamBase string, handler MessageHandler) *MarketStreamManager {
	return &MarketStreamManager{
		dialer:       dialer,
		streamBase:   streamBase,
		handler:      handler,
		debounce:     reconnectDebounce,
		closeDelay:   abnormalCloseDelay,
		klineStreams: make(map[string]map[string]struct{}),
	}
}

// SetHandler installs the frame handler. The manager and its handler
// reference each other, so wiring happens after construction.
func (m *MarketStreamManager) SetHandler(handler MessageHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// SetDebounce overrides the reconnect debounce. Zero keeps the default.
func (m *MarketStreamManager) SetDebounce(d time.Duration) {
	if d > 0 {
		m.mu.Lock()
		m.debounce = d
		m.closeDelay = d
		m.mu.Unlock()
	}
}

// AddKlineStream registers a channel's interest in a kline stream.
func (m *MarketStreamManager) AddKlineStream(channelID, symbol, interval string) {
	name := exchange.KlineStream(symbol, interval)
	m.mu.Lock()
	set, ok := m.klineStreams[name]
	if !ok {
		set = make(map[string]struct{})
		m.klineStreams[name] = set
	}
	set[channelID] = struct{}{}
	m.scheduleReconnectLocked(m.debounce)
	m.mu.Unlock()
}

// RemoveKlineStream drops one channel from a stream, removing the stream
// when its last subscriber leaves.
func (m *MarketStreamManager) RemoveKlineStream(channelID, symbol, interval string) {
	name := exchange.KlineStream(symbol, interval)
	m.mu.Lock()
	if set, ok := m.klineStreams[name]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(m.klineStreams, name)
		}
	}
	m.scheduleReconnectLocked(m.debounce)
	m.mu.Unlock()
}

// RemoveChannelStreams drops the channel from every stream set.
func (m *MarketStreamManager) RemoveChannelStreams(channelID string) {
	m.mu.Lock()
	changed := false
	for name, set := range m.klineStreams {
		if _, ok := set[channelID]; ok {
			delete(set, channelID)
			changed = true
			if len(set) == 0 {
				delete(m.klineStreams, name)
			}
		}
	}
	if changed {
		m.scheduleReconnectLocked(m.debounce)
	}
	m.mu.Unlock()
}

// SetDetailSymbol records the active detail symbol. Bookkeeping only; the
// stream set is not touched.
func (m *MarketStreamManager) SetDetailSymbol(symbol string) {
	m.mu.Lock()
	m.detailSymbol = symbol
	m.mu.Unlock()
}

// ClearDetailSymbol forgets the detail symbol and turns off the depth view.
func (m *MarketStreamManager) ClearDetailSymbol() {
	m.mu.Lock()
	m.detailSymbol = ""
	if m.depthViewEnabled {
		m.depthViewEnabled = false
		m.depthViewSymbol = ""
		m.scheduleReconnectLocked(m.debounce)
	}
	m.mu.Unlock()
}

// DetailSymbol returns the recorded detail symbol.
func (m *MarketStreamManager) DetailSymbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detailSymbol
}

// EnableDepthView adds trade and depth streams for the symbol. No-op when
// already enabled on the same symbol.
func (m *MarketStreamManager) EnableDepthView(symbol string) {
	m.mu.Lock()
	if m.depthViewEnabled && m.depthViewSymbol == symbol {
		m.mu.Unlock()
		return
	}
	m.depthViewEnabled = true
	m.depthViewSymbol = symbol
	m.scheduleReconnectLocked(m.debounce)
	m.mu.Unlock()
}

// DisableDepthView removes the trade and depth streams.
func (m *MarketStreamManager) DisableDepthView() {
	m.mu.Lock()
	if m.depthViewEnabled {
		m.depthViewEnabled = false
		m.depthViewSymbol = ""
		m.scheduleReconnectLocked(m.debounce)
	}
	m.mu.Unlock()
}

// ConnectedStreams reports the stream set of the live socket.
func (m *MarketStreamManager) ConnectedStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.connectedStreams))
	copy(out, m.connectedStreams)
	return out
}

// Cleanup closes the socket and cancels pending reconnects.
func (m *MarketStreamManager) Cleanup() {
	m.mu.Lock()
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.dropConnLocked()
	m.klineStreams = make(map[string]map[string]struct{})
	m.detailSymbol = ""
	m.depthViewEnabled = false
	m.depthViewSymbol = ""
	m.mu.Unlock()
}

func (m *MarketStreamManager) scheduleReconnectLocked(delay time.Duration) {
	if m.closed {
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, m.reconcile)
}

func (m *MarketStreamManager) desiredStreamsLocked() []string {
	out := make([]string, 0, len(m.klineStreams)+2)
	for name := range m.klineStreams {
		out = append(out, name)
	}
	if m.depthViewEnabled && m.depthViewSymbol != "" {
		out = append(out, exchange.TradeStream(m.depthViewSymbol), exchange.DepthStream(m.depthViewSymbol))
	}
	sort.Strings(out)
	return out
}

func equalStreams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reconcile compares the desired stream set with the live socket and
// replaces the socket when they differ.
func (m *MarketStreamManager) reconcile() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	desired := m.desiredStreamsLocked()
	if equalStreams(desired, m.connectedStreams) && m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.dropConnLocked()
	if len(desired) == 0 {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	conn, err := m.connectWithRetry(desired)
	if err != nil {
		observability.Log().Error("market socket connect failed",
			observability.F("streams", desired),
			observability.F("error", err))
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	// Stream set may have moved while dialing; reconcile again if so.
	if !equalStreams(desired, m.desiredStreamsLocked()) {
		m.scheduleReconnectLocked(m.debounce)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.readCancel = cancel
	m.connectedStreams = desired
	m.mu.Unlock()

	observability.Log().Info("market socket connected", observability.F("streams", desired))
	go m.readLoop(ctx, conn, gen)
}

func (m *MarketStreamManager) connectWithRetry(streams []string) (exchange.Conn, error) {
	wsURL := exchange.CombinedStreamURL(m.streamBase, streams)
	operation := func() (exchange.Conn, error) {
		conn, err := m.dialer.Dial(context.Background(), wsURL)
		if err != nil {
			if !errs.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}
	return backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(&linearBackOff{step: marketConnectStep}),
		backoff.WithMaxTries(marketConnectAttempts))
}

func (m *MarketStreamManager) dropConnLocked() {
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "resubscribe")
		m.conn = nil
	}
	m.connectedStreams = nil
}

func (m *MarketStreamManager) readLoop(ctx context.Context, conn exchange.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleReadError(ctx, err, gen)
			return
		}
		m.route(data)
	}
}

func (m *MarketStreamManager) handleReadError(ctx context.Context, err error, gen uint64) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.generation {
		return
	}
	m.dropConnLocked()
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return
	}
	if len(m.desiredStreamsLocked()) == 0 {
		return
	}
	observability.Log().Warn("market socket dropped",
		observability.F("status", int(status)),
		observability.F("error", err))
	telemetry.CountReconnect("market")
	m.scheduleReconnectLocked(m.closeDelay)
}

// route unwraps the combined-socket envelope and dispatches by event type.
func (m *MarketStreamManager) route(data []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return
	}
	var envelope exchange.StreamEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		observability.Log().Warn("unparseable market frame", observability.F("error", err))
		return
	}
	payload := []byte(envelope.Data)
	if len(payload) == 0 {
		payload = data
	}
	eventType := exchange.EventType(payload)
	telemetry.CountUpstreamFrame(eventType)
	switch eventType {
	case "kline":
		var evt exchange.KlineEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return
		}
		name := exchange.KlineStream(evt.Symbol, evt.Kline.Interval)
		m.mu.Lock()
		subscribers := make([]string, 0, 2)
		for cid := range m.klineStreams[name] {
			subscribers = append(subscribers, cid)
		}
		m.mu.Unlock()
		if len(subscribers) > 0 {
			sort.Strings(subscribers)
			handler.HandleKline(subscribers, evt)
		}
	case "trade":
		var evt exchange.TradeEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return
		}
		handler.HandleTrade(evt)
	case "depthUpdate":
		var evt exchange.DepthEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return
		}
		handler.HandleDepth(evt)
	}
}
