package broker

import (
	"context"
	"sync"
	"time"

	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/market"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/lib/async"
)

// Channel types a renderer can subscribe.
const (
	ChannelDetail = "detail"
	ChannelMini   = "mini"
	ChannelGlobal = "global"
)

// Emitter delivers frames to one renderer. Sends to a closed renderer are
// no-ops; in-flight fetches may finish after the socket is gone.
type Emitter interface {
	SendChannel(frame ChannelFrame)
	SendGlobal(frame GlobalFrame)
}

// Channel is one renderer subscription. Detail channels carry the order
// book; every channel carries its candle series tail for merging.
type Channel struct {
	ID        string
	Type      string
	Symbol    string
	Interval  string
	CreatedAt time.Time
	Depth     *market.DepthCache
	Candles   []market.Candle
}

// ChannelManager is the per-renderer channel registry. It owns the
// renderer's MarketStreamManager and hydrates new detail channels over REST.
type ChannelManager struct {
	emitter    Emitter
	streams    *MarketStreamManager
	marketData exchange.MarketDataClient
	account    exchange.AccountClient
	pool       *async.Pool

	mu               sync.Mutex
	channels         map[string]*Channel
	lastDetailSymbol string
}

// NewChannelManager wires a registry for one renderer. The pool runs the
// subscribe REST fan-out; tasks settle independently.
func NewChannelManager(emitter Emitter, streams *MarketStreamManager, marketData exchange.MarketDataClient, account exchange.AccountClient, pool *async.Pool) *ChannelManager {
	return &ChannelManager{
		emitter:    emitter,
		streams:    streams,
		marketData: marketData,
		account:    account,
		pool:       pool,
		channels:   make(map[string]*Channel),
	}
}

// Streams exposes the renderer's stream manager for depth-view toggling.
func (cm *ChannelManager) Streams() *MarketStreamManager { return cm.streams }

// ChannelID builds the deterministic channel identity.
func ChannelID(channelType, symbol, interval string) string {
	return channelType + "-" + symbol + "-" + interval
}

// Subscribe implements the full subscribe protocol: detail replacement,
// channel creation, REST hydration, and stream registration.
func (cm *ChannelManager) Subscribe(ctx context.Context, channelID, channelType, symbol, interval, requestID string) {
	if channelID == "" || symbol == "" || !market.ValidInterval(interval) {
		observability.Log().Warn("dropping invalid subscribe",
			observability.F("channelId", channelID),
			observability.F("symbol", symbol),
			observability.F("interval", interval))
		return
	}
	if channelType != ChannelDetail && channelType != ChannelMini {
		observability.Log().Warn("dropping subscribe with unknown channel type",
			observability.F("channelType", channelType))
		return
	}

	cm.mu.Lock()
	if channelType == ChannelDetail {
		if old := cm.detailChannelLocked(); old != nil && old.ID != channelID {
			cm.streams.RemoveKlineStream(old.ID, old.Symbol, old.Interval)
			cm.removeChannelLocked(old.ID)
		}
	}

	firstDetailForSymbol := channelType == ChannelDetail && cm.lastDetailSymbol != symbol

	cm.createChannelLocked(channelID, channelType, symbol, interval)
	ch := cm.channels[channelID]
	if channelType == ChannelDetail && firstDetailForSymbol {
		cm.lastDetailSymbol = symbol
	}
	cm.mu.Unlock()

	if channelType == ChannelDetail && firstDetailForSymbol {
		cm.hydrateDetail(ctx, ch)
	}
	cm.hydrateChart(ctx, ch, requestID)

	cm.streams.AddKlineStream(channelID, symbol, interval)
	if channelType == ChannelDetail {
		cm.streams.SetDetailSymbol(symbol)
	}
}

// Unsubscribe removes the channel and its stream interest.
func (cm *ChannelManager) Unsubscribe(channelID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ch, ok := cm.channels[channelID]
	if !ok {
		observability.Log().Warn("unsubscribe for unknown channel",
			observability.F("channelId", channelID))
		return
	}
	cm.streams.RemoveKlineStream(channelID, ch.Symbol, ch.Interval)
	if ch.Type == ChannelDetail {
		cm.streams.ClearDetailSymbol()
		cm.lastDetailSymbol = ""
	}
	cm.removeChannelLocked(channelID)
}

func (cm *ChannelManager) createChannelLocked(channelID, channelType, symbol, interval string) {
	if _, exists := cm.channels[channelID]; exists {
		cm.removeChannelLocked(channelID)
	}
	ch := &Channel{
		ID:        channelID,
		Type:      channelType,
		Symbol:    symbol,
		Interval:  interval,
		CreatedAt: time.Now(),
	}
	if channelType == ChannelDetail {
		ch.Depth = market.NewDepthCache()
	}
	cm.channels[channelID] = ch
}

func (cm *ChannelManager) removeChannelLocked(channelID string) {
	delete(cm.channels, channelID)
}

// Channel returns the channel for id, if present.
func (cm *ChannelManager) Channel(channelID string) (*Channel, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ch, ok := cm.channels[channelID]
	return ch, ok
}

func (cm *ChannelManager) detailChannelLocked() *Channel {
	for _, ch := range cm.channels {
		if ch.Type == ChannelDetail {
			return ch
		}
	}
	return nil
}

// DetailChannel returns the renderer's current detail channel.
func (cm *ChannelManager) DetailChannel() *Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.detailChannelLocked()
}

// ChannelIDs lists registered channel ids.
func (cm *ChannelManager) ChannelIDs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, 0, len(cm.channels))
	for id := range cm.channels {
		out = append(out, id)
	}
	return out
}

// Cleanup removes every channel and shuts the market socket.
func (cm *ChannelManager) Cleanup() {
	cm.mu.Lock()
	cm.channels = make(map[string]*Channel)
	cm.lastDetailSymbol = ""
	cm.mu.Unlock()
	cm.streams.Cleanup()
}

// hydrateDetail issues the detail REST fan-out. Each fetch settles on its
// own; one failure never blocks the others.
func (cm *ChannelManager) hydrateDetail(ctx context.Context, ch *Channel) {
	channelID := ch.ID
	symbol := ch.Symbol
	depth := ch.Depth
	cm.pool.SubmitAll(ctx, []async.Task{
		{Name: "filters " + symbol, Run: func(ctx context.Context) error {
			info, err := cm.marketData.ExchangeInfo(ctx)
			if err != nil {
				return err
			}
			for _, sym := range info.Symbols {
				if sym.Symbol == symbol {
					cm.emitter.SendGlobal(GlobalFrame{Type: TypeFilters, Payload: sym})
					return nil
				}
			}
			return nil
		}},
		{Name: "balances", Run: func(ctx context.Context) error {
			account, err := cm.account.Account(ctx)
			if err != nil {
				return err
			}
			cm.emitter.SendGlobal(GlobalFrame{Type: TypeBalances, Payload: nonZeroBalances(account.Balances)})
			return nil
		}},
		{Name: "open orders", Run: func(ctx context.Context) error {
			orders, err := cm.account.OpenOrders(ctx, "")
			if err != nil {
				return err
			}
			cm.emitter.SendChannel(ChannelFrame{ChannelID: channelID, Type: TypeOrders, Symbol: symbol, Payload: orders})
			return nil
		}},
		{Name: "trade history " + symbol, Run: func(ctx context.Context) error {
			trades, err := cm.account.MyTrades(ctx, symbol)
			if err != nil {
				return err
			}
			cm.emitter.SendChannel(ChannelFrame{ChannelID: channelID, Type: TypeHistory, Symbol: symbol, Payload: trades})
			return nil
		}},
		{Name: "recent trades " + symbol, Run: func(ctx context.Context) error {
			trades, err := cm.marketData.RecentTrades(ctx, symbol)
			if err != nil {
				return err
			}
			cm.emitter.SendChannel(ChannelFrame{ChannelID: channelID, Type: TypeTrades, Symbol: symbol, Payload: trades})
			return nil
		}},
		{Name: "depth snapshot " + symbol, Run: func(ctx context.Context) error {
			snapshot, err := cm.marketData.Depth(ctx, symbol)
			if err != nil {
				return err
			}
			depth.Snapshot(market.DepthSnapshot{
				LastUpdateID: snapshot.LastUpdateID,
				Bids:         snapshot.Bids,
				Asks:         snapshot.Asks,
			})
			cm.emitter.SendChannel(ChannelFrame{ChannelID: channelID, Type: TypeDepth, Symbol: symbol, Payload: depth.Formatted()})
			return nil
		}},
	})
}

// hydrateChart fetches the initial candle series for any channel type.
func (cm *ChannelManager) hydrateChart(ctx context.Context, ch *Channel, requestID string) {
	channelID := ch.ID
	symbol := ch.Symbol
	interval := ch.Interval
	cm.pool.SubmitAll(ctx, []async.Task{
		{Name: "klines " + symbol + " " + interval, Run: func(ctx context.Context) error {
			klines, err := cm.marketData.Klines(ctx, symbol, interval)
			if err != nil {
				return err
			}
			candles := make([]market.Candle, 0, len(klines))
			for i, k := range klines {
				candle := market.CandleFromStrings(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, i < len(klines)-1)
				candles = market.MergeCandle(candles, candle)
			}
			cm.mu.Lock()
			if current, ok := cm.channels[channelID]; ok && current == ch {
				ch.Candles = candles
			}
			cm.mu.Unlock()
			frame := ChannelFrame{
				ChannelID: channelID,
				Type:      TypeChart,
				Symbol:    symbol,
				Interval:  interval,
				Payload:   candles,
				RequestID: requestID,
			}
			if len(candles) > 0 {
				frame.Extra = candles[len(candles)-1]
			}
			cm.emitter.SendChannel(frame)
			return nil
		}},
	})
}

func nonZeroBalances(balances []exchange.Balance) []exchange.Balance {
	out := make([]exchange.Balance, 0, len(balances))
	for _, b := range balances {
		if isZeroAmount(b.Free) && isZeroAmount(b.Locked) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func isZeroAmount(value string) bool {
	for _, r := range value {
		if r >= '1' && r <= '9' {
			return false
		}
	}
	return true
}

// HandleKline routes a streamed kline to its subscribing channels. The
// symbol/interval recheck drops frames for channels replaced mid-flight.
func (cm *ChannelManager) HandleKline(channelIDs []string, evt exchange.KlineEvent) {
	candle := market.CandleFromStrings(
		evt.Kline.StartTime.Millis(),
		evt.Kline.Open, evt.Kline.High, evt.Kline.Low, evt.Kline.Close, evt.Kline.Volume,
		evt.Kline.IsFinal,
	)
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channelID := range channelIDs {
		ch, ok := cm.channels[channelID]
		if !ok || ch.Symbol != evt.Symbol || ch.Interval != evt.Kline.Interval {
			continue
		}
		ch.Candles = market.MergeCandle(ch.Candles, candle)
		cm.emitter.SendChannel(ChannelFrame{
			ChannelID: channelID,
			Type:      TypeChart,
			Symbol:    ch.Symbol,
			Interval:  ch.Interval,
			Payload:   candle,
			Extra:     candle,
		})
	}
}

// HandleTrade forwards a live trade to the detail channel when it matches.
func (cm *ChannelManager) HandleTrade(evt exchange.TradeEvent) {
	ch := cm.DetailChannel()
	if ch == nil || ch.Symbol != evt.Symbol {
		return
	}
	cm.emitter.SendChannel(ChannelFrame{
		ChannelID: ch.ID,
		Type:      TypeTrades,
		Symbol:    ch.Symbol,
		Payload:   evt,
	})
}

// HandleDepth applies a depth diff to the detail channel's book and emits
// the formatted view.
func (cm *ChannelManager) HandleDepth(evt exchange.DepthEvent) {
	ch := cm.DetailChannel()
	if ch == nil || ch.Symbol != evt.Symbol || ch.Depth == nil {
		return
	}
	if !ch.Depth.Update(market.DepthUpdate{
		FirstUpdateID: evt.FirstUpdateID,
		FinalUpdateID: evt.FinalUpdateID,
		Bids:          evt.Bids,
		Asks:          evt.Asks,
	}) {
		return
	}
	cm.emitter.SendChannel(ChannelFrame{
		ChannelID: ch.ID,
		Type:      TypeDepth,
		Symbol:    ch.Symbol,
		Payload:   ch.Depth.Formatted(),
	})
}
