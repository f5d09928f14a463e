package server

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/internal/broker"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/internal/telemetry"
	"github.com/quotedesk/quotedesk/lib/async"
)

// outboundDepth bounds the per-renderer send queue. A full queue drops the
// frame; upstream readers must never block on a slow renderer.
const outboundDepth = 256

// flexString decodes a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(trimmed)
	return nil
}

// inboundFrame is a renderer message in either protocol. The new protocol
// carries action; the legacy one carries request with a data object.
type inboundFrame struct {
	Action  string `json:"action"`
	Request string `json:"request"`

	ChannelID   string `json:"channelId"`
	ChannelType string `json:"channelType"`
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`

	Type              string     `json:"type"`
	Price             flexString `json:"price"`
	Quantity          flexString `json:"quantity"`
	OrderID           flexString `json:"orderId"`
	OrigClientOrderID string     `json:"origClientOrderId"`
	NewClientOrderID  string     `json:"newClientOrderId"`

	Data json.RawMessage `json:"data"`
}

type legacyData struct {
	Selected          string     `json:"selected"`
	Interval          string     `json:"interval"`
	RequestID         flexString `json:"requestId"`
	Symbol            string     `json:"symbol"`
	Price             flexString `json:"price"`
	Quantity          flexString `json:"quantity"`
	OrderID           flexString `json:"orderId"`
	OrigClientOrderID string     `json:"origClientOrderId"`
}

// Renderer is one connected UI socket with its channel registry, market
// socket, and order dispatcher.
type Renderer struct {
	id         string
	conn       *websocket.Conn
	state      *broker.State
	channels   *broker.ChannelManager
	dispatcher *broker.Dispatcher

	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newRenderer(conn *websocket.Conn, state *broker.State, marketData exchange.MarketDataClient, account exchange.AccountClient, dialer exchange.Dialer, pool *async.Pool, streamBase string) *Renderer {
	r := &Renderer{
		id:     uuid.NewString(),
		conn:   conn,
		state:  state,
		out:    make(chan []byte, outboundDepth),
		closed: make(chan struct{}),
	}
	streams := broker.NewMarketStreamManager(dialer, streamBase, nil)
	r.channels = broker.NewChannelManager(r, streams, marketData, account, pool)
	streams.SetHandler(r.channels)
	r.dispatcher = broker.NewDispatcher(account, r, r.channels)
	return r
}

// ID identifies the renderer in the broker's registry.
func (r *Renderer) ID() string { return r.id }

// SendChannel enqueues a channel-scoped frame.
func (r *Renderer) SendChannel(frame broker.ChannelFrame) {
	r.enqueue(frame.Type, frame)
}

// SendGlobal enqueues a global frame.
func (r *Renderer) SendGlobal(frame broker.GlobalFrame) {
	r.enqueue(frame.Type, frame)
}

// enqueue marshals and queues a frame, dropping it when the renderer's
// buffer is full or the socket is gone.
func (r *Renderer) enqueue(frameType string, payload any) {
	select {
	case <-r.closed:
		return
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		observability.Log().Error("frame marshal failed",
			observability.F("type", frameType),
			observability.F("error", err))
		return
	}
	select {
	case r.out <- raw:
		telemetry.CountFrame(frameType)
	default:
		telemetry.CountFrameDrop(frameType)
		observability.Log().Warn("renderer buffer full, dropping frame",
			observability.F("renderer", r.id),
			observability.F("type", frameType))
	}
}

// run owns the renderer lifecycle: register, pump, read, teardown.
func (r *Renderer) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	observability.Log().Info("renderer connected", observability.F("renderer", r.id))
	r.state.AddRenderer(r)
	go r.writeLoop(ctx)

	r.readLoop(ctx)

	r.closeOnce.Do(func() { close(r.closed) })
	cancel()
	r.channels.Cleanup()
	r.state.RemoveRenderer(r.id)
	_ = r.conn.Close(websocket.StatusNormalClosure, "renderer closed")
	observability.Log().Info("renderer disconnected", observability.F("renderer", r.id))
}

// writeLoop delivers queued frames in enqueue order.
func (r *Renderer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.out:
			if err := r.conn.Write(ctx, websocket.MessageText, raw); err != nil {
				return
			}
		}
	}
}

func (r *Renderer) readLoop(ctx context.Context) {
	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, data)
	}
}

// dispatch routes one inbound frame by action or legacy request tag.
func (r *Renderer) dispatch(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.Log().Warn("unparseable renderer frame",
			observability.F("renderer", r.id),
			observability.F("error", err))
		return
	}
	switch frame.Action {
	case "subscribe":
		r.channels.Subscribe(ctx, frame.ChannelID, frame.ChannelType, frame.Symbol, frame.Interval, "")
		return
	case "unsubscribe":
		r.channels.Unsubscribe(frame.ChannelID)
		return
	case "enable_depth_view":
		r.channels.Streams().EnableDepthView(frame.Symbol)
		return
	case "disable_depth_view":
		r.channels.Streams().DisableDepthView()
		return
	case "order":
		r.dispatcher.PlaceOrder(ctx, broker.OrderParams{
			ChannelID: frame.ChannelID,
			Symbol:    frame.Symbol,
			Side:      frame.Type,
			Price:     string(frame.Price),
			Quantity:  string(frame.Quantity),
		})
		return
	case "cancelOrder":
		r.dispatcher.CancelOrder(ctx, broker.CancelParams{
			ChannelID:         frame.ChannelID,
			Symbol:            frame.Symbol,
			OrderID:           parseOrderID(frame.OrderID),
			OrigClientOrderID: frame.OrigClientOrderID,
			NewClientOrderID:  frame.NewClientOrderID,
		})
		return
	}
	if frame.Request != "" {
		r.dispatchLegacy(ctx, frame)
		return
	}
	observability.Log().Warn("renderer frame without action",
		observability.F("renderer", r.id))
}

// dispatchLegacy serves the pre-channel protocol: chart requests become
// detail subscribes, order verbs carry the side in the request tag.
func (r *Renderer) dispatchLegacy(ctx context.Context, frame inboundFrame) {
	var data legacyData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			observability.Log().Warn("unparseable legacy payload",
				observability.F("renderer", r.id),
				observability.F("request", frame.Request),
				observability.F("error", err))
			return
		}
	}
	switch frame.Request {
	case "chart":
		channelID := broker.ChannelID(broker.ChannelDetail, data.Selected, data.Interval)
		r.channels.Subscribe(ctx, channelID, broker.ChannelDetail, data.Selected, data.Interval, string(data.RequestID))
	case "buyOrder", "sellOrder":
		side := "BUY"
		if frame.Request == "sellOrder" {
			side = "SELL"
		}
		r.dispatcher.PlaceOrder(ctx, broker.OrderParams{
			Symbol:   data.Symbol,
			Side:     side,
			Price:    string(data.Price),
			Quantity: string(data.Quantity),
		})
	case "cancelOrder":
		r.dispatcher.CancelOrder(ctx, broker.CancelParams{
			Symbol:            data.Symbol,
			OrderID:           parseOrderID(data.OrderID),
			OrigClientOrderID: data.OrigClientOrderID,
		})
	default:
		observability.Log().Warn("unknown legacy request",
			observability.F("renderer", r.id),
			observability.F("request", frame.Request))
	}
}

func parseOrderID(raw flexString) int64 {
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
