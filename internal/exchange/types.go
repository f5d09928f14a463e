// Package exchange talks to the Binance-compatible venue: REST endpoints,
// stream naming, the shared request budget, and the wire types both
// transports produce.
package exchange

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// FlexTime is a millisecond timestamp that some venue payloads encode as a
// number and others as a quoted string.
type FlexTime int64

func (ts *FlexTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(inner) == 0 {
			*ts = 0
			return nil
		}
		trimmed = inner
	}
	parsed, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		*ts = 0
		return nil
	}
	*ts = FlexTime(parsed)
	return nil
}

// Millis returns the raw millisecond value.
func (ts FlexTime) Millis() int64 { return int64(ts) }

// Seconds returns the value truncated to epoch seconds.
func (ts FlexTime) Seconds() int64 { return int64(ts) / 1000 }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ExchangeInfo is the venue's symbol catalogue.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradable symbol, its price/qty precisions, and
// its order filters.
type SymbolInfo struct {
	Symbol              string         `json:"symbol"`
	Status              string         `json:"status"`
	BaseAsset           string         `json:"baseAsset"`
	BaseAssetPrecision  int            `json:"baseAssetPrecision"`
	QuoteAsset          string         `json:"quoteAsset"`
	QuotePrecision      int            `json:"quotePrecision"`
	QuoteAssetPrecision int            `json:"quoteAssetPrecision"`
	Filters             []SymbolFilter `json:"filters"`
}

// SymbolFilter is one entry of a symbol's filter list. Only the fields the
// broker validates against are mapped.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

// Filter returns the filter of the given type, if the symbol carries it.
func (s SymbolInfo) Filter(filterType string) (SymbolFilter, bool) {
	for _, f := range s.Filters {
		if strings.EqualFold(f.FilterType, filterType) {
			return f, true
		}
	}
	return SymbolFilter{}, false
}

// TickerStats is one row of the 24hr statistics endpoint and the
// !ticker@arr stream after normalization.
type TickerStats struct {
	Symbol             string   `json:"symbol"`
	PriceChange        string   `json:"priceChange"`
	PriceChangePercent string   `json:"priceChangePercent"`
	LastPrice          string   `json:"lastPrice"`
	OpenPrice          string   `json:"openPrice"`
	HighPrice          string   `json:"highPrice"`
	LowPrice           string   `json:"lowPrice"`
	Volume             string   `json:"volume"`
	QuoteVolume        string   `json:"quoteVolume"`
	CloseTime          FlexTime `json:"closeTime"`
}

// Kline is one REST bar. The venue encodes klines as positional arrays of
// mixed numbers and strings.
type Kline struct {
	OpenTime  int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	CloseTime int64
}

func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 7 {
		return nil
	}
	var openTime, closeTime FlexTime
	if err := json.Unmarshal(raw[0], &openTime); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[6], &closeTime); err != nil {
		return err
	}
	k.OpenTime = openTime.Millis()
	k.CloseTime = closeTime.Millis()
	for i, dst := range []*string{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return err
		}
	}
	return nil
}

// PublicTrade is one entry of the recent-trades endpoint.
type PublicTrade struct {
	ID           int64    `json:"id"`
	Price        string   `json:"price"`
	Quantity     string   `json:"qty"`
	Time         FlexTime `json:"time"`
	IsBuyerMaker bool     `json:"isBuyerMaker"`
}

// Balance is one asset row of the account endpoint.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// Account is the signed account endpoint response.
type Account struct {
	MakerCommission  int64     `json:"makerCommission"`
	TakerCommission  int64     `json:"takerCommission"`
	CanTrade         bool      `json:"canTrade"`
	UpdateTime       FlexTime  `json:"updateTime"`
	Balances         []Balance `json:"balances"`
}

// OpenOrder is one row of the open-orders endpoint.
type OpenOrder struct {
	Symbol        string   `json:"symbol"`
	OrderID       int64    `json:"orderId"`
	ClientOrderID string   `json:"clientOrderId"`
	Price         string   `json:"price"`
	OrigQty       string   `json:"origQty"`
	ExecutedQty   string   `json:"executedQty"`
	Status        string   `json:"status"`
	TimeInForce   string   `json:"timeInForce"`
	Type          string   `json:"type"`
	Side          string   `json:"side"`
	Time          FlexTime `json:"time"`
	UpdateTime    FlexTime `json:"updateTime"`
}

// AccountTrade is one row of the signed trade-history endpoint.
type AccountTrade struct {
	Symbol          string   `json:"symbol"`
	ID              int64    `json:"id"`
	OrderID         int64    `json:"orderId"`
	Price           string   `json:"price"`
	Quantity        string   `json:"qty"`
	QuoteQuantity   string   `json:"quoteQty"`
	Commission      string   `json:"commission"`
	CommissionAsset string   `json:"commissionAsset"`
	Time            FlexTime `json:"time"`
	IsBuyer         bool     `json:"isBuyer"`
	IsMaker         bool     `json:"isMaker"`
}

// OrderRequest describes a new order submission. The broker only places
// LIMIT GTC orders; the fields mirror the venue's parameter names.
type OrderRequest struct {
	Symbol           string
	Side             string
	Type             string
	TimeInForce      string
	Quantity         string
	Price            string
	NewClientOrderID string
}

// OrderFill is one fill of a FULL order response.
type OrderFill struct {
	Price           string `json:"price"`
	Quantity        string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

// OrderResponse is the FULL acknowledgement of a new order.
type OrderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	TransactTime        FlexTime    `json:"transactTime"`
	Price               string      `json:"price"`
	OrigQty             string      `json:"origQty"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Status              string      `json:"status"`
	TimeInForce         string      `json:"timeInForce"`
	Type                string      `json:"type"`
	Side                string      `json:"side"`
	Fills               []OrderFill `json:"fills"`
}

// CancelRequest identifies an order to cancel by venue id or client id.
type CancelRequest struct {
	Symbol            string
	OrderID           int64
	OrigClientOrderID string
	NewClientOrderID  string
}

// CancelResponse is the venue's cancel acknowledgement.
type CancelResponse struct {
	Symbol            string `json:"symbol"`
	OrderID           int64  `json:"orderId"`
	OrigClientOrderID string `json:"origClientOrderId"`
	ClientOrderID     string `json:"clientOrderId"`
	Status            string `json:"status"`
}

// StreamEnvelope is the combined-socket wrapper {stream, data}.
type StreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// EventType peeks the "e" discriminator of a stream payload.
func EventType(data []byte) string {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Event
}

// KlineEvent is the kline stream payload.
type KlineEvent struct {
	Event     string   `json:"e"`
	EventTime FlexTime `json:"E"`
	Symbol    string   `json:"s"`
	Kline     struct {
		StartTime FlexTime `json:"t"`
		CloseTime FlexTime `json:"T"`
		Symbol    string   `json:"s"`
		Interval  string   `json:"i"`
		Open      string   `json:"o"`
		Close     string   `json:"c"`
		High      string   `json:"h"`
		Low       string   `json:"l"`
		Volume    string   `json:"v"`
		IsFinal   bool     `json:"x"`
	} `json:"k"`
}

// TradeEvent is the trade stream payload.
type TradeEvent struct {
	Event        string   `json:"e"`
	EventTime    FlexTime `json:"E"`
	Symbol       string   `json:"s"`
	TradeID      int64    `json:"t"`
	Price        string   `json:"p"`
	Quantity     string   `json:"q"`
	TradeTime    FlexTime `json:"T"`
	IsBuyerMaker bool     `json:"m"`
}

// DepthEvent is the differential depth stream payload.
type DepthEvent struct {
	Event         string     `json:"e"`
	EventTime     FlexTime   `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// MiniTickerEvent is one element of the !ticker@arr stream payload.
type MiniTickerEvent struct {
	Event              string   `json:"e"`
	EventTime          FlexTime `json:"E"`
	Symbol             string   `json:"s"`
	PriceChange        string   `json:"p"`
	PriceChangePercent string   `json:"P"`
	LastPrice          string   `json:"c"`
	OpenPrice          string   `json:"o"`
	HighPrice          string   `json:"h"`
	LowPrice           string   `json:"l"`
	Volume             string   `json:"v"`
	QuoteVolume        string   `json:"q"`
}

// ExecutionReport is the user-data stream's order update payload.
type ExecutionReport struct {
	Event            string   `json:"e"`
	EventTime        FlexTime `json:"E"`
	Symbol           string   `json:"s"`
	ClientOrderID    string   `json:"c"`
	Side             string   `json:"S"`
	OrderType        string   `json:"o"`
	TimeInForce      string   `json:"f"`
	Quantity         string   `json:"q"`
	Price            string   `json:"p"`
	ExecutionType    string   `json:"x"`
	OrderStatus      string   `json:"X"`
	RejectReason     string   `json:"r"`
	OrderID          int64    `json:"i"`
	LastExecutedQty  string   `json:"l"`
	CumulativeQty    string   `json:"z"`
	LastExecutedPx   string   `json:"L"`
	Commission       string   `json:"n"`
	CommissionAsset  string   `json:"N"`
	TransactionTime  FlexTime `json:"T"`
	OrderCreated     FlexTime `json:"O"`
	CumulativeQuote  string   `json:"Z"`
	OrigClientID     string   `json:"C"`
}

// AccountPositionEvent is the outboundAccountPosition payload.
type AccountPositionEvent struct {
	Event      string   `json:"e"`
	EventTime  FlexTime `json:"E"`
	UpdateTime FlexTime `json:"u"`
	Balances   []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// BalanceUpdateEvent is the balanceUpdate payload.
type BalanceUpdateEvent struct {
	Event     string   `json:"e"`
	EventTime FlexTime `json:"E"`
	Asset     string   `json:"a"`
	Delta     string   `json:"d"`
	ClearTime FlexTime `json:"T"`
}
