package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/config"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// Request weights published by the venue for the endpoints the broker uses.
const (
	weightExchangeInfo = 10
	weightTicker24h    = 40
	weightDepth        = 5
	weightKlines       = 2
	weightTrades       = 1
	weightAccount      = 10
	weightOpenOrders   = 3
	weightMyTrades     = 10
	weightNewOrder     = 1
	weightCancelOrder  = 1
	weightListenKey    = 1
)

const (
	depthLimit    = 100
	klinesLimit   = 500
	tradesLimit   = 100
	myTradesLimit = 500
)

// MarketDataClient serves the public endpoints detail channels hydrate from.
type MarketDataClient interface {
	ExchangeInfo(ctx context.Context) (ExchangeInfo, error)
	Ticker24h(ctx context.Context) ([]TickerStats, error)
	Depth(ctx context.Context, symbol string) (DepthSnapshotPayload, error)
	Klines(ctx context.Context, symbol, interval string) ([]Kline, error)
	RecentTrades(ctx context.Context, symbol string) ([]PublicTrade, error)
}

// AccountClient serves the signed account and trading endpoints.
type AccountClient interface {
	Account(ctx context.Context) (Account, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	MyTrades(ctx context.Context, symbol string) ([]AccountTrade, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, req CancelRequest) (CancelResponse, error)
}

// UserStreamClient manages the user-data stream listen key.
type UserStreamClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// DepthSnapshotPayload is the REST depth response.
type DepthSnapshotPayload struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Client is the REST client for the venue. Every request passes through
// the shared rate limiter before it reaches the wire.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	httpc     *http.Client
	limiter   *RateLimiter
	clock     func() time.Time
}

// NewClient builds a REST client from configuration. The limiter is shared
// across every consumer so the venue sees one coherent budget.
func NewClient(cfg *config.Config, limiter *RateLimiter) *Client {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.Proxy.URL != "" {
		if proxyURL, err := url.Parse(cfg.Proxy.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		} else {
			observability.Log().Warn("invalid proxy url, falling back to environment",
				observability.F("error", err))
		}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.Exchange.RESTBaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpc: &http.Client{
			Timeout:   cfg.Exchange.RESTTimeout,
			Transport: transport,
		},
		limiter: limiter,
		clock:   time.Now,
	}
}

func (c *Client) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var out ExchangeInfo
	err := c.limiter.Execute(ctx, "exchangeInfo", weightExchangeInfo, 2, func(ctx context.Context) error {
		return c.public(ctx, "/api/v3/exchangeInfo", nil, &out)
	})
	return out, err
}

func (c *Client) Ticker24h(ctx context.Context) ([]TickerStats, error) {
	var out []TickerStats
	err := c.limiter.Execute(ctx, "ticker24hr", weightTicker24h, 2, func(ctx context.Context) error {
		return c.public(ctx, "/api/v3/ticker/24hr", nil, &out)
	})
	return out, err
}

func (c *Client) Depth(ctx context.Context, symbol string) (DepthSnapshotPayload, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depthLimit))
	var out DepthSnapshotPayload
	err := c.limiter.Execute(ctx, "depth", weightDepth, 2, func(ctx context.Context) error {
		return c.public(ctx, "/api/v3/depth", params, &out)
	})
	return out, err
}

func (c *Client) Klines(ctx context.Context, symbol, interval string) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(klinesLimit))
	var out []Kline
	err := c.limiter.Execute(ctx, "klines", weightKlines, 2, func(ctx context.Context) error {
		return c.public(ctx, "/api/v3/klines", params, &out)
	})
	return out, err
}

func (c *Client) RecentTrades(ctx context.Context, symbol string) ([]PublicTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(tradesLimit))
	var out []PublicTrade
	err := c.limiter.Execute(ctx, "trades", weightTrades, 2, func(ctx context.Context) error {
		return c.public(ctx, "/api/v3/trades", params, &out)
	})
	return out, err
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.limiter.Execute(ctx, "account", weightAccount, 2, func(ctx context.Context) error {
		return c.signed(ctx, http.MethodGet, "/api/v3/account", nil, &out)
	})
	return out, err
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var out []OpenOrder
	err := c.limiter.Execute(ctx, "openOrders", weightOpenOrders, 2, func(ctx context.Context) error {
		return c.signed(ctx, http.MethodGet, "/api/v3/openOrders", params, &out)
	})
	return out, err
}

func (c *Client) MyTrades(ctx context.Context, symbol string) ([]AccountTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(myTradesLimit))
	var out []AccountTrade
	err := c.limiter.Execute(ctx, "myTrades", weightMyTrades, 2, func(ctx context.Context) error {
		return c.signed(ctx, http.MethodGet, "/api/v3/myTrades", params, &out)
	})
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("timeInForce", req.TimeInForce)
	params.Set("quantity", req.Quantity)
	params.Set("price", req.Price)
	params.Set("newOrderRespType", "FULL")
	if req.NewClientOrderID != "" {
		params.Set("newClientOrderId", req.NewClientOrderID)
	}
	var out OrderResponse
	// Order placement is never retried: a timed-out submit may have landed.
	err := c.limiter.Execute(ctx, "newOrder", weightNewOrder, 0, func(ctx context.Context) error {
		return c.signed(ctx, http.MethodPost, "/api/v3/order", params, &out)
	})
	return out, err
}

func (c *Client) CancelOrder(ctx context.Context, req CancelRequest) (CancelResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	if req.OrderID > 0 {
		params.Set("orderId", strconv.FormatInt(req.OrderID, 10))
	}
	if req.OrigClientOrderID != "" {
		params.Set("origClientOrderId", req.OrigClientOrderID)
	}
	if req.NewClientOrderID != "" {
		params.Set("newClientOrderId", req.NewClientOrderID)
	}
	var out CancelResponse
	err := c.limiter.Execute(ctx, "cancelOrder", weightCancelOrder, 0, func(ctx context.Context) error {
		return c.signed(ctx, http.MethodDelete, "/api/v3/order", params, &out)
	})
	return out, err
}

func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	err := c.limiter.Execute(ctx, "listenKey", weightListenKey, 2, func(ctx context.Context) error {
		return c.keyed(ctx, http.MethodPost, "/api/v3/userDataStream", nil, &payload)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.ListenKey) == "" {
		return "", errs.New("exchange", errs.CodeExchange, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if strings.TrimSpace(listenKey) == "" {
		return errs.New("exchange", errs.CodeInvalid, errs.WithMessage("empty listen key for keepalive"))
	}
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.limiter.Execute(ctx, "listenKeyKeepAlive", weightListenKey, 2, func(ctx context.Context) error {
		return c.keyed(ctx, http.MethodPut, "/api/v3/userDataStream", params, nil)
	})
}

// public issues an unauthenticated GET.
func (c *Client) public(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.New("exchange", errs.CodeInvalid, errs.WithCause(err))
	}
	return c.do(req, out)
}

// keyed issues a request authenticated by API key only (listen key endpoints).
func (c *Client) keyed(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return errs.New("exchange", errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, out)
}

// signed issues an HMAC-signed request with the timestamp parameter.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.clock().UTC().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + signPayload(query, c.apiSecret)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return errs.New("exchange", errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errs.New("exchange", errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		raw := strings.TrimSpace(string(body))
		var apiErr apiError
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			msg = apiErr.Msg
		}
		code := errs.CodeExchange
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
			code = errs.CodeRateLimited
		}
		return errs.New("exchange", code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(msg),
			errs.WithRawMessage(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New("exchange", errs.CodeExchange, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
