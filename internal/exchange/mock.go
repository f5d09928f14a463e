package exchange

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// MockAccount serves the signed endpoints with synthetic data when no
// credentials are configured; MockMarketData covers the public side.
// Orders are acknowledged as NEW and held open until cancelled.
type MockAccount struct {
	mu      sync.Mutex
	orders  []OpenOrder
	nextID  atomic.Int64
	clock   func() time.Time
}

// NewMockAccount constructs a simulated account with a fixed balance sheet.
func NewMockAccount() *MockAccount {
	m := &MockAccount{clock: time.Now}
	m.nextID.Store(1_000_000)
	return m
}

func (m *MockAccount) Account(_ context.Context) (Account, error) {
	return Account{
		CanTrade:   true,
		UpdateTime: FlexTime(m.clock().UnixMilli()),
		Balances: []Balance{
			{Asset: "USDT", Free: "10000.00000000", Locked: "0.00000000"},
			{Asset: "BTC", Free: "0.50000000", Locked: "0.00000000"},
			{Asset: "ETH", Free: "5.00000000", Locked: "0.00000000"},
		},
	}, nil
}

func (m *MockAccount) OpenOrders(_ context.Context, symbol string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenOrder, 0, len(m.orders))
	for _, order := range m.orders {
		if symbol == "" || order.Symbol == symbol {
			out = append(out, order)
		}
	}
	return out, nil
}

func (m *MockAccount) MyTrades(_ context.Context, _ string) ([]AccountTrade, error) {
	return nil, nil
}

func (m *MockAccount) PlaceOrder(_ context.Context, req OrderRequest) (OrderResponse, error) {
	now := m.clock().UnixMilli()
	orderID := m.nextID.Add(1)
	clientID := req.NewClientOrderID
	if clientID == "" {
		clientID = "mock-" + uuid.NewString()
	}
	order := OpenOrder{
		Symbol:        req.Symbol,
		OrderID:       orderID,
		ClientOrderID: clientID,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ExecutedQty:   "0.00000000",
		Status:        "NEW",
		TimeInForce:   req.TimeInForce,
		Type:          req.Type,
		Side:          req.Side,
		Time:          FlexTime(now),
		UpdateTime:    FlexTime(now),
	}
	m.mu.Lock()
	m.orders = append(m.orders, order)
	m.mu.Unlock()
	observability.Log().Info("mock order accepted",
		observability.F("symbol", req.Symbol),
		observability.F("side", req.Side),
		observability.F("orderId", strconv.FormatInt(orderID, 10)))
	return OrderResponse{
		Symbol:        req.Symbol,
		OrderID:       orderID,
		ClientOrderID: clientID,
		TransactTime:  FlexTime(now),
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ExecutedQty:   "0.00000000",
		Status:        "NEW",
		TimeInForce:   req.TimeInForce,
		Type:          req.Type,
		Side:          req.Side,
	}, nil
}

func (m *MockAccount) CancelOrder(_ context.Context, req CancelRequest) (CancelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, order := range m.orders {
		if order.Symbol != req.Symbol {
			continue
		}
		if (req.OrderID > 0 && order.OrderID == req.OrderID) ||
			(req.OrigClientOrderID != "" && order.ClientOrderID == req.OrigClientOrderID) {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			cancelID := req.NewClientOrderID
			if cancelID == "" {
				cancelID = "cancel-" + uuid.NewString()
			}
			return CancelResponse{
				Symbol:            order.Symbol,
				OrderID:           order.OrderID,
				OrigClientOrderID: order.ClientOrderID,
				ClientOrderID:     cancelID,
				Status:            "CANCELED",
			}, nil
		}
	}
	return CancelResponse{}, errs.New("exchange", errs.CodeExchange,
		errs.WithMessage("Unknown order sent."), errs.WithHTTP(400))
}

// CreateListenKey always fails: there is no user-data stream to attach to
// in mock mode, and the supervisor is expected not to start.
func (m *MockAccount) CreateListenKey(_ context.Context) (string, error) {
	return "", errs.New("exchange", errs.CodeUnavailable, errs.WithMessage("mock mode has no user-data stream"))
}

func (m *MockAccount) KeepAliveListenKey(_ context.Context, _ string) error {
	return errs.New("exchange", errs.CodeUnavailable, errs.WithMessage("mock mode has no user-data stream"))
}
