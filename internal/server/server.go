// Package server accepts renderer connections on the local WebSocket port
// and bridges them to the broker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/quotedesk/quotedesk/internal/broker"
	"github.com/quotedesk/quotedesk/internal/config"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/lib/async"
)

// Server owns the downstream listener. Every accepted socket becomes a
// Renderer with its own channel registry and market socket.
type Server struct {
	cfg        *config.Config
	state      *broker.State
	marketData exchange.MarketDataClient
	account    exchange.AccountClient
	dialer     exchange.Dialer
	pool       *async.Pool

	// baseCtx scopes renderer lifetimes to the listener, not to the
	// upgrade request.
	baseCtx    context.Context
	httpServer *http.Server
}

// New wires the downstream server.
func New(cfg *config.Config, state *broker.State, marketData exchange.MarketDataClient, account exchange.AccountClient, dialer exchange.Dialer, pool *async.Pool) *Server {
	return &Server{
		cfg:        cfg,
		state:      state,
		marketData: marketData,
		account:    account,
		dialer:     dialer,
		pool:       pool,
	}
}

// ListenAndServe blocks serving renderer sockets until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.baseCtx = ctx

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	observability.Log().Info("renderer server listening", observability.F("addr", addr))
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleUpgrade accepts a renderer socket. The local socket is trusted, so
// any origin is allowed.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		observability.Log().Warn("renderer handshake failed", observability.F("error", err))
		return
	}
	renderer := newRenderer(conn, s.state, s.marketData, s.account, s.dialer, s.pool, s.cfg.Exchange.StreamBaseURL)
	// The request context is cancelled as soon as this handler returns,
	// even for hijacked sockets; the renderer must outlive it.
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go renderer.run(ctx)
}
