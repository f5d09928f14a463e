// Command broker runs the local market-data broker: it serves renderer
// WebSocket connections on the loopback interface and bridges them to the
// exchange's REST and stream APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quotedesk/quotedesk/internal/broker"
	"github.com/quotedesk/quotedesk/internal/config"
	"github.com/quotedesk/quotedesk/internal/exchange"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/internal/server"
	"github.com/quotedesk/quotedesk/internal/telemetry"
	"github.com/quotedesk/quotedesk/lib/async"
)

const (
	defaultConfigPath = "config/broker.yaml"

	poolWorkers = 8
	poolQueue   = 64

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "path to the broker configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Secrets never reach the log stream, whatever the log level.
	logOut := observability.NewMaskingWriter(os.Stderr, cfg.Secrets()...)
	observability.SetLogger(observability.NewStdLogger(logOut, observability.ParseLevel(cfg.LogLevel)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	limiter := exchange.NewRateLimiter(cfg.RateLimit.MaxWeight, cfg.RateLimit.Window, cfg.RateLimit.RequestDelay)
	restClient := exchange.NewClient(&cfg, limiter)

	// Without credentials the broker never touches the venue: market data
	// is synthesized and the account side is simulated.
	var (
		marketData exchange.MarketDataClient = restClient
		account    exchange.AccountClient    = restClient
		userStream exchange.UserStreamClient = restClient
		dialer     exchange.Dialer           = exchange.NewGatedDialer(&cfg)
	)
	if cfg.MockMode() {
		observability.Log().Info("no exchange credentials, running with synthetic market data and a mock account")
		mock := exchange.NewMockAccount()
		marketData = exchange.NewMockMarketData()
		account = mock
		userStream = mock
		dialer = exchange.MockDialer{}
	}

	pool, err := async.NewPool(poolWorkers, poolQueue)
	if err != nil {
		return fmt.Errorf("initialize worker pool: %w", err)
	}

	state := broker.NewState(&cfg, marketData, userStream, dialer)
	srv := server.New(&cfg, state, marketData, account, dialer, pool)

	observability.Log().Info("broker starting",
		observability.F("port", cfg.Port),
		observability.F("mock", cfg.MockMode()),
		observability.F("exchange", cfg.Exchange.RESTBaseURL))

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if serveErr := srv.ListenAndServe(ctx); serveErr != nil {
			observability.Log().Error("renderer server failed",
				observability.F("error", serveErr))
			stop()
		}
	})

	<-ctx.Done()
	observability.Log().Info("shutting down")
	lifecycle.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		observability.Log().Warn("worker pool drain timed out",
			observability.F("error", err))
	}
	if err := telemetryShutdown(drainCtx); err != nil {
		observability.Log().Warn("telemetry shutdown failed",
			observability.F("error", err))
	}
	return nil
}
