package exchange

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/config"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// Conn is the subset of the websocket connection the broker uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens websocket connections to the venue.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GatedDialer spaces upstream connects process-wide so simultaneous
// channel churn cannot burst the venue's connection limits. Every socket
// in the process shares one gate.
type GatedDialer struct {
	gate  *rate.Limiter
	httpc *http.Client
}

// NewGatedDialer builds a dialer admitting one connect per interval.
func NewGatedDialer(cfg *config.Config) *GatedDialer {
	interval := cfg.ConnectInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.Proxy.URL != "" {
		if proxyURL, err := url.Parse(cfg.Proxy.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &GatedDialer{
		gate:  rate.NewLimiter(rate.Every(interval), 1),
		httpc: &http.Client{Transport: transport},
	}
}

func (d *GatedDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	if err := d.gate.Wait(ctx); err != nil {
		return nil, errs.New("exchange", errs.CodeCancelled, errs.WithCause(err))
	}
	observability.Log().Debug("dialing upstream socket", observability.F("url", wsURL))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpc,
	})
	if err != nil {
		return nil, errs.New("exchange", errs.CodeNetwork,
			errs.WithMessage("dial upstream socket"), errs.WithCause(err))
	}
	// Book snapshots for a busy symbol overflow the library default.
	conn.SetReadLimit(1 << 22)
	return conn, nil
}
