package market

import "sync"

// Ticker is one symbol's rolling 24h statistics as delivered to renderers.
type Ticker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	OpenPrice          string `json:"openPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	EventTime          int64  `json:"eventTime"`
}

// TickerCache holds the shared ticker table broadcast to all renderers.
// A symbol keeps its positional index for the life of the process so
// renderer-side rows stay stable across updates.
type TickerCache struct {
	mu      sync.RWMutex
	entries []Ticker
	index   map[string]int
}

// NewTickerCache constructs an empty table.
func NewTickerCache() *TickerCache {
	return &TickerCache{index: make(map[string]int)}
}

// Upsert replaces the symbol's entry in place or appends a new one.
func (c *TickerCache) Upsert(t Ticker) {
	if t.Symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[t.Symbol]; ok {
		c.entries[i] = t
		return
	}
	c.index[t.Symbol] = len(c.entries)
	c.entries = append(c.entries, t)
}

// UpsertAll applies a batch in order, preserving first-seen positions.
func (c *TickerCache) UpsertAll(batch []Ticker) {
	for _, t := range batch {
		c.Upsert(t)
	}
}

// Snapshot returns a copy of the table in positional order.
func (c *TickerCache) Snapshot() []Ticker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil
	}
	out := make([]Ticker, len(c.entries))
	copy(out, c.entries)
	return out
}

// Get returns the entry for symbol, if present.
func (c *TickerCache) Get(symbol string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[symbol]
	if !ok {
		return Ticker{}, false
	}
	return c.entries[i], true
}

// Len reports the number of tracked symbols.
func (c *TickerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
