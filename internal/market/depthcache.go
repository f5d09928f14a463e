package market

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceLevel is one side entry of the formatted book.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// DepthSnapshot is a full book image from the REST depth endpoint.
type DepthSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// DepthUpdate is an incremental diff from the depth stream.
type DepthUpdate struct {
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// DepthCache maintains the incremental order book for one detail channel.
// A snapshot seeds the book; diffs with FinalUpdateID at or below the seen
// sequence are dropped, zero quantities evict their price.
type DepthCache struct {
	mu           sync.Mutex
	lastUpdateID uint64
	bids         map[string]string
	asks         map[string]string
}

// NewDepthCache constructs an empty cache.
func NewDepthCache() *DepthCache {
	return &DepthCache{
		bids: make(map[string]string),
		asks: make(map[string]string),
	}
}

// Snapshot resets the cache from a full book image.
func (c *DepthCache) Snapshot(snapshot DepthSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdateID = snapshot.LastUpdateID
	c.bids = make(map[string]string, len(snapshot.Bids))
	c.asks = make(map[string]string, len(snapshot.Asks))
	for _, level := range snapshot.Bids {
		upsertLevel(c.bids, level)
	}
	for _, level := range snapshot.Asks {
		upsertLevel(c.asks, level)
	}
}

// Update applies a diff. Stale diffs (FinalUpdateID ≤ lastUpdateID) are
// dropped and reported as not applied.
func (c *DepthCache) Update(update DepthUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if update.FinalUpdateID <= c.lastUpdateID {
		return false
	}
	for _, level := range update.Bids {
		upsertLevel(c.bids, level)
	}
	for _, level := range update.Asks {
		upsertLevel(c.asks, level)
	}
	c.lastUpdateID = update.FinalUpdateID
	return true
}

// LastUpdateID returns the highest applied sequence.
func (c *DepthCache) LastUpdateID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdateID
}

// FormattedBook carries the sorted sides delivered to renderers: bids
// descending, asks ascending, both by numeric price.
type FormattedBook struct {
	LastUpdateID uint64       `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// Formatted returns the current book sorted for display. The broker does
// not truncate; the renderer decides visible depth.
func (c *DepthCache) Formatted() FormattedBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FormattedBook{
		LastUpdateID: c.lastUpdateID,
		Bids:         sortedLevels(c.bids, true),
		Asks:         sortedLevels(c.asks, false),
	}
}

func upsertLevel(book map[string]string, level []string) {
	if len(level) < 2 {
		return
	}
	price := strings.TrimSpace(level[0])
	qty := strings.TrimSpace(level[1])
	if price == "" {
		return
	}
	parsed, err := decimal.NewFromString(qty)
	if err != nil || parsed.IsZero() {
		delete(book, price)
		return
	}
	book[price] = qty
}

func sortedLevels(book map[string]string, desc bool) []PriceLevel {
	if len(book) == 0 {
		return nil
	}
	type entry struct {
		key decimal.Decimal
		raw PriceLevel
	}
	entries := make([]entry, 0, len(book))
	for price, qty := range book {
		key, err := decimal.NewFromString(price)
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: key, raw: PriceLevel{Price: price, Quantity: qty}})
	}
	sort.Slice(entries, func(i, j int) bool {
		if desc {
			return entries[i].key.GreaterThan(entries[j].key)
		}
		return entries[i].key.LessThan(entries[j].key)
	})
	out := make([]PriceLevel, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.raw)
	}
	return out
}
