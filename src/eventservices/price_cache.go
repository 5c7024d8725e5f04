package eventservices

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is the last quote seen for a symbol with the time it arrived.
type PricePoint struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Mid       decimal.Decimal
	UpdatedAt time.Time
}

// PriceCache holds the most recent mid price per symbol. It is fed by quote
// events and read during PnL valuation; entries older than maxAge are treated
// as missing so stale prices never flow into a rule decision. Last write
// wins, nothing is ever persisted.
type PriceCache struct {
	mu     sync.RWMutex
	cache  map[string]PricePoint
	maxAge time.Duration
	nowFn  func() time.Time
}

func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{
		cache:  make(map[string]PricePoint),
		maxAge: maxAge,
		nowFn:  time.Now,
	}
}

func (c *PriceCache) Update(symbol string, bid, ask decimal.Decimal) {
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[symbol] = PricePoint{
		Bid:       bid,
		Ask:       ask,
		Mid:       mid,
		UpdatedAt: c.nowFn().UTC(),
	}
}

func (c *PriceCache) Get(symbol string) (PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	point, found := c.cache[symbol]
	return point, found
}

// GetFresh returns the price only when it is younger than maxAge.
func (c *PriceCache) GetFresh(symbol string) (PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	point, found := c.cache[symbol]
	if !found {
		return PricePoint{}, false
	}

	if c.nowFn().UTC().Sub(point.UpdatedAt) > c.maxAge {
		return PricePoint{}, false
	}

	return point, true
}

func (c *PriceCache) IsFresh(symbol string) bool {
	_, fresh := c.GetFresh(symbol)
	return fresh
}

func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.cache)
}
