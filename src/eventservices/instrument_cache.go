package eventservices

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// InstrumentCache is a fetch-through cache of instrument metadata. Tick
// values and contract ids change at most at contract roll, so entries live
// until Invalidate clears them at the session boundary. Concurrent misses on
// the same symbol share a single broker round trip.
type InstrumentCache struct {
	broker eventmodels.IBroker

	mu          sync.Mutex
	tickValues  map[string]decimal.Decimal
	contractIDs map[string]string
	inflight    map[string]chan struct{}
}

func NewInstrumentCache(broker eventmodels.IBroker) *InstrumentCache {
	return &InstrumentCache{
		broker:      broker,
		tickValues:  make(map[string]decimal.Decimal),
		contractIDs: make(map[string]string),
		inflight:    make(map[string]chan struct{}),
	}
}

// fetchThrough waits out any in-flight fetch for key, then either returns the
// cached value via lookup or performs fetch itself. lookup runs with the
// cache lock held.
func (c *InstrumentCache) fetchThrough(ctx context.Context, key string, lookup func() bool, fetch func() error) error {
	for {
		c.mu.Lock()

		if lookup() {
			c.mu.Unlock()
			return nil
		}

		waiter, isInflight := c.inflight[key]
		if !isInflight {
			done := make(chan struct{})
			c.inflight[key] = done
			c.mu.Unlock()

			err := fetch()

			c.mu.Lock()
			delete(c.inflight, key)
			close(done)
			c.mu.Unlock()

			return err
		}

		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waiter:
		}
	}
}

func (c *InstrumentCache) GetTickValue(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var value decimal.Decimal

	err := c.fetchThrough(ctx, "tick:"+symbol,
		func() bool {
			v, found := c.tickValues[symbol]
			value = v
			return found
		},
		func() error {
			v, err := c.broker.GetInstrumentTickValue(ctx, symbol)
			if err != nil {
				return fmt.Errorf("InstrumentCache.GetTickValue: %w", err)
			}

			c.mu.Lock()
			c.tickValues[symbol] = v
			c.mu.Unlock()

			value = v
			return nil
		},
	)
	if err != nil {
		return decimal.Zero, err
	}

	return value, nil
}

func (c *InstrumentCache) GetContractID(ctx context.Context, symbol string) (string, error) {
	var id string

	err := c.fetchThrough(ctx, "contract:"+symbol,
		func() bool {
			v, found := c.contractIDs[symbol]
			id = v
			return found
		},
		func() error {
			v, err := c.broker.GetContractID(ctx, symbol)
			if err != nil {
				return fmt.Errorf("InstrumentCache.GetContractID: %w", err)
			}

			c.mu.Lock()
			c.contractIDs[symbol] = v
			c.mu.Unlock()

			id = v
			return nil
		},
	)
	if err != nil {
		return "", err
	}

	return id, nil
}

// Invalidate clears all cached metadata. Called at the session boundary so
// contract rolls are picked up within a day.
func (c *InstrumentCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Infof("InstrumentCache.Invalidate: clearing %d tick values and %d contract ids", len(c.tickValues), len(c.contractIDs))

	c.tickValues = make(map[string]decimal.Decimal)
	c.contractIDs = make(map[string]string)
}

func (c *InstrumentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tickValues)
}
