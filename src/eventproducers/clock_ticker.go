package eventproducers

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

const clockSource = "clock"

// ClockTicker publishes a TimeTick on a fixed interval so time-sensitive
// rules re-evaluate even when the broker stream is quiet. Ticks are
// broadcast: an empty account id means every tracked account.
type ClockTicker struct {
	wg       *sync.WaitGroup
	queue    *eventmodels.EventQueue
	interval time.Duration
	nowFn    func() time.Time
}

func (c *ClockTicker) emit() {
	now := c.nowFn().UTC()

	event := eventmodels.NewEvent(clockSource, "", now, &eventmodels.TimeTick{Timestamp: now})

	if err := c.queue.Publish(event); err != nil {
		log.Warnf("ClockTicker: failed to publish time tick: %v", err)
	}
}

func (c *ClockTicker) Start(ctx context.Context) {
	c.wg.Add(1)

	ticker := time.NewTicker(c.interval)

	go func() {
		defer c.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("stopping ClockTicker producer")
				return
			case <-ticker.C:
				c.emit()
			}
		}
	}()
}

func NewClockTicker(wg *sync.WaitGroup, queue *eventmodels.EventQueue, interval time.Duration) *ClockTicker {
	return &ClockTicker{
		wg:       wg,
		queue:    queue,
		interval: interval,
		nowFn:    time.Now,
	}
}
