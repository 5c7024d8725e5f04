package eventproducers

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/utils"
)

const (
	sessionSource       = "session"
	sessionPollInterval = 1 * time.Second

	// reEmitSuppression guards against a clock stepping over the boundary
	// more than once, e.g. an NTP correction right at the session close.
	reEmitSuppression = 60 * time.Second
)

// SessionTimer watches the wall clock in the configured exchange timezone
// and publishes exactly one SessionTick per boundary crossing. lastBoundary
// is seeded from persisted state, so a boundary that passed while the daemon
// was down produces a tick on the first poll after startup.
type SessionTimer struct {
	wg    *sync.WaitGroup
	queue *eventmodels.EventQueue

	boundaryHour   int
	boundaryMinute int
	loc            *time.Location

	lastBoundary time.Time
	lastEmitAt   time.Time
	nowFn        func() time.Time
}

func (s *SessionTimer) poll() {
	now := s.nowFn()

	boundary := utils.MostRecentBoundary(now, s.boundaryHour, s.boundaryMinute, s.loc)
	if !boundary.After(s.lastBoundary) {
		return
	}

	if !s.lastEmitAt.IsZero() && now.Sub(s.lastEmitAt) < reEmitSuppression {
		log.Warnf("SessionTimer: suppressing session tick for %v, last tick was %v ago", boundary, now.Sub(s.lastEmitAt))
		return
	}

	tick := &eventmodels.SessionTick{
		Boundary:  boundary,
		Timestamp: now.UTC(),
	}

	if err := s.queue.Publish(eventmodels.NewEvent(sessionSource, "", boundary, tick)); err != nil {
		log.Errorf("SessionTimer: failed to publish session tick: %v", err)
		return
	}

	s.lastBoundary = boundary
	s.lastEmitAt = now

	log.Infof("SessionTimer: session boundary %v crossed, published session tick", boundary)
}

func (s *SessionTimer) Start(ctx context.Context) {
	s.wg.Add(1)

	ticker := time.NewTicker(sessionPollInterval)

	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		// catch a boundary missed while the daemon was down
		s.poll()

		for {
			select {
			case <-ctx.Done():
				log.Info("stopping SessionTimer producer")
				return
			case <-ticker.C:
				s.poll()
			}
		}
	}()
}

// NewSessionTimer builds a timer that considers lastReset already handled:
// only boundaries after it produce a tick.
func NewSessionTimer(wg *sync.WaitGroup, queue *eventmodels.EventQueue, boundaryHour int, boundaryMinute int, loc *time.Location, lastReset time.Time) *SessionTimer {
	return &SessionTimer{
		wg:             wg,
		queue:          queue,
		boundaryHour:   boundaryHour,
		boundaryMinute: boundaryMinute,
		loc:            loc,
		lastBoundary:   lastReset,
		nowFn:          time.Now,
	}
}
