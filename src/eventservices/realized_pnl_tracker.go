package eventservices

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/utils"
)

type accountPnL struct {
	mu        sync.Mutex
	realized  decimal.Decimal
	lastReset time.Time
}

// RealizedPnLTracker accumulates realized PnL per account for the current
// trading session. Every read and write first checks whether the session
// boundary has passed since the last reset and applies exactly one reset if
// so; the daemon never depends solely on a timer firing to zero the day.
type RealizedPnLTracker struct {
	mu       sync.Mutex
	accounts map[string]*accountPnL

	boundaryHour   int
	boundaryMinute int
	loc            *time.Location
	nowFn          func() time.Time
}

func NewRealizedPnLTracker(boundaryHour int, boundaryMinute int, loc *time.Location) *RealizedPnLTracker {
	return &RealizedPnLTracker{
		accounts:       make(map[string]*accountPnL),
		boundaryHour:   boundaryHour,
		boundaryMinute: boundaryMinute,
		loc:            loc,
		nowFn:          time.Now,
	}
}

func (t *RealizedPnLTracker) account(accountID string) *accountPnL {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, found := t.accounts[accountID]
	if !found {
		a = &accountPnL{realized: decimal.Zero}
		t.accounts[accountID] = a
	}

	return a
}

// maybeReset zeroes the account when the most recent boundary is newer than
// the last reset. Caller holds the account lock.
func (t *RealizedPnLTracker) maybeReset(accountID string, a *accountPnL, now time.Time) bool {
	boundary := utils.MostRecentBoundary(now, t.boundaryHour, t.boundaryMinute, t.loc)

	if a.lastReset.Before(boundary) {
		log.Infof("RealizedPnLTracker: resetting account %s at boundary %s (was %s)", accountID, boundary, a.realized.StringFixed(2))

		a.realized = decimal.Zero
		a.lastReset = boundary

		return true
	}

	return false
}

// AddTradePnL adds one fill's realized delta and returns the running total
// for the session plus whether a boundary reset fired first.
func (t *RealizedPnLTracker) AddTradePnL(accountID string, delta decimal.Decimal) (decimal.Decimal, bool) {
	a := t.account(accountID)

	a.mu.Lock()
	defer a.mu.Unlock()

	wasReset := t.maybeReset(accountID, a, t.nowFn())
	a.realized = a.realized.Add(delta)

	return a.realized, wasReset
}

// GetDailyPnL returns the session total, applying a pending boundary reset
// before reading.
func (t *RealizedPnLTracker) GetDailyPnL(accountID string) (decimal.Decimal, bool) {
	a := t.account(accountID)

	a.mu.Lock()
	defer a.mu.Unlock()

	wasReset := t.maybeReset(accountID, a, t.nowFn())

	return a.realized, wasReset
}

// ForceReset applies a reset at the given boundary regardless of the lazy
// check. SessionTick handling uses it so the boundary recorded matches the
// tick even if the lazy path already fired.
func (t *RealizedPnLTracker) ForceReset(accountID string, boundary time.Time) {
	a := t.account(accountID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastReset.Before(boundary) {
		a.realized = decimal.Zero
		a.lastReset = boundary
	}
}

// Seed restores persisted state on startup. The lazy check still runs on the
// next access, so a boundary missed while the daemon was down resets then.
func (t *RealizedPnLTracker) Seed(accountID string, realized decimal.Decimal, lastReset time.Time) {
	a := t.account(accountID)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.realized = realized
	a.lastReset = lastReset
}

func (t *RealizedPnLTracker) LastReset(accountID string) time.Time {
	a := t.account(accountID)

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastReset
}
