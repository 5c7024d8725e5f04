package eventservices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// FillOutcome describes what one fill did to the account's book.
type FillOutcome struct {
	RealizedDelta decimal.Decimal
	RealizedToday decimal.Decimal

	// Position is a copy of the resulting position, nil when the fill left
	// the symbol flat.
	Position *eventmodels.Position
	Opened   bool
	Closed   bool
	Flipped  bool
	WasReset bool
}

type ReconcileResult struct {
	Added   []eventmodels.Position
	Removed []eventmodels.Position
	Updated int
}

func (r *ReconcileResult) InSync() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && r.Updated == 0
}

type accountBucket struct {
	mu        sync.Mutex
	positions map[string]*eventmodels.Position
	state     *eventmodels.AccountState
}

// StateManager owns every position and account aggregate the daemon holds.
// All mutations run on the owning account's dispatch path, so a bucket lock
// only ever contends with read-side callers like the ops server. Writes are
// persisted synchronously; a persistence failure is logged and the in-memory
// state stays authoritative, because enforcement must not stall on the store.
type StateManager struct {
	db          *gorm.DB
	tracker     *RealizedPnLTracker
	prices      *PriceCache
	instruments *InstrumentCache

	mu      sync.RWMutex
	buckets map[string]*accountBucket
}

func NewStateManager(db *gorm.DB, tracker *RealizedPnLTracker, prices *PriceCache, instruments *InstrumentCache, accountIDs []string) *StateManager {
	buckets := make(map[string]*accountBucket, len(accountIDs))

	for _, id := range accountIDs {
		buckets[id] = &accountBucket{
			positions: make(map[string]*eventmodels.Position),
			state: &eventmodels.AccountState{
				AccountID:        id,
				RealizedPnLToday: decimal.Zero,
			},
		}
	}

	return &StateManager{
		db:          db,
		tracker:     tracker,
		prices:      prices,
		instruments: instruments,
		buckets:     buckets,
	}
}

func (s *StateManager) bucket(accountID string) *accountBucket {
	s.mu.RLock()
	b, found := s.buckets[accountID]
	s.mu.RUnlock()

	if found {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, found = s.buckets[accountID]; found {
		return b
	}

	b = &accountBucket{
		positions: make(map[string]*eventmodels.Position),
		state: &eventmodels.AccountState{
			AccountID:        accountID,
			RealizedPnLToday: decimal.Zero,
		},
	}
	s.buckets[accountID] = b

	return b
}

func (s *StateManager) AccountIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}

	return ids
}

// LoadFromStore restores account states and open positions persisted by a
// previous run. Realized PnL and last reset dates seed the tracker so the
// lazy boundary check can fire for boundaries missed while down.
func (s *StateManager) LoadFromStore() error {
	if s.db == nil {
		return nil
	}

	var states []eventmodels.AccountState
	if err := s.db.Find(&states).Error; err != nil {
		return fmt.Errorf("StateManager.LoadFromStore: failed to load account states: %w", err)
	}

	for i := range states {
		state := states[i]

		b := s.bucket(state.AccountID)

		b.mu.Lock()
		b.state = &state
		b.mu.Unlock()

		s.tracker.Seed(state.AccountID, state.RealizedPnLToday, state.LastResetAt)
	}

	var positions []eventmodels.Position
	if err := s.db.Find(&positions).Error; err != nil {
		return fmt.Errorf("StateManager.LoadFromStore: failed to load positions: %w", err)
	}

	for i := range positions {
		position := positions[i]

		b := s.bucket(position.AccountID)

		b.mu.Lock()
		b.positions[position.Symbol] = &position
		b.mu.Unlock()
	}

	log.Infof("StateManager.LoadFromStore: restored %d account states and %d open positions", len(states), len(positions))

	return nil
}

func (s *StateManager) persistPosition(p *eventmodels.Position) {
	if s.db == nil {
		return
	}

	var err error
	if p.ID == 0 {
		err = s.db.Create(p).Error
	} else {
		err = s.db.Save(p).Error
	}

	if err != nil {
		log.Errorf("StateManager.persistPosition: failed to persist position %s/%s: %v", p.AccountID, p.Symbol, err)
	}
}

// deletePosition removes the row outright. Soft deletes would collide with
// the account/symbol unique index when the symbol is traded again.
func (s *StateManager) deletePosition(p *eventmodels.Position) {
	if s.db == nil || p.ID == 0 {
		return
	}

	if err := s.db.Unscoped().Delete(p).Error; err != nil {
		log.Errorf("StateManager.deletePosition: failed to delete position %s/%s: %v", p.AccountID, p.Symbol, err)
	}
}

func (s *StateManager) persistAccountState(state *eventmodels.AccountState) {
	if s.db == nil {
		return
	}

	var err error
	if state.ID == 0 {
		err = s.db.Create(state).Error
	} else {
		err = s.db.Save(state).Error
	}

	if err != nil {
		log.Errorf("StateManager.persistAccountState: failed to persist account state %s: %v", state.AccountID, err)
	}
}

// refreshAggregates recomputes the counters rules and the ops surface read.
// Caller holds the bucket lock.
func (b *accountBucket) refreshAggregates() {
	b.state.OpenPositions = len(b.positions)

	total := 0
	for _, p := range b.positions {
		total += p.Quantity
	}

	b.state.TotalQuantity = total
}

func copyPosition(p *eventmodels.Position) *eventmodels.Position {
	var out eventmodels.Position
	copier.Copy(&out, p)
	return &out
}

// ApplyFill mutates the net position for the fill's symbol: opening, adding
// at a weighted average entry, reducing, closing, or flipping through flat
// when the fill is larger than the position. Realized PnL is recognized on
// the closed quantity only.
func (s *StateManager) ApplyFill(ctx context.Context, accountID string, fill *eventmodels.Fill) (*FillOutcome, error) {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	outcome := &FillOutcome{RealizedDelta: decimal.Zero}

	existing := b.positions[fill.Symbol]

	switch {
	case existing == nil:
		position := &eventmodels.Position{
			AccountID:  accountID,
			Symbol:     fill.Symbol,
			Side:       fill.Side,
			Quantity:   fill.Quantity,
			EntryPrice: fill.Price,
			OpenedAt:   fill.Timestamp,
		}

		b.positions[fill.Symbol] = position
		s.persistPosition(position)

		outcome.Opened = true
		outcome.Position = copyPosition(position)

	case existing.Side == fill.Side:
		newQty := existing.Quantity + fill.Quantity

		oldNotional := existing.EntryPrice.Mul(decimal.NewFromInt(int64(existing.Quantity)))
		fillNotional := fill.Price.Mul(decimal.NewFromInt(int64(fill.Quantity)))

		existing.EntryPrice = oldNotional.Add(fillNotional).Div(decimal.NewFromInt(int64(newQty)))
		existing.Quantity = newQty
		s.persistPosition(existing)

		outcome.Position = copyPosition(existing)

	default:
		tickValue, err := s.instruments.GetTickValue(ctx, fill.Symbol)
		if err != nil {
			// the book must not drift: the quantity change lands even when
			// no tick value is available, the realized delta is zero
			log.Warnf("StateManager.ApplyFill: no tick value for %s, recording zero realized PnL for fill %s: %v", fill.Symbol, fill.OrderID, err)
			tickValue = decimal.Zero
		}

		closedQty := fill.Quantity
		if existing.Quantity < closedQty {
			closedQty = existing.Quantity
		}

		diff := fill.Price.Sub(existing.EntryPrice)
		outcome.RealizedDelta = diff.Mul(decimal.NewFromInt(int64(closedQty))).Mul(tickValue).Mul(existing.Side.Direction())

		switch {
		case fill.Quantity < existing.Quantity:
			existing.Quantity -= fill.Quantity
			s.persistPosition(existing)

			outcome.Position = copyPosition(existing)

		case fill.Quantity == existing.Quantity:
			delete(b.positions, fill.Symbol)
			s.deletePosition(existing)

			outcome.Closed = true

		default:
			// Over-fill flips the position through flat
			existing.Side = fill.Side
			existing.Quantity = fill.Quantity - closedQty
			existing.EntryPrice = fill.Price
			existing.OpenedAt = fill.Timestamp
			existing.PositionID = ""
			existing.StopLossOrderID = nil
			existing.StopLossPrice = nil
			existing.UnrealizedPnL = decimal.Zero
			s.persistPosition(existing)

			outcome.Closed = true
			outcome.Flipped = true
			outcome.Position = copyPosition(existing)
		}
	}

	total, wasReset := s.tracker.AddTradePnL(accountID, outcome.RealizedDelta)
	outcome.RealizedToday = total
	outcome.WasReset = wasReset

	b.state.RealizedPnLToday = total
	b.state.LastResetAt = s.tracker.LastReset(accountID)
	b.state.LastEventAt = fill.Timestamp
	b.refreshAggregates()
	s.persistAccountState(b.state)

	return outcome, nil
}

// ApplyPositionUpdate overwrites cached state with the broker's authoritative
// view. Matching is by broker position id first, falling back to symbol for
// positions built from fills that have not been named yet. A zero quantity
// removes the position; an unknown position is adopted as opened outside the
// daemon's view.
func (s *StateManager) ApplyPositionUpdate(accountID string, update *eventmodels.PositionUpdate) (*eventmodels.Position, error) {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	var target *eventmodels.Position

	for _, p := range b.positions {
		if p.PositionID != "" && p.PositionID == update.PositionID {
			target = p
			break
		}
	}

	if target == nil {
		if p, found := b.positions[update.Symbol]; found && p.PositionID == "" {
			target = p
		}
	}

	if update.IsClosed() {
		if target == nil {
			log.Debugf("StateManager.ApplyPositionUpdate: close for unknown position %s on account %s", update.PositionID, accountID)
			return nil, nil
		}

		delete(b.positions, target.Symbol)
		s.deletePosition(target)
	} else {
		if target == nil {
			log.Infof("StateManager.ApplyPositionUpdate: adopting position %s (%s) opened outside daemon view on account %s", update.PositionID, update.Symbol, accountID)

			target = &eventmodels.Position{
				AccountID: accountID,
				Symbol:    update.Symbol,
				OpenedAt:  update.Timestamp,
			}
			b.positions[update.Symbol] = target
		}

		target.PositionID = update.PositionID
		target.Side = update.Side()
		target.Quantity = update.AbsQuantity()
		target.EntryPrice = update.AvgPrice
		target.UnrealizedPnL = update.UnrealizedPnL
		s.persistPosition(target)
	}

	b.state.LastEventAt = update.Timestamp
	b.refreshAggregates()
	s.persistAccountState(b.state)

	if update.IsClosed() {
		return nil, nil
	}

	return copyPosition(target), nil
}

// Reconcile replaces drifted cache entries with the broker's truth after a
// reconnect. Broker positions match cached ones by id, or by symbol when the
// cached entry was never named.
func (s *StateManager) Reconcile(accountID string, brokerPositions []*eventmodels.Position) *ReconcileResult {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	result := &ReconcileResult{}
	matched := make(map[string]struct{}, len(brokerPositions))

	for _, bp := range brokerPositions {
		var target *eventmodels.Position

		for _, p := range b.positions {
			if p.PositionID != "" && p.PositionID == bp.PositionID {
				target = p
				break
			}
		}

		if target == nil {
			if p, found := b.positions[bp.Symbol]; found && p.PositionID == "" {
				target = p
			}
		}

		if target == nil {
			adopted := copyPosition(bp)
			b.positions[adopted.Symbol] = adopted
			s.persistPosition(adopted)

			result.Added = append(result.Added, *copyPosition(adopted))
			matched[adopted.Symbol] = struct{}{}
			continue
		}

		matched[target.Symbol] = struct{}{}

		changed := target.Side != bp.Side ||
			target.Quantity != bp.Quantity ||
			!target.EntryPrice.Equal(bp.EntryPrice)

		if changed {
			target.PositionID = bp.PositionID
			target.Side = bp.Side
			target.Quantity = bp.Quantity
			target.EntryPrice = bp.EntryPrice
			s.persistPosition(target)

			result.Updated++
		} else if target.PositionID == "" {
			// adopting the broker's name for a fill built position is not drift
			target.PositionID = bp.PositionID
			s.persistPosition(target)
		}
	}

	for symbol, p := range b.positions {
		if _, found := matched[symbol]; found {
			continue
		}

		delete(b.positions, symbol)
		s.deletePosition(p)

		result.Removed = append(result.Removed, *copyPosition(p))
	}

	b.refreshAggregates()
	s.persistAccountState(b.state)

	return result
}

// Snapshot builds the immutable view one rule evaluation runs against.
// Unrealized PnL is valued at the freshest cached price; symbols without a
// fresh price contribute exactly zero.
func (s *StateManager) Snapshot(ctx context.Context, accountID string) *eventmodels.AccountSnapshot {
	realized, _ := s.tracker.GetDailyPnL(accountID)

	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.RealizedPnLToday = realized
	b.state.LastResetAt = s.tracker.LastReset(accountID)

	snapshot := &eventmodels.AccountSnapshot{
		AccountID:        accountID,
		RealizedPnLToday: realized,
		UnrealizedPnL:    decimal.Zero,
		EvaluatedAt:      time.Now().UTC(),
	}

	for _, p := range b.positions {
		unrealized := decimal.Zero

		point, fresh := s.prices.GetFresh(p.Symbol)
		if fresh {
			p.CurrentPrice = point.Mid

			tickValue, err := s.instruments.GetTickValue(ctx, p.Symbol)
			if err != nil {
				log.Warnf("StateManager.Snapshot: no tick value for %s, valuing position at zero: %v", p.Symbol, err)
			} else {
				unrealized = p.ComputeUnrealizedPnL(point.Mid, tickValue)
			}
		} else {
			log.Warnf("StateManager.Snapshot: no fresh price for %s, valuing position at zero", p.Symbol)
		}

		p.UnrealizedPnL = unrealized
		snapshot.UnrealizedPnL = snapshot.UnrealizedPnL.Add(unrealized)
		snapshot.Positions = append(snapshot.Positions, *copyPosition(p))
	}

	return snapshot
}

// GetPositions returns copies of the account's open positions.
func (s *StateManager) GetPositions(accountID string) []eventmodels.Position {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]eventmodels.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *copyPosition(p))
	}

	return positions
}

// GetAccountState returns a copy of the account's aggregates.
func (s *StateManager) GetAccountState(accountID string) eventmodels.AccountState {
	realized, _ := s.tracker.GetDailyPnL(accountID)

	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.RealizedPnLToday = realized
	b.state.LastResetAt = s.tracker.LastReset(accountID)

	var out eventmodels.AccountState
	copier.Copy(&out, b.state)

	return out
}

// SetStopLoss marks the position as covered by a protective stop.
func (s *StateManager) SetStopLoss(accountID string, symbol string, orderID string, stopPrice *decimal.Decimal) error {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	p, found := b.positions[symbol]
	if !found {
		return fmt.Errorf("StateManager.SetStopLoss: %w: %s/%s", eventmodels.ErrPositionNotFound, accountID, symbol)
	}

	p.StopLossOrderID = &orderID
	p.StopLossPrice = stopPrice
	s.persistPosition(p)

	return nil
}

// ClearStopLoss removes stop coverage, e.g. when the resting order was
// cancelled. Clearing a missing position is a no-op.
func (s *StateManager) ClearStopLoss(accountID string, symbol string) {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	p, found := b.positions[symbol]
	if !found {
		return
	}

	p.StopLossOrderID = nil
	p.StopLossPrice = nil
	s.persistPosition(p)
}

// SetEnforcementError latches the account's error state after a failed
// enforcement attempt.
func (s *StateManager) SetEnforcementError(accountID string, message string) {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.ErrorFlag = true
	b.state.ErrorMessage = message
	s.persistAccountState(b.state)
}

// ClearEnforcementError resets the error state once an enforcement confirms.
func (s *StateManager) ClearEnforcementError(accountID string) {
	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.ErrorFlag {
		return
	}

	b.state.ErrorFlag = false
	b.state.ErrorMessage = ""
	s.persistAccountState(b.state)
}

// ApplySessionReset records the boundary crossing announced by a session
// tick. The tracker's lazy check usually fired already; this pins the reset
// to the exact boundary and persists it.
func (s *StateManager) ApplySessionReset(accountID string, boundary time.Time) {
	s.tracker.ForceReset(accountID, boundary)

	realized, _ := s.tracker.GetDailyPnL(accountID)

	b := s.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.RealizedPnLToday = realized
	b.state.LastResetAt = s.tracker.LastReset(accountID)
	s.persistAccountState(b.state)
}

func (s *StateManager) LastResetAt(accountID string) time.Time {
	return s.tracker.LastReset(accountID)
}
