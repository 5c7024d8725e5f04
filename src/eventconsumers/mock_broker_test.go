package eventconsumers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
	"github.com/jiaming2012/risk-daemon/src/utils"
)

type closeCall struct {
	accountID  string
	positionID string
	quantity   *int
}

// mockBroker is a hand rolled IBroker for consumer tests. The onFlatten hook
// fires outside the lock so a test can hold an enforcement mid flight
// without deadlocking the recorder.
type mockBroker struct {
	mu sync.Mutex

	tickValues  map[string]decimal.Decimal
	contractIDs map[string]string
	positions   map[string][]*eventmodels.Position
	orders      map[string][]*eventmodels.BrokerOrder

	positionsErr error
	ordersErr    error
	flattenErr   error
	closeErr     error
	closeResult  *eventmodels.OrderResult

	onFlatten func()

	flattenCalls []string
	closeCalls   []closeCall
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		tickValues: map[string]decimal.Decimal{
			"MNQ": decimal.NewFromFloat(2.0),
			"ES":  decimal.NewFromFloat(12.5),
		},
		contractIDs: map[string]string{
			"MNQ": "CON.F.US.MNQ.U25",
			"ES":  "CON.F.US.ES.U25",
		},
		positions: make(map[string][]*eventmodels.Position),
		orders:    make(map[string][]*eventmodels.BrokerOrder),
	}
}

func (b *mockBroker) Connect(ctx context.Context) error {
	return nil
}

func (b *mockBroker) Disconnect(ctx context.Context) error {
	return nil
}

func (b *mockBroker) GetCurrentPositions(ctx context.Context, accountID string) ([]*eventmodels.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.positionsErr != nil {
		return nil, b.positionsErr
	}

	out := make([]*eventmodels.Position, 0, len(b.positions[accountID]))
	for _, p := range b.positions[accountID] {
		cp := *p
		out = append(out, &cp)
	}

	return out, nil
}

func (b *mockBroker) GetOpenOrders(ctx context.Context, accountID string) ([]*eventmodels.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ordersErr != nil {
		return nil, b.ordersErr
	}

	out := make([]*eventmodels.BrokerOrder, 0, len(b.orders[accountID]))
	for _, o := range b.orders[accountID] {
		cp := *o
		out = append(out, &cp)
	}

	return out, nil
}

func (b *mockBroker) ClosePosition(ctx context.Context, accountID string, positionID string, quantity *int) (*eventmodels.OrderResult, error) {
	b.mu.Lock()

	b.closeCalls = append(b.closeCalls, closeCall{accountID: accountID, positionID: positionID, quantity: quantity})

	if b.closeErr != nil {
		err := b.closeErr
		b.mu.Unlock()
		return nil, err
	}

	if b.closeResult != nil {
		result := b.closeResult
		b.mu.Unlock()
		return result, nil
	}

	b.mu.Unlock()

	return &eventmodels.OrderResult{Success: true, OrderID: "ORD-" + positionID}, nil
}

func (b *mockBroker) FlattenAccount(ctx context.Context, accountID string) ([]*eventmodels.OrderResult, error) {
	b.mu.Lock()
	b.flattenCalls = append(b.flattenCalls, accountID)
	hook := b.onFlatten
	err := b.flattenErr
	positions := b.positions[accountID]

	results := make([]*eventmodels.OrderResult, 0, len(positions))
	for _, p := range positions {
		results = append(results, &eventmodels.OrderResult{Success: true, Symbol: p.Symbol})
	}
	b.mu.Unlock()

	if hook != nil {
		hook()
	}

	if err != nil {
		return nil, err
	}

	return results, nil
}

func (b *mockBroker) PlaceStopOrder(ctx context.Context, accountID string, symbol string, side eventmodels.Side, quantity int, stopPrice decimal.Decimal) (*eventmodels.OrderResult, error) {
	return &eventmodels.OrderResult{Success: true, OrderID: "STP-1", Symbol: symbol}, nil
}

func (b *mockBroker) GetInstrumentTickValue(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tickValue, found := b.tickValues[symbol]
	if !found {
		return decimal.Zero, eventmodels.ErrSymbolNotFound
	}

	return tickValue, nil
}

func (b *mockBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, eventmodels.ErrNoFreshPrice
}

func (b *mockBroker) GetContractID(ctx context.Context, symbol string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	contractID, found := b.contractIDs[symbol]
	if !found {
		return "", eventmodels.ErrSymbolNotFound
	}

	return contractID, nil
}

func (b *mockBroker) setFlattenErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flattenErr = err
}

func (b *mockBroker) flattenCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.flattenCalls)
}

func (b *mockBroker) closeCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.closeCalls)
}

// testRig wires a state manager and its caches around a mock broker the way
// eventmain does, minus the database.
type testRig struct {
	broker      *mockBroker
	prices      *eventservices.PriceCache
	instruments *eventservices.InstrumentCache
	tracker     *eventservices.RealizedPnLTracker
	state       *eventservices.StateManager
}

func newTestRig(t *testing.T, accountIDs ...string) *testRig {
	t.Helper()

	loc := nyLoc(t)
	boundary := utils.MostRecentBoundary(time.Now(), 17, 0, loc)

	broker := newMockBroker()
	prices := eventservices.NewPriceCache(time.Minute)
	instruments := eventservices.NewInstrumentCache(broker)

	tracker := eventservices.NewRealizedPnLTracker(17, 0, loc)
	for _, id := range accountIDs {
		tracker.Seed(id, decimal.Zero, boundary)
	}

	state := eventservices.NewStateManager(nil, tracker, prices, instruments, accountIDs)

	return &testRig{
		broker:      broker,
		prices:      prices,
		instruments: instruments,
		tracker:     tracker,
		state:       state,
	}
}

func nyLoc(t *testing.T) *time.Location {
	t.Helper()

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	return loc
}

func newFill(orderID string, symbol string, side eventmodels.Side, quantity int, price float64) *eventmodels.Fill {
	return &eventmodels.Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     decimal.NewFromFloat(price),
		Timestamp: time.Now().UTC(),
	}
}

// subscribeAlerts registers a recording subscriber on a freshly initialized
// bus. Callers must read through the channel with waitForAlert since bus
// delivery is asynchronous.
func subscribeAlerts(t *testing.T) <-chan *eventmodels.Alert {
	t.Helper()

	alerts := make(chan *eventmodels.Alert, 32)

	err := pubsub.Subscribe("test", pubsub.AlertEvent, func(alert *eventmodels.Alert) {
		alerts <- alert
	})
	require.NoError(t, err)

	return alerts
}

func waitForAlert(t *testing.T, alerts <-chan *eventmodels.Alert) *eventmodels.Alert {
	t.Helper()

	select {
	case alert := <-alerts:
		return alert
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an alert")
		return nil
	}
}

func waitForAlertLevel(t *testing.T, alerts <-chan *eventmodels.Alert, level eventmodels.AlertLevel) *eventmodels.Alert {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		select {
		case alert := <-alerts:
			if alert.Level == level {
				return alert
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s alert", level)
			return nil
		}
	}
}
