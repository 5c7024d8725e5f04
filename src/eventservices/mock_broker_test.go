package eventservices

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// mockBroker satisfies eventmodels.IBroker with canned instrument metadata
// and position lists. onTickValue lets a test hold a fetch open to exercise
// concurrent callers.
type mockBroker struct {
	mu sync.Mutex

	tickValues  map[string]decimal.Decimal
	contractIDs map[string]string
	positions   map[string][]*eventmodels.Position
	orders      map[string][]*eventmodels.BrokerOrder

	tickValueErr error
	onTickValue  func(symbol string)

	tickValueCalls  int
	contractIDCalls int
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

func (m *mockBroker) Connect(ctx context.Context) error {
	return nil
}

func (m *mockBroker) Disconnect(ctx context.Context) error {
	return nil
}

func (m *mockBroker) GetCurrentPositions(ctx context.Context, accountID string) ([]*eventmodels.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.positions[accountID], nil
}

func (m *mockBroker) GetOpenOrders(ctx context.Context, accountID string) ([]*eventmodels.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.orders[accountID], nil
}

func (m *mockBroker) ClosePosition(ctx context.Context, accountID string, positionID string, quantity *int) (*eventmodels.OrderResult, error) {
	return &eventmodels.OrderResult{Success: true}, nil
}

func (m *mockBroker) FlattenAccount(ctx context.Context, accountID string) ([]*eventmodels.OrderResult, error) {
	return nil, nil
}

func (m *mockBroker) PlaceStopOrder(ctx context.Context, accountID string, symbol string, side eventmodels.Side, quantity int, stopPrice decimal.Decimal) (*eventmodels.OrderResult, error) {
	return &eventmodels.OrderResult{Success: true}, nil
}

func (m *mockBroker) GetInstrumentTickValue(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	m.tickValueCalls++
	err := m.tickValueErr
	value, found := m.tickValues[symbol]
	hook := m.onTickValue
	m.mu.Unlock()

	if hook != nil {
		hook(symbol)
	}

	if err != nil {
		return decimal.Zero, err
	}

	if !found {
		return decimal.Zero, fmt.Errorf("mockBroker.GetInstrumentTickValue: %w: %s", eventmodels.ErrSymbolNotFound, symbol)
	}

	return value, nil
}

func (m *mockBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("mockBroker.GetCurrentPrice: %w: %s", eventmodels.ErrNoFreshPrice, symbol)
}

func (m *mockBroker) GetContractID(ctx context.Context, symbol string) (string, error) {
	m.mu.Lock()
	m.contractIDCalls++
	id, found := m.contractIDs[symbol]
	m.mu.Unlock()

	if !found {
		return "", fmt.Errorf("mockBroker.GetContractID: %w: %s", eventmodels.ErrSymbolNotFound, symbol)
	}

	return id, nil
}

func (m *mockBroker) tickValueCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tickValueCalls
}
