package eventconsumers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kataras/go-events"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
)

const DefaultStopLossPollInterval = 30 * time.Second

// StopLossMonitor keeps each position's stop loss coverage current. It
// learns about stops two ways: instantly via the StopOrderPlacedSignal
// emitted when a bracket is placed, and on a poll that diffs the broker's
// open orders against cached positions. The poll is the source of truth; a
// stop that vanished from the book, cancelled or filled, uncovers the
// position on the next sweep.
type StopLossMonitor struct {
	wg         *sync.WaitGroup
	broker     eventmodels.IBroker
	state      *eventservices.StateManager
	accountIDs []string
	interval   time.Duration
}

func NewStopLossMonitor(wg *sync.WaitGroup, broker eventmodels.IBroker, state *eventservices.StateManager, accountIDs []string, interval time.Duration) *StopLossMonitor {
	if interval <= 0 {
		interval = DefaultStopLossPollInterval
	}

	return &StopLossMonitor{
		wg:         wg,
		broker:     broker,
		state:      state,
		accountIDs: accountIDs,
		interval:   interval,
	}
}

func (m *StopLossMonitor) registerPlacement(placement eventmodels.StopOrderPlacement) {
	stopPrice := placement.StopPrice

	if err := m.state.SetStopLoss(placement.AccountID, placement.Symbol, placement.OrderID, &stopPrice); err != nil {
		// the fill that opens the position can land after the bracket ack
		log.Debugf("StopLossMonitor.registerPlacement: %v, the next poll will pick it up", err)
		return
	}

	log.Infof("StopLossMonitor: stop %s registered for %s/%s at %s", placement.OrderID, placement.AccountID, placement.Symbol, placement.StopPrice.String())
}

func (m *StopLossMonitor) poll(ctx context.Context) {
	for _, accountID := range m.accountIDs {
		if err := m.pollAccount(ctx, accountID); err != nil {
			pubsub.PublishError("StopLossMonitor.poll", err)
		}
	}
}

func (m *StopLossMonitor) pollAccount(ctx context.Context, accountID string) error {
	orders, err := m.broker.GetOpenOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("StopLossMonitor.pollAccount: failed to fetch open orders for %s: %w", accountID, err)
	}

	for _, position := range m.state.GetPositions(accountID) {
		var protective *eventmodels.BrokerOrder

		for _, order := range orders {
			if order.Symbol == position.Symbol && order.IsProtective(position.Side) {
				protective = order
				break
			}
		}

		switch {
		case protective != nil:
			if position.StopLossOrderID != nil && *position.StopLossOrderID == protective.OrderID {
				continue
			}

			log.Infof("StopLossMonitor: stop %s covers position %s/%s", protective.OrderID, accountID, position.Symbol)

			if err := m.state.SetStopLoss(accountID, position.Symbol, protective.OrderID, protective.StopPrice); err != nil {
				log.Warnf("StopLossMonitor.pollAccount: %v", err)
			}

		case position.HasStopLoss():
			log.Warnf("StopLossMonitor: stop %s on %s/%s is gone from the book, position is uncovered", *position.StopLossOrderID, accountID, position.Symbol)

			m.state.ClearStopLoss(accountID, position.Symbol)
		}
	}

	return nil
}

func (m *StopLossMonitor) Start(ctx context.Context) {
	m.wg.Add(1)

	events.On(eventmodels.StopOrderPlacedSignal, func(payload ...interface{}) {
		if len(payload) == 0 {
			return
		}

		placement, ok := payload[0].(eventmodels.StopOrderPlacement)
		if !ok {
			log.Warnf("StopLossMonitor: unexpected %s payload of type %T", eventmodels.StopOrderPlacedSignal, payload[0])
			return
		}

		m.registerPlacement(placement)
	})

	ticker := time.NewTicker(m.interval)

	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("stopping StopLossMonitor consumer")
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}
