package eventconsumers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kataras/go-events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
)

func newStopMonitor(rig *testRig) *StopLossMonitor {
	return NewStopLossMonitor(&sync.WaitGroup{}, rig.broker, rig.state, []string{"ACC-1"}, time.Minute)
}

func stopOrder(orderID string, symbol string, side eventmodels.Side, stopPrice float64) *eventmodels.BrokerOrder {
	price := decimal.NewFromFloat(stopPrice)

	return &eventmodels.BrokerOrder{
		OrderID:   orderID,
		AccountID: "ACC-1",
		Symbol:    symbol,
		Type:      eventmodels.OrderTypeStop,
		Side:      side,
		Quantity:  2,
		StopPrice: &price,
	}
}

func TestStopLossMonitorPoll(t *testing.T) {
	t.Run("a resting stop on the opposite side covers the position", func(t *testing.T) {
		// arrange: long 2 MNQ, sell stop resting below
		pubsub.Init()

		rig := newTestRig(t, "ACC-1")
		seedPosition(t, rig, "ACC-1", "POS-MNQ", "MNQ", 2, 18400)

		rig.broker.orders["ACC-1"] = []*eventmodels.BrokerOrder{
			stopOrder("STP-1", "MNQ", eventmodels.SideShort, 18350),
		}

		monitor := newStopMonitor(rig)

		// act
		require.NoError(t, monitor.pollAccount(context.Background(), "ACC-1"))

		// assert
		positions := rig.state.GetPositions("ACC-1")
		require.Len(t, positions, 1)
		require.True(t, positions[0].HasStopLoss())
		require.Equal(t, "STP-1", *positions[0].StopLossOrderID)
		require.Equal(t, "18350", positions[0].StopLossPrice.String())
	})

	t.Run("a same side stop is not protective", func(t *testing.T) {
		// arrange: a buy stop cannot protect a long
		pubsub.Init()

		rig := newTestRig(t, "ACC-1")
		seedPosition(t, rig, "ACC-1", "POS-MNQ", "MNQ", 2, 18400)

		rig.broker.orders["ACC-1"] = []*eventmodels.BrokerOrder{
			stopOrder("STP-1", "MNQ", eventmodels.SideLong, 18450),
		}

		monitor := newStopMonitor(rig)

		// act
		require.NoError(t, monitor.pollAccount(context.Background(), "ACC-1"))

		// assert
		positions := rig.state.GetPositions("ACC-1")
		require.Len(t, positions, 1)
		require.False(t, positions[0].HasStopLoss())
	})

	t.Run("a stop gone from the book uncovers the position", func(t *testing.T) {
		// arrange: covered position, then the stop disappears
		pubsub.Init()

		rig := newTestRig(t, "ACC-1")
		seedPosition(t, rig, "ACC-1", "POS-MNQ", "MNQ", 2, 18400)

		stopPrice := decimal.NewFromInt(18350)
		require.NoError(t, rig.state.SetStopLoss("ACC-1", "MNQ", "STP-1", &stopPrice))

		monitor := newStopMonitor(rig)

		// act: open orders come back empty
		require.NoError(t, monitor.pollAccount(context.Background(), "ACC-1"))

		// assert
		positions := rig.state.GetPositions("ACC-1")
		require.Len(t, positions, 1)
		require.False(t, positions[0].HasStopLoss())
		require.Nil(t, positions[0].StopLossPrice)
	})
}

func TestStopLossMonitorPlacementSignal(t *testing.T) {
	t.Run("a placement signal covers the position without waiting for a poll", func(t *testing.T) {
		// arrange
		pubsub.Init()

		rig := newTestRig(t, "ACC-1")
		seedPosition(t, rig, "ACC-1", "POS-MNQ", "MNQ", 2, 18400)

		wg := &sync.WaitGroup{}
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			wg.Wait()
		}()

		monitor := NewStopLossMonitor(wg, rig.broker, rig.state, []string{"ACC-1"}, time.Minute)
		monitor.Start(ctx)

		// act
		events.Emit(eventmodels.StopOrderPlacedSignal, eventmodels.StopOrderPlacement{
			AccountID: "ACC-1",
			Symbol:    "MNQ",
			OrderID:   "STP-9",
			StopPrice: decimal.NewFromInt(18300),
		})

		// assert
		require.Eventually(t, func() bool {
			positions := rig.state.GetPositions("ACC-1")
			return len(positions) == 1 && positions[0].HasStopLoss() && *positions[0].StopLossOrderID == "STP-9"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("a placement for an unknown position is deferred to the poll", func(t *testing.T) {
		// arrange: the bracket ack lands before the opening fill
		pubsub.Init()

		rig := newTestRig(t, "ACC-1")
		monitor := newStopMonitor(rig)

		// act
		monitor.registerPlacement(eventmodels.StopOrderPlacement{
			AccountID: "ACC-1",
			Symbol:    "MNQ",
			OrderID:   "STP-1",
			StopPrice: decimal.NewFromInt(18350),
		})

		// assert: nothing to cover yet, and nothing blew up
		require.Empty(t, rig.state.GetPositions("ACC-1"))
	})
}
