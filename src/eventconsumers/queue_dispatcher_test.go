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
	"github.com/jiaming2012/risk-daemon/src/riskengine"
	"github.com/jiaming2012/risk-daemon/src/utils"
)

func subscribeViolations(t *testing.T) <-chan *eventmodels.Violation {
	t.Helper()

	violations := make(chan *eventmodels.Violation, 32)

	err := pubsub.Subscribe("test", pubsub.ViolationDetectedEvent, func(violation *eventmodels.Violation) {
		violations <- violation
	})
	require.NoError(t, err)

	return violations
}

func waitForViolation(t *testing.T, violations <-chan *eventmodels.Violation) *eventmodels.Violation {
	t.Helper()

	select {
	case violation := <-violations:
		return violation
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a violation")
		return nil
	}
}

func startDispatcher(t *testing.T, rig *testRig, engine eventmodels.IRuleEngine, queue *eventmodels.EventQueue, accountIDs ...string) func() {
	t.Helper()

	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(context.Background())

	reconciler := NewStateReconciler(rig.broker, rig.state, nil)
	dispatcher := NewQueueDispatcher(wg, queue, rig.state, engine, rig.instruments, reconciler, nil, accountIDs)
	dispatcher.Start(ctx)

	return func() {
		queue.Close()
		cancel()
		wg.Wait()
	}
}

func TestQueueDispatcherViolationFlow(t *testing.T) {
	t.Run("a realized loss beyond the limit publishes a flatten violation", func(t *testing.T) {
		// arrange
		pubsub.Init()
		violations := subscribeViolations(t)

		rig := newTestRig(t, "ACC-1")
		engine := riskengine.NewRuleEngine(riskengine.NewDailyLossRule(decimal.NewFromInt(100)))
		queue := eventmodels.NewEventQueue(64, eventmodels.OverflowPolicyBlock)

		stop := startDispatcher(t, rig, engine, queue, "ACC-1")
		defer stop()

		// act: open 2 MNQ at 100, close at 40 for a 240 dollar realized loss
		now := time.Now().UTC()
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", now, newFill("ORD-1", "MNQ", eventmodels.SideLong, 2, 100))))
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", now.Add(time.Second), newFill("ORD-2", "MNQ", eventmodels.SideShort, 2, 40))))

		// assert
		violation := waitForViolation(t, violations)
		require.Equal(t, "daily_loss", violation.RuleName)
		require.Equal(t, "ACC-1", violation.AccountID)
		require.Equal(t, eventmodels.EnforcementActionFlatten, violation.Action)
	})

	t.Run("a compliant account publishes nothing", func(t *testing.T) {
		// arrange
		pubsub.Init()
		violations := subscribeViolations(t)

		rig := newTestRig(t, "ACC-1")
		engine := riskengine.NewRuleEngine(riskengine.NewDailyLossRule(decimal.NewFromInt(1000)))
		queue := eventmodels.NewEventQueue(64, eventmodels.OverflowPolicyBlock)

		stop := startDispatcher(t, rig, engine, queue, "ACC-1")

		// act: a 40 dollar loss against a 1000 dollar limit
		now := time.Now().UTC()
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", now, newFill("ORD-1", "MNQ", eventmodels.SideLong, 1, 100))))
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", now.Add(time.Second), newFill("ORD-2", "MNQ", eventmodels.SideShort, 1, 80))))

		stop()

		// assert: the queue fully drained without a violation
		require.Empty(t, violations)

		state := rig.state.GetAccountState("ACC-1")
		require.True(t, state.RealizedPnLToday.Equal(decimal.NewFromInt(-40)))
	})
}

func TestQueueDispatcherSessionTick(t *testing.T) {
	t.Run("session tick resets realized pnl and invalidates instruments", func(t *testing.T) {
		// arrange
		pubsub.Init()

		rig := newTestRig(t, "ACC-1")
		engine := riskengine.NewRuleEngine()
		queue := eventmodels.NewEventQueue(64, eventmodels.OverflowPolicyBlock)

		stop := startDispatcher(t, rig, engine, queue, "ACC-1")
		defer stop()

		now := time.Now().UTC()
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", now, newFill("ORD-1", "MNQ", eventmodels.SideLong, 1, 100))))
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", now.Add(time.Second), newFill("ORD-2", "MNQ", eventmodels.SideShort, 1, 90))))

		require.Eventually(t, func() bool {
			return rig.state.GetAccountState("ACC-1").RealizedPnLToday.Equal(decimal.NewFromInt(-20))
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, 1, rig.instruments.Len())

		// act: a boundary one day past the seeded one arrives as a broadcast
		boundary := utils.MostRecentBoundary(time.Now(), 17, 0, nyLoc(t)).Add(24 * time.Hour)
		tick := &eventmodels.SessionTick{Boundary: boundary, Timestamp: boundary}
		require.NoError(t, queue.Publish(eventmodels.NewEvent("session", "", boundary, tick)))

		// assert
		require.Eventually(t, func() bool {
			return rig.state.GetAccountState("ACC-1").RealizedPnLToday.IsZero()
		}, 2*time.Second, 10*time.Millisecond)

		require.Equal(t, 0, rig.instruments.Len())
		require.True(t, rig.tracker.LastReset("ACC-1").Equal(boundary))
	})
}

func TestQueueDispatcherConnectionChanges(t *testing.T) {
	t.Run("reconnect reconciles cached state against the broker", func(t *testing.T) {
		// arrange
		pubsub.Init()
		alerts := subscribeAlerts(t)

		rig := newTestRig(t, "ACC-1")
		rig.broker.positions["ACC-1"] = []*eventmodels.Position{
			{
				PositionID: "P-7",
				AccountID:  "ACC-1",
				Symbol:     "ES",
				Side:       eventmodels.SideLong,
				Quantity:   2,
				EntryPrice: decimal.NewFromInt(5000),
				OpenedAt:   time.Now().UTC(),
			},
		}

		engine := riskengine.NewRuleEngine()
		queue := eventmodels.NewEventQueue(64, eventmodels.OverflowPolicyBlock)

		stop := startDispatcher(t, rig, engine, queue, "ACC-1")
		defer stop()

		// act
		change := &eventmodels.ConnectionChange{Status: eventmodels.ConnectionStatusReconnected, Timestamp: time.Now().UTC()}
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", time.Now().UTC(), change)))

		// assert: the missed position was adopted and the drift was alerted
		alert := waitForAlertLevel(t, alerts, eventmodels.AlertLevelCritical)
		require.Equal(t, "reconciler", alert.Source)
		require.Contains(t, alert.Message, "1 added")

		require.Eventually(t, func() bool {
			positions := rig.state.GetPositions("ACC-1")
			return len(positions) == 1 && positions[0].Symbol == "ES"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("disconnect raises a warning alert", func(t *testing.T) {
		// arrange
		pubsub.Init()
		alerts := subscribeAlerts(t)

		rig := newTestRig(t, "ACC-1")
		engine := riskengine.NewRuleEngine()
		queue := eventmodels.NewEventQueue(64, eventmodels.OverflowPolicyBlock)

		stop := startDispatcher(t, rig, engine, queue, "ACC-1")
		defer stop()

		// act
		change := &eventmodels.ConnectionChange{Status: eventmodels.ConnectionStatusDisconnected, Reason: "socket closed", Timestamp: time.Now().UTC()}
		require.NoError(t, queue.Publish(eventmodels.NewEvent("test", "ACC-1", time.Now().UTC(), change)))

		// assert
		alert := waitForAlertLevel(t, alerts, eventmodels.AlertLevelWarning)
		require.Equal(t, "stream", alert.Source)
		require.Contains(t, alert.Message, "socket closed")
	})
}

func TestQueueDispatcherOverflow(t *testing.T) {
	t.Run("a dropped event raises a critical alert", func(t *testing.T) {
		// arrange: no Start call, so nothing drains the queue
		pubsub.Init()
		alerts := subscribeAlerts(t)

		rig := newTestRig(t, "ACC-1")
		engine := riskengine.NewRuleEngine()
		queue := eventmodels.NewEventQueue(2, eventmodels.OverflowPolicyDropOldest)

		wg := &sync.WaitGroup{}
		reconciler := NewStateReconciler(rig.broker, rig.state, nil)
		NewQueueDispatcher(wg, queue, rig.state, engine, rig.instruments, reconciler, nil, []string{"ACC-1"})

		// act
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			tick := &eventmodels.TimeTick{Timestamp: now.Add(time.Duration(i) * time.Second)}
			require.NoError(t, queue.Publish(eventmodels.NewEvent("clock", "", tick.Timestamp, tick)))
		}

		// assert
		alert := waitForAlertLevel(t, alerts, eventmodels.AlertLevelCritical)
		require.Equal(t, "queue", alert.Source)
		require.Contains(t, alert.Message, "queue overflow")
		require.Equal(t, uint64(1), queue.Dropped())
	})
}
