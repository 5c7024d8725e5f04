package eventconsumers

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
)

const accountLoopBuffer = 1024

// QueueDispatcher drains the event queue and fans events out to one serial
// loop per account, so accounts process concurrently while events within an
// account keep their normalized order. Broadcast events, those with an empty
// account id, go to every loop. After each state-affecting event the
// dispatcher snapshots the account, runs the rule engine and publishes any
// violations.
type QueueDispatcher struct {
	wg          *sync.WaitGroup
	queue       *eventmodels.EventQueue
	state       *eventservices.StateManager
	engine      eventmodels.IRuleEngine
	instruments *eventservices.InstrumentCache
	reconciler  *StateReconciler
	metrics     *eventservices.MetricsRecorder

	loops  map[string]chan *eventmodels.Event
	loopWg sync.WaitGroup
}

func NewQueueDispatcher(wg *sync.WaitGroup, queue *eventmodels.EventQueue, state *eventservices.StateManager, engine eventmodels.IRuleEngine, instruments *eventservices.InstrumentCache, reconciler *StateReconciler, metrics *eventservices.MetricsRecorder, accountIDs []string) *QueueDispatcher {
	loops := make(map[string]chan *eventmodels.Event, len(accountIDs))
	for _, id := range accountIDs {
		loops[id] = make(chan *eventmodels.Event, accountLoopBuffer)
	}

	d := &QueueDispatcher{
		wg:          wg,
		queue:       queue,
		state:       state,
		engine:      engine,
		instruments: instruments,
		reconciler:  reconciler,
		metrics:     metrics,
		loops:       loops,
	}

	queue.SetDropHandler(d.handleDrop)
	queue.SetPressureHandler(d.handlePressure)

	return d
}

func (d *QueueDispatcher) handleDrop(event *eventmodels.Event) {
	log.Errorf("QueueDispatcher: queue overflow dropped a %s event for account %q", event.Type, event.AccountID)

	pubsub.Publish("QueueDispatcher", pubsub.AlertEvent, eventmodels.NewAlert(eventmodels.AlertLevelCritical, "queue", event.AccountID, fmt.Sprintf("queue overflow dropped a %s event", event.Type)))
}

func (d *QueueDispatcher) handlePressure(depth int, capacity int) {
	log.Warnf("QueueDispatcher: queue depth %d of %d, consumer is falling behind", depth, capacity)

	pubsub.Publish("QueueDispatcher", pubsub.AlertEvent, eventmodels.NewAlert(eventmodels.AlertLevelWarning, "queue", "", fmt.Sprintf("queue depth reached %d of %d", depth, capacity)))
}

func (d *QueueDispatcher) route(event *eventmodels.Event) {
	if event.Type == eventmodels.EventTypeSessionTick {
		// contract metadata can roll at the session boundary
		d.instruments.Invalidate()
	}

	if event.AccountID == "" {
		for _, ch := range d.loops {
			ch <- event
		}

		return
	}

	ch, found := d.loops[event.AccountID]
	if !found {
		log.Warnf("QueueDispatcher.route: no loop for account %s, dropping %s event", event.AccountID, event.Type)
		return
	}

	ch <- event
}

func (d *QueueDispatcher) runAccountLoop(ctx context.Context, accountID string, ch chan *eventmodels.Event) {
	defer d.loopWg.Done()

	log.Debugf("QueueDispatcher: starting loop for account %s", accountID)

	for event := range ch {
		d.handle(ctx, accountID, event)
	}
}

func (d *QueueDispatcher) handle(ctx context.Context, accountID string, event *eventmodels.Event) {
	started := time.Now()

	switch payload := event.Payload.(type) {
	case *eventmodels.Fill:
		outcome, err := d.state.ApplyFill(ctx, accountID, payload)
		if err != nil {
			pubsub.PublishError("QueueDispatcher.handle", err)
			return
		}

		if outcome.WasReset {
			log.Infof("QueueDispatcher: lazy session reset fired for account %s ahead of fill %s", accountID, payload.OrderID)
		}

		log.Debugf("QueueDispatcher: fill %s applied to account %s, realized today %s", payload.OrderID, accountID, outcome.RealizedToday.StringFixed(2))

		d.evaluate(ctx, accountID, event)

	case *eventmodels.PositionUpdate:
		if _, err := d.state.ApplyPositionUpdate(accountID, payload); err != nil {
			pubsub.PublishError("QueueDispatcher.handle", err)
			return
		}

		d.evaluate(ctx, accountID, event)

	case *eventmodels.ConnectionChange:
		d.handleConnectionChange(ctx, accountID, payload, event)

	case *eventmodels.SessionTick:
		d.state.ApplySessionReset(accountID, payload.Boundary)
		log.Infof("QueueDispatcher: session reset applied for account %s at boundary %v", accountID, payload.Boundary)

		d.evaluate(ctx, accountID, event)

	case *eventmodels.TimeTick:
		if d.metrics != nil {
			d.metrics.Record("queue_depth", float64(d.queue.Len()), "events")
		}

		d.evaluate(ctx, accountID, event)

	default:
		log.Warnf("QueueDispatcher.handle: unhandled payload type %T", payload)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordDuration("event_to_decision", time.Since(started))
	}
}

func (d *QueueDispatcher) handleConnectionChange(ctx context.Context, accountID string, change *eventmodels.ConnectionChange, event *eventmodels.Event) {
	switch change.Status {
	case eventmodels.ConnectionStatusConnected:
		log.Infof("QueueDispatcher: stream connected for account %s", accountID)

	case eventmodels.ConnectionStatusDisconnected:
		log.Warnf("QueueDispatcher: stream disconnected for account %s: %s", accountID, change.Reason)

		pubsub.Publish("QueueDispatcher", pubsub.AlertEvent, eventmodels.NewAlert(eventmodels.AlertLevelWarning, "stream", accountID, fmt.Sprintf("broker stream disconnected: %s", change.Reason)))

	case eventmodels.ConnectionStatusReconnecting:
		log.Infof("QueueDispatcher: stream reconnecting for account %s", accountID)

	case eventmodels.ConnectionStatusReconnected:
		log.Infof("QueueDispatcher: stream reconnected for account %s, reconciling state", accountID)

		if _, err := d.reconciler.ReconcileAccount(ctx, accountID); err != nil {
			pubsub.PublishError("QueueDispatcher.handleConnectionChange", err)
			pubsub.Publish("QueueDispatcher", pubsub.AlertEvent, eventmodels.NewAlert(eventmodels.AlertLevelCritical, "reconciler", accountID, fmt.Sprintf("state reconciliation failed, cached positions may be stale: %v", err)))
			return
		}

		// catch violations that happened while the stream was dark
		d.evaluate(ctx, accountID, event)
	}
}

func (d *QueueDispatcher) evaluate(ctx context.Context, accountID string, trigger *eventmodels.Event) {
	snapshot := d.state.Snapshot(ctx, accountID)

	violations := d.engine.Evaluate(snapshot, trigger)
	if len(violations) == 0 {
		return
	}

	if state := d.state.GetAccountState(accountID); state.IsLockedOut(time.Now()) {
		log.Warnf("QueueDispatcher.evaluate: account %s is locked out until %v, enforcement proceeds regardless", accountID, *state.LockoutUntil)
	}

	for _, violation := range violations {
		log.Infof("QueueDispatcher: rule %s violated on account %s: %s", violation.RuleName, accountID, violation.Reason)

		pubsub.Publish("QueueDispatcher", pubsub.ViolationDetectedEvent, violation)
	}
}

// Start drains the queue until it is closed and empty, then shuts the
// account loops down in order. Shutdown is driven by closing the queue, not
// by the context: pending events still drain after cancellation.
func (d *QueueDispatcher) Start(ctx context.Context) {
	d.wg.Add(1)

	for accountID, ch := range d.loops {
		d.loopWg.Add(1)
		go d.runAccountLoop(ctx, accountID, ch)
	}

	go func() {
		defer d.wg.Done()

		for {
			event, ok := d.queue.Dequeue()
			if !ok {
				break
			}

			d.route(event)
		}

		for _, ch := range d.loops {
			close(ch)
		}

		d.loopWg.Wait()
		log.Info("stopping QueueDispatcher consumer")
	}()
}
