package eventconsumers

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
)

// StateReconciler repairs the cached position book against the broker's
// account query. It runs synchronously inside the account loop that calls
// it, so no fill or update for that account can interleave with the repair.
type StateReconciler struct {
	broker  eventmodels.IBroker
	state   *eventservices.StateManager
	metrics *eventservices.MetricsRecorder
}

func NewStateReconciler(broker eventmodels.IBroker, state *eventservices.StateManager, metrics *eventservices.MetricsRecorder) *StateReconciler {
	return &StateReconciler{
		broker:  broker,
		state:   state,
		metrics: metrics,
	}
}

func (r *StateReconciler) ReconcileAccount(ctx context.Context, accountID string) (*eventservices.ReconcileResult, error) {
	started := time.Now()

	brokerPositions, err := r.broker.GetCurrentPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("StateReconciler.ReconcileAccount: failed to query positions for %s: %w", accountID, err)
	}

	result := r.state.Reconcile(accountID, brokerPositions)

	for i := range result.Added {
		log.Infof("StateReconciler: position %s/%s opened during disconnect", accountID, result.Added[i].Symbol)
	}

	for i := range result.Removed {
		log.Infof("StateReconciler: position %s/%s closed during disconnect", accountID, result.Removed[i].Symbol)
	}

	if result.InSync() {
		log.Infof("StateReconciler: account %s is in sync with the broker", accountID)
	} else {
		message := fmt.Sprintf("state drift repaired: %d added, %d removed, %d updated positions", len(result.Added), len(result.Removed), result.Updated)
		log.Warnf("StateReconciler: account %s %s", accountID, message)

		pubsub.Publish("StateReconciler", pubsub.AlertEvent, eventmodels.NewAlert(eventmodels.AlertLevelCritical, "reconciler", accountID, message))
	}

	if r.metrics != nil {
		r.metrics.RecordDuration("reconcile", time.Since(started))
	}

	return result, nil
}

// ReconcileAll runs a startup sweep over every account so the book restored
// from the store reflects whatever happened while the daemon was down.
func (r *StateReconciler) ReconcileAll(ctx context.Context, accountIDs []string) error {
	for _, accountID := range accountIDs {
		if _, err := r.ReconcileAccount(ctx, accountID); err != nil {
			return err
		}
	}

	return nil
}
