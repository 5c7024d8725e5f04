package eventconsumers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
)

// EnforcementExecutor turns violations into broker orders. Each
// (account, rule) pair runs at most one enforcement at a time: repeat
// violations arriving while an action is in flight are suppressed, and the
// pair re-arms as soon as the broker confirms or the attempt is abandoned.
// A failed action raises a critical alert and the account keeps trading.
// The executor never locks an account out; LockoutUntil is operator
// territory.
type EnforcementExecutor struct {
	wg      *sync.WaitGroup
	broker  eventmodels.IBroker
	state   *eventservices.StateManager
	db      *gorm.DB
	metrics *eventservices.MetricsRecorder

	ctx      context.Context
	mu       sync.Mutex
	inflight map[string]struct{}
	pending  sync.WaitGroup
}

func NewEnforcementExecutor(wg *sync.WaitGroup, broker eventmodels.IBroker, state *eventservices.StateManager, db *gorm.DB, metrics *eventservices.MetricsRecorder) *EnforcementExecutor {
	return &EnforcementExecutor{
		wg:       wg,
		broker:   broker,
		state:    state,
		db:       db,
		metrics:  metrics,
		inflight: make(map[string]struct{}),
	}
}

func (e *EnforcementExecutor) handleViolation(violation *eventmodels.Violation) {
	key := violation.AccountID + "/" + violation.RuleName

	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		log.Debugf("EnforcementExecutor: enforcement for %s already in flight, suppressing duplicate violation", key)
		return
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	e.pending.Add(1)
	defer e.pending.Done()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	e.enforce(violation)
}

func (e *EnforcementExecutor) enforce(violation *eventmodels.Violation) {
	started := time.Now()

	audit := &eventmodels.EnforcementAction{
		ActionID:     uuid.NewString(),
		AccountID:    violation.AccountID,
		RuleName:     violation.RuleName,
		Action:       violation.Action,
		Status:       eventmodels.EnforcementStatusDispatched,
		Reason:       violation.Reason,
		PositionIDs:  violation.PositionID,
		TriggeredBy:  violation.TriggeredBy.String(),
		DispatchedAt: started.UTC(),
	}
	e.persistAudit(audit)

	log.Infof("EnforcementExecutor: dispatching %s for account %s (rule %s)", violation.Action, violation.AccountID, violation.RuleName)

	err := e.execute(violation)

	resolvedAt := time.Now().UTC()
	audit.ResolvedAt = &resolvedAt

	if err != nil {
		audit.Status = eventmodels.EnforcementStatusFailed
		audit.Error = err.Error()
		e.persistAudit(audit)

		failure := &eventmodels.EnforcementFailureError{
			AccountID: violation.AccountID,
			RuleName:  violation.RuleName,
			Action:    violation.Action,
			Err:       err,
		}

		if e.state != nil {
			e.state.SetEnforcementError(violation.AccountID, failure.Error())
		}

		// log and continue: a dead order pipe is an alerting problem,
		// halting the account on top of it would compound the failure
		pubsub.PublishError("EnforcementExecutor.enforce", failure)
		pubsub.Publish("EnforcementExecutor", pubsub.AlertEvent, eventmodels.NewAlert(eventmodels.AlertLevelCritical, "enforcement", violation.AccountID, failure.Error()))
	} else {
		audit.Status = eventmodels.EnforcementStatusConfirmed
		e.persistAudit(audit)

		if e.state != nil {
			e.state.ClearEnforcementError(violation.AccountID)
		}

		log.Infof("EnforcementExecutor: %s for account %s confirmed in %v", violation.Action, violation.AccountID, time.Since(started))
	}

	if e.metrics != nil {
		e.metrics.RecordDuration("violation_to_order", time.Since(started))
	}

	pubsub.Publish("EnforcementExecutor", pubsub.EnforcementCompletedEvent, audit)
}

func (e *EnforcementExecutor) execute(violation *eventmodels.Violation) error {
	switch violation.Action {
	case eventmodels.EnforcementActionFlatten:
		return e.flatten(violation)
	case eventmodels.EnforcementActionClose:
		return e.closeTarget(violation)
	default:
		return fmt.Errorf("EnforcementExecutor.execute: unsupported action %s", violation.Action)
	}
}

func (e *EnforcementExecutor) flatten(violation *eventmodels.Violation) error {
	results, err := e.broker.FlattenAccount(e.ctx, violation.AccountID)
	if err != nil {
		return fmt.Errorf("EnforcementExecutor.flatten: %w", err)
	}

	for _, result := range results {
		if !result.Success {
			return fmt.Errorf("EnforcementExecutor.flatten: %w: close of %s rejected: %s", eventmodels.ErrFlattenIncomplete, result.Symbol, result.Reason)
		}
	}

	return nil
}

func (e *EnforcementExecutor) closeTarget(violation *eventmodels.Violation) error {
	positionID, err := e.resolvePositionID(violation)
	if err != nil {
		if errors.Is(err, eventmodels.ErrPositionNotFound) {
			// already flat at the broker, nothing left to enforce
			log.Infof("EnforcementExecutor.closeTarget: %s/%s is already closed", violation.AccountID, violation.Symbol)
			return nil
		}

		return err
	}

	result, err := e.broker.ClosePosition(e.ctx, violation.AccountID, positionID, violation.CloseQuantity)
	if err != nil {
		return fmt.Errorf("EnforcementExecutor.closeTarget: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("EnforcementExecutor.closeTarget: close of %s rejected: %s", violation.Symbol, result.Reason)
	}

	return nil
}

// resolvePositionID fills in a missing broker position id, which happens for
// positions built from fills before any position update named them. The
// cached book is consulted first; the broker is the fallback.
func (e *EnforcementExecutor) resolvePositionID(violation *eventmodels.Violation) (string, error) {
	if violation.PositionID != "" {
		return violation.PositionID, nil
	}

	if e.state != nil {
		for _, position := range e.state.GetPositions(violation.AccountID) {
			if position.Symbol == violation.Symbol && position.PositionID != "" {
				return position.PositionID, nil
			}
		}
	}

	positions, err := e.broker.GetCurrentPositions(e.ctx, violation.AccountID)
	if err != nil {
		return "", fmt.Errorf("EnforcementExecutor.resolvePositionID: %w", err)
	}

	for _, position := range positions {
		if position.Symbol == violation.Symbol {
			return position.PositionID, nil
		}
	}

	return "", fmt.Errorf("EnforcementExecutor.resolvePositionID: %w: %s/%s", eventmodels.ErrPositionNotFound, violation.AccountID, violation.Symbol)
}

func (e *EnforcementExecutor) persistAudit(audit *eventmodels.EnforcementAction) {
	if e.db == nil {
		return
	}

	var err error
	if audit.ID == 0 {
		err = e.db.Create(audit).Error
	} else {
		err = e.db.Save(audit).Error
	}

	if err != nil {
		log.Errorf("EnforcementExecutor.persistAudit: failed to persist action %s: %v", audit.ActionID, err)
	}
}

func (e *EnforcementExecutor) Start(ctx context.Context) {
	e.wg.Add(1)
	e.ctx = ctx

	pubsub.Subscribe("EnforcementExecutor", pubsub.ViolationDetectedEvent, e.handleViolation)

	go func() {
		defer e.wg.Done()

		<-ctx.Done()
		e.pending.Wait()
		log.Info("stopping EnforcementExecutor consumer")
	}()
}
