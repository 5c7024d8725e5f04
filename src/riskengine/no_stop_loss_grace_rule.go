package riskengine

import (
	"fmt"
	"time"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

const NoStopLossGraceRuleName = "no_stop_loss_grace"

// NoStopLossGraceRule closes any position that has stayed open beyond the
// grace period without a protective stop. Stop coverage on the snapshot is
// maintained by the stop loss monitor, which sees both the daemon's own
// bracket placements and, one poll late, stops placed by hand. The grace
// period exists to absorb exactly that polling latency.
type NoStopLossGraceRule struct {
	grace time.Duration
	nowFn func() time.Time
}

func NewNoStopLossGraceRule(grace time.Duration) *NoStopLossGraceRule {
	return &NoStopLossGraceRule{
		grace: grace,
		nowFn: time.Now,
	}
}

func (r *NoStopLossGraceRule) Name() string {
	return NoStopLossGraceRuleName
}

func (r *NoStopLossGraceRule) Evaluate(snapshot *eventmodels.AccountSnapshot, trigger *eventmodels.Event) []*eventmodels.Violation {
	now := r.nowFn()

	var violations []*eventmodels.Violation

	for i := range snapshot.Positions {
		p := snapshot.Positions[i]

		if p.HasStopLoss() {
			continue
		}

		age := now.Sub(p.OpenedAt)
		if age < r.grace {
			continue
		}

		violations = append(violations, &eventmodels.Violation{
			RuleName:    r.Name(),
			AccountID:   snapshot.AccountID,
			Reason:      fmt.Sprintf("position %s open for %s without a protective stop, grace is %s", p.Symbol, age.Truncate(time.Second), r.grace),
			Action:      eventmodels.EnforcementActionClose,
			PositionID:  p.PositionID,
			Symbol:      p.Symbol,
			TriggeredBy: trigger.ID,
			Timestamp:   snapshot.EvaluatedAt,
		})
	}

	return violations
}
