package riskengine

import (
	"fmt"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

const MaxPositionSizeRuleName = "max_position_size"

// MaxPositionSizeRule trims any position holding more contracts than the
// configured ceiling back down to it. Only the excess is closed, so a fill
// that overshoots the limit by one contract costs one contract, not the
// whole position.
type MaxPositionSizeRule struct {
	maxContracts int
}

func NewMaxPositionSizeRule(maxContracts int) *MaxPositionSizeRule {
	return &MaxPositionSizeRule{maxContracts: maxContracts}
}

func (r *MaxPositionSizeRule) Name() string {
	return MaxPositionSizeRuleName
}

func (r *MaxPositionSizeRule) Evaluate(snapshot *eventmodels.AccountSnapshot, trigger *eventmodels.Event) []*eventmodels.Violation {
	var violations []*eventmodels.Violation

	for i := range snapshot.Positions {
		p := snapshot.Positions[i]

		if p.Quantity <= r.maxContracts {
			continue
		}

		excess := p.Quantity - r.maxContracts

		violations = append(violations, &eventmodels.Violation{
			RuleName:      r.Name(),
			AccountID:     snapshot.AccountID,
			Reason:        fmt.Sprintf("position %s holds %d contracts, limit is %d", p.Symbol, p.Quantity, r.maxContracts),
			Action:        eventmodels.EnforcementActionClose,
			PositionID:    p.PositionID,
			Symbol:        p.Symbol,
			CloseQuantity: &excess,
			TriggeredBy:   trigger.ID,
			Timestamp:     snapshot.EvaluatedAt,
		})
	}

	return violations
}
