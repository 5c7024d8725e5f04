package riskengine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

const DailyLossRuleName = "daily_loss"

// DailyLossRule flattens the account when the session's net PnL, realized
// plus unrealized, reaches the configured loss limit. The limit is a
// positive dollar amount; breaching means NetPnL <= -limit.
type DailyLossRule struct {
	limit decimal.Decimal
}

func NewDailyLossRule(limit decimal.Decimal) *DailyLossRule {
	return &DailyLossRule{limit: limit}
}

func (r *DailyLossRule) Name() string {
	return DailyLossRuleName
}

func (r *DailyLossRule) Evaluate(snapshot *eventmodels.AccountSnapshot, trigger *eventmodels.Event) []*eventmodels.Violation {
	net := snapshot.NetPnL()

	if net.GreaterThan(r.limit.Neg()) {
		return nil
	}

	return []*eventmodels.Violation{
		{
			RuleName:    r.Name(),
			AccountID:   snapshot.AccountID,
			Reason:      fmt.Sprintf("net daily pnl %s breached the daily loss limit %s", net.StringFixed(2), r.limit.Neg().StringFixed(2)),
			Action:      eventmodels.EnforcementActionFlatten,
			TriggeredBy: trigger.ID,
			Timestamp:   snapshot.EvaluatedAt,
		},
	}
}
