package riskengine

import (
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// RuleEngine runs every registered rule against one account snapshot and
// collects the violations in registration order.
type RuleEngine struct {
	rules []eventmodels.IRiskRule
}

func NewRuleEngine(rules ...eventmodels.IRiskRule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// NewRuleEngineFromConfig builds the engine with the rules the config
// enables. An engine with zero enabled rules is valid: the daemon still
// tracks state and serves the ops surface, it just never enforces.
func NewRuleEngineFromConfig(cfg *eventmodels.RulesConfigYAML) *RuleEngine {
	var rules []eventmodels.IRiskRule

	if cfg.DailyLoss.Enabled {
		rules = append(rules, NewDailyLossRule(decimal.NewFromFloat(cfg.DailyLoss.Limit)))
		log.Infof("RuleEngine: daily loss rule enabled with limit %.2f", cfg.DailyLoss.Limit)
	}

	if cfg.MaxPositionSize.Enabled {
		rules = append(rules, NewMaxPositionSizeRule(cfg.MaxPositionSize.MaxContracts))
		log.Infof("RuleEngine: max position size rule enabled with %d contracts", cfg.MaxPositionSize.MaxContracts)
	}

	if cfg.NoStopLoss.Enabled {
		rules = append(rules, NewNoStopLossGraceRule(cfg.NoStopLoss.Grace.ToDuration()))
		log.Infof("RuleEngine: no stop loss rule enabled with grace %s", cfg.NoStopLoss.Grace.ToDuration())
	}

	if len(rules) == 0 {
		log.Warn("RuleEngine: no rules enabled, running in observation mode")
	}

	return NewRuleEngine(rules...)
}

func (e *RuleEngine) Evaluate(snapshot *eventmodels.AccountSnapshot, trigger *eventmodels.Event) []*eventmodels.Violation {
	var violations []*eventmodels.Violation

	for _, rule := range e.rules {
		violations = append(violations, rule.Evaluate(snapshot, trigger)...)
	}

	return violations
}

func (e *RuleEngine) RuleNames() []string {
	names := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		names = append(names, rule.Name())
	}

	return names
}
