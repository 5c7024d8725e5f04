package eventmodels

// IRiskRule is a single enforcement rule. Evaluate returns nil when the
// snapshot is compliant; a rule flagging several positions returns one
// violation per position. Rules receive the triggering event so that
// time-driven rules can ignore fills and vice versa.
type IRiskRule interface {
	Name() string
	Evaluate(snapshot *AccountSnapshot, trigger *Event) []*Violation
}

// IRuleEngine evaluates every enabled rule against one account snapshot and
// returns the violations in rule registration order.
type IRuleEngine interface {
	Evaluate(snapshot *AccountSnapshot, trigger *Event) []*Violation
}
