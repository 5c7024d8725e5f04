package eventmodels

import (
	"errors"
	"fmt"
)

var (
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrNoFreshPrice      = errors.New("no fresh price available")
	ErrQueueClosed       = errors.New("event queue is closed")
	ErrQueueFull         = errors.New("event queue is full")
	ErrFlattenIncomplete = errors.New("positions remain open after flatten")
)

type BrokerErrorKind string

const (
	BrokerErrorConnection BrokerErrorKind = "connection"
	BrokerErrorQuery      BrokerErrorKind = "query"
	BrokerErrorOrder      BrokerErrorKind = "order"
	BrokerErrorPrice      BrokerErrorKind = "price"
	BrokerErrorInstrument BrokerErrorKind = "instrument"
)

// BrokerError wraps any failure crossing the broker boundary. Transient
// marks failures worth retrying, e.g. a network drop but not an auth reject.
type BrokerError struct {
	Kind      BrokerErrorKind
	Operation string
	Transient bool
	Err       error
}

func NewBrokerError(kind BrokerErrorKind, operation string, transient bool, err error) *BrokerError {
	return &BrokerError{
		Kind:      kind,
		Operation: operation,
		Transient: transient,
		Err:       err,
	}
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s error in %s: %v", e.Kind, e.Operation, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// IsTransientErr reports whether err is a broker failure that a bounded
// retry could plausibly clear.
func IsTransientErr(err error) bool {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Transient
	}

	return false
}

// EnforcementFailureError marks an order failure that happened while acting
// on a violation. It exists so alerting can distinguish a failed risk action
// from an ordinary broker hiccup.
type EnforcementFailureError struct {
	AccountID string
	RuleName  string
	Action    EnforcementActionType
	Err       error
}

func (e *EnforcementFailureError) Error() string {
	return fmt.Sprintf("enforcement %s for account %s (rule %s) failed: %v", e.Action, e.AccountID, e.RuleName, e.Err)
}

func (e *EnforcementFailureError) Unwrap() error {
	return e.Err
}
