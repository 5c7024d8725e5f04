package eventmodels

import (
	"github.com/kataras/go-events"
	"github.com/shopspring/decimal"
)

// In-process signals carried over kataras/go-events, separate from the risk
// pipeline: these are advisory nudges, not ordered events.
const (
	StopOrderPlacedSignal events.EventName = "StopOrderPlacedSignal"
)

// StopOrderPlacement is the payload of StopOrderPlacedSignal, emitted when a
// protective stop is placed so the stop loss monitor can mark the position
// covered without waiting for its next poll.
type StopOrderPlacement struct {
	AccountID string
	Symbol    string
	OrderID   string
	StopPrice decimal.Decimal
}
