package eventmodels

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionUpdate is the broker's authoritative statement of a single
// position. Quantity is signed on the wire: positive long, negative short,
// zero closed. UnrealizedPnL is filled in by the normalizer from the price
// cache and is exactly zero when no fresh price exists.
type PositionUpdate struct {
	PositionID    string
	Symbol        string
	Quantity      int
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Timestamp     time.Time
}

func (p *PositionUpdate) PayloadEventType() EventType {
	return EventTypePositionUpdate
}

func (p *PositionUpdate) DefaultPriority() int {
	return PriorityPositionUpdate
}

func (p *PositionUpdate) IsClosed() bool {
	return p.Quantity == 0
}

func (p *PositionUpdate) Side() Side {
	if p.Quantity < 0 {
		return SideShort
	}

	return SideLong
}

// AbsQuantity returns the unsigned contract count.
func (p *PositionUpdate) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}

	return p.Quantity
}
