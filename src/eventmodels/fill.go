package eventmodels

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Fill is an order execution reported by the broker. Quantity is always
// positive; Side carries the direction.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  int
	Price     decimal.Decimal
	Timestamp time.Time
}

func (f *Fill) PayloadEventType() EventType {
	return EventTypeFill
}

func (f *Fill) DefaultPriority() int {
	return PriorityFill
}

func (f *Fill) Validate() error {
	if f.OrderID == "" {
		return fmt.Errorf("Fill.Validate: order id is not set")
	}

	if f.Symbol == "" {
		return fmt.Errorf("Fill.Validate: symbol is not set")
	}

	if err := f.Side.Validate(); err != nil {
		return fmt.Errorf("Fill.Validate: %w", err)
	}

	if f.Quantity <= 0 {
		return fmt.Errorf("Fill.Validate: quantity must be positive, got %d", f.Quantity)
	}

	return nil
}
