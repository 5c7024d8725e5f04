package eventmodels

import "github.com/shopspring/decimal"

// OrderResult is the broker's answer to a close, flatten leg or stop
// placement. A rejected order is a result with Success false, not an error:
// transport failed is an error, broker said no is a result.
type OrderResult struct {
	Success  bool
	OrderID  string
	Symbol   string
	Side     Side
	Quantity int
	Price    *decimal.Decimal
	Reason   string
}
