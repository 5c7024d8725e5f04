package eventmodels

import (
	"context"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// BrokerOrder is a resting order as reported by the broker's open orders
// query. Stop loss detection matches these against positions by account,
// symbol and opposing side.
type BrokerOrder struct {
	OrderID   string
	AccountID string
	Symbol    string
	Type      OrderType
	Side      Side
	Quantity  int
	StopPrice *decimal.Decimal
}

// IsProtective reports whether the order would reduce a position on the
// given side, i.e. it is a stop resting on the opposite side of the book.
func (o *BrokerOrder) IsProtective(positionSide Side) bool {
	return o.Type == OrderTypeStop && o.Side == positionSide.Opposite()
}

// IBroker is the daemon's outbound surface to the trading venue. All calls
// are synchronous request/response; streamed events, quotes included, arrive
// separately through the event normalizer.
type IBroker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetCurrentPositions(ctx context.Context, accountID string) ([]*Position, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]*BrokerOrder, error)
	ClosePosition(ctx context.Context, accountID string, positionID string, quantity *int) (*OrderResult, error)
	FlattenAccount(ctx context.Context, accountID string) ([]*OrderResult, error)
	PlaceStopOrder(ctx context.Context, accountID string, symbol string, side Side, quantity int, stopPrice decimal.Decimal) (*OrderResult, error)
	GetInstrumentTickValue(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetContractID(ctx context.Context, symbol string) (string, error)
}
