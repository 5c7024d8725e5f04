package eventmodels

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Position is the daemon's view of a net open position, keyed by account and
// symbol. PositionID is the broker's identifier and is adopted from the first
// authoritative snapshot or update that carries it; positions built purely
// from fills start with an empty PositionID.
type Position struct {
	gorm.Model
	PositionID      string           `json:"position_id" gorm:"column:position_id;index"`
	AccountID       string           `json:"account_id" gorm:"column:account_id;uniqueIndex:idx_positions_account_symbol"`
	Symbol          string           `json:"symbol" gorm:"column:symbol;uniqueIndex:idx_positions_account_symbol"`
	Side            Side             `json:"side" gorm:"column:side"`
	Quantity        int              `json:"quantity" gorm:"column:quantity"`
	EntryPrice      decimal.Decimal  `json:"entry_price" gorm:"column:entry_price;type:numeric"`
	CurrentPrice    decimal.Decimal  `json:"current_price" gorm:"column:current_price;type:numeric"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealized_pnl" gorm:"column:unrealized_pnl;type:numeric"`
	StopLossOrderID *string          `json:"stop_loss_order_id" gorm:"column:stop_loss_order_id"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price" gorm:"column:stop_loss_price;type:numeric"`
	OpenedAt        time.Time        `json:"opened_at" gorm:"column:opened_at"`
}

func (p *Position) HasStopLoss() bool {
	return p.StopLossOrderID != nil
}

// ComputeUnrealizedPnL values the position at currentPrice. The price
// difference is taken in ticks worth tickValue per contract and signed by
// side, so a short gains when price falls.
func (p *Position) ComputeUnrealizedPnL(currentPrice, tickValue decimal.Decimal) decimal.Decimal {
	diff := currentPrice.Sub(p.EntryPrice)
	qty := decimal.NewFromInt(int64(p.Quantity))

	return diff.Mul(qty).Mul(tickValue).Mul(p.Side.Direction())
}
