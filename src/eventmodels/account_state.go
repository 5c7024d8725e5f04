package eventmodels

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountState carries the per-account risk aggregates the rules evaluate
// against. RealizedPnLToday accumulates from fills and resets at the session
// boundary; LastResetAt records the boundary the current value belongs to.
type AccountState struct {
	gorm.Model
	AccountID        string          `json:"account_id" gorm:"column:account_id;uniqueIndex"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today" gorm:"column:realized_pnl_today;type:numeric"`
	LastResetAt      time.Time       `json:"last_reset_at" gorm:"column:last_reset_at"`
	OpenPositions    int             `json:"open_positions" gorm:"column:open_positions"`
	TotalQuantity    int             `json:"total_quantity" gorm:"column:total_quantity"`
	LastEventAt      time.Time       `json:"last_event_at" gorm:"column:last_event_at"`

	// LockoutUntil and CooldownUntil are set by operators through riskctl
	// only. The daemon reports them but never sets them on its own.
	LockoutUntil  *time.Time `json:"lockout_until" gorm:"column:lockout_until"`
	CooldownUntil *time.Time `json:"cooldown_until" gorm:"column:cooldown_until"`

	// ErrorFlag latches when an enforcement attempt fails and clears on the
	// next confirmed one, so operators can see at a glance which accounts
	// need a look.
	ErrorFlag    bool   `json:"error_flag" gorm:"column:error_flag"`
	ErrorMessage string `json:"error_message" gorm:"column:error_message"`
}

func (s *AccountState) IsLockedOut(now time.Time) bool {
	return s.LockoutUntil != nil && now.Before(*s.LockoutUntil)
}

func (s *AccountState) IsInCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// AccountSnapshot is the immutable view handed to the rule engine for one
// evaluation pass. Positions are copies; rules never mutate live state.
type AccountSnapshot struct {
	AccountID        string
	RealizedPnLToday decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Positions        []Position
	EvaluatedAt      time.Time
}

func (s *AccountSnapshot) NetPnL() decimal.Decimal {
	return s.RealizedPnLToday.Add(s.UnrealizedPnL)
}

func (s *AccountSnapshot) TotalQuantity() int {
	var total int
	for _, p := range s.Positions {
		total += p.Quantity
	}

	return total
}
