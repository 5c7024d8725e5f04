package eventmodels

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// NewSideFromBrokerCode maps the broker's integer side encoding: 0 is a buy
// and 1 is a sell. Any other value is rejected rather than guessed at.
func NewSideFromBrokerCode(code int) (Side, error) {
	switch code {
	case 0:
		return SideLong, nil
	case 1:
		return SideShort, nil
	default:
		return "", fmt.Errorf("NewSideFromBrokerCode: unknown side code %d", code)
	}
}

func (s Side) Validate() error {
	switch s {
	case SideLong, SideShort:
		return nil
	default:
		return fmt.Errorf("Side.Validate: invalid side: %s", s)
	}
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}

	return SideLong
}

// Direction returns +1 for long and -1 for short, used to sign PnL terms.
func (s Side) Direction() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}

	return decimal.NewFromInt(1)
}
