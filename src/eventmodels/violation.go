package eventmodels

import (
	"time"

	"github.com/google/uuid"
)

// Violation is a rule engine verdict that demands enforcement. PositionID
// and Symbol name the target of a close action; a flatten action ignores
// them and takes the whole account. CloseQuantity, when set, trims that many
// contracts instead of closing the position outright.
type Violation struct {
	RuleName      string
	AccountID     string
	Reason        string
	Action        EnforcementActionType
	PositionID    string
	Symbol        string
	CloseQuantity *int
	TriggeredBy   uuid.UUID
	Timestamp     time.Time
}
