package eventmodels

import (
	"time"

	"gorm.io/gorm"
)

type EnforcementActionType string

const (
	EnforcementActionClose   EnforcementActionType = "close"
	EnforcementActionFlatten EnforcementActionType = "flatten"
	EnforcementActionLockout EnforcementActionType = "lockout"
)

type EnforcementStatus string

const (
	EnforcementStatusDispatched EnforcementStatus = "dispatched"
	EnforcementStatusConfirmed  EnforcementStatus = "confirmed"
	EnforcementStatusFailed     EnforcementStatus = "failed"
)

// EnforcementAction is the audit record of one enforcement dispatch. A row is
// written when the action is dispatched and updated when the broker confirms
// or the attempt is abandoned. The csv tags feed the audit export.
type EnforcementAction struct {
	gorm.Model   `csv:"-"`
	ActionID     string                `json:"action_id" gorm:"column:action_id;uniqueIndex" csv:"action_id"`
	AccountID    string                `json:"account_id" gorm:"column:account_id;index" csv:"account_id"`
	RuleName     string                `json:"rule_name" gorm:"column:rule_name" csv:"rule_name"`
	Action       EnforcementActionType `json:"action" gorm:"column:action" csv:"action"`
	Status       EnforcementStatus     `json:"status" gorm:"column:status" csv:"status"`
	Reason       string                `json:"reason" gorm:"column:reason" csv:"reason"`
	PositionIDs  string                `json:"position_ids" gorm:"column:position_ids" csv:"position_ids"`
	TriggeredBy  string                `json:"triggered_by" gorm:"column:triggered_by" csv:"triggered_by"`
	Error        string                `json:"error" gorm:"column:error" csv:"error"`
	DispatchedAt time.Time             `json:"dispatched_at" gorm:"column:dispatched_at" csv:"dispatched_at"`
	ResolvedAt   *time.Time            `json:"resolved_at" gorm:"column:resolved_at" csv:"resolved_at"`
}
