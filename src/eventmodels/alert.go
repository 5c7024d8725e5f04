package eventmodels

import "time"

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is an operator-facing notification. Critical alerts mean the daemon
// could not enforce something and a human has to look.
type Alert struct {
	Level     AlertLevel
	Source    string
	AccountID string
	Message   string
	Timestamp time.Time
}

func NewAlert(level AlertLevel, source string, accountID string, message string) *Alert {
	return &Alert{
		Level:     level,
		Source:    source,
		AccountID: accountID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
